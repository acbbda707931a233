package isapi

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxPartSize bounds a single part body. Event documents are a few KiB.
const DefaultMaxPartSize = 1 << 20

// MaxHeaderSize bounds the bytes buffered while waiting for a header terminator
const MaxHeaderSize = 64 << 10

var headerTerminator = []byte("\r\n\r\n")

// Part is one framed part of the event stream
type Part struct {
	Header map[string]string // lowercased header name -> value
	Body   []byte
}

// PartHandler receives each complete part in arrival order
type PartHandler func(part Part)

// FramingErrorHandler receives each header block that could not be framed
type FramingErrorHandler func(err error)

// MultipartParser incrementally splits a byte stream into Content-Length
// framed parts. Chunk boundaries need not align with part boundaries.
// A parser is not safe for concurrent use; one reader feeds it sequentially.
type MultipartParser struct {
	buf         []byte
	onPart      PartHandler
	onError     FramingErrorHandler
	maxPartSize int
}

// NewMultipartParser creates a parser. onError may be nil.
func NewMultipartParser(onPart PartHandler, onError FramingErrorHandler) *MultipartParser {
	return &MultipartParser{
		onPart:      onPart,
		onError:     onError,
		maxPartSize: DefaultMaxPartSize,
	}
}

// SetMaxPartSize sets the largest Content-Length accepted
func (p *MultipartParser) SetMaxPartSize(size int) {
	if size > 0 {
		p.maxPartSize = size
	}
}

// Buffered returns the number of bytes held waiting for more data
func (p *MultipartParser) Buffered() int {
	return len(p.buf)
}

// Write appends chunk to the buffer and emits every part it completes.
// It never fails; framing problems go to the error handler.
func (p *MultipartParser) Write(chunk []byte) (int, error) {
	p.buf = append(p.buf, chunk...)

	consumed := 0
	for {
		rest := p.buf[consumed:]

		headerEnd := bytes.Index(rest, headerTerminator)
		if headerEnd == -1 {
			if len(rest) > MaxHeaderSize {
				// keep a possible terminator prefix so a split "\r\n\r\n" still matches
				keep := len(headerTerminator) - 1
				p.reportError(&FramingError{
					Reason: fmt.Sprintf("no header terminator within %d bytes", MaxHeaderSize),
					Header: string(rest[:64]),
				})
				consumed += len(rest) - keep
			}
			break
		}

		rawHeader := rest[:headerEnd]
		bodyStart := headerEnd + len(headerTerminator)

		// blank padding between parts
		if len(bytes.TrimSpace(rawHeader)) == 0 {
			consumed += bodyStart
			continue
		}

		header := parsePartHeader(rawHeader)
		contentLength, err := p.contentLength(header)
		if err != nil {
			p.reportError(&FramingError{Reason: err.Error(), Header: string(rawHeader)})
			consumed += bodyStart
			continue
		}

		if len(rest) < bodyStart+contentLength {
			// partial body, wait for more data
			break
		}

		body := bytes.TrimSpace(rest[bodyStart : bodyStart+contentLength])
		consumed += bodyStart + contentLength

		if p.onPart != nil {
			p.onPart(Part{
				Header: header,
				Body:   append([]byte(nil), body...),
			})
		}
	}

	if consumed > 0 {
		remaining := copy(p.buf, p.buf[consumed:])
		p.buf = p.buf[:remaining]
	}

	return len(chunk), nil
}

// Reset drops any buffered partial part
func (p *MultipartParser) Reset() {
	p.buf = p.buf[:0]
}

func (p *MultipartParser) contentLength(header map[string]string) (int, error) {
	value, ok := header["content-length"]
	if !ok {
		return 0, fmt.Errorf("missing Content-Length header")
	}

	length, err := strconv.Atoi(value)
	if err != nil || length < 0 {
		return 0, fmt.Errorf("invalid Content-Length %q", value)
	}
	if length > p.maxPartSize {
		return 0, fmt.Errorf("Content-Length %d exceeds limit %d", length, p.maxPartSize)
	}

	return length, nil
}

func (p *MultipartParser) reportError(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// parsePartHeader parses colon separated header lines. Boundary delimiter
// lines carry no colon and are skipped.
func parsePartHeader(raw []byte) map[string]string {
	header := make(map[string]string)

	for _, line := range strings.Split(string(raw), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		header[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	return header
}
