package isapitest

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned when writing to a stream whose response ended
var ErrStreamClosed = errors.New("isapitest: stream closed")

// Stream is one open alertStream response
type Stream struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	closed       chan struct{}
	disconnected chan struct{}

	mu        sync.Mutex
	ended     bool
	closeOnce sync.Once
}

// Send writes xml as one framed part
func (s *Stream) Send(xml string) error {
	return s.WriteRaw([]byte(Part(xml)))
}

// WriteRaw writes bytes to the response as-is and flushes them
func (s *Stream) WriteRaw(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return ErrStreamClosed
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close ends the response; the client sees a clean end of stream
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.disconnected
}

// Done is closed once the response has ended, either by Close or because the
// client went away
func (s *Stream) Done() <-chan struct{} {
	return s.disconnected
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()

	close(s.disconnected)
}

// Part frames body the way the device does: boundary line, headers, blank
// line, body
func Part(body string) string {
	return fmt.Sprintf("--%s\r\nContent-Type: application/xml; charset=\"UTF-8\"\r\nContent-Length: %d\r\n\r\n%s\r\n",
		Boundary, len(body), body)
}
