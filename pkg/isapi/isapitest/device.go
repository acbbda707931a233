// Package isapitest provides a fake ISAPI device for tests: digest
// authentication with nonce rotation, static XML resources and scriptable
// alertStream connections.
package isapitest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	// Realm is the digest realm announced by the fake device
	Realm = "DS-7608NI"
	// Boundary separates alertStream parts
	Boundary = "boundary"

	alertStreamPath = "/ISAPI/Event/notification/alertStream"
)

// Device is a fake ISAPI device backed by an httptest server
type Device struct {
	server   *httptest.Server
	username string
	password string

	mu         sync.Mutex
	nonce      string
	nonceSeq   int
	seenNC     map[string]map[uint32]bool
	documents  map[string]string
	statuses   map[string]int
	requests   map[string]int
	challenges int
	rejected   int
	script     []int
	connects   []time.Time
	active     map[*Stream]struct{}

	streams chan *Stream
}

// New starts a fake device accepting username and password. The server is
// closed when the test ends.
func New(t testing.TB, username, password string) *Device {
	t.Helper()

	d := &Device{
		username:  username,
		password:  password,
		seenNC:    make(map[string]map[uint32]bool),
		documents: make(map[string]string),
		statuses:  make(map[string]int),
		requests:  make(map[string]int),
		active:    make(map[*Stream]struct{}),
		streams:   make(chan *Stream, 16),
	}
	d.rotateNonceLocked()

	d.server = httptest.NewServer(http.HandlerFunc(d.serveHTTP))
	t.Cleanup(d.Close)

	return d
}

// URL returns the base URL of the device
func (d *Device) URL() string {
	return d.server.URL
}

// Close ends every open stream and shuts the server down
func (d *Device) Close() {
	d.mu.Lock()
	active := make([]*Stream, 0, len(d.active))
	for s := range d.active {
		active = append(active, s)
	}
	d.mu.Unlock()

	for _, s := range active {
		s.Close()
	}
	d.server.Close()
}

// SetDocument serves body with status 200 at path
func (d *Device) SetDocument(path, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.documents[path] = body
	delete(d.statuses, path)
}

// SetStatus answers path with status and a ResponseStatus document
func (d *Device) SetStatus(path string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.statuses[path] = status
}

// ScriptStream sets the statuses returned by the next alertStream
// connections, in order. Once the script is exhausted connections succeed.
func (d *Device) ScriptStream(statuses ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.script = append(d.script, statuses...)
}

// ExpireNonce issues a new nonce. Requests signed with the old one are
// answered with a stale challenge.
func (d *Device) ExpireNonce() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rotateNonceLocked()
}

// Nonce returns the current server nonce
func (d *Device) Nonce() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.nonce
}

// Challenges returns how many 401 challenges were sent
func (d *Device) Challenges() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.challenges
}

// Rejected returns how many signed requests failed verification
func (d *Device) Rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rejected
}

// Requests returns how many authenticated requests reached path
func (d *Device) Requests(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.requests[path]
}

// StreamConnects returns the arrival time of every authenticated alertStream request
func (d *Device) StreamConnects() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]time.Time(nil), d.connects...)
}

// ActiveStreams returns the number of open alertStream responses
func (d *Device) ActiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.active)
}

// NextStream waits for the next successful alertStream connection
func (d *Device) NextStream(t testing.TB, timeout time.Duration) *Stream {
	t.Helper()

	select {
	case s := <-d.streams:
		return s
	case <-time.After(timeout):
		t.Fatalf("no alert stream connection within %s", timeout)
		return nil
	}
}

func (d *Device) rotateNonceLocked() {
	d.nonceSeq++
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d", time.Now().UnixNano(), d.nonceSeq)))
	d.nonce = hex.EncodeToString(sum[:])
	d.seenNC[d.nonce] = make(map[uint32]bool)
}

func (d *Device) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !d.authorize(w, r) {
		return
	}

	d.mu.Lock()
	d.requests[r.URL.Path]++
	status, hasStatus := d.statuses[r.URL.Path]
	body, hasBody := d.documents[r.URL.Path]
	d.mu.Unlock()

	switch {
	case r.URL.Path == alertStreamPath:
		d.serveStream(w, r)
	case hasStatus:
		writeXML(w, status, ResponseStatusXML(status))
	case hasBody:
		writeXML(w, http.StatusOK, body)
	default:
		writeXML(w, http.StatusNotFound, ResponseStatusXML(http.StatusNotFound))
	}
}

// authorize verifies a digest Authorization header, answering 401 with a
// challenge when it is absent, stale or wrong
func (d *Device) authorize(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	scheme, rest, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Digest") {
		d.challenge(w, false)
		return false
	}

	params := parseParams(rest)
	nc, err := strconv.ParseUint(params["nc"], 16, 32)
	if err != nil {
		d.reject(w, false)
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if params["nonce"] != d.nonce {
		d.rejected++
		d.challengeLocked(w, true)
		return false
	}

	expected := digestResponse(d.username, d.password, params["realm"], r.Method, params["uri"],
		params["nonce"], params["nc"], params["cnonce"], params["qop"])

	seen := d.seenNC[d.nonce]
	valid := params["username"] == d.username &&
		params["realm"] == Realm &&
		params["uri"] == r.URL.RequestURI() &&
		params["response"] == expected &&
		!seen[uint32(nc)]
	if !valid {
		d.rejected++
		d.challengeLocked(w, false)
		return false
	}

	seen[uint32(nc)] = true
	return true
}

func (d *Device) reject(w http.ResponseWriter, stale bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rejected++
	d.challengeLocked(w, stale)
}

func (d *Device) challenge(w http.ResponseWriter, stale bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.challengeLocked(w, stale)
}

func (d *Device) challengeLocked(w http.ResponseWriter, stale bool) {
	d.challenges++

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Digest realm="%s", domain="::", qop="auth", nonce="%s", opaque="", algorithm="MD5", stale="%s"`,
		Realm, d.nonce, strings.ToUpper(strconv.FormatBool(stale))))
	writeXML(w, http.StatusUnauthorized, ResponseStatusXML(http.StatusUnauthorized))
}

func (d *Device) serveStream(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.connects = append(d.connects, time.Now())
	status := http.StatusOK
	if len(d.script) > 0 {
		status = d.script[0]
		d.script = d.script[1:]
	}
	d.mu.Unlock()

	if status != http.StatusOK {
		writeXML(w, status, ResponseStatusXML(status))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+Boundary)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &Stream{
		w:            w,
		flusher:      flusher,
		closed:       make(chan struct{}),
		disconnected: make(chan struct{}),
	}

	d.mu.Lock()
	d.active[s] = struct{}{}
	d.mu.Unlock()

	select {
	case d.streams <- s:
	case <-s.closed:
	case <-r.Context().Done():
	}

	select {
	case <-s.closed:
	case <-r.Context().Done():
	}

	s.finish()

	d.mu.Lock()
	delete(d.active, s)
	d.mu.Unlock()
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", `application/xml; charset="UTF-8"`)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func digestResponse(username, password, realm, method, uri, nonce, nc, cnonce, qop string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	if qop == "" {
		return md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}
	return md5Hex(strings.Join([]string{ha1, nonce, nc, cnonce, qop, ha2}, ":"))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseParams splits comma separated key=value pairs, honouring quotes
func parseParams(s string) map[string]string {
	params := make(map[string]string)

	var parts []string
	var current strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, current.String())

	for _, part := range parts {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
	}

	return params
}
