package isapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout bounds one discovery exchange
	DefaultTimeout = 8 * time.Second
	// DefaultConnectTimeout bounds dialing, the TLS handshake and waiting for
	// response headers. It is the only bound on the streaming request.
	DefaultConnectTimeout = 10 * time.Second

	maxDocumentSize = 4 << 20
)

// Credentials authenticate the bridge against the device
type Credentials struct {
	Username string
	Password string
	// InsecureSkipVerify keeps TLS but skips certificate chain validation
	InsecureSkipVerify bool
}

// Client performs digest-authenticated ISAPI exchanges against one device.
// It is safe for concurrent use; the digest nonce-count is serialized.
type Client struct {
	baseURL        *url.URL
	creds          Credentials
	httpClient     *http.Client
	timeout        time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *Metrics

	mu        sync.Mutex
	challenge *Challenge
	nc        uint32

	connected atomic.Bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the discovery request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConnectTimeout sets the dial, TLS handshake and response header timeout
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Its Timeout must be zero
// or the event stream will be cut off.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the instrumentation shared with the monitor
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// EndpointURL derives the device base URL from host and TLS settings.
// host may already carry a port; port 0 keeps the scheme default.
func EndpointURL(host string, port int, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}

	if port > 0 {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
	}

	return scheme + "://" + host
}

// NewClient creates a client for the device at endpoint (scheme and host)
func NewClient(endpoint string, creds Credentials, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL:        u,
		creds:          creds,
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: c.newTransport()}
	}

	return c, nil
}

func (c *Client) newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   c.connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: c.creds.InsecureSkipVerify},
		TLSHandshakeTimeout:   c.connectTimeout,
		ResponseHeaderTimeout: c.connectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// BaseURL returns the device base URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Connected reports whether the last discovery call or stream attempt succeeded
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) setConnected(ok bool) {
	c.connected.Store(ok)
}

// Execute performs one authenticated exchange. The last known challenge is
// applied up front; a 401 answer is retried once with a fresh challenge. The
// caller owns the response body. Non-401 statuses are returned, not failed.
func (c *Client) Execute(ctx context.Context, method, path string, header http.Header) (*http.Response, error) {
	target := c.resolve(path)

	authorization, err := c.authorization(method, target)
	if err != nil {
		c.resetChallenge()
		return nil, err
	}

	resp, err := c.send(ctx, method, target, header, authorization, "initial")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		c.metrics.observeRequest(resp.StatusCode)
		return resp, nil
	}

	challenge, err := selectChallenge(resp.Header)
	discardBody(resp)
	if err != nil {
		c.resetChallenge()
		c.metrics.observeRequest(http.StatusUnauthorized)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrAuthentication, method, target.Redacted(), err)
	}

	c.logger.Debug("Digest challenge received",
		"method", method, "url", target.Redacted(),
		"realm", challenge.Realm, "stale", challenge.Stale)
	c.metrics.observeChallenge()
	c.setChallenge(challenge)

	authorization, err = c.authorization(method, target)
	if err != nil {
		c.resetChallenge()
		return nil, err
	}

	resp, err = c.send(ctx, method, target, header, authorization, "digest")
	if err != nil {
		return nil, err
	}
	c.metrics.observeRequest(resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		discardBody(resp)
		c.resetChallenge()
		return nil, newStatusError(http.StatusUnauthorized, method, target.Redacted())
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, method string, target *url.URL, header http.Header, authorization, phase string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	c.logger.Debug("ISAPI request", "phase", phase, "method", method, "url", target.Redacted(),
		"authorized", authorization != "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, target.Redacted(), err)
	}

	c.logger.Debug("ISAPI response", "phase", phase, "method", method, "url", target.Redacted(),
		"status", resp.StatusCode)

	return resp, nil
}

func (c *Client) resolve(path string) *url.URL {
	p, query, _ := strings.Cut(path, "?")

	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(p, "/")
	u.RawQuery = query
	return &u
}

// authorization reserves the next nonce-count and builds the header value.
// It returns "" before the first challenge.
func (c *Client) authorization(method string, target *url.URL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil {
		return "", nil
	}

	if c.challenge.AuthType == "Basic" {
		return generateBasicAuthHeader(c.creds.Username, c.creds.Password), nil
	}

	c.nc++
	return digestAuthorization(c.challenge, c.creds.Username, c.creds.Password, method, target.RequestURI(), c.nc)
}

// setChallenge installs a challenge. The nonce-count restarts only when the
// nonce changes; concurrent callers answering the same challenge keep counting.
func (c *Client) setChallenge(challenge *Challenge) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if challenge == nil || c.challenge == nil || c.challenge.Nonce != challenge.Nonce {
		c.nc = 0
	}
	c.challenge = challenge
}

func (c *Client) resetChallenge() {
	c.setChallenge(nil)
}

// digestState returns the current nonce and nonce-count
func (c *Client) digestState() (string, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil {
		return "", 0
	}
	return c.challenge.Nonce, c.nc
}

// Fetch performs a bounded GET and decodes the XML body. Error statuses are
// decoded as well because the device describes failures in a ResponseStatus
// document.
func (c *Client) Fetch(ctx context.Context, path string) (Map, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.Execute(ctx, http.MethodGet, path, http.Header{"Accept": []string{"application/xml"}})
	if err != nil {
		c.setConnected(false)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		c.setConnected(false)
		return nil, fmt.Errorf("%w: reading %s: %w", ErrNetwork, path, err)
	}

	doc, err := DecodeXML(body)
	if err != nil {
		c.setConnected(false)
		if resp.StatusCode >= 300 {
			return nil, newStatusError(resp.StatusCode, http.MethodGet, c.resolve(path).Redacted())
		}
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if resp.StatusCode >= 300 {
		c.logger.Debug("ISAPI error status", "url", c.resolve(path).Redacted(), "status", resp.StatusCode,
			"subStatus", doc.String("ResponseStatus.subStatusCode"))
	}

	c.setConnected(resp.StatusCode < 300)
	return doc, nil
}

func discardBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
