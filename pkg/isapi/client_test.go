package isapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isapi-bridge/pkg/isapi/isapitest"
)

const (
	testUser     = "admin"
	testPassword = "hik12345"
)

func newTestDevice(t *testing.T) (*isapitest.Device, *Client) {
	t.Helper()

	device := isapitest.New(t, testUser, testPassword)
	client, err := NewClient(device.URL(), Credentials{Username: testUser, Password: testPassword})
	require.NoError(t, err)

	return device, client
}

// TestEndpointURL tests base URL derivation from config fields
func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		secure   bool
		expected string
	}{
		{name: "plain host", host: "192.168.1.64", expected: "http://192.168.1.64"},
		{name: "secure", host: "nvr.local", secure: true, expected: "https://nvr.local"},
		{name: "explicit port", host: "192.168.1.64", port: 8080, expected: "http://192.168.1.64:8080"},
		{name: "host carries port", host: "192.168.1.64:8443", secure: true, expected: "https://192.168.1.64:8443"},
		{name: "port overrides host port", host: "192.168.1.64:80", port: 81, expected: "http://192.168.1.64:81"},
		{name: "ipv6", host: "[fe80::1]", port: 80, expected: "http://[fe80::1]:80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EndpointURL(tt.host, tt.port, tt.secure))
		})
	}
}

// TestNewClientValidation tests endpoint validation
func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name        string
		endpoint    string
		expectError bool
	}{
		{name: "http", endpoint: "http://192.168.1.64"},
		{name: "https with path", endpoint: "https://nvr.local/proxy/"},
		{name: "rtsp scheme", endpoint: "rtsp://192.168.1.64", expectError: true},
		{name: "missing host", endpoint: "http://", expectError: true},
		{name: "garbage", endpoint: "://bad", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.endpoint, Credentials{})
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

// TestResolve tests path joining under the base URL
func TestResolve(t *testing.T) {
	client, err := NewClient("https://nvr.local/proxy/", Credentials{})
	require.NoError(t, err)

	u := client.resolve("/ISAPI/System/deviceInfo")
	assert.Equal(t, "https://nvr.local/proxy/ISAPI/System/deviceInfo", u.String())

	u = client.resolve("ISAPI/Event/notification/alertStream?format=xml")
	assert.Equal(t, "/proxy/ISAPI/Event/notification/alertStream", u.Path)
	assert.Equal(t, "format=xml", u.RawQuery)
	assert.Equal(t, "/proxy/ISAPI/Event/notification/alertStream?format=xml", u.RequestURI())
}

// TestExecuteDigestRetry tests a 401 is answered once and the nonce is reused afterwards
func TestExecuteDigestRetry(t *testing.T) {
	device, client := newTestDevice(t)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)

	resp, err := client.Execute(context.Background(), http.MethodGet, DeviceInfoPath, nil)
	require.NoError(t, err)
	discardBody(resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	nonce, nc := client.digestState()
	assert.Equal(t, device.Nonce(), nonce)
	assert.Equal(t, uint32(1), nc)
	assert.Equal(t, 1, device.Challenges())

	resp, err = client.Execute(context.Background(), http.MethodGet, DeviceInfoPath, nil)
	require.NoError(t, err)
	discardBody(resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	nonce2, nc2 := client.digestState()
	assert.Equal(t, nonce, nonce2, "nonce should be reused")
	assert.Equal(t, uint32(2), nc2)
	assert.Equal(t, 1, device.Challenges(), "pre-auth should avoid a second challenge")
	assert.Equal(t, 0, device.Rejected())
}

// TestExecuteWrongPassword tests two consecutive 401s fail with an authentication error
func TestExecuteWrongPassword(t *testing.T) {
	device := isapitest.New(t, testUser, testPassword)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)

	client, err := NewClient(device.URL(), Credentials{Username: testUser, Password: "wrong"})
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), http.MethodGet, DeviceInfoPath, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.True(t, IsNonceExpiry(err))

	nonce, nc := client.digestState()
	assert.Empty(t, nonce, "rejected challenge should be discarded")
	assert.Zero(t, nc)
	assert.Equal(t, 2, device.Challenges())
}

// TestExecuteNonceExpiry tests a stale nonce is replaced transparently
func TestExecuteNonceExpiry(t *testing.T) {
	device, client := newTestDevice(t)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)

	_, err := client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)

	device.ExpireNonce()

	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)

	nonce, nc := client.digestState()
	assert.Equal(t, device.Nonce(), nonce)
	assert.Equal(t, uint32(1), nc, "nonce-count restarts with a new nonce")
	assert.Equal(t, 2, device.Challenges())
}

// TestExecuteConcurrent tests concurrent exchanges never reuse a nonce-count
func TestExecuteConcurrent(t *testing.T) {
	device, client := newTestDevice(t)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)

	// establish the challenge first so every goroutine pre-authenticates
	_, err := client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Fetch(context.Background(), DeviceInfoPath)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	_, nc := client.digestState()
	assert.Equal(t, uint32(workers+1), nc)
	assert.Equal(t, 0, device.Rejected())
}

// TestFetch tests document retrieval and the connected flag
func TestFetch(t *testing.T) {
	device, client := newTestDevice(t)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)
	assert.False(t, client.Connected())

	doc, err := client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	assert.Equal(t, "DeviceInfo", doc.Root())
	assert.Equal(t, "DS-7608NI-I2/8P", doc.String("DeviceInfo.model"))
	assert.True(t, client.Connected())
}

// TestFetchErrorStatus tests error statuses still decode the ResponseStatus document
func TestFetchErrorStatus(t *testing.T) {
	device, client := newTestDevice(t)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)
	device.SetStatus("/ISAPI/System/Video/inputs/channels", http.StatusForbidden)
	device.SetStatus("/ISAPI/System/Video/inputs/channels/1", http.StatusInternalServerError)

	_, err := client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	require.True(t, client.Connected())

	doc, err := client.Fetch(context.Background(), "/ISAPI/System/Video/inputs/channels")
	require.NoError(t, err)
	assert.Equal(t, "ResponseStatus", doc.Root())
	assert.Equal(t, "unAuthorized", doc.String("ResponseStatus.subStatusCode"))
	assert.False(t, client.Connected(), "an error status is not a successful call")

	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	require.True(t, client.Connected())

	doc, err = client.Fetch(context.Background(), "/ISAPI/System/Video/inputs/channels/1")
	require.NoError(t, err)
	assert.Equal(t, "ResponseStatus", doc.Root())
	assert.False(t, client.Connected())
}

// TestFetchNonXMLErrorStatus tests a non-XML error body surfaces as a status error
func TestFetchNonXMLErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, Credentials{})
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.True(t, IsRetryable(err))
	assert.False(t, client.Connected())
}

// TestFetchNetworkError tests connection failures are network errors
func TestFetchNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	client, err := NewClient(endpoint, Credentials{}, WithConnectTimeout(time.Second))
	require.NoError(t, err)
	client.setConnected(true)

	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.False(t, client.Connected())
}

// TestFetchTimeout tests discovery calls are bounded
func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(server.URL, Credentials{}, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TestInsecureTLS tests certificate validation can be skipped without dropping TLS
func TestInsecureTLS(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			http.Error(w, "tls required", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(isapitest.DeviceInfoXML))
	}))
	defer server.Close()

	strict, err := NewClient(server.URL, Credentials{})
	require.NoError(t, err)
	_, err = strict.Fetch(context.Background(), DeviceInfoPath)
	assert.ErrorIs(t, err, ErrNetwork, "self-signed certificate should be rejected")

	insecure, err := NewClient(server.URL, Credentials{InsecureSkipVerify: true})
	require.NoError(t, err)
	doc, err := insecure.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	assert.Equal(t, "Network Video Recorder", doc.String("DeviceInfo.deviceName"))
}

// TestBasicFallback tests devices offering only Basic authentication
func TestBasicFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testUser || pass != testPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="camera"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(isapitest.DeviceInfoXML))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, Credentials{Username: testUser, Password: testPassword})
	require.NoError(t, err)

	doc, err := client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	assert.Equal(t, "NVR", doc.String("DeviceInfo.deviceType"))
}

// TestClientMetrics tests exchanges are counted
func TestClientMetrics(t *testing.T) {
	device := isapitest.New(t, testUser, testPassword)
	device.SetDocument(DeviceInfoPath, isapitest.DeviceInfoXML)

	metrics := NewMetrics(prometheus.NewRegistry())
	client, err := NewClient(device.URL(), Credentials{Username: testUser, Password: testPassword}, WithMetrics(metrics))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), DeviceInfoPath)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.challenges))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.requests.WithLabelValues("200")))
}
