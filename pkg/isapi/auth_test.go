package isapi

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseChallenge tests WWW-Authenticate parsing
func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		expectError bool
		expected    Challenge
	}{
		{
			name:   "hikvision digest",
			header: `Digest qop="auth", realm="DS-7608NI", nonce="4e5468694e7a42694e7a4d364f4449794e6a49354e54553d", stale="FALSE"`,
			expected: Challenge{
				AuthType:  "Digest",
				Realm:     "DS-7608NI",
				Nonce:     "4e5468694e7a42694e7a4d364f4449794e6a49354e54553d",
				Algorithm: "MD5",
				Qop:       "auth",
				Stale:     "FALSE",
			},
		},
		{
			name:   "digest with opaque and algorithm",
			header: `Digest realm="testrealm@host.com", qop="auth,auth-int", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41", algorithm=SHA-256`,
			expected: Challenge{
				AuthType:  "Digest",
				Realm:     "testrealm@host.com",
				Nonce:     "dcd98b7102dd2f0e8b11d0f600bfb0c093",
				Opaque:    "5ccc069c403ebaf9f0171e9517f40e41",
				Algorithm: "SHA-256",
				Qop:       "auth,auth-int",
			},
		},
		{
			name:     "basic",
			header:   `Basic realm="DS-2CD2143G0-I"`,
			expected: Challenge{AuthType: "Basic", Realm: "DS-2CD2143G0-I"},
		},
		{
			name:        "digest without nonce",
			header:      `Digest realm="x"`,
			expectError: true,
		},
		{
			name:        "unsupported scheme",
			header:      `Bearer realm="x"`,
			expectError: true,
		},
		{
			name:        "empty",
			header:      "  ",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, err := ParseChallenge(tt.header)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, *challenge)
		})
	}
}

// TestSelectChallengePrefersDigest tests challenge selection across header values
func TestSelectChallengePrefersDigest(t *testing.T) {
	header := http.Header{}
	header.Add("WWW-Authenticate", `Basic realm="nvr"`)
	header.Add("WWW-Authenticate", `Digest realm="nvr", nonce="abc", qop="auth"`)

	challenge, err := selectChallenge(header)
	require.NoError(t, err)
	assert.Equal(t, "Digest", challenge.AuthType)
	assert.Equal(t, "abc", challenge.Nonce)

	_, err = selectChallenge(http.Header{})
	assert.Error(t, err)

	basicOnly := http.Header{"Www-Authenticate": []string{`Basic realm="nvr"`}}
	challenge, err = selectChallenge(basicOnly)
	require.NoError(t, err)
	assert.Equal(t, "Basic", challenge.AuthType)
}

// TestBasicAuthHeader tests Basic Authentication header generation
func TestBasicAuthHeader(t *testing.T) {
	assert.Equal(t, "Basic YWRtaW46MTIzNDU=", generateBasicAuthHeader("admin", "12345"))
	assert.Equal(t, "Basic dXNlcjpwQHNzOncwcmQh", generateBasicAuthHeader("user", "p@ss:w0rd!"))
}

// TestDigestAuthorization recomputes the response from the emitted parameters
func TestDigestAuthorization(t *testing.T) {
	md5Hex := func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	sha256Hex := func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	}

	tests := []struct {
		name      string
		challenge Challenge
		nc        uint32
		expected  func(p map[string]string) string
	}{
		{
			name:      "md5 auth",
			challenge: Challenge{AuthType: "Digest", Realm: "testrealm@host.com", Nonce: "dcd98b7102dd2f0e8b11d0f600bfb0c093", Algorithm: "MD5", Qop: "auth"},
			nc:        1,
			expected: func(p map[string]string) string {
				ha1 := md5Hex("Mufasa:testrealm@host.com:Circle Of Life")
				ha2 := md5Hex("GET:/dir/index.html")
				return md5Hex(ha1 + ":" + p["nonce"] + ":" + p["nc"] + ":" + p["cnonce"] + ":auth:" + ha2)
			},
		},
		{
			name:      "md5 without qop",
			challenge: Challenge{AuthType: "Digest", Realm: "testrealm@host.com", Nonce: "dcd98b7102dd2f0e8b11d0f600bfb0c093", Algorithm: "MD5"},
			nc:        1,
			expected: func(p map[string]string) string {
				ha1 := md5Hex("Mufasa:testrealm@host.com:Circle Of Life")
				ha2 := md5Hex("GET:/dir/index.html")
				return md5Hex(ha1 + ":" + p["nonce"] + ":" + ha2)
			},
		},
		{
			name:      "md5-sess",
			challenge: Challenge{AuthType: "Digest", Realm: "testrealm@host.com", Nonce: "abc", Algorithm: "MD5-sess", Qop: "auth"},
			nc:        7,
			expected: func(p map[string]string) string {
				ha1 := md5Hex(md5Hex("Mufasa:testrealm@host.com:Circle Of Life") + ":abc:" + p["cnonce"])
				ha2 := md5Hex("GET:/dir/index.html")
				return md5Hex(ha1 + ":abc:" + p["nc"] + ":" + p["cnonce"] + ":auth:" + ha2)
			},
		},
		{
			name:      "sha-256 auth-int",
			challenge: Challenge{AuthType: "Digest", Realm: "r", Nonce: "n", Algorithm: "SHA-256", Qop: "auth-int"},
			nc:        2,
			expected: func(p map[string]string) string {
				ha1 := sha256Hex("Mufasa:r:Circle Of Life")
				ha2 := sha256Hex("GET:/dir/index.html:" + sha256Hex(""))
				return sha256Hex(ha1 + ":n:" + p["nc"] + ":" + p["cnonce"] + ":auth-int:" + ha2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, err := digestAuthorization(&tt.challenge, "Mufasa", "Circle Of Life", "GET", "/dir/index.html", tt.nc)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(header, "Digest "))

			params := parseAuthParams(strings.TrimPrefix(header, "Digest "))
			assert.Equal(t, "Mufasa", params["username"])
			assert.Equal(t, tt.challenge.Realm, params["realm"])
			assert.Equal(t, "/dir/index.html", params["uri"])
			assert.Equal(t, tt.expected(params), params["response"])
			if tt.challenge.Qop != "" {
				assert.Len(t, params["nc"], 8)
				assert.NotEmpty(t, params["cnonce"])
			}
		})
	}
}

// TestDigestNonceCountFormat tests the nc field is eight hex digits
func TestDigestNonceCountFormat(t *testing.T) {
	challenge := &Challenge{AuthType: "Digest", Realm: "r", Nonce: "n", Algorithm: "MD5", Qop: "auth"}

	header, err := digestAuthorization(challenge, "u", "p", "GET", "/", 0x1a)
	require.NoError(t, err)
	assert.Contains(t, header, "nc=0000001a")
}

// TestDigestUnsupportedAlgorithm tests unknown algorithms fail as protocol errors
func TestDigestUnsupportedAlgorithm(t *testing.T) {
	challenge := &Challenge{AuthType: "Digest", Realm: "r", Nonce: "n", Algorithm: "SHA-512-256"}

	_, err := digestAuthorization(challenge, "u", "p", "GET", "/", 1)
	assert.ErrorIs(t, err, ErrProtocol)
}

// TestSelectQOP tests qop negotiation
func TestSelectQOP(t *testing.T) {
	assert.Equal(t, "", selectQOP(""))
	assert.Equal(t, "auth", selectQOP("auth"))
	assert.Equal(t, "auth", selectQOP("auth-int, auth"))
	assert.Equal(t, "auth-int", selectQOP("auth-int"))
}

// TestSplitAuthParams tests splitting respects quoted commas
func TestSplitAuthParams(t *testing.T) {
	parts := splitAuthParams(`realm="a,b", nonce="x", qop="auth,auth-int"`)
	require.Len(t, parts, 3)
	assert.Equal(t, `realm="a,b"`, parts[0])
	assert.Equal(t, ` qop="auth,auth-int"`, parts[2])
}
