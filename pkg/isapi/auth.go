package isapi

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"
)

// Challenge represents an authentication challenge from the device
type Challenge struct {
	AuthType  string // "Basic" or "Digest"
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	Qop       string // Quality of Protection
	Stale     string
}

// selectChallenge picks the strongest challenge among the WWW-Authenticate values.
// Digest wins over Basic.
func selectChallenge(header http.Header) (*Challenge, error) {
	values := header.Values("WWW-Authenticate")
	if len(values) == 0 {
		return nil, fmt.Errorf("WWW-Authenticate header not found")
	}

	var basic *Challenge
	var lastErr error
	for _, value := range values {
		challenge, err := ParseChallenge(value)
		if err != nil {
			lastErr = err
			continue
		}
		if challenge.AuthType == "Digest" {
			return challenge, nil
		}
		if basic == nil {
			basic = challenge
		}
	}

	if basic != nil {
		return basic, nil
	}
	return nil, lastErr
}

// ParseChallenge parses a single WWW-Authenticate header value
func ParseChallenge(wwwAuth string) (*Challenge, error) {
	wwwAuth = strings.TrimSpace(wwwAuth)
	if wwwAuth == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	challenge := &Challenge{}

	scheme, rest, _ := strings.Cut(wwwAuth, " ")
	switch {
	case strings.EqualFold(scheme, "Basic"):
		challenge.AuthType = "Basic"
	case strings.EqualFold(scheme, "Digest"):
		challenge.AuthType = "Digest"
	default:
		return nil, fmt.Errorf("unsupported authentication type %q", scheme)
	}

	params := parseAuthParams(rest)
	challenge.Realm = params["realm"]
	challenge.Nonce = params["nonce"]
	challenge.Opaque = params["opaque"]
	challenge.Algorithm = params["algorithm"]
	challenge.Qop = params["qop"]
	challenge.Stale = params["stale"]

	if challenge.AuthType == "Digest" {
		if challenge.Nonce == "" {
			return nil, fmt.Errorf("digest challenge without nonce")
		}
		// Default algorithm to MD5 if not specified
		if challenge.Algorithm == "" {
			challenge.Algorithm = "MD5"
		}
	}

	return challenge, nil
}

// parseAuthParams parses authentication parameters from WWW-Authenticate header
func parseAuthParams(authStr string) map[string]string {
	params := make(map[string]string)

	for _, part := range splitAuthParams(authStr) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), "\"")
		params[key] = value
	}

	return params
}

// splitAuthParams splits auth parameters respecting quoted strings
func splitAuthParams(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if ch == '"' {
			inQuotes = !inQuotes
			current.WriteByte(ch)
		} else if ch == ',' && !inQuotes {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		} else {
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

// generateBasicAuthHeader generates Basic authentication header
func generateBasicAuthHeader(username, password string) string {
	credentials := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
}

// digestAuthorization builds the Authorization value for one request.
// nc is the nonce-count already reserved for this request.
func digestAuthorization(challenge *Challenge, username, password, method, uri string, nc uint32) (string, error) {
	newHash, sess, err := digestHash(challenge.Algorithm)
	if err != nil {
		return "", err
	}

	qop := selectQOP(challenge.Qop)
	ncValue := fmt.Sprintf("%08x", nc)
	cnonce := ""
	if qop != "" || sess {
		cnonce = generateClientNonce()
	}

	ha1 := hexHash(newHash, username+":"+challenge.Realm+":"+password)
	if sess {
		ha1 = hexHash(newHash, ha1+":"+challenge.Nonce+":"+cnonce)
	}
	ha2 := hexHash(newHash, method+":"+uri)
	if qop == "auth-int" {
		// requests carry no entity body
		ha2 = hexHash(newHash, method+":"+uri+":"+hexHash(newHash, ""))
	}

	var response string
	if qop != "" {
		response = hexHash(newHash, strings.Join([]string{ha1, challenge.Nonce, ncValue, cnonce, qop, ha2}, ":"))
	} else {
		response = hexHash(newHash, strings.Join([]string{ha1, challenge.Nonce, ha2}, ":"))
	}

	return buildDigestHeader(challenge, username, uri, response, qop, ncValue, cnonce), nil
}

func buildDigestHeader(challenge *Challenge, username, uri, response, qop, nc, cnonce string) string {
	var parts []string
	parts = append(parts, fmt.Sprintf(`username="%s"`, username))
	parts = append(parts, fmt.Sprintf(`realm="%s"`, challenge.Realm))
	parts = append(parts, fmt.Sprintf(`nonce="%s"`, challenge.Nonce))
	parts = append(parts, fmt.Sprintf(`uri="%s"`, uri))
	parts = append(parts, fmt.Sprintf(`response="%s"`, response))

	if challenge.Opaque != "" {
		parts = append(parts, fmt.Sprintf(`opaque="%s"`, challenge.Opaque))
	}

	if challenge.Algorithm != "" {
		parts = append(parts, fmt.Sprintf(`algorithm=%s`, challenge.Algorithm))
	}

	if qop != "" {
		parts = append(parts, fmt.Sprintf(`qop=%s`, qop))
		parts = append(parts, fmt.Sprintf(`nc=%s`, nc))
		parts = append(parts, fmt.Sprintf(`cnonce="%s"`, cnonce))
	} else if cnonce != "" {
		parts = append(parts, fmt.Sprintf(`cnonce="%s"`, cnonce))
	}

	return "Digest " + strings.Join(parts, ", ")
}

// digestHash maps the challenge algorithm to a hash constructor
func digestHash(algorithm string) (func() hash.Hash, bool, error) {
	switch strings.ToUpper(algorithm) {
	case "", "MD5":
		return md5.New, false, nil
	case "MD5-SESS":
		return md5.New, true, nil
	case "SHA-256":
		return sha256.New, false, nil
	case "SHA-256-SESS":
		return sha256.New, true, nil
	default:
		return nil, false, fmt.Errorf("%w: unsupported digest algorithm %q", ErrProtocol, algorithm)
	}
}

func selectQOP(qop string) string {
	if qop == "" {
		return ""
	}

	parts := strings.Split(qop, ",")
	for _, part := range parts {
		if strings.TrimSpace(strings.ToLower(part)) == "auth" {
			return "auth"
		}
	}

	return strings.ToLower(strings.TrimSpace(parts[0]))
}

func generateClientNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func hexHash(newHash func() hash.Hash, data string) string {
	h := newHash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
