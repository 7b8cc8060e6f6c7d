package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultRecvWindow is the request validity window, in milliseconds, sent
// with every signed request.
const DefaultRecvWindow = 5000

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the Bybit v5 API.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret
	RecvWindow int    // milliseconds; DefaultRecvWindow when zero
}

// Headers returns the HTTP headers for a v5 request. The signature is
// HMAC-SHA256(secret, timestamp+apiKey+recvWindow+payload) encoded as hex,
// where payload is the query string for GET and the raw body for POST.
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-SIGN
//   - X-BAPI-SIGN-TYPE
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-RECV-WINDOW
func (h *HMACAuth) Headers(payload string) map[string]string {
	return h.HeadersAt(payload, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(payload string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	recv := strconv.Itoa(h.recvWindow())

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-SIGN":        h.Sign(ts, recv, payload),
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recv,
	}
}

// Sign computes the hex signature for one request.
func (h *HMACAuth) Sign(timestamp, recvWindow, payload string) string {
	return hmacSHA256Hex([]byte(h.Secret), timestamp+h.Key+recvWindow+payload)
}

func (h *HMACAuth) recvWindow() int {
	if h.RecvWindow <= 0 {
		return DefaultRecvWindow
	}
	return h.RecvWindow
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// lower-case hex digest.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
