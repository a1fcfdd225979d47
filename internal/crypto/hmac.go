// Package crypto provides HMAC request signing for the trading venue's REST
// and private websocket APIs.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names of an authenticated v5 REST request.
const (
	HeaderAPIKey     = "X-BAPI-API-KEY"
	HeaderTimestamp  = "X-BAPI-TIMESTAMP"
	HeaderRecvWindow = "X-BAPI-RECV-WINDOW"
	HeaderSignature  = "X-BAPI-SIGN"
)

// HMACAuth holds one account's API credentials.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers returns the authentication headers for a REST request. payload is
// the raw query string for GET requests and the JSON body otherwise. The
// signature is hex(HMAC-SHA256(secret, timestamp+key+recvWindow+payload)).
func (h *HMACAuth) Headers(payload string, recvWindow time.Duration) map[string]string {
	return h.HeadersAt(payload, recvWindow, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the millisecond
// timestamp.
func (h *HMACAuth) HeadersAt(payload string, recvWindow time.Duration, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	rw := strconv.FormatInt(recvWindow.Milliseconds(), 10)
	return map[string]string{
		HeaderAPIKey:     h.Key,
		HeaderTimestamp:  ts,
		HeaderRecvWindow: rw,
		HeaderSignature:  hmacSHA256Hex([]byte(h.Secret), ts+h.Key+rw+payload),
	}
}

// WSAuthArgs returns the arguments of the private websocket "auth" op for a
// signature valid until expires.
func (h *HMACAuth) WSAuthArgs(expires time.Time) []any {
	ms := expires.UnixMilli()
	return []any{h.Key, ms, hmacSHA256Hex([]byte(h.Secret), "GET/realtime"+strconv.FormatInt(ms, 10))}
}

// Valid reports whether both credentials are set.
func (h *HMACAuth) Valid() bool {
	return h != nil && h.Key != "" && h.Secret != ""
}

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
