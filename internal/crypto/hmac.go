package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for an HMAC-authenticated venue.
type HMACAuth struct {
	Key    string
	Secret string
}

// Empty reports whether no credentials are configured.
func (h *HMACAuth) Empty() bool {
	return h == nil || h.Key == "" || h.Secret == ""
}

// BybitHeaders returns the v5 auth headers for a request. payload is the raw
// query string for GET requests or the JSON body for POST requests. The
// signature is HMAC-SHA256(secret, timestamp+key+recvWindow+payload) in hex.
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-RECV-WINDOW
//   - X-BAPI-SIGN
func (h *HMACAuth) BybitHeaders(payload string, recvWindow int) map[string]string {
	return h.BybitHeadersAt(payload, recvWindow, time.Now().UnixMilli())
}

// BybitHeadersAt is like BybitHeaders with a caller-supplied millisecond
// timestamp.
func (h *HMACAuth) BybitHeadersAt(payload string, recvWindow int, unixMs int64) map[string]string {
	ts := strconv.FormatInt(unixMs, 10)
	rw := strconv.Itoa(recvWindow)
	sig := SignHex([]byte(h.Secret), ts+h.Key+rw+payload)

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": rw,
		"X-BAPI-SIGN":        sig,
	}
}

// BinanceSignature signs the full encoded parameter string of a SIGNED
// endpoint. The result goes into the "signature" parameter; the key travels
// in the X-MBX-APIKEY header.
func (h *HMACAuth) BinanceSignature(totalParams string) string {
	return SignHex([]byte(h.Secret), totalParams)
}

// SignHex computes HMAC-SHA256 of message using key and returns it
// hex-encoded.
func SignHex(key []byte, message string) string {
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
