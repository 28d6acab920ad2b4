// Package httputil provides helpers for reading HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
)

// DefaultMaxBodyBytes caps backend response bodies at 10MB.
const DefaultMaxBodyBytes int64 = 10 << 20

// ErrBodyTooLarge reports a body that exceeded the read cap.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// ReadLimitedBody reads at most maxBytes from r. It returns the truncated
// body together with ErrBodyTooLarge when the cap is exceeded.
func ReadLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}
