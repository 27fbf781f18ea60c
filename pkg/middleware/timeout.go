package middleware

import (
	"net/http"
	"time"
)

// Timeout enforces a per-request deadline. http.TimeoutHandler buffers the
// handler's response and serializes it against the timeout reply, so a
// handler that finishes after the deadline can never interleave its bytes
// with the timeout body.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	const body = `{"status":"error","message":"request timeout"}`
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, body)
	}
}
