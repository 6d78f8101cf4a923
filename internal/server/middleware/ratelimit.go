package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// EdgeRateLimit caps per-IP request volume before anything else runs. This
// is abuse protection for the listener; the domain rate limiter inside the
// gateway decides admission per query with its own windows.
func EdgeRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// EdgeRateLimitByHeader caps request volume keyed on a header value, e.g.
// the API key header, so one noisy credential cannot starve the rest.
func EdgeRateLimitByHeader(headerName string, requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return r.Header.Get(headerName), nil
		}),
	)
}
