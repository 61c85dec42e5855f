package httputil

import (
	"net/http"
	"time"
)

// NewClient builds the outbound HTTP client used for gateway and price
// provider calls. The app talks to a handful of fixed hosts on a steady
// cadence, so a small warm connection pool covers it.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
