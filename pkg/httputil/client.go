// Package httputil provides shared HTTP client utilities.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultRestyClient returns a resty client with the timeouts and retry
// policy shared by outbound integrations.
func NewDefaultRestyClient() *resty.Client {
	return resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", "support-core/1.0")
}
