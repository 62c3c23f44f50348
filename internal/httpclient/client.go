package httpclient

import (
	"net/http"
	"time"

	"alex/internal/logging"
)

// New returns an http.Client configured for outbound requests: a sane
// default timeout and the shared http.DefaultTransport. Every outbound
// collaborator in internal/integrations, internal/assetsvc, internal/persist
// and internal/worker/creds is built on this constructor (or on
// NewWithCircuitBreaker) rather than a bare http.Client{}.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport,
	}
}
