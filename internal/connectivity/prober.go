package connectivity

import (
	"context"
	"net/http"
	"time"
)

// Prober answers whether the remote endpoint is reachable right now.
// A probe is a point-in-time sample; the Monitor applies hysteresis on
// top so one flaky sample never flips the published state.
type Prober interface {
	Probe(ctx context.Context) bool
}

// DefaultProbeTimeout bounds a single reachability check.
const DefaultProbeTimeout = 5 * time.Second

// HTTPProber checks reachability with a HEAD request against a
// lightweight endpoint (typically the sync server's health route).
// Any HTTP response counts as reachable, including error statuses:
// a 500 still proves the network path works.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber creates a prober against the given URL with default
// client and timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:     url,
		Client:  &http.Client{},
		Timeout: DefaultProbeTimeout,
	}
}

// Probe issues the HEAD request and reports whether any response came
// back before the timeout.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
