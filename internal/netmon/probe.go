package netmon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
)

// Prober answers a single reachability question. A nil error means the probe
// target answered; any error means it did not.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks reachability with an HTTP HEAD request. Any HTTP
// response counts as reachable, including error statuses, because a response
// proves the network path works.
type HTTPProber struct {
	// URL is the probe target, typically the sync server's health endpoint.
	URL string

	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
}

// Probe sends a HEAD request to the configured URL.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

var errUnreachable = errors.New("probe target unreachable")

// StaticProber reports a flag instead of probing anything. Tests and
// embedders that already know their connectivity state (mobile shells with
// platform reachability APIs) drive it with SetOnline.
type StaticProber struct {
	online atomic.Bool
}

// NewStaticProber returns a StaticProber with the given initial state.
func NewStaticProber(online bool) *StaticProber {
	p := &StaticProber{}
	p.online.Store(online)
	return p
}

// SetOnline updates the reported state. Safe to call from any goroutine.
func (p *StaticProber) SetOnline(online bool) {
	p.online.Store(online)
}

// Probe reports the flag set by SetOnline.
func (p *StaticProber) Probe(ctx context.Context) error {
	if p.online.Load() {
		return nil
	}
	return errUnreachable
}
