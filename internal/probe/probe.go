// Package probe implements readiness checks for stack services: a TCP
// connect or an HTTP GET, retried on a fixed interval under an overall
// timeout. The old launch scripts separated service starts with a blind
// sleep; probes are what that sleep stood in for.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/errgroup"

	"github.com/servvia/stackup/internal/stack"
)

// Defaults applied when the config leaves them out.
const (
	DefaultTimeout  = 60 * time.Second
	DefaultInterval = 250 * time.Millisecond

	// attemptTimeout bounds a single connect or request.
	attemptTimeout = 2 * time.Second
)

// Probe is a resolved readiness check for one service.
type Probe struct {
	Service  string
	Type     string // "tcp" or "http"
	Addr     string // host:port
	Path     string // http only
	Timeout  time.Duration
	Interval time.Duration

	client *http.Client
}

// FromService builds a probe from the service's readiness config.
// Returns nil when the service declares none.
func FromService(svc *stack.Service) *Probe {
	r := svc.Readiness
	if r == nil {
		return nil
	}
	p := &Probe{
		Service:  svc.Name,
		Type:     r.Type,
		Addr:     svc.Addr(),
		Path:     r.Path,
		Timeout:  r.Timeout.Std(),
		Interval: r.Interval.Std(),
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if p.Type == "http" {
		p.client = cleanhttp.DefaultClient()
		p.client.Timeout = attemptTimeout
	}
	return p
}

// Check runs a single readiness attempt.
func (p *Probe) Check(ctx context.Context) error {
	switch p.Type {
	case "tcp":
		return p.checkTCP(ctx)
	case "http":
		return p.checkHTTP(ctx)
	default:
		return fmt.Errorf("unknown probe type %q", p.Type)
	}
}

func (p *Probe) checkTCP(ctx context.Context) error {
	d := net.Dialer{Timeout: attemptTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *Probe) checkHTTP(ctx context.Context) error {
	url := "http://" + p.Addr + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return nil
}

// Wait retries Check until it succeeds, the probe timeout expires, or ctx is
// cancelled. The returned error wraps the last attempt's failure.
func (p *Probe) Wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var lastErr error
	for {
		if err := p.Check(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("%s not ready after %s: %w", p.Service, p.Timeout, lastErr)
		case <-time.After(p.Interval):
		}
	}
}

// WaitAll waits for every probe concurrently; the first failure wins.
func WaitAll(ctx context.Context, probes []*Probe) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range probes {
		g.Go(func() error { return p.Wait(ctx) })
	}
	return g.Wait()
}

// Listening reports whether something accepts connections on addr right now.
// Used for status output and the doctor's port checks.
func Listening(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, attemptTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
