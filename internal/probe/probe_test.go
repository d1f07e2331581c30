package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/servvia/stackup/internal/stack"
)

func tcpService(t *testing.T, port int) *stack.Service {
	t.Helper()
	return &stack.Service{
		Name: "svc",
		Host: "127.0.0.1",
		Port: port,
		Readiness: &stack.Readiness{
			Type:     "tcp",
			Timeout:  stack.Duration(2 * time.Second),
			Interval: stack.Duration(20 * time.Millisecond),
		},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestFromServiceNilWithoutReadiness(t *testing.T) {
	if p := FromService(&stack.Service{Name: "x"}); p != nil {
		t.Fatalf("expected nil probe, got %+v", p)
	}
}

func TestFromServiceDefaults(t *testing.T) {
	svc := &stack.Service{
		Name:      "ai",
		Port:      8001,
		Readiness: &stack.Readiness{Type: "http"},
	}
	p := FromService(svc)
	if p.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", p.Timeout)
	}
	if p.Interval != DefaultInterval {
		t.Fatalf("expected default interval, got %s", p.Interval)
	}
	if p.Path != "/" {
		t.Fatalf("expected default path /, got %q", p.Path)
	}
	if p.Addr != "127.0.0.1:8001" {
		t.Fatalf("unexpected addr %q", p.Addr)
	}
}

func TestTCPWaitSucceedsOnceListening(t *testing.T) {
	port := freePort(t)
	p := FromService(tcpService(t, port))

	// Nothing listening yet: a single check fails.
	if err := p.Check(context.Background()); err == nil {
		t.Fatalf("expected check against closed port to fail")
	}

	// Start listening shortly after Wait begins.
	errCh := make(chan error, 1)
	go func() { errCh <- p.Wait(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !Listening(p.Addr) {
		t.Fatalf("Listening(%s) = false with live listener", p.Addr)
	}
}

func TestTCPWaitTimesOut(t *testing.T) {
	svc := tcpService(t, freePort(t))
	svc.Readiness.Timeout = stack.Duration(150 * time.Millisecond)
	p := FromService(svc)

	err := p.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "not ready after") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPWait(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	svc := &stack.Service{
		Name: "ai",
		Host: host,
		Port: port,
		Readiness: &stack.Readiness{
			Type:     "http",
			Path:     "/health",
			Timeout:  stack.Duration(2 * time.Second),
			Interval: stack.Duration(20 * time.Millisecond),
		},
	}
	p := FromService(svc)

	// 503 is not ready.
	if err := p.Check(context.Background()); err == nil {
		t.Fatalf("expected 503 to count as not ready")
	}

	go func() {
		time.Sleep(80 * time.Millisecond)
		healthy.Store(true)
	}()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitAllFailsFast(t *testing.T) {
	good := tcpService(t, freePort(t))
	ln, err := net.Listen("tcp", good.Addr())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	bad := tcpService(t, freePort(t))
	bad.Name = "bad"
	bad.Readiness.Timeout = stack.Duration(150 * time.Millisecond)

	err = WaitAll(context.Background(), []*Probe{FromService(good), FromService(bad)})
	if err == nil {
		t.Fatalf("expected WaitAll to fail")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected failure to name the bad service, got: %v", err)
	}
}
