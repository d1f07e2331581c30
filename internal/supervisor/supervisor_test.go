package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/servvia/stackup/internal/backend"
	exb "github.com/servvia/stackup/internal/backend/exec"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/stack"
)

func newTestSupervisor(t *testing.T, cfg *stack.Config) *Supervisor {
	t.Helper()
	bk, err := exb.New(backend.Config{
		Kind:       backend.KindExec,
		Project:    cfg.Project,
		StateDir:   t.TempDir(),
		RuntimeDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("exec.New: %v", err)
	}
	t.Cleanup(func() { bk.Close() })

	s, err := New(cfg, bk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func shStack(stagger time.Duration, services map[string]*stack.Service) *stack.Config {
	for name, svc := range services {
		svc.Name = name
	}
	return &stack.Config{
		Project:  "test",
		Stagger:  stack.Duration(stagger),
		Services: services,
	}
}

func TestUpStartsInDependencyOrder(t *testing.T) {
	cfg := shStack(10*time.Millisecond, map[string]*stack.Service{
		"first": {Command: []string{"sh", "-c", "sleep 60"}},
		"second": {
			Command:   []string{"sh", "-c", "sleep 60"},
			DependsOn: []string{"first"},
		},
	})
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := s.Up(ctx); err != nil {
		t.Fatalf("Up: %v", err)
	}
	defer s.Down(ctx)

	recs, _, err := s.Backend().Events().Poll(ctx, []eventlog.Filter{
		eventlog.FilterByEvent(eventlog.EventServiceStarted),
	}, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 start events, got %d", len(recs))
	}
	if recs[0].Fields[eventlog.FieldService] != "first" || recs[1].Fields[eventlog.FieldService] != "second" {
		t.Fatalf("services started out of order: %v then %v",
			recs[0].Fields[eventlog.FieldService], recs[1].Fields[eventlog.FieldService])
	}

	statuses, err := s.Statuses(ctx)
	if err != nil {
		t.Fatalf("Statuses: %v", err)
	}
	for _, st := range statuses {
		if st.State != backend.StateRunning {
			t.Fatalf("%s not running after Up: %s", st.Name, st.State)
		}
	}
}

func TestUpFailsWhenServiceCannotStart(t *testing.T) {
	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"broken": {Command: []string{"/nonexistent/binary"}},
	})
	s := newTestSupervisor(t, cfg)

	if err := s.Up(context.Background()); err == nil {
		t.Fatalf("expected Up to fail for unstartable command")
	}
}

func TestDownStopsEverything(t *testing.T) {
	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"a": {Command: []string{"sh", "-c", "sleep 60"}},
		"b": {Command: []string{"sh", "-c", "sleep 60"}},
	})
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := s.Up(ctx); err != nil {
		t.Fatalf("Up: %v", err)
	}
	downCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Down(downCtx); err != nil {
		t.Fatalf("Down: %v", err)
	}

	statuses, err := s.Statuses(ctx)
	if err != nil {
		t.Fatalf("Statuses: %v", err)
	}
	for _, st := range statuses {
		if st.State == backend.StateRunning {
			t.Fatalf("%s still running after Down", st.Name)
		}
	}
}

func TestDownWithNothingRunningIsClean(t *testing.T) {
	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"a": {Command: []string{"sh", "-c", "sleep 60"}},
	})
	s := newTestSupervisor(t, cfg)

	if err := s.Down(context.Background()); err != nil {
		t.Fatalf("Down on idle stack: %v", err)
	}
}

func TestMonitorRestartsOnFailure(t *testing.T) {
	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"flaky": {
			Command: []string{"sh", "-c", "sleep 0.1; exit 1"},
			Restart: stack.RestartOnFailure,
		},
	})
	s := newTestSupervisor(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.StartService(ctx, "flaky"); err != nil {
		t.Fatalf("StartService: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()

	// Give it time to fail and restart at least once.
	deadline := time.After(5 * time.Second)
	for {
		recs, _, err := s.Backend().Events().Poll(ctx, []eventlog.Filter{
			eventlog.FilterByEvent(eventlog.EventServiceStarted),
			eventlog.FilterByService("flaky"),
		}, "")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(recs) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("service was not restarted (%d start events)", len(recs))
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Monitor after cancel: %v", err)
	}
}

func TestMonitorReportsUnhandledFailure(t *testing.T) {
	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"oneshot": {Command: []string{"sh", "-c", "exit 7"}},
	})
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := s.StartService(ctx, "oneshot"); err != nil {
		t.Fatalf("StartService: %v", err)
	}

	monCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.Monitor(monCtx)
	if !errors.Is(err, ErrServiceFailed) {
		t.Fatalf("Monitor = %v, want ErrServiceFailed", err)
	}
}

func TestWaitReadyRequiresProbe(t *testing.T) {
	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"plain": {Command: []string{"sh", "-c", "sleep 60"}},
	})
	s := newTestSupervisor(t, cfg)

	if err := s.WaitReady(context.Background(), "plain"); err == nil {
		t.Fatalf("expected WaitReady to fail for probe-less service")
	}
}

func waitForOutput(t *testing.T, s *Supervisor, service, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		recs, _, err := s.Backend().Events().Poll(context.Background(), []eventlog.Filter{
			eventlog.FilterByService(service),
		}, "")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for _, rec := range recs {
			if rec.Message == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("never saw %q in %s output", want, service)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRestartPicksUpEnvFileEdits(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("STACKUP_TEST_MARKER=old\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := shStack(time.Millisecond, map[string]*stack.Service{
		"echoer": {Command: []string{"sh", "-c", "echo marker=$STACKUP_TEST_MARKER; sleep 60"}},
	})
	cfg.EnvFile = envPath
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	if err := s.StartService(ctx, "echoer"); err != nil {
		t.Fatalf("StartService: %v", err)
	}
	waitForOutput(t, s, "echoer", "marker=old")

	if err := os.WriteFile(envPath, []byte("STACKUP_TEST_MARKER=new\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.RestartService(ctx, "echoer"); err != nil {
		t.Fatalf("RestartService: %v", err)
	}
	waitForOutput(t, s, "echoer", "marker=new")

	if err := s.StopService(ctx, "echoer"); err != nil {
		t.Fatalf("StopService: %v", err)
	}
}
