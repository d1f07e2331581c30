package exec

import (
	"context"
	"testing"
	"time"

	"github.com/servvia/stackup/internal/backend"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/stack"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(backend.Config{
		Kind:       backend.KindExec,
		Project:    "test",
		StateDir:   t.TempDir(),
		RuntimeDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func shService(name string, script string) *stack.Service {
	return &stack.Service{
		Name:    name,
		Command: []string{"sh", "-c", script},
	}
}

func TestStartCapturesOutputAndExit(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	spec := backend.StartSpec{
		Service: shService("hello", "echo out; echo err >&2; exit 0"),
		RunID:   "r1",
	}
	if err := b.Start(ctx, spec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	code, err := b.Wait(ctx, "hello")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	recs, _, err := b.Events().Poll(ctx, []eventlog.Filter{eventlog.FilterByService("hello")}, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	var sawOut, sawErr, sawStarted, sawExited bool
	for _, rec := range recs {
		switch {
		case rec.Fields[eventlog.FieldEvent] == eventlog.EventServiceStarted:
			sawStarted = true
		case rec.Fields[eventlog.FieldEvent] == eventlog.EventServiceExited:
			sawExited = true
			if rec.Fields[eventlog.FieldExitCode] != "0" {
				t.Fatalf("expected exit code 0, got %q", rec.Fields[eventlog.FieldExitCode])
			}
		case rec.Message == "out" && rec.Fields[eventlog.FieldFD] == "1":
			sawOut = true
		case rec.Message == "err" && rec.Fields[eventlog.FieldFD] == "2":
			sawErr = true
		}
	}
	if !sawStarted || !sawExited || !sawOut || !sawErr {
		t.Fatalf("missing records: started=%v exited=%v out=%v err=%v", sawStarted, sawExited, sawOut, sawErr)
	}
}

func TestFailedExitIsRecorded(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Start(ctx, backend.StartSpec{Service: shService("boom", "exit 3"), RunID: "r1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, err := b.Wait(ctx, "boom")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit 3, got %d", code)
	}

	st, err := b.Status(ctx, "boom")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != backend.StateFailed {
		t.Fatalf("expected failed state, got %s", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Fatalf("expected exit code 3 in status, got %v", st.ExitCode)
	}
}

func TestStopTerminatesProcess(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Start(ctx, backend.StartSpec{Service: shService("sleeper", "sleep 60"), RunID: "r1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx, "sleeper"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := b.Status(ctx, "sleeper")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != backend.StateStopped {
		t.Fatalf("state after Stop = %s, want %s", st.State, backend.StateStopped)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	spec := backend.StartSpec{Service: shService("dup", "sleep 60"), RunID: "r1"}
	if err := b.Start(ctx, spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Kill(ctx, "dup")

	if err := b.Start(ctx, spec); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}

func TestRestartReplacesProcess(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	spec := backend.StartSpec{Service: shService("svc", "sleep 60"), RunID: "r1"}
	if err := b.Start(ctx, spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first, err := b.Status(ctx, "svc")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	restartCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.Restart(restartCtx, spec); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	defer b.Kill(ctx, "svc")

	second, err := b.Status(ctx, "svc")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if second.State != backend.StateRunning {
		t.Fatalf("expected running after restart, got %s", second.State)
	}
	if second.PID == first.PID {
		t.Fatalf("expected a new pid after restart")
	}
}

func TestListIsSorted(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		if err := b.Start(ctx, backend.StartSpec{Service: shService(name, "sleep 60"), RunID: "r1"}); err != nil {
			t.Fatalf("Start(%s): %v", name, err)
		}
		defer b.Kill(ctx, name)
	}

	statuses, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(statuses) != 2 || statuses[0].Name != "alpha" || statuses[1].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", statuses)
	}
}

func TestAttachWithoutTTY(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Start(ctx, backend.StartSpec{Service: shService("plain", "sleep 60"), RunID: "r1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Kill(ctx, "plain")

	if _, err := b.Attach(ctx, "plain"); err == nil {
		t.Fatalf("expected attach to a non-tty service to fail")
	}
}

func TestUnknownServiceErrors(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Stop(ctx, "ghost"); err != backend.ErrNotFound {
		t.Fatalf("Stop(ghost) = %v, want ErrNotFound", err)
	}
	if _, err := b.Status(ctx, "ghost"); err != backend.ErrNotFound {
		t.Fatalf("Status(ghost) = %v, want ErrNotFound", err)
	}
	if _, err := b.Wait(ctx, "ghost"); err != backend.ErrNotFound {
		t.Fatalf("Wait(ghost) = %v, want ErrNotFound", err)
	}
}

func TestOutputFilterExcludesLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Start(ctx, backend.StartSpec{Service: shService("chatty", "echo hi"), RunID: "r1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := b.Wait(ctx, "chatty"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	recs, _, err := b.Events().Poll(ctx, []eventlog.Filter{
		eventlog.FilterByService("chatty"),
		eventlog.FilterOutput(),
	}, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 1 || recs[0].Message != "hi" {
		t.Fatalf("output-only poll = %+v, want just the echoed line", recs)
	}
}
