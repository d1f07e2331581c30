package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/eventlog/file"
)

func TestHistoryFoldsLifecycleEvents(t *testing.T) {
	lg, err := file.Create(filepath.Join(t.TempDir(), "events.log"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer lg.Close()

	eventlog.EmitRunStarted(lg, "run-1", "servvia")
	eventlog.EmitServiceStarted(lg, "run-1", "ai", 100, []string{"uvicorn", "api.main:app"})
	eventlog.EmitServiceStarted(lg, "run-1", "backend", 101, []string{"python", "manage.py"})
	eventlog.EmitServiceExited(lg, "run-1", "ai", 0)
	eventlog.EmitServiceStarted(lg, "run-2", "ai", 200, []string{"uvicorn", "api.main:app"})
	eventlog.EmitServiceExited(lg, "run-2", "ai", 1)

	entries, err := eventlog.History(context.Background(), lg)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	byKey := make(map[string]eventlog.HistoryEntry)
	for _, e := range entries {
		byKey[e.RunID+"/"+e.Service] = e
	}

	if e := byKey["run-1/ai"]; e.Status != "exited" || e.ExitCode == nil || *e.ExitCode != 0 {
		t.Fatalf("run-1/ai = %+v", e)
	}
	if e := byKey["run-1/backend"]; e.Status != "running" || e.ExitCode != nil {
		t.Fatalf("run-1/backend = %+v", e)
	}
	if e := byKey["run-2/ai"]; e.Status != "failed" || e.ExitCode == nil || *e.ExitCode != 1 {
		t.Fatalf("run-2/ai = %+v", e)
	}
	if e := byKey["run-1/ai"]; e.Command != "uvicorn api.main:app" {
		t.Fatalf("command = %q", e.Command)
	}
}

func TestMatches(t *testing.T) {
	rec := eventlog.Record{Fields: map[string]string{
		eventlog.FieldService: "ai",
		eventlog.FieldEvent:   eventlog.EventServiceStarted,
	}}

	if !eventlog.Matches(rec, []eventlog.Filter{eventlog.FilterByService("ai")}) {
		t.Fatalf("expected service filter to match")
	}
	if eventlog.Matches(rec, []eventlog.Filter{eventlog.FilterByService("backend")}) {
		t.Fatalf("unexpected match for other service")
	}
	if !eventlog.Matches(rec, nil) {
		t.Fatalf("empty filter set should match everything")
	}
}
