package eventlog

import (
	"context"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record represents a single persisted event.
type Record struct {
	Cursor    string
	Timestamp time.Time
	Message   string
	Fields    map[string]string
}

// Filter describes a simple equality match for queries.
type Filter struct {
	Field string
	Value string
}

// FilterByService creates a filter for a service's STACKUP_SERVICE field.
func FilterByService(name string) Filter {
	return Filter{Field: FieldService, Value: name}
}

// FilterByEvent creates a filter for an event kind (service-started, ...).
func FilterByEvent(kind string) Filter {
	return Filter{Field: FieldEvent, Value: kind}
}

// FilterByRun creates a filter for a run's STACKUP_RUN field.
func FilterByRun(runID string) Filter {
	return Filter{Field: FieldRun, Value: runID}
}

// EventLog provides semantic operations for storing and reading stackup
// events: service lifecycle and captured process output. Callers only see
// domain concepts; the backing store is an implementation detail.
type EventLog interface {
	// Write appends a structured entry.
	Write(message string, fields map[string]string) error

	// Poll reads entries matching filters since cursor.
	Poll(ctx context.Context, filters []Filter, cursor string) ([]Record, string, error)

	// Follow returns an iterator over entries matching filters, waiting for
	// new entries until ctx is cancelled.
	Follow(ctx context.Context, filters []Filter) iter.Seq[Record]

	// Close releases any resources.
	Close() error
}

// Event kinds. Lifecycle kinds mark run and process transitions; EventOutput
// marks captured process output, so readers can separate the two streams.
const (
	EventRunStarted     = "run-started"
	EventServiceStarted = "service-started"
	EventServiceExited  = "service-exited"
	EventProbeReady     = "probe-ready"
	EventOutput         = "output"
)

// Event field names.
const (
	FieldEvent    = "STACKUP_EVENT"
	FieldRun      = "STACKUP_RUN"
	FieldService  = "STACKUP_SERVICE"
	FieldCommand  = "STACKUP_COMMAND"
	FieldPID      = "STACKUP_PID"
	FieldExitCode = "STACKUP_EXIT_CODE"
	FieldFD       = "FD"
)

// EmitRunStarted records the beginning of an `up` run.
func EmitRunStarted(log EventLog, runID, project string) error {
	return log.Write("Run started: "+project, map[string]string{
		FieldEvent: EventRunStarted,
		FieldRun:   runID,
	})
}

// EmitServiceStarted records a service process start.
func EmitServiceStarted(log EventLog, runID, service string, pid int, command []string) error {
	return log.Write("Service started", map[string]string{
		FieldEvent:   EventServiceStarted,
		FieldRun:     runID,
		FieldService: service,
		FieldPID:     strconv.Itoa(pid),
		FieldCommand: strings.Join(command, " "),
	})
}

// EmitServiceExited records a service process exit.
func EmitServiceExited(log EventLog, runID, service string, exitCode int) error {
	return log.Write("Service exited", map[string]string{
		FieldEvent:    EventServiceExited,
		FieldRun:      runID,
		FieldService:  service,
		FieldExitCode: strconv.Itoa(exitCode),
	})
}

// EmitProbeReady records a successful readiness probe.
func EmitProbeReady(log EventLog, runID, service, addr string) error {
	return log.Write("Service ready at "+addr, map[string]string{
		FieldEvent:   EventProbeReady,
		FieldRun:     runID,
		FieldService: service,
	})
}

// WriteOutput appends one line of captured process output.
func WriteOutput(log EventLog, service string, fd int, text string) error {
	return log.Write(text, map[string]string{
		FieldEvent:   EventOutput,
		FieldService: service,
		FieldFD:      strconv.Itoa(fd),
	})
}

// FilterOutput matches captured process output records only, keeping
// lifecycle events out of log streams.
func FilterOutput() Filter {
	return Filter{Field: FieldEvent, Value: EventOutput}
}

// HistoryEntry summarizes one service process from past runs.
type HistoryEntry struct {
	RunID    string
	Service  string
	Status   string // "running", "exited", "failed"
	ExitCode *int
	Command  string
	Started  time.Time
}

// History folds lifecycle events into per-process entries, newest first.
func History(ctx context.Context, log EventLog) ([]HistoryEntry, error) {
	started, _, err := log.Poll(ctx, []Filter{FilterByEvent(EventServiceStarted)}, "")
	if err != nil {
		return nil, err
	}
	exited, _, err := log.Poll(ctx, []Filter{FilterByEvent(EventServiceExited)}, "")
	if err != nil {
		return nil, err
	}

	type key struct{ run, service string }
	exits := make(map[key]int)
	for _, rec := range exited {
		code, err := strconv.Atoi(rec.Fields[FieldExitCode])
		if err != nil {
			continue
		}
		exits[key{rec.Fields[FieldRun], rec.Fields[FieldService]}] = code
	}

	entries := make([]HistoryEntry, 0, len(started))
	for _, rec := range started {
		e := HistoryEntry{
			RunID:   rec.Fields[FieldRun],
			Service: rec.Fields[FieldService],
			Status:  "running",
			Command: rec.Fields[FieldCommand],
			Started: rec.Timestamp,
		}
		if code, ok := exits[key{e.RunID, e.Service}]; ok {
			c := code
			e.ExitCode = &c
			if code == 0 {
				e.Status = "exited"
			} else {
				e.Status = "failed"
			}
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Started.After(entries[j].Started)
	})
	return entries, nil
}

// Matches reports whether the record satisfies every filter.
func Matches(rec Record, filters []Filter) bool {
	for _, f := range filters {
		if rec.Fields[f.Field] != f.Value {
			return false
		}
	}
	return true
}
