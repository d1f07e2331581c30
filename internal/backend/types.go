package backend

import (
	"context"
	"io"
	"time"

	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/stack"
)

// Service process states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateExited   = "exited"
	StateFailed   = "failed"
)

// StartSpec describes one service start.
type StartSpec struct {
	Service *stack.Service

	// Environ is the fully resolved environment (env file + service env +
	// venv activation). Nil inherits the launcher's environment.
	Environ []string

	// RunID correlates lifecycle events of one `up` invocation.
	RunID string
}

// ServiceStatus is the platform-neutral presentation model for a service.
type ServiceStatus struct {
	Name string `json:"name"`

	// Backend identifies which implementation is managing the service.
	Backend string `json:"backend"`

	// Handle is an optional backend-specific identifier (e.g. a systemd
	// unit name).
	Handle string `json:"handle,omitempty"`

	State    string    `json:"state"`
	PID      int       `json:"pid,omitempty"`
	Port     int       `json:"port,omitempty"`
	Command  string    `json:"command,omitempty"`
	Started  time.Time `json:"started,omitzero"`
	ExitCode *int      `json:"exit_code,omitempty"`

	// Ready reflects the service's readiness probe (or plain port reachability
	// when it has none). Filled by callers, not backends.
	Ready bool `json:"ready"`
}

// Backend provides semantic operations for stack services.
type Backend interface {
	Close() error

	// Kind reports which implementation this is.
	Kind() Kind

	Start(ctx context.Context, spec StartSpec) error
	Stop(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Restart(ctx context.Context, spec StartSpec) error

	Status(ctx context.Context, name string) (*ServiceStatus, error)
	List(ctx context.Context) ([]ServiceStatus, error)

	// Wait blocks until the named service exits and returns its exit code.
	Wait(ctx context.Context, name string) (int, error)

	// Events is the writable project event log (lifecycle records).
	Events() eventlog.EventLog

	// OutputLog returns read access to a service's captured output.
	OutputLog(name string) (eventlog.EventLog, error)

	// Attach connects to a TTY service's pseudo-terminal. Returns ErrNoTTY
	// for services not started in TTY mode.
	Attach(ctx context.Context, name string) (io.ReadWriteCloser, error)
}
