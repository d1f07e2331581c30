// Package systemd runs stack services as transient systemd user units, so
// they keep running after the launcher exits (the detached semantics the old
// Windows launcher had with its separate console windows). Unit output is
// appended to per-service files in the state dir; lifecycle state is
// queried from systemd rather than tracked in-process.
package systemd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sd "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/servvia/stackup/internal/backend"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/eventlog/file"
	"github.com/servvia/stackup/internal/stack"
)

// waitPollInterval is how often Wait re-checks the unit state.
const waitPollInterval = 500 * time.Millisecond

func init() {
	backend.Register(backend.KindSystemd, Open)
}

// Backend manages services as transient user units.
type Backend struct {
	cfg    backend.Config
	conn   *sd.Conn
	events *file.Log
	log    *logrus.Entry
}

var _ backend.Backend = (*Backend)(nil)

// Open connects to the systemd user manager.
func Open(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	conn, err := sd.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to user systemd: %w", err)
	}
	events, err := file.Create(filepath.Join(cfg.StateDir, "events.log"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Backend{
		cfg:    cfg,
		conn:   conn,
		events: events,
		log:    logrus.WithField("backend", "systemd"),
	}, nil
}

func (b *Backend) Kind() backend.Kind { return backend.KindSystemd }

func (b *Backend) Events() eventlog.EventLog { return b.events }

func (b *Backend) Close() error {
	b.conn.Close()
	return b.events.Close()
}

// unitName maps a service name to its transient unit.
func (b *Backend) unitName(service string) string {
	return fmt.Sprintf("stackup-%s-%s.service", b.cfg.Project, service)
}

// serviceName is the inverse of unitName; ok is false for foreign units.
func (b *Backend) serviceName(unit string) (string, bool) {
	prefix := fmt.Sprintf("stackup-%s-", b.cfg.Project)
	if !strings.HasPrefix(unit, prefix) || !strings.HasSuffix(unit, ".service") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(unit, prefix), ".service"), true
}

func (b *Backend) outputPath(service string) string {
	return filepath.Join(b.cfg.StateDir, "log", service+".log")
}

// OutputLog exposes the unit's output file through the eventlog interface.
func (b *Backend) OutputLog(name string) (eventlog.EventLog, error) {
	return file.OpenPlain(b.outputPath(name), name)
}

func (b *Backend) Start(ctx context.Context, spec backend.StartSpec) error {
	svc := spec.Service
	if svc == nil || len(svc.Command) == 0 {
		return fmt.Errorf("empty command")
	}
	if svc.TTY {
		return fmt.Errorf("service %s: tty mode requires the exec backend", svc.Name)
	}

	// The unit appends here; touch it so OutputLog works before first output.
	logPath := b.outputPath(svc.Name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		f.Close()
	}

	// Absolute ExecStart path: systemd does not search PATH for us the way a
	// shell would once the venv is prepended, so resolve against the spec env.
	argv := append([]string(nil), svc.Command...)
	if resolved, err := lookPath(argv[0], spec.Environ, svc.Dir); err == nil {
		argv[0] = resolved
	}

	props := []sd.Property{
		sd.PropDescription(fmt.Sprintf("stackup: %s/%s", b.cfg.Project, svc.Name)),
		sd.PropExecStart(argv, false),
		{Name: "CollectMode", Value: godbus.MakeVariant("inactive-or-failed")},
		{Name: "StandardOutput", Value: godbus.MakeVariant("append:" + logPath)},
		{Name: "StandardError", Value: godbus.MakeVariant("append:" + logPath)},
	}
	if svc.Dir != "" {
		dir, err := filepath.Abs(svc.Dir)
		if err != nil {
			return err
		}
		props = append(props, sd.Property{Name: "WorkingDirectory", Value: godbus.MakeVariant(dir)})
	}
	if len(spec.Environ) > 0 {
		props = append(props, sd.Property{Name: "Environment", Value: godbus.MakeVariant(spec.Environ)})
	}
	if svc.Restart == stack.RestartOnFailure {
		props = append(props, sd.Property{Name: "Restart", Value: godbus.MakeVariant("on-failure")})
	}

	unit := b.unitName(svc.Name)
	// A previous failed run keeps the unit name reserved until reset.
	_ = b.conn.ResetFailedUnitContext(ctx, unit)

	ch := make(chan string, 1)
	if _, err := b.conn.StartTransientUnitContext(ctx, unit, "replace", props, ch); err != nil {
		return fmt.Errorf("starting unit %s: %w", unit, err)
	}
	if err := waitJob(ctx, ch); err != nil {
		return fmt.Errorf("starting unit %s: %w", unit, err)
	}

	st, err := b.Status(ctx, svc.Name)
	pid := 0
	if err == nil {
		pid = st.PID
	}
	eventlog.EmitServiceStarted(b.events, spec.RunID, svc.Name, pid, svc.Command)
	b.log.WithField("unit", unit).Infof("%s: started", svc.Name)
	return nil
}

func (b *Backend) Stop(ctx context.Context, name string) error {
	unit := b.unitName(name)
	ch := make(chan string, 1)
	if _, err := b.conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		if isNotLoaded(err) {
			return backend.ErrNotRunning
		}
		return fmt.Errorf("stopping unit %s: %w", unit, err)
	}
	if err := waitJob(ctx, ch); err != nil {
		return fmt.Errorf("stopping unit %s: %w", unit, err)
	}
	_ = b.conn.ResetFailedUnitContext(ctx, unit)
	return nil
}

func (b *Backend) Kill(ctx context.Context, name string) error {
	unit := b.unitName(name)
	b.conn.KillUnitContext(ctx, unit, int32(unix.SIGKILL))
	return nil
}

func (b *Backend) Restart(ctx context.Context, spec backend.StartSpec) error {
	// Transient units vanish when stopped; a restart is stop + start.
	if err := b.Stop(ctx, spec.Service.Name); err != nil && err != backend.ErrNotRunning {
		return err
	}
	return b.Start(ctx, spec)
}

func (b *Backend) Wait(ctx context.Context, name string) (int, error) {
	for {
		st, err := b.Status(ctx, name)
		if err != nil {
			return 0, err
		}
		switch st.State {
		case backend.StateExited, backend.StateFailed, backend.StateStopped:
			if st.ExitCode != nil {
				return *st.ExitCode, nil
			}
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

func (b *Backend) Status(ctx context.Context, name string) (*backend.ServiceStatus, error) {
	unit := b.unitName(name)

	unitProps, err := b.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNotLoaded(err) {
			// Transient units are collected once they stop.
			return &backend.ServiceStatus{
				Name:    name,
				Backend: string(backend.KindSystemd),
				Handle:  unit,
				State:   backend.StateStopped,
			}, nil
		}
		return nil, fmt.Errorf("querying unit %s: %w", unit, err)
	}
	svcProps, err := b.conn.GetUnitTypePropertiesContext(ctx, unit, "Service")
	if err != nil {
		svcProps = map[string]interface{}{}
	}

	st := &backend.ServiceStatus{
		Name:    name,
		Backend: string(backend.KindSystemd),
		Handle:  unit,
	}

	active, _ := unitProps["ActiveState"].(string)
	switch active {
	case "active", "reloading":
		st.State = backend.StateRunning
	case "activating":
		st.State = backend.StateStarting
	case "deactivating":
		st.State = backend.StateRunning
	case "failed":
		st.State = backend.StateFailed
	default: // inactive: transient units are collected after exit
		st.State = backend.StateStopped
	}

	if pid, ok := svcProps["MainPID"].(uint32); ok {
		st.PID = int(pid)
	}
	if code, ok := svcProps["ExecMainStatus"].(int32); ok && st.State == backend.StateFailed {
		c := int(code)
		st.ExitCode = &c
	}
	if usec, ok := svcProps["ExecMainStartTimestamp"].(uint64); ok && usec > 0 {
		st.Started = time.UnixMicro(int64(usec))
	}
	return st, nil
}

func (b *Backend) List(ctx context.Context) ([]backend.ServiceStatus, error) {
	pattern := fmt.Sprintf("stackup-%s-*.service", b.cfg.Project)
	units, err := b.conn.ListUnitsByPatternsContext(ctx, nil, []string{pattern})
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}

	var statuses []backend.ServiceStatus
	for _, u := range units {
		name, ok := b.serviceName(u.Name)
		if !ok {
			continue
		}
		st, err := b.Status(ctx, name)
		if err != nil {
			continue
		}
		statuses = append(statuses, *st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses, nil
}

// Attach is not supported: unit stdio is wired to files, not a pty.
func (b *Backend) Attach(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return nil, backend.ErrNoTTY
}

// waitJob waits for a queued systemd job to finish.
func waitJob(ctx context.Context, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job result %q", result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isNotLoaded(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NoSuchUnit")
}

// lookPath resolves an executable against the PATH entries of env, falling
// back to dir-relative resolution, mimicking what a shell inside the venv
// would have done.
func lookPath(name string, env []string, dir string) (string, error) {
	if strings.Contains(name, "/") {
		if !filepath.IsAbs(name) && dir != "" {
			abs, err := filepath.Abs(filepath.Join(dir, name))
			if err != nil {
				return "", err
			}
			return abs, nil
		}
		return name, nil
	}
	var pathEnv string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathEnv = v
		}
	}
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	for _, p := range filepath.SplitList(pathEnv) {
		if p == "" {
			continue
		}
		candidate := filepath.Join(p, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH", name)
}
