// Package supervisor drives a whole stack against a backend: ordered starts
// with readiness gating, reverse-order shutdown, and (for the exec backend)
// restart-on-failure monitoring.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/servvia/stackup/internal/backend"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/probe"
	"github.com/servvia/stackup/internal/stack"
)

// statusProbeTimeout bounds the reachability check in Statuses.
const statusProbeTimeout = time.Second

// Supervisor coordinates one stack on one backend.
type Supervisor struct {
	cfg     *stack.Config
	bk      backend.Backend
	fileEnv map[string]string
	runID   string
	log     *logrus.Entry
}

// New builds a supervisor: loads the env file and assigns a fresh run ID.
func New(cfg *stack.Config, bk backend.Backend) (*Supervisor, error) {
	fileEnv, err := cfg.LoadEnvFile()
	if err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	return &Supervisor{
		cfg:     cfg,
		bk:      bk,
		fileEnv: fileEnv,
		runID:   uuid.NewString(),
		log:     logrus.WithField("project", cfg.Project),
	}, nil
}

// RunID identifies this supervisor's lifecycle events.
func (s *Supervisor) RunID() string { return s.runID }

// Backend exposes the underlying backend (for log access etc.).
func (s *Supervisor) Backend() backend.Backend { return s.bk }

// Config exposes the stack configuration.
func (s *Supervisor) Config() *stack.Config { return s.cfg }

// spec builds the start spec for one service. The env file is re-read each
// time so restarts pick up edits made since the supervisor was built; the
// snapshot from New is only the fallback when the re-read fails.
func (s *Supervisor) spec(svc *stack.Service) backend.StartSpec {
	fileEnv := s.fileEnv
	if fresh, err := s.cfg.LoadEnvFile(); err == nil {
		fileEnv = fresh
	}
	return backend.StartSpec{
		Service: svc,
		Environ: s.cfg.Environ(svc, fileEnv),
		RunID:   s.runID,
	}
}

// Up starts every service in dependency order. After each start the next
// service is gated: on the service's readiness probe when it has one,
// otherwise on the stagger delay. The probe timeout failing aborts the up.
func (s *Supervisor) Up(ctx context.Context) error {
	order, err := s.cfg.StartOrder()
	if err != nil {
		return err
	}
	eventlog.EmitRunStarted(s.bk.Events(), s.runID, s.cfg.Project)

	for i, name := range order {
		svc := s.cfg.Services[name]
		s.log.Infof("starting %s", name)
		if err := s.bk.Start(ctx, s.spec(svc)); err != nil {
			return fmt.Errorf("starting %s: %w", name, err)
		}

		if p := probe.FromService(svc); p != nil {
			if err := p.Wait(ctx); err != nil {
				return err
			}
			eventlog.EmitProbeReady(s.bk.Events(), s.runID, name, p.Addr)
			s.log.Infof("%s ready at %s", name, p.Addr)
		} else if i < len(order)-1 {
			// No probe: fall back to the stagger the old scripts used.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Stagger.Std()):
			}
		}
	}
	return nil
}

// Down stops every service in reverse order. Services that are not running
// are skipped; all stop errors are reported together.
func (s *Supervisor) Down(ctx context.Context) error {
	order, err := s.cfg.StopOrder()
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range order {
		err := s.bk.Stop(ctx, name)
		switch {
		case err == nil:
			s.log.Infof("stopped %s", name)
		case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrNotRunning):
		default:
			errs = append(errs, fmt.Errorf("stopping %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// StartService starts one service without readiness gating.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	svc, err := s.cfg.Service(name)
	if err != nil {
		return err
	}
	return s.bk.Start(ctx, s.spec(svc))
}

// StopService stops one service.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	if _, err := s.cfg.Service(name); err != nil {
		return err
	}
	return s.bk.Stop(ctx, name)
}

// RestartService replaces one service's process.
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	svc, err := s.cfg.Service(name)
	if err != nil {
		return err
	}
	return s.bk.Restart(ctx, s.spec(svc))
}

// WaitReady blocks until the named services (all probed services when names
// is empty) pass their readiness probes, probing concurrently.
func (s *Supervisor) WaitReady(ctx context.Context, names ...string) error {
	var probes []*probe.Probe
	if len(names) == 0 {
		for _, svc := range s.cfg.Services {
			if p := probe.FromService(svc); p != nil {
				probes = append(probes, p)
			}
		}
	} else {
		for _, name := range names {
			svc, err := s.cfg.Service(name)
			if err != nil {
				return err
			}
			p := probe.FromService(svc)
			if p == nil {
				return fmt.Errorf("service %s has no readiness probe", name)
			}
			probes = append(probes, p)
		}
	}
	return probe.WaitAll(ctx, probes)
}

// Statuses reports every configured service, in start order, merging backend
// state with live reachability. Services unknown to the backend (e.g. after
// a restart of the launcher) still get a probe-based answer, which is the
// only smoke test the old scripts ever had.
func (s *Supervisor) Statuses(ctx context.Context) ([]backend.ServiceStatus, error) {
	order, err := s.cfg.StartOrder()
	if err != nil {
		return nil, err
	}

	statuses := make([]backend.ServiceStatus, 0, len(order))
	for _, name := range order {
		svc := s.cfg.Services[name]
		st, err := s.bk.Status(ctx, name)
		if err != nil {
			st = &backend.ServiceStatus{
				Name:    name,
				Backend: string(s.bk.Kind()),
				State:   backend.StateStopped,
			}
		}
		st.Port = svc.Port
		if svc.Port != 0 {
			st.Ready = s.checkReady(ctx, svc)
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

func (s *Supervisor) checkReady(ctx context.Context, svc *stack.Service) bool {
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	if p := probe.FromService(svc); p != nil {
		return p.Check(ctx) == nil
	}
	return probe.Listening(svc.Addr())
}

// ErrServiceFailed reports a service that exited non-zero with no restart
// policy to catch it.
var ErrServiceFailed = errors.New("service failed")

// Monitor watches running services until ctx is cancelled. A clean exit ends
// monitoring for that service; a failure restarts it when its policy is
// on-failure, otherwise Monitor returns ErrServiceFailed. Only meaningful on
// the exec backend; systemd enforces restart policy itself.
func (s *Supervisor) Monitor(ctx context.Context) error {
	if s.bk.Kind() != backend.KindExec {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for name := range s.cfg.Services {
		g.Go(func() error { return s.monitorService(ctx, name) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) monitorService(ctx context.Context, name string) error {
	svc := s.cfg.Services[name]
	for {
		code, err := s.bk.Wait(ctx, name)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				// Never started (or already cleaned up); nothing to watch.
				return nil
			}
			return err
		}
		if code == 0 {
			s.log.Infof("%s exited cleanly", name)
			return nil
		}

		// A non-zero exit can be a deliberate stop or an external restart
		// rather than a crash; only genuine failures reach the policy below.
		if st, serr := s.bk.Status(ctx, name); serr == nil {
			switch st.State {
			case backend.StateStopped:
				s.log.Infof("%s stopped", name)
				return nil
			case backend.StateRunning, backend.StateStarting:
				continue
			}
		}

		if svc.Restart != stack.RestartOnFailure {
			return fmt.Errorf("%w: %s exited with code %d", ErrServiceFailed, name, code)
		}
		s.log.Warnf("%s exited with code %d, restarting", name, code)
		if err := s.bk.Restart(ctx, s.spec(svc)); err != nil {
			return fmt.Errorf("restarting %s: %w", name, err)
		}
	}
}

// Run is the foreground mode: up, then monitor until ctx is cancelled or a
// service fails, then an orderly down on a fresh context.
func (s *Supervisor) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Up(ctx); err != nil {
		downCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if derr := s.Down(downCtx); derr != nil {
			s.log.WithError(derr).Warn("shutdown after failed up")
		}
		return err
	}

	runErr := s.Monitor(ctx)

	downCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Down(downCtx); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			s.log.WithError(err).Warn("shutdown incomplete")
		}
	}
	return runErr
}
