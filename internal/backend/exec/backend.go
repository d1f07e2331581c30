// Package exec is a portable backend implementation backed by plain OS
// processes. Services are children of the launcher: `up` stays in the
// foreground and everything dies with it. Output is captured line-wise into
// the project event log; TTY services additionally expose a unix socket for
// interactive attach.
package exec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/servvia/stackup/internal/backend"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/eventlog/file"
)

// stopGrace is how long Stop waits after SIGTERM before escalating to SIGKILL.
const stopGrace = 5 * time.Second

func init() {
	backend.Register(backend.KindExec, func(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Backend runs services as child processes.
type Backend struct {
	cfg    backend.Config
	events *file.Log
	log    *logrus.Entry

	mu    sync.Mutex
	procs map[string]*procState
}

type procState struct {
	spec backend.StartSpec

	cmd *osexec.Cmd
	pty *os.File // nil for pipe mode
	hub *attachHub

	sock    net.Listener
	started time.Time

	done     chan struct{}
	exitCode int
	state    string

	// stopRequested distinguishes a deliberate Stop/Kill from a crash; the
	// final state becomes stopped rather than failed.
	stopRequested bool
}

var _ backend.Backend = (*Backend)(nil)

// New creates an exec backend rooted at the config's state/runtime dirs.
func New(cfg backend.Config) (*Backend, error) {
	events, err := file.Create(filepath.Join(cfg.StateDir, "events.log"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(socketDir(cfg), 0o700); err != nil {
		events.Close()
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}
	return &Backend{
		cfg:    cfg,
		events: events,
		log:    logrus.WithField("backend", "exec"),
		procs:  make(map[string]*procState),
	}, nil
}

func (b *Backend) Kind() backend.Kind { return backend.KindExec }

func (b *Backend) Events() eventlog.EventLog { return b.events }

// OutputLog returns the shared project log; callers filter by service.
func (b *Backend) OutputLog(name string) (eventlog.EventLog, error) {
	return file.Open(filepath.Join(b.cfg.StateDir, "events.log"))
}

func (b *Backend) Close() error {
	b.mu.Lock()
	procs := make([]*procState, 0, len(b.procs))
	for _, p := range b.procs {
		procs = append(procs, p)
	}
	b.mu.Unlock()

	// Best-effort kill all running processes.
	for _, p := range procs {
		_ = b.signal(p, unix.SIGKILL)
	}
	return b.events.Close()
}

func (b *Backend) Start(ctx context.Context, spec backend.StartSpec) error {
	svc := spec.Service
	if svc == nil || len(svc.Command) == 0 {
		return fmt.Errorf("empty command")
	}

	b.mu.Lock()
	if p, exists := b.procs[svc.Name]; exists && (p.state == backend.StateRunning || p.state == backend.StateStarting) {
		b.mu.Unlock()
		return fmt.Errorf("service %s already running (pid %d)", svc.Name, pidOf(p.cmd))
	}
	b.mu.Unlock()

	cmd := osexec.Command(svc.Command[0], svc.Command[1:]...)
	cmd.Dir = svc.Dir
	cmd.Env = spec.Environ

	p := &procState{
		spec:    spec,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
		state:   backend.StateStarting,
	}

	var stdout, stderr io.ReadCloser
	if svc.TTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("starting %s under pty: %w", svc.Name, err)
		}
		p.pty = ptmx
		p.hub = newAttachHub()
		if err := b.listenAttach(p); err != nil {
			b.log.WithError(err).Warnf("%s: attach socket unavailable", svc.Name)
		}
	} else {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return err
		}
		// Own process group so the whole service tree can be signalled.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting %s: %w", svc.Name, err)
		}
	}

	p.state = backend.StateRunning
	b.mu.Lock()
	b.procs[svc.Name] = p
	b.mu.Unlock()

	eventlog.EmitServiceStarted(b.events, spec.RunID, svc.Name, pidOf(cmd), svc.Command)
	b.log.WithField("pid", pidOf(cmd)).Infof("%s: started", svc.Name)

	var pump sync.WaitGroup
	if svc.TTY {
		pump.Add(1)
		go func() {
			defer pump.Done()
			b.pumpOutput(p, p.pty, 1)
		}()
	} else {
		pump.Add(2)
		go func() {
			defer pump.Done()
			b.pumpOutput(p, stdout, 1)
		}()
		go func() {
			defer pump.Done()
			b.pumpOutput(p, stderr, 2)
		}()
	}

	go b.waitForExit(p, &pump)
	return nil
}

// pumpOutput reads process output line-wise into the event log, and for TTY
// services mirrors the raw bytes to attached clients.
func (b *Backend) pumpOutput(p *procState, r io.Reader, fd int) {
	name := p.spec.Service.Name
	if p.hub != nil {
		r = io.TeeReader(r, p.hub)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		eventlog.WriteOutput(b.events, name, fd, text)
	}
}

func (b *Backend) waitForExit(p *procState, pump *sync.WaitGroup) {
	// Drain the pipes before reaping: Wait closes them.
	pump.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*osexec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = 1
		}
	}

	state := backend.StateExited
	if exitCode != 0 {
		state = backend.StateFailed
	}

	b.mu.Lock()
	p.exitCode = exitCode
	if p.stopRequested {
		state = backend.StateStopped
	}
	p.state = state
	b.mu.Unlock()

	if p.pty != nil {
		p.pty.Close()
	}
	if p.sock != nil {
		p.sock.Close()
	}
	if p.hub != nil {
		p.hub.CloseAll()
	}

	eventlog.EmitServiceExited(b.events, p.spec.RunID, p.spec.Service.Name, exitCode)
	b.log.WithField("exit", exitCode).Infof("%s: exited", p.spec.Service.Name)
	close(p.done)
}

// Stop sends SIGTERM and escalates to SIGKILL after a grace period.
func (b *Backend) Stop(ctx context.Context, name string) error {
	p, err := b.lookup(name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	p.stopRequested = true
	b.mu.Unlock()
	if err := b.signal(p, unix.SIGTERM); err != nil {
		return err
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stopGrace):
	}

	b.log.Warnf("%s: still running after %s, sending SIGKILL", name, stopGrace)
	if err := b.signal(p, unix.SIGKILL); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends SIGKILL immediately.
func (b *Backend) Kill(ctx context.Context, name string) error {
	p, err := b.lookup(name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	p.stopRequested = true
	b.mu.Unlock()
	return b.signal(p, unix.SIGKILL)
}

func (b *Backend) Restart(ctx context.Context, spec backend.StartSpec) error {
	name := spec.Service.Name
	if p, err := b.lookup(name); err == nil {
		if err := b.Stop(ctx, name); err != nil {
			return fmt.Errorf("stopping %s for restart: %w", name, err)
		}
		<-p.done
	}
	b.mu.Lock()
	delete(b.procs, name)
	b.mu.Unlock()
	return b.Start(ctx, spec)
}

func (b *Backend) Wait(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	p, ok := b.procs[name]
	b.mu.Unlock()
	if !ok {
		return 0, backend.ErrNotFound
	}
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *Backend) Status(ctx context.Context, name string) (*backend.ServiceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	st := b.statusLocked(p)
	return &st, nil
}

func (b *Backend) List(ctx context.Context) ([]backend.ServiceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	statuses := make([]backend.ServiceStatus, 0, len(b.procs))
	for _, p := range b.procs {
		statuses = append(statuses, b.statusLocked(p))
	}
	// Stable order for callers/tests.
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses, nil
}

func (b *Backend) statusLocked(p *procState) backend.ServiceStatus {
	st := backend.ServiceStatus{
		Name:    p.spec.Service.Name,
		Backend: string(backend.KindExec),
		State:   p.state,
		PID:     pidOf(p.cmd),
		Port:    p.spec.Service.Port,
		Command: strings.Join(p.spec.Service.Command, " "),
		Started: p.started,
	}
	if p.state == backend.StateExited || p.state == backend.StateFailed {
		code := p.exitCode
		st.ExitCode = &code
		st.PID = 0
	}
	return st
}

func (b *Backend) lookup(name string) (*procState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if p.state != backend.StateRunning && p.state != backend.StateStarting {
		return nil, backend.ErrNotRunning
	}
	return p, nil
}

func (b *Backend) signal(p *procState, sig unix.Signal) error {
	pid := pidOf(p.cmd)
	if pid <= 0 {
		return backend.ErrNotRunning
	}
	// Signal the whole process group first, then the leader directly in case
	// the group signal was not deliverable.
	_ = unix.Kill(-pid, sig)
	return unix.Kill(pid, sig)
}

func pidOf(cmd *osexec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	return cmd.Process.Pid
}

// -----------------------------------------------------------------------------
// Attach (TTY services)
// -----------------------------------------------------------------------------

// SocketPath returns the attach socket path for a service.
func SocketPath(runtimeDir, project, name string) string {
	return filepath.Join(runtimeDir, project, name+".sock")
}

func socketDir(cfg backend.Config) string {
	return filepath.Join(cfg.RuntimeDir, cfg.Project)
}

// attachSize is the handshake an attach client sends before raw bytes flow.
type attachSize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// listenAttach serves the per-service attach socket.
func (b *Backend) listenAttach(p *procState) error {
	path := SocketPath(b.cfg.RuntimeDir, b.cfg.Project, p.spec.Service.Name)
	os.Remove(path) // clean up stale socket
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	p.sock = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serveAttach(p, conn)
		}
	}()
	return nil
}

func (b *Backend) serveAttach(p *procState, conn net.Conn) {
	defer conn.Close()

	// First line is the client's terminal size.
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var size attachSize
	if err := json.Unmarshal(line, &size); err != nil {
		return
	}
	if size.Rows > 0 && size.Cols > 0 {
		pty.Setsize(p.pty, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)})
	}

	p.hub.Add(conn)
	defer p.hub.Remove(conn)

	// Client input goes straight to the pty until the client hangs up.
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := p.pty.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Attach dials the attach socket of a TTY service and performs the size
// handshake. Works from any process, not just the one supervising.
func (b *Backend) Attach(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return Dial(ctx, b.cfg.RuntimeDir, b.cfg.Project, name, 0, 0)
}

// Dial connects to a service's attach socket. rows/cols of 0 skip resizing.
func Dial(ctx context.Context, runtimeDir, project, name string, rows, cols int) (io.ReadWriteCloser, error) {
	path := SocketPath(runtimeDir, project, name)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			return nil, backend.ErrNoTTY
		}
		return nil, fmt.Errorf("attaching to %s: %w", name, err)
	}
	header, err := json.Marshal(attachSize{Rows: rows, Cols: cols})
	if err != nil {
		conn.Close()
		return nil, err
	}
	header = append(header, '\n')
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// attachHub fans pty output out to attached clients.
type attachHub struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newAttachHub() *attachHub {
	return &attachHub{conns: make(map[net.Conn]struct{})}
}

func (h *attachHub) Add(conn net.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *attachHub) Remove(conn net.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (h *attachHub) CloseAll() {
	h.mu.Lock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[net.Conn]struct{})
	h.mu.Unlock()
}

// Write implements io.Writer; a slow or dead client is dropped rather than
// allowed to stall the output pump.
func (h *attachHub) Write(data []byte) (int, error) {
	h.mu.Lock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(data); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
	h.mu.Unlock()
	return len(data), nil
}
