// stackup - development stack launcher for the servvia platform
//
// Usage:
//
//	stackup                            Show service status
//	stackup up                         Start the stack and supervise it
//	stackup down                       Stop the stack
//	stackup start <service>            Start one service
//	stackup stop <service>             Stop one service
//	stackup restart <service>          Restart one service
//	stackup logs <service>             Print captured output
//	stackup follow <service>           Follow output until interrupted
//	stackup wait [service...]          Block until readiness probes pass
//	stackup doctor                     Run preflight checks
//	stackup env <service>              Show a service's resolved environment
//	stackup history                    Show past service runs
//	stackup serve                      Run the HTTP control API
//	stackup attach <service>           Attach to a TTY service interactively
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/servvia/stackup/internal/backend"
	_ "github.com/servvia/stackup/internal/backend/all"
	"github.com/servvia/stackup/internal/doctor"
	"github.com/servvia/stackup/internal/eventlog"
	"github.com/servvia/stackup/internal/server"
	"github.com/servvia/stackup/internal/stack"
	"github.com/servvia/stackup/internal/supervisor"
	"github.com/servvia/stackup/internal/watch"
)

// Global flags
var (
	configFlag  string
	backendFlag string
	watchFlag   bool
	timeoutFlag time.Duration
	addrFlag    string
	socketFlag  string
	verboseFlag bool
)

func main() {
	flag.StringVarP(&configFlag, "config", "c", "", "Config file (default stackup.yaml, built-in stack if absent)")
	flag.StringVar(&backendFlag, "backend", "", "Backend: exec, systemd (overrides STACKUP_BACKEND)")
	flag.BoolVarP(&watchFlag, "watch", "w", false, "Restart services when the config or env file changes (up only)")
	flag.DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Shutdown and wait timeout")
	flag.StringVar(&addrFlag, "addr", "127.0.0.1:8080", "Listen address for serve")
	flag.StringVar(&socketFlag, "socket", "", "Unix socket path for serve (overrides --addr)")
	flag.BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `stackup - development stack launcher for the servvia platform

Usage:
  stackup                            Show service status
  stackup up                         Start the stack and supervise it
  stackup down                       Stop the stack
  stackup start <service>            Start one service
  stackup stop <service>             Stop one service
  stackup restart <service>          Restart one service
  stackup logs <service>             Print captured output
  stackup follow <service>           Follow output until interrupted
  stackup wait [service...]          Block until readiness probes pass
  stackup doctor                     Run preflight checks
  stackup env <service>              Show a service's resolved environment
  stackup history                    Show past service runs
  stackup serve                      Run the HTTP control API
  stackup attach <service>           Attach to a TTY service interactively

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	logrus.SetOutput(os.Stderr)
	if verboseFlag {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		cmdStatus()
		return
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "up":
		cmdUp()
	case "down":
		cmdDown()
	case "start":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup start <service>")
		}
		cmdStart(cmdArgs[0])
	case "stop":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup stop <service>")
		}
		cmdStop(cmdArgs[0])
	case "restart":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup restart <service>")
		}
		cmdRestart(cmdArgs[0])
	case "logs":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup logs <service>")
		}
		cmdLogs(cmdArgs[0])
	case "follow":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup follow <service>")
		}
		cmdFollow(cmdArgs[0])
	case "wait":
		cmdWait(cmdArgs)
	case "doctor":
		cmdDoctor()
	case "env":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup env <service>")
		}
		cmdEnv(cmdArgs[0])
	case "history":
		cmdHistory()
	case "serve":
		if len(cmdArgs) > 0 {
			addrFlag = cmdArgs[0]
		}
		cmdServe()
	case "attach":
		if len(cmdArgs) == 0 {
			fatal("usage: stackup attach <service>")
		}
		cmdAttach(cmdArgs[0])
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *stack.Config {
	cfg, err := stack.Load(configFlag)
	if err != nil {
		fatal("%v", err)
	}
	return cfg
}

// newSupervisor resolves the backend kind, opens the backend, and wraps it.
// The caller owns the backend and must Close it.
func newSupervisor(cfg *stack.Config) *supervisor.Supervisor {
	kind := backend.KindFromEnv(backendFlag, cfg.Backend)
	bk, err := backend.Open(context.Background(), backend.Config{
		Kind:    kind,
		Project: cfg.Project,
	})
	if err != nil {
		fatal("opening %s backend: %v", kind, err)
	}
	sup, err := supervisor.New(cfg, bk)
	if err != nil {
		bk.Close()
		fatal("%v", err)
	}
	return sup
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// formatAge converts a start time to a relative age like "2m", "1h", "3d"
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func cmdStatus() {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	statuses, err := sup.Statuses(context.Background())
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("%-12s %-9s %-7s %-6s %-6s %-6s %s\n", "SERVICE", "STATE", "PID", "PORT", "READY", "AGE", "COMMAND")
	for _, st := range statuses {
		pid := "-"
		if st.PID != 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		port := "-"
		if st.Port != 0 {
			port = fmt.Sprintf("%d", st.Port)
		}
		ready := "no"
		if st.Ready {
			ready = "yes"
		}
		fmt.Printf("%-12s %-9s %-7s %-6s %-6s %-6s %s\n",
			st.Name, st.State, pid, port, ready, formatAge(st.Started), truncate(st.Command, 50))
	}
}

func cmdUp() {
	ctx, cancel := signalContext()
	defer cancel()

	// Each pass loads the configuration and env file from scratch, so a
	// watch-triggered cycle runs the new stack, not a stale snapshot.
	for {
		cfg := loadConfig()
		sup := newSupervisor(cfg)

		// On systemd the units outlive the launcher, so up is fire and forget.
		if sup.Backend().Kind() == backend.KindSystemd {
			err := sup.Up(ctx)
			sup.Backend().Close()
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("stack %s is up (run %s)\n", cfg.Project, sup.RunID())
			return
		}

		runCtx, stop := context.WithCancel(ctx)
		reload := make(chan struct{}, 1)
		if watchFlag {
			go runWatcher(runCtx, cfg.EnvFile, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
				stop()
			})
		}

		err := sup.Run(runCtx, timeoutFlag)
		stop()
		sup.Backend().Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal("%v", err)
		}

		select {
		case <-reload:
		default:
			return
		}
	}
}

// runWatcher cancels the current run when the config or env file changes,
// which cycles the whole stack through down and a fresh up. Per-service
// diffing is not worth it for a two-service stack; the env file feeds every
// service anyway.
func runWatcher(ctx context.Context, envFile string, onChange func()) {
	path := configFlag
	if path == "" {
		path = stack.DefaultConfigFile
	}
	w, err := watch.New(path, envFile)
	if err != nil {
		logrus.WithError(err).Warn("watch disabled")
		return
	}
	defer w.Close()

	w.Run(ctx, func(changed []string) {
		fmt.Fprintf(os.Stderr, "stackup: %s changed, restarting stack\n", strings.Join(changed, ", "))
		onChange()
	})
}

func cmdDown() {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	if err := sup.Down(ctx); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("stack %s is down\n", cfg.Project)
}

func cmdStart(name string) {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	if err := sup.StartService(context.Background(), name); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s started\n", name)
}

func cmdStop(name string) {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	if err := sup.StopService(ctx, name); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s stopped\n", name)
}

func cmdRestart(name string) {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	if err := sup.RestartService(ctx, name); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s restarted\n", name)
}

func cmdLogs(name string) {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	lg, err := sup.Backend().OutputLog(name)
	if err != nil {
		fatal("%v", err)
	}
	defer lg.Close()

	recs, _, err := lg.Poll(context.Background(), []eventlog.Filter{
		eventlog.FilterByService(name),
		eventlog.FilterOutput(),
	}, "")
	if err != nil {
		fatal("reading logs: %v", err)
	}
	for _, rec := range recs {
		fmt.Println(rec.Message)
	}
}

func cmdFollow(name string) {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	lg, err := sup.Backend().OutputLog(name)
	if err != nil {
		fatal("%v", err)
	}
	defer lg.Close()

	ctx, cancel := signalContext()
	defer cancel()
	for rec := range lg.Follow(ctx, []eventlog.Filter{
		eventlog.FilterByService(name),
		eventlog.FilterOutput(),
	}) {
		fmt.Println(rec.Message)
	}
}

func cmdWait(names []string) {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	if err := sup.WaitReady(ctx, names...); err != nil {
		fatal("%v", err)
	}
	fmt.Println("ready")
}

func cmdDoctor() {
	cfg := loadConfig()
	report := doctor.Run(cfg)

	for _, f := range report.Findings {
		mark := "ok  "
		if !f.OK {
			mark = "FAIL"
		}
		scope := f.Check
		if f.Service != "" {
			scope = f.Service + "/" + f.Check
		}
		fmt.Printf("%s %-16s %s\n", mark, scope, f.Detail)
	}
	if !report.OK() {
		os.Exit(1)
	}
}

func cmdEnv(name string) {
	cfg := loadConfig()
	svc, err := cfg.Service(name)
	if err != nil {
		fatal("%v", err)
	}
	fileEnv, err := cfg.LoadEnvFile()
	if err != nil {
		fatal("%v", err)
	}

	env := make(map[string]string)
	for _, kv := range cfg.Environ(svc, fileEnv) {
		if idx := strings.Index(kv, "="); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	masked := stack.MaskSecrets(env)

	keys := make([]string, 0, len(masked))
	for k := range masked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, masked[k])
	}
}

func cmdHistory() {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	entries, err := eventlog.History(context.Background(), sup.Backend().Events())
	if err != nil {
		fatal("listing history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("no history")
		return
	}

	fmt.Printf("%-12s %-8s %-6s %-6s %s\n", "SERVICE", "STATUS", "EXIT", "AGE", "COMMAND")
	for _, e := range entries {
		exitStr := "-"
		if e.ExitCode != nil {
			exitStr = fmt.Sprintf("%d", *e.ExitCode)
		}
		fmt.Printf("%-12s %-8s %-6s %-6s %s\n",
			e.Service, e.Status, exitStr, formatAge(e.Started), truncate(e.Command, 50))
	}
}

func cmdServe() {
	cfg := loadConfig()
	sup := newSupervisor(cfg)
	defer sup.Backend().Close()

	srv := server.New(sup)
	ln, err := server.GetListener(socketFlag, addrFlag)
	if err != nil {
		fatal("listening: %v", err)
	}
	fmt.Printf("stackup API on %s\n", ln.Addr())

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		srv.Shutdown(shutCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("%v", err)
	}
}
