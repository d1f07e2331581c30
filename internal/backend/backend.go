// Package backend defines how stack services are run and observed. Two
// implementations exist: exec (portable, plain OS processes owned by the
// launcher) and systemd (Linux, transient user units that outlive it).
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/servvia/stackup/internal/dirs"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindExec    Kind = "exec"
	KindSystemd Kind = "systemd"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound   = errors.New("service not found")
	ErrNotRunning = errors.New("service not running")
	ErrNoTTY      = errors.New("service has no tty")
)

// Config configures a backend implementation.
type Config struct {
	Kind Kind

	// Project scopes state dirs and unit names.
	Project string

	// StateDir defaults to the project's XDG state dir.
	StateDir string

	// RuntimeDir defaults to $XDG_RUNTIME_DIR/stackup or a temp fallback.
	RuntimeDir string
}

type opener func(ctx context.Context, cfg Config) (Backend, error)

var openers = map[Kind]opener{}

// Register makes a backend implementation available to Open.
// Implementations should call this from init().
func Register(kind Kind, o opener) {
	if kind == "" {
		panic("backend: register with empty kind")
	}
	if o == nil {
		panic("backend: register with nil opener")
	}
	if _, exists := openers[kind]; exists {
		panic("backend: duplicate register for kind " + string(kind))
	}
	openers[kind] = o
}

// Open constructs a backend from cfg. The requested Kind must be registered.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	cfg = withDefaults(cfg)
	o, ok := openers[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
	return o(ctx, cfg)
}

// DetectKind returns the appropriate backend based on environment:
// systemd when a systemd user session is reachable over D-Bus, else exec.
func DetectKind() Kind {
	if hasSystemdUserService() {
		return KindSystemd
	}
	return KindExec
}

// hasSystemdUserService checks if a systemd user session is available.
// It connects to the D-Bus session bus and checks if org.freedesktop.systemd1
// is registered. This correctly handles non-systemd systems that still have
// a D-Bus daemon.
func hasSystemdUserService() bool {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return false
	}
	defer conn.Close()

	var owner string
	err = conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus").
		Call("org.freedesktop.DBus.GetNameOwner", 0, "org.freedesktop.systemd1").
		Store(&owner)

	return err == nil && owner != ""
}

// KindFromEnv resolves the backend kind from an explicit flag value, the
// STACKUP_BACKEND variable, the config file, or detection, in that order.
func KindFromEnv(flagValue, configValue string) Kind {
	if flagValue != "" {
		return Kind(flagValue)
	}
	if v := os.Getenv("STACKUP_BACKEND"); v != "" {
		return Kind(v)
	}
	if configValue != "" {
		return Kind(configValue)
	}
	return DetectKind()
}

func withDefaults(cfg Config) Config {
	if cfg.Kind == "" {
		cfg.Kind = DetectKind()
	}
	if cfg.Project == "" {
		cfg.Project = "default"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = dirs.ProjectStateDir(cfg.Project)
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = dirs.RuntimeDir()
	}
	return cfg
}
