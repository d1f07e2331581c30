// Package doctor runs preflight checks over a stack configuration: the
// checks the old launch scripts never did before blindly starting servers.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/servvia/stackup/internal/probe"
	"github.com/servvia/stackup/internal/stack"
)

// portProbeTimeout bounds the readiness check against an occupied port.
const portProbeTimeout = time.Second

// Finding is one check result.
type Finding struct {
	Service string // empty for stack-wide checks
	Check   string
	OK      bool
	Detail  string
}

// Report is all findings of one doctor pass.
type Report struct {
	Findings []Finding
}

// OK reports whether every finding passed.
func (r *Report) OK() bool {
	for _, f := range r.Findings {
		if !f.OK {
			return false
		}
	}
	return true
}

func (r *Report) add(service, check string, ok bool, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{
		Service: service,
		Check:   check,
		OK:      ok,
		Detail:  fmt.Sprintf(format, args...),
	})
}

// Run checks the configuration against the machine it is about to run on.
func Run(cfg *stack.Config) *Report {
	r := &Report{}

	fileEnv := checkEnvFile(cfg, r)

	order, err := cfg.StartOrder()
	if err != nil {
		r.add("", "config", false, "%v", err)
		return r
	}

	for _, name := range order {
		svc := cfg.Services[name]
		checkDir(svc, r)
		checkVenv(svc, r)
		checkCommand(svc, r)
		checkPort(svc, r)
		checkRequiredEnv(cfg, svc, fileEnv, r)
	}
	return r
}

func checkEnvFile(cfg *stack.Config, r *Report) map[string]string {
	if cfg.EnvFile == "" {
		return nil
	}
	fileEnv, err := stack.ParseEnvFile(cfg.EnvFile)
	if err != nil {
		if os.IsNotExist(err) {
			r.add("", "env-file", false, "%s not found", cfg.EnvFile)
		} else {
			r.add("", "env-file", false, "%v", err)
		}
		return nil
	}
	r.add("", "env-file", true, "%s (%d keys)", cfg.EnvFile, len(fileEnv))
	return fileEnv
}

func checkDir(svc *stack.Service, r *Report) {
	if svc.Dir == "" {
		return
	}
	info, err := os.Stat(svc.Dir)
	if err != nil || !info.IsDir() {
		r.add(svc.Name, "dir", false, "%s does not exist", svc.Dir)
		return
	}
	r.add(svc.Name, "dir", true, "%s", svc.Dir)
}

func checkVenv(svc *stack.Service, r *Report) {
	if svc.Venv == "" {
		return
	}
	python := filepath.Join(svc.Venv, "bin", "python")
	info, err := os.Stat(python)
	if err != nil || info.IsDir() {
		r.add(svc.Name, "venv", false, "no interpreter at %s", python)
		return
	}
	r.add(svc.Name, "venv", true, "%s", python)
}

func checkCommand(svc *stack.Service, r *Report) {
	if len(svc.Command) == 0 {
		r.add(svc.Name, "command", false, "empty command")
		return
	}
	r.add(svc.Name, "command", true, "%s", strings.Join(svc.Command, " "))
}

func checkPort(svc *stack.Service, r *Report) {
	if svc.Port == 0 {
		return
	}
	if !probe.Listening(svc.Addr()) {
		r.add(svc.Name, "port", true, "%s free", svc.Addr())
		return
	}
	// Occupied. When the service has a readiness probe and the occupant
	// passes it, this is an already-running instance, not a conflict.
	if p := probe.FromService(svc); p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), portProbeTimeout)
		defer cancel()
		if p.Check(ctx) == nil {
			r.add(svc.Name, "port", true, "%s already serving a ready instance", svc.Addr())
			return
		}
	}
	r.add(svc.Name, "port", false, "%s already in use", svc.Addr())
}

func checkRequiredEnv(cfg *stack.Config, svc *stack.Service, fileEnv map[string]string, r *Report) {
	if len(svc.RequireEnv) == 0 {
		return
	}
	resolved := make(map[string]bool)
	for _, kv := range cfg.Environ(svc, fileEnv) {
		if idx := strings.Index(kv, "="); idx > 0 {
			resolved[kv[:idx]] = kv[idx+1:] != ""
		}
	}

	var missing []string
	for _, key := range svc.RequireEnv {
		if !resolved[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		r.add(svc.Name, "env", false, "missing or empty: %s", strings.Join(missing, ", "))
		return
	}
	r.add(svc.Name, "env", true, "%d required keys present", len(svc.RequireEnv))
}
