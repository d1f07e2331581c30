// Package dirs resolves where stackup keeps its files: persistent state
// such as event logs and captured output, and ephemeral runtime data such
// as attach sockets.
package dirs

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

// StateDir is the root for persistent state. STACKUP_STATE_DIR wins,
// then the XDG state home, then ~/.local/state.
func StateDir() string {
	if dir := os.Getenv("STACKUP_STATE_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "stackup")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "stackup")
	}
	return filepath.Join(os.TempDir(), "stackup-state")
}

// ProjectStateDir scopes state to one project, so stacks with different
// names never share event logs.
func ProjectStateDir(project string) string {
	return filepath.Join(StateDir(), project)
}

// LogDir holds a project's captured service output files.
func LogDir(project string) string {
	return filepath.Join(ProjectStateDir(project), "log")
}

// RuntimeDir holds attach sockets. Sockets want a per-user directory with
// tight permissions, so the user runtime dir is preferred; the portable
// fallback is a uid-suffixed temp dir.
func RuntimeDir() string {
	if dir := os.Getenv("STACKUP_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if base := userRuntimeBase(); base != "" {
		return filepath.Join(base, "stackup")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("stackup-%d", os.Getuid()))
}

// userRuntimeBase locates the per-user runtime directory, when the platform
// provides one. XDG_RUNTIME_DIR is authoritative where set; without it the
// conventional per-uid paths are probed directly.
func userRuntimeBase() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}

	u, err := user.Current()
	if err != nil {
		return ""
	}
	candidates := []string{
		filepath.Join("/run/user", u.Uid),
		filepath.Join("/var/run/user", u.Uid),
	}
	if runtime.GOOS == "freebsd" {
		candidates = append(candidates, filepath.Join("/var/run/xdg", u.Username))
	}

	for _, dir := range candidates {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	return ""
}
