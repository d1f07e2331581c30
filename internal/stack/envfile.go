package stack

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ParseEnvFile reads a dotenv-style file: KEY=VALUE lines, # comments,
// blank lines ignored, optional single or double quotes around values,
// an optional leading "export ". Later keys override earlier ones.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("%s:%d: not a KEY=VALUE line", path, lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		env[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return env, nil
}

// LoadEnvFile loads the config's env file, if any. A missing file is not an
// error (the stack may run entirely on defaults); any other failure is.
func (c *Config) LoadEnvFile() (map[string]string, error) {
	if c.EnvFile == "" {
		return nil, nil
	}
	env, err := ParseEnvFile(c.EnvFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return env, nil
}

// Environ resolves the full environment for a service. Per-service env
// entries are defaults, the env file overrides them, and the operator's OS
// environment overrides both; venv activation is applied last. The result
// is sorted KEY=VALUE pairs ready for exec.
func (c *Config) Environ(svc *Service, fileEnv map[string]string) []string {
	merged := make(map[string]string)
	for k, v := range svc.Env {
		merged[k] = v
	}
	for k, v := range fileEnv {
		merged[k] = v
	}
	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}

	if svc.Venv != "" {
		venv, err := filepath.Abs(svc.Venv)
		if err != nil {
			venv = svc.Venv
		}
		merged["VIRTUAL_ENV"] = venv
		bin := filepath.Join(venv, "bin")
		if path, ok := merged["PATH"]; ok && path != "" {
			merged["PATH"] = bin + string(os.PathListSeparator) + path
		} else {
			merged["PATH"] = bin
		}
		// A stray PYTHONHOME breaks venv interpreters.
		delete(merged, "PYTHONHOME")
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// secretKeyHints marks env keys whose values get masked in `stackup env`.
var secretKeyHints = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "PASS"}

// MaskSecrets returns a copy of env with likely-secret values replaced.
func MaskSecrets(env map[string]string) map[string]string {
	masked := make(map[string]string, len(env))
	for k, v := range env {
		upper := strings.ToUpper(k)
		hidden := false
		for _, hint := range secretKeyHints {
			if strings.Contains(upper, hint) {
				hidden = true
				break
			}
		}
		if hidden && v != "" {
			masked[k] = "********"
		} else {
			masked[k] = v
		}
	}
	return masked
}
