// Package stack defines the launcher configuration: which services make up
// the development stack, how to start them, and how to tell they are ready.
package stack

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownService is wrapped by Service for names absent from the
// configuration, so callers can branch with errors.Is.
var ErrUnknownService = errors.New("unknown service")

// DefaultConfigFile is looked up in the working directory when --config is not given.
const DefaultConfigFile = "stackup.yaml"

// DefaultStagger is the delay between service starts when a service declares
// no readiness probe. It matches the fixed pause the old launch scripts used.
const DefaultStagger = 2 * time.Second

// Duration wraps time.Duration with YAML string decoding ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Readiness describes how to decide a service is up.
type Readiness struct {
	// Type is "tcp" (connect to the service port) or "http" (GET Path until 2xx/3xx).
	Type string `yaml:"type"`

	// Path is the URL path for http probes (default "/").
	Path string `yaml:"path,omitempty"`

	// Timeout bounds the whole wait (default 60s).
	Timeout Duration `yaml:"timeout,omitempty"`

	// Interval is the retry interval (default 250ms).
	Interval Duration `yaml:"interval,omitempty"`
}

// Restart policies for a service.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
)

// Service is one long-running process of the stack.
type Service struct {
	// Name is the map key; filled in by Load.
	Name string `yaml:"-"`

	// Command is the argv to run. Required.
	Command []string `yaml:"command"`

	// Dir is the working directory, relative to the config file.
	Dir string `yaml:"dir,omitempty"`

	// Venv points at a Python virtual environment. When set, activation is
	// reproduced in the environment: VIRTUAL_ENV is set, <venv>/bin is
	// prepended to PATH, PYTHONHOME is cleared.
	Venv string `yaml:"venv,omitempty"`

	// Host and Port are where the service listens. Port 0 means "does not listen".
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// Env is merged over the env file values for this service.
	Env map[string]string `yaml:"env,omitempty"`

	// RequireEnv lists keys that must be present in the resolved environment.
	// Checked by doctor, not at start time.
	RequireEnv []string `yaml:"require_env,omitempty"`

	// DependsOn lists services that must be started (and ready) first.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Readiness gates dependents; when nil the stagger delay applies instead.
	Readiness *Readiness `yaml:"readiness,omitempty"`

	// Restart is "never" (default) or "on-failure".
	Restart string `yaml:"restart,omitempty"`

	// TTY runs the service under a pseudo-terminal so it keeps interactive
	// output (colors, progress bars, debuggers). Exec backend only.
	TTY bool `yaml:"tty,omitempty"`
}

// Addr returns the host:port the service is expected to listen on.
func (s *Service) Addr() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// Config is the full launcher configuration.
type Config struct {
	// Project names the stack; it scopes state dirs and systemd unit names.
	Project string `yaml:"project"`

	// EnvFile is a dotenv-style file loaded into every service's environment.
	EnvFile string `yaml:"env_file,omitempty"`

	// Stagger is the fallback delay between starts for probe-less services.
	Stagger Duration `yaml:"stagger,omitempty"`

	// Backend forces "exec" or "systemd"; empty means auto-detect.
	Backend string `yaml:"backend,omitempty"`

	Services map[string]*Service `yaml:"services"`
}

// Default returns the built-in configuration for a stock servvia checkout:
// the AI service on 8001 and the Django backend on 8000, backend waiting on
// the AI service, warnings silenced the way the old start script did.
func Default() *Config {
	return &Config{
		Project: "servvia",
		EnvFile: ".env",
		Stagger: Duration(DefaultStagger),
		Services: map[string]*Service{
			"ai": {
				Name:    "ai",
				Command: []string{"python", "-m", "uvicorn", "api.main:app", "--host", "0.0.0.0", "--port", "8001"},
				Dir:     "servvia",
				Venv:    "servvia/venv",
				Port:    8001,
				Env:     map[string]string{"PYTHONWARNINGS": "ignore"},
				Readiness: &Readiness{
					Type:    "tcp",
					Timeout: Duration(60 * time.Second),
				},
			},
			"backend": {
				Name:      "backend",
				Command:   []string{"python", "manage.py", "runserver", "0.0.0.0:8000"},
				Dir:       "servvia-backend",
				Venv:      "servvia-backend/venv",
				Port:      8000,
				Env:       map[string]string{"PYTHONWARNINGS": "ignore"},
				DependsOn: []string{"ai"},
				Readiness: &Readiness{
					Type:    "tcp",
					Timeout: Duration(60 * time.Second),
				},
			},
		},
	}
}

// Load reads and validates a config file. A missing file at the default
// location falls back to Default(); an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Stagger == 0 {
		cfg.Stagger = Duration(DefaultStagger)
	}
	for name, svc := range cfg.Services {
		svc.Name = name
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural invariants: commands present, dependencies
// resolvable and acyclic, ports not claimed twice, restart policy known.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project name is required")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("no services defined")
	}

	ports := make(map[int]string)
	for name, svc := range c.Services {
		if len(svc.Command) == 0 {
			return fmt.Errorf("service %s: empty command", name)
		}
		if svc.Port != 0 {
			if other, taken := ports[svc.Port]; taken {
				return fmt.Errorf("service %s: port %d already used by %s", name, svc.Port, other)
			}
			ports[svc.Port] = name
		}
		switch svc.Restart {
		case "", RestartNever, RestartOnFailure:
		default:
			return fmt.Errorf("service %s: unknown restart policy %q", name, svc.Restart)
		}
		if svc.Readiness != nil {
			switch svc.Readiness.Type {
			case "tcp", "http":
			default:
				return fmt.Errorf("service %s: unknown readiness type %q", name, svc.Readiness.Type)
			}
			if svc.Port == 0 {
				return fmt.Errorf("service %s: readiness probe requires a port", name)
			}
		}
		for _, dep := range svc.DependsOn {
			if _, ok := c.Services[dep]; !ok {
				return fmt.Errorf("service %s: unknown dependency %q", name, dep)
			}
		}
	}

	if _, err := c.StartOrder(); err != nil {
		return err
	}
	return nil
}

// StartOrder returns service names sorted so every service comes after its
// dependencies. Ties break alphabetically for stable output.
func (c *Config) StartOrder() ([]string, error) {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(names))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving %s", name)
		}
		state[name] = visiting
		deps := append([]string(nil), c.Services[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StopOrder is StartOrder reversed.
func (c *Config) StopOrder() ([]string, error) {
	order, err := c.StartOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Service returns the named service or an error mentioning valid names.
func (c *Config) Service(name string) (*Service, error) {
	if svc, ok := c.Services[name]; ok {
		return svc, nil
	}
	order, _ := c.StartOrder()
	return nil, fmt.Errorf("%w %q (have: %v)", ErrUnknownService, name, order)
}
