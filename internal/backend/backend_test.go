package backend

import (
	"context"
	"testing"
)

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Config{Kind: Kind("weird")})
	if err == nil {
		t.Fatalf("expected error for unknown backend kind")
	}
}

func TestKindFromEnvPrecedence(t *testing.T) {
	t.Setenv("STACKUP_BACKEND", "systemd")

	if got := KindFromEnv("exec", "systemd"); got != KindExec {
		t.Fatalf("flag should win, got %s", got)
	}
	if got := KindFromEnv("", "exec"); got != KindSystemd {
		t.Fatalf("env should beat config, got %s", got)
	}

	t.Setenv("STACKUP_BACKEND", "")
	if got := KindFromEnv("", "exec"); got != KindExec {
		t.Fatalf("config should be used, got %s", got)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(Config{Kind: KindExec, Project: "servvia"})
	if cfg.StateDir == "" || cfg.RuntimeDir == "" {
		t.Fatalf("expected dirs to be defaulted: %+v", cfg)
	}
}
