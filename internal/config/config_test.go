package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("CREW_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("CREW_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".crew")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRecoveryAttempts != 3 {
		t.Fatalf("MaxRecoveryAttempts: got %d, want 3", cfg.MaxRecoveryAttempts)
	}
	if cfg.ExecTimeout() != 30*time.Second {
		t.Fatalf("ExecTimeout: got %v", cfg.ExecTimeout())
	}
	if cfg.Sandbox != "local" || cfg.DBDriver != "sqlite" {
		t.Fatalf("defaults: got sandbox=%q db=%q", cfg.Sandbox, cfg.DBDriver)
	}
}

func TestLoad_roundTrip(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	in := Config{MaxRecoveryAttempts: 5, ExecTimeoutSec: 10, Sandbox: "docker", DockerImage: "alpine"}
	if err := Save(home, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRecoveryAttempts != 5 || cfg.ExecTimeoutSec != 10 || cfg.Sandbox != "docker" || cfg.DockerImage != "alpine" {
		t.Fatalf("round trip: got %+v", cfg)
	}
}

func TestLoad_malformed(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
