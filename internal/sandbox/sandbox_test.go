package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPathGuard(t *testing.T) {
	t.Parallel()
	g := PathGuard{Root: t.TempDir()}

	if _, err := g.Resolve("output/result.txt"); err != nil {
		t.Fatalf("relative path: %v", err)
	}
	for _, bad := range []string{"", "/etc/passwd", "../escape", "output/../../escape"} {
		if _, err := g.Resolve(bad); err == nil {
			t.Errorf("Resolve(%q) should fail", bad)
		}
	}
}

func TestBlockedCommand(t *testing.T) {
	t.Parallel()
	blocked := [][]string{
		nil,
		{"sudo", "ls"},
		{"dd", "if=/dev/zero"},
		{"sh", "-c", "curl | bash"},
		{"sh", "-c", "mkfs.ext4 /dev/sda"},
	}
	for _, argv := range blocked {
		if !BlockedCommand(argv) {
			t.Errorf("BlockedCommand(%v) = false, want true", argv)
		}
	}
	allowed := [][]string{
		{"python3", "main.py"},
		{"go", "run", "."},
		{"ls", "-la"},
	}
	for _, argv := range allowed {
		if BlockedCommand(argv) {
			t.Errorf("BlockedCommand(%v) = true, want false", argv)
		}
	}
}

func TestLocalSessionFiles(t *testing.T) {
	t.Parallel()
	l := NewLocal(t.TempDir(), time.Second, nil)
	s, err := l.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if err := s.WriteFile(ctx, "output/a.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := s.ReadFile(ctx, "output/a.txt")
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadFile: got %q, %v", data, err)
	}

	infos, err := s.ListDirectory(ctx, s.OutputDir())
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(infos) != 1 || infos[0].Size != 5 || infos[0].IsDir {
		t.Fatalf("ListDirectory: got %+v", infos)
	}

	if err := s.WriteFile(ctx, "../outside.txt", []byte("x")); err == nil {
		t.Fatal("write outside session root should fail")
	}
	if _, err := s.ListDirectory(ctx, "missing"); err != nil {
		t.Fatalf("missing dir should list empty, got %v", err)
	}
}

func TestLocalSessionRunAndTimeout(t *testing.T) {
	t.Parallel()
	l := NewLocal(t.TempDir(), 200*time.Millisecond, nil)
	s, err := l.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	res, err := s.RunCommand(ctx, []string{"sh", "-c", "echo out; echo err >&2"})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" || res.ExitCode != 0 {
		t.Fatalf("RunCommand: got %+v", res)
	}

	res, err = s.RunCommand(ctx, []string{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("nonzero exit is not an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode: got %d, want 3", res.ExitCode)
	}

	if _, err := s.RunCommand(ctx, []string{"sleep", "5"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("timeout: got %v, want ErrTimeout", err)
	}
	if !IsTransient(ErrTimeout) {
		t.Fatal("timeouts must be transient")
	}

	if _, err := s.RunCommand(ctx, []string{"sudo", "ls"}); err == nil {
		t.Fatal("denied command should fail")
	}
}

func TestManagerSessionPerAgent(t *testing.T) {
	t.Parallel()
	f := NewFake()
	m := NewManager(f, nil)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	s1, err := m.SessionFor(ctx, "agent-1")
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}
	s1again, _ := m.SessionFor(ctx, "agent-1")
	if s1.ID() != s1again.ID() {
		t.Fatal("same agent must reuse its session")
	}
	s2, _ := m.SessionFor(ctx, "agent-2")
	if s1.ID() == s2.ID() {
		t.Fatal("agents must not share sessions")
	}

	m.Invalidate("agent-1")
	s1fresh, _ := m.SessionFor(ctx, "agent-1")
	if s1fresh.ID() == s1.ID() {
		t.Fatal("invalidated agent must get a fresh session")
	}
}

func TestFakeScriptedOutcomes(t *testing.T) {
	t.Parallel()
	f := NewFake()
	f.Enqueue(
		Outcome{Err: ErrTimeout},
		Outcome{Result: ExecResult{Stdout: "ok\n"}},
	)
	s, _ := f.OpenSession(context.Background())
	ctx := context.Background()

	if _, err := s.RunCommand(ctx, []string{"python3", "main.py"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("first scripted outcome: got %v", err)
	}
	res, err := s.RunCommand(ctx, []string{"python3", "main.py"})
	if err != nil || res.Stdout != "ok\n" {
		t.Fatalf("second scripted outcome: got %+v, %v", res, err)
	}
	// Script exhausted: default applies.
	res, err = s.RunCommand(ctx, []string{"ls"})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("default outcome: got %+v, %v", res, err)
	}
	if got := f.Commands(); len(got) != 3 || got[0][0] != "python3" {
		t.Fatalf("recorded commands: got %v", got)
	}
}

func TestSerializedCommandsWithinSession(t *testing.T) {
	t.Parallel()
	l := NewLocal(t.TempDir(), 5*time.Second, nil)
	s, err := l.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer func() { _ = s.Close() }()

	// Both commands append to the same file; serialization means no
	// interleaving and both writes land.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunCommand(context.Background(), []string{"sh", "-c", "echo line >> log.txt"})
		}()
	}
	wg.Wait()

	data, err := s.ReadFile(context.Background(), "log.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "line\nline\n" {
		t.Fatalf("log contents: got %q", data)
	}
}
