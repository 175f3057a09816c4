package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/ankittk/crew/internal/config"
	"github.com/ankittk/crew/internal/store"
)

// Local runs sessions as host processes confined to per-session directories
// under <home>/sessions/. On Linux with bubblewrap installed, commands run
// inside a minimal bwrap sandbox with only the session directory writable.
type Local struct {
	home    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewLocal returns a local sandbox client. timeout bounds each command.
func NewLocal(home string, timeout time.Duration, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{home: home, timeout: timeout, logger: logger}
}

func (l *Local) OpenSession(ctx context.Context) (Session, error) {
	id := store.NewID()
	root := filepath.Join(config.SessionsDir(l.home), id)
	if err := os.MkdirAll(filepath.Join(root, OutputDirName), 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	l.logger.Debug("opened local session", "session_id", id, "root", root)
	return &localSession{
		id:      id,
		home:    l.home,
		root:    root,
		guard:   PathGuard{Root: root},
		timeout: l.timeout,
		logger:  l.logger,
	}, nil
}

func (l *Local) Close() error { return nil }

type localSession struct {
	id      string
	home    string
	root    string
	guard   PathGuard
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex // serializes commands within the session
	closed bool
}

func (s *localSession) ID() string        { return s.id }
func (s *localSession) OutputDir() string { return OutputDirName }

func (s *localSession) RunCommand(ctx context.Context, argv []string) (ExecResult, error) {
	if BlockedCommand(argv) {
		return ExecResult{}, &Error{Op: "run", Err: errors.New("command denied")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ExecResult{}, &Error{Op: "run", Err: errors.New("session closed")}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := wrapCommand(runCtx, s.home, s.root, argv[0], argv[1:])
	cmd.Dir = s.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		s.logger.Warn("command timed out", "session_id", s.id, "argv0", argv[0], "timeout", s.timeout)
		return res, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// Binary missing or failed to start.
		return res, &Error{Op: "run", Transient: true, Err: err}
	}
	return res, nil
}

func (s *localSession) WriteFile(ctx context.Context, path string, data []byte) error {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &Error{Op: "write", Err: err}
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (s *localSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	return data, nil
}

func (s *localSession) ListDirectory(ctx context.Context, dir string) ([]FileInfo, error) {
	abs, err := s.guard.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Err: err}
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   e.IsDir(),
		})
	}
	return out, nil
}

func (s *localSession) InstallPackages(ctx context.Context, manager string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	argv := append([]string{manager, "install"}, packages...)
	res, err := s.RunCommand(ctx, argv)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &Error{Op: "install", Transient: true, Err: errors.New(firstLine(res.Stderr))}
	}
	return nil
}

func (s *localSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return os.RemoveAll(s.root)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if s == "" {
		return "command failed"
	}
	return s
}

// wrapCommand returns an *exec.Cmd that runs binary with args. On Linux with
// bubblewrap (bwrap) available, the command runs inside a minimal sandbox
// where only sessionDir is writable and home is read-only. Elsewhere it runs
// directly.
func wrapCommand(ctx context.Context, home, sessionDir, binary string, args []string) *exec.Cmd {
	if home == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absSession, err := filepath.Abs(sessionDir)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrapArgs := []string{
		"--ro-bind", absHome, absHome,
		"--bind", absSession, absSession,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--", binary,
	}
	bwrapArgs = append(bwrapArgs, args...)
	return exec.CommandContext(ctx, bwrap, bwrapArgs...)
}
