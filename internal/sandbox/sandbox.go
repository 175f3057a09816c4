// Package sandbox provides isolated execution sessions for agents. A session
// holds working state between commands: files written in one call are visible
// to the next. Commands within one session never run concurrently.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout reports that a command exceeded its execution deadline. The
// session that produced it must be considered poisoned and replaced.
var ErrTimeout = errors.New("sandbox: command timed out")

// Error wraps a sandbox failure. Transient failures (timeouts, crashed
// interpreters) are retryable; permanent ones (denied commands, bad paths)
// are not.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable sandbox failure. Timeouts
// are always transient.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se *Error
	return errors.As(err, &se) && se.Transient
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FileInfo describes one entry returned by ListDirectory.
type FileInfo struct {
	Path    string // relative to the session root
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Session is one isolated execution environment. Implementations serialize
// commands: a second RunCommand blocks until the first returns.
type Session interface {
	// ID returns the session identifier.
	ID() string
	// RunCommand executes argv and returns its captured output. A command
	// that exceeds the session timeout returns ErrTimeout.
	RunCommand(ctx context.Context, argv []string) (ExecResult, error)
	// WriteFile writes data at path relative to the session root.
	WriteFile(ctx context.Context, path string, data []byte) error
	// ReadFile reads the file at path relative to the session root.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// ListDirectory lists entries under dir relative to the session root.
	ListDirectory(ctx context.Context, dir string) ([]FileInfo, error)
	// InstallPackages installs packages with the given package manager
	// (e.g. "pip", "npm") inside the session.
	InstallPackages(ctx context.Context, manager string, packages []string) error
	// OutputDir returns the session-relative directory agents write
	// deliverables to.
	OutputDir() string
	// Close releases the session and its resources.
	Close() error
}

// Client opens sessions.
type Client interface {
	OpenSession(ctx context.Context) (Session, error)
	Close() error
}

// OutputDirName is the well-known deliverables directory inside every session.
const OutputDirName = "output"
