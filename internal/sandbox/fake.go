package sandbox

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ankittk/crew/internal/store"
)

// Outcome is one scripted RunCommand result for the Fake client.
type Outcome struct {
	Result ExecResult
	Err    error
}

// Fake is an in-memory sandbox client for tests. Scripted outcomes are
// consumed in order across all sessions; once the script is exhausted,
// RunCommand returns Default. Files live in a per-session map so executor
// and artifact code paths can be tested without touching the host.
type Fake struct {
	mu       sync.Mutex
	script   []Outcome
	Default  Outcome
	commands [][]string

	// concurrency accounting per session
	active        map[string]int
	MaxConcurrent int
}

func NewFake() *Fake {
	return &Fake{
		Default: Outcome{Result: ExecResult{ExitCode: 0}},
		active:  make(map[string]int),
	}
}

// Enqueue appends scripted outcomes consumed by successive RunCommand calls.
func (f *Fake) Enqueue(outcomes ...Outcome) {
	f.mu.Lock()
	f.script = append(f.script, outcomes...)
	f.mu.Unlock()
}

// Commands returns every argv passed to RunCommand, in order.
func (f *Fake) Commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *Fake) OpenSession(ctx context.Context) (Session, error) {
	return &fakeSession{
		id:    store.NewID(),
		fake:  f,
		files: make(map[string]fakeFile),
	}, nil
}

func (f *Fake) Close() error { return nil }

func (f *Fake) next(sessionID string, argv []string) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, argv)
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		return out
	}
	return f.Default
}

func (f *Fake) enter(sessionID string) {
	f.mu.Lock()
	f.active[sessionID]++
	if f.active[sessionID] > f.MaxConcurrent {
		f.MaxConcurrent = f.active[sessionID]
	}
	f.mu.Unlock()
}

func (f *Fake) leave(sessionID string) {
	f.mu.Lock()
	f.active[sessionID]--
	f.mu.Unlock()
}

type fakeFile struct {
	data    []byte
	modTime time.Time
}

type fakeSession struct {
	id   string
	fake *Fake

	mu     sync.Mutex
	files  map[string]fakeFile
	closed bool
}

func (s *fakeSession) ID() string        { return s.id }
func (s *fakeSession) OutputDir() string { return OutputDirName }

func (s *fakeSession) RunCommand(ctx context.Context, argv []string) (ExecResult, error) {
	s.fake.enter(s.id)
	defer s.fake.leave(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.fake.next(s.id, argv)
	return out.Result, out.Err
}

func (s *fakeSession) WriteFile(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = fakeFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

// Seed places a file in the session with an explicit mod time. Test helper
// for exercising fingerprint scans.
func (s *fakeSession) Seed(p string, data []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = fakeFile{data: append([]byte(nil), data...), modTime: modTime}
}

func (s *fakeSession) ReadFile(ctx context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, &Error{Op: "read", Err: os.ErrNotExist}
	}
	return append([]byte(nil), f.data...), nil
}

func (s *fakeSession) ListDirectory(ctx context.Context, dir string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := path.Clean(dir) + "/"
	var out []FileInfo
	for p, f := range s.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			continue // direct children only
		}
		out = append(out, FileInfo{Path: p, Size: int64(len(f.data)), ModTime: f.modTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *fakeSession) InstallPackages(ctx context.Context, manager string, packages []string) error {
	argv := append([]string{manager, "install"}, packages...)
	_, err := s.RunCommand(ctx, argv)
	return err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
