// Package audit records coordinator mutations (team/agent changes, task
// delegation, recovery outcomes) to an append-only sink.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	Action  string    `json:"action"`
	Actor   string    `json:"actor,omitempty"`
	TeamID  string    `json:"team_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Sink accepts audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// SlogSink writes entries to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.Logger.InfoContext(ctx, "audit",
		"action", e.Action,
		"actor", e.Actor,
		"team_id", e.TeamID,
		"agent_id", e.AgentID,
		"task_id", e.TaskID,
		"detail", e.Detail,
	)
}

// FileSink appends entries as NDJSON to audit.ndjson under dir. The file and
// directory are created on first record.
type FileSink struct {
	Dir string

	mu sync.Mutex
}

func (s *FileSink) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(s.Dir, "audit.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintf(f, "%s\n", line)
}

// NopSink discards entries.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) {}
