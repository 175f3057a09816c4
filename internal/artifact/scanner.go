// Package artifact registers files an agent leaves in its session output
// directory. Scans are idempotent: a file is registered once per
// (scope, path, fingerprint), so re-scanning after a retry only picks up
// files that actually changed.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"

	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// Scanner walks session output directories and records new artifacts.
type Scanner struct {
	store       store.Store
	logger      *slog.Logger
	inlineLimit int64
}

func NewScanner(st store.Store, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{store: st, logger: logger, inlineLimit: models.DefaultInlineArtifactBytes}
}

// Fingerprint derives the change detector for a file: size and mtime move
// together whenever content is rewritten.
func Fingerprint(size int64, mtimeUnixNano int64) string {
	return fmt.Sprintf("%d:%d", size, mtimeUnixNano)
}

// Scan lists the session's output directory and registers every file not
// seen before under scopeID (normally the task id). Returns only the newly
// added artifacts. Files at or below the inline limit are stored with their
// content; larger ones are recorded by reference.
func (s *Scanner) Scan(ctx context.Context, scopeID string, sess sandbox.Session) ([]models.Artifact, error) {
	infos, err := sess.ListDirectory(ctx, sess.OutputDir())
	if err != nil {
		return nil, fmt.Errorf("list output dir: %w", err)
	}

	var added []models.Artifact
	for _, info := range infos {
		if info.IsDir {
			continue
		}
		fp := Fingerprint(info.Size, info.ModTime.UnixNano())
		seen, err := s.store.HasArtifactFingerprint(ctx, scopeID, info.Path, fp)
		if err != nil {
			return added, err
		}
		if seen {
			continue
		}

		a := models.Artifact{
			ScopeID:     scopeID,
			SessionID:   sess.ID(),
			Path:        info.Path,
			Name:        path.Base(info.Path),
			ContentType: contentType(info.Path),
			Size:        info.Size,
			Fingerprint: fp,
		}
		if info.Size <= s.inlineLimit {
			data, err := sess.ReadFile(ctx, info.Path)
			if err != nil {
				s.logger.Warn("artifact vanished during scan", "scope_id", scopeID, "path", info.Path, "err", err)
				continue
			}
			a.Inline = data
		}

		created, err := s.store.CreateArtifact(ctx, a)
		if err != nil {
			return added, fmt.Errorf("register artifact %s: %w", info.Path, err)
		}
		s.logger.Debug("registered artifact", "scope_id", scopeID, "path", info.Path, "size", info.Size)
		added = append(added, created)
	}
	return added, nil
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
