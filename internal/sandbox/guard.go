package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
)

var errPathEscape = errors.New("path escapes session root")

// PathGuard confines file access to a session root. Every ReadFile,
// WriteFile and ListDirectory path must resolve with it before use.
type PathGuard struct {
	Root string
}

// Resolve returns the absolute path for a session-relative path, or an
// error if the path would land outside the root. Absolute paths and ".."
// traversal past the root are rejected.
func (g *PathGuard) Resolve(path string) (string, error) {
	if path == "" {
		return "", &Error{Op: "resolve", Err: errors.New("empty path")}
	}
	if filepath.IsAbs(path) {
		return "", &Error{Op: "resolve", Err: errPathEscape}
	}
	root, err := filepath.Abs(filepath.Clean(g.Root))
	if err != nil {
		return "", &Error{Op: "resolve", Err: err}
	}
	abs := filepath.Join(root, filepath.Clean(path))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", &Error{Op: "resolve", Err: errPathEscape}
	}
	return abs, nil
}
