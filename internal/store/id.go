package store

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new ULID string. The monotonic entropy source keeps ids
// strictly increasing even within one millisecond, so ids sort
// lexicographically by creation order and "lowest id" means "oldest entity",
// the deterministic final tie-break for agent selection.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
