package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
)

type seeder interface {
	Seed(path string, data []byte, modTime time.Time)
}

func TestScanIsIdempotent(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	sc := NewScanner(st, nil)
	ctx := context.Background()

	f := sandbox.NewFake()
	sess, err := f.OpenSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mt := time.Unix(1700000000, 42)
	sess.(seeder).Seed("output/report.md", []byte("# done"), mt)
	sess.(seeder).Seed("output/data.json", []byte("{}"), mt)

	added, err := sc.Scan(ctx, "task-1", sess)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("first scan: got %d artifacts, want 2", len(added))
	}
	for _, a := range added {
		if a.ScopeID != "task-1" || a.Fingerprint == "" || len(a.Inline) == 0 {
			t.Fatalf("artifact fields: got %+v", a)
		}
	}

	// Unchanged files: nothing new.
	added, err = sc.Scan(ctx, "task-1", sess)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("rescan of unchanged output: got %d, want 0", len(added))
	}

	// A rewrite changes the fingerprint and is picked up again.
	sess.(seeder).Seed("output/report.md", []byte("# done v2"), mt.Add(time.Second))
	added, err = sc.Scan(ctx, "task-1", sess)
	if err != nil {
		t.Fatalf("scan after rewrite: %v", err)
	}
	if len(added) != 1 || added[0].Path != "output/report.md" {
		t.Fatalf("scan after rewrite: got %+v", added)
	}

	all, err := st.ListArtifacts(ctx, "task-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("stored artifacts: got %d, want 3", len(all))
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	if got := Fingerprint(10, 99); got != "10:99" {
		t.Fatalf("Fingerprint: got %q", got)
	}
	if Fingerprint(10, 99) == Fingerprint(10, 100) {
		t.Fatal("mtime change must alter the fingerprint")
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()
	if ct := contentType("output/x.bin"); ct != "application/octet-stream" {
		t.Fatalf("unknown ext: got %q", ct)
	}
	if ct := contentType("output/report.json"); ct != "application/json" {
		t.Fatalf("json: got %q", ct)
	}
}
