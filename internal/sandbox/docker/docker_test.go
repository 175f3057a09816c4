package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ankittk/crew/internal/sandbox"
)

// fakeAPI implements APIClient with an in-memory filesystem keyed by
// absolute container path.
type fakeAPI struct {
	created []string
	started []string
	stopped []string
	removed []string
	files   map[string]fakeEntry
}

type fakeEntry struct {
	data    []byte
	modTime time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{files: map[string]fakeEntry{}}
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = append(f.created, name)
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}

func (f *fakeAPI) CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.files[path.Join(dstPath, hdr.Name)] = fakeEntry{data: data, modTime: hdr.ModTime}
	}
}

func (f *fakeAPI) CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, container.PathStat, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := path.Base(srcPath)

	if e, ok := f.files[srcPath]; ok {
		_ = tw.WriteHeader(&tar.Header{Name: base, Typeflag: tar.TypeReg, Size: int64(len(e.data)), ModTime: e.modTime, Mode: 0o644})
		_, _ = tw.Write(e.data)
		_ = tw.Close()
		return io.NopCloser(&buf), container.PathStat{}, nil
	}

	// Directory: emit the dir header plus children.
	found := false
	_ = tw.WriteHeader(&tar.Header{Name: base + "/", Typeflag: tar.TypeDir, Mode: 0o755})
	for p, e := range f.files {
		if path.Dir(p) != srcPath {
			continue
		}
		found = true
		_ = tw.WriteHeader(&tar.Header{Name: path.Join(base, path.Base(p)), Typeflag: tar.TypeReg, Size: int64(len(e.data)), ModTime: e.modTime, Mode: 0o644})
		_, _ = tw.Write(e.data)
	}
	_ = tw.Close()
	if !found {
		return nil, container.PathStat{}, fmt.Errorf("No such container:path: %s", srcPath)
	}
	return io.NopCloser(&buf), container.PathStat{}, nil
}

func okExec(ctx context.Context, containerName string, argv []string) (string, string, int, error) {
	return "", "", 0, nil
}

func newTestClient(t *testing.T, api APIClient, exec execFunc) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{API: api, Image: "python:3.12-slim", Exec: exec})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestOpenAndCloseSession(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestClient(t, api, okExec)

	s, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if len(api.created) != 1 || !strings.HasPrefix(api.created[0], "crew-") {
		t.Fatalf("container name: got %v", api.created)
	}
	if len(api.started) != 1 {
		t.Fatalf("started: got %v", api.started)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(api.removed) != 1 {
		t.Fatalf("removed: got %v", api.removed)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if len(api.removed) != 1 {
		t.Fatal("second Close must not remove again")
	}
}

func TestFileRoundTripAndList(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestClient(t, api, okExec)
	s, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	ctx := context.Background()

	if err := s.WriteFile(ctx, "output/result.txt", []byte("done")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := s.ReadFile(ctx, "output/result.txt")
	if err != nil || string(data) != "done" {
		t.Fatalf("ReadFile: got %q, %v", data, err)
	}

	infos, err := s.ListDirectory(ctx, s.OutputDir())
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(infos) != 1 || infos[0].Path != "output/result.txt" || infos[0].Size != 4 {
		t.Fatalf("ListDirectory: got %+v", infos)
	}

	if _, err := s.ListDirectory(ctx, "missing"); err != nil {
		t.Fatalf("missing dir should list empty: %v", err)
	}
	if err := s.WriteFile(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("write outside workspace should fail")
	}
}

func TestRunCommandTimeout(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	slow := func(ctx context.Context, name string, argv []string) (string, string, int, error) {
		if argv[0] == "mkdir" {
			return "", "", 0, nil
		}
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	c, err := NewClient(ClientConfig{API: api, Image: "python:3.12-slim", Exec: slow, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	s, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := s.RunCommand(context.Background(), []string{"python3", "main.py"}); !errors.Is(err, sandbox.ErrTimeout) {
		t.Fatalf("RunCommand: got %v, want ErrTimeout", err)
	}
}

func TestDeniedCommand(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newFakeAPI(), okExec)
	s, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := s.RunCommand(context.Background(), []string{"sudo", "rm"}); err == nil {
		t.Fatal("denied command should fail")
	}
}
