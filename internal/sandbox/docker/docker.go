// Package docker runs sandbox sessions as Docker containers. Container
// lifecycle and file transfer go through the Docker API; command execution
// shells out to the docker CLI so streams and exit codes behave like a local
// run.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
)

// workDir is the session root inside every container.
const workDir = "/workspace"

// APIClient is the subset of Docker operations sessions use. Narrow so tests
// can substitute a fake.
type APIClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
}

// ClientConfig configures the docker sandbox client.
type ClientConfig struct {
	API     APIClient
	Image   string
	Timeout time.Duration // per-command deadline
	Logger  *slog.Logger

	// Exec runs a docker CLI exec and returns stdout, stderr and the exit
	// code. Nil uses the real CLI.
	Exec execFunc
}

type execFunc func(ctx context.Context, containerName string, argv []string) (stdout, stderr string, exitCode int, err error)

func (c *ClientConfig) defaults() error {
	if c.API == nil {
		cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("create docker client: %w", err)
		}
		c.API = cli
	}
	if c.Image == "" {
		return errors.New("docker image required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Exec == nil {
		c.Exec = cliExec
	}
	return nil
}

// Client opens container-backed sessions.
type Client struct {
	api     APIClient
	image   string
	timeout time.Duration
	logger  *slog.Logger
	exec    execFunc
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		api:     cfg.API,
		image:   cfg.Image,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		exec:    cfg.Exec,
	}, nil
}

// OpenSession pulls the image if needed, creates and starts a container, and
// prepares the workspace.
func (c *Client) OpenSession(ctx context.Context) (sandbox.Session, error) {
	id := store.NewID()
	name := fmt.Sprintf("crew-%s", strings.ToLower(id))

	pullResp, err := c.api.ImagePull(ctx, c.image, image.PullOptions{})
	if err != nil {
		return nil, &sandbox.Error{Op: "open", Transient: true, Err: fmt.Errorf("pull %s: %w", c.image, err)}
	}
	_, _ = io.Copy(io.Discard, pullResp)
	_ = pullResp.Close()

	resp, err := c.api.ContainerCreate(ctx, &container.Config{
		Image:      c.image,
		WorkingDir: workDir,
		Cmd:        []string{"tail", "-f", "/dev/null"}, // keep container running
	}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, &sandbox.Error{Op: "open", Transient: true, Err: fmt.Errorf("create container: %w", err)}
	}
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &sandbox.Error{Op: "open", Transient: true, Err: fmt.Errorf("start container: %w", err)}
	}
	c.logger.Debug("opened docker session", "session_id", id, "container", name)

	s := &session{
		id:            id,
		containerName: name,
		containerID:   resp.ID,
		client:        c,
	}
	if err := s.mkdirAll(ctx, path.Join(workDir, sandbox.OutputDirName)); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (c *Client) Close() error { return nil }

type session struct {
	id            string
	containerName string
	containerID   string
	client        *Client

	mu     sync.Mutex // serializes commands within the session
	closed bool
}

func (s *session) ID() string        { return s.id }
func (s *session) OutputDir() string { return sandbox.OutputDirName }

func (s *session) RunCommand(ctx context.Context, argv []string) (sandbox.ExecResult, error) {
	if sandbox.BlockedCommand(argv) {
		return sandbox.ExecResult{}, &sandbox.Error{Op: "run", Err: errors.New("command denied")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sandbox.ExecResult{}, &sandbox.Error{Op: "run", Err: errors.New("session closed")}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.client.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.client.timeout)
		defer cancel()
	}

	start := time.Now()
	stdout, stderr, code, err := s.client.exec(runCtx, s.containerName, argv)
	res := sandbox.ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: code,
		Duration: time.Since(start),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, sandbox.ErrTimeout
	}
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return res, &sandbox.Error{Op: "run", Err: err}
		}
		return res, &sandbox.Error{Op: "run", Transient: true, Err: err}
	}
	return res, nil
}

func (s *session) WriteFile(ctx context.Context, p string, data []byte) error {
	rel, err := cleanRel(p)
	if err != nil {
		return err
	}
	if dir := path.Dir(rel); dir != "." {
		if err := s.mkdirAll(ctx, path.Join(workDir, dir)); err != nil {
			return err
		}
	}

	// Single-file tar stream addressed at the parent directory.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Base(rel),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return &sandbox.Error{Op: "write", Err: err}
	}
	if _, err := tw.Write(data); err != nil {
		return &sandbox.Error{Op: "write", Err: err}
	}
	if err := tw.Close(); err != nil {
		return &sandbox.Error{Op: "write", Err: err}
	}

	dst := path.Join(workDir, path.Dir(rel))
	if err := s.client.api.CopyToContainer(ctx, s.containerID, dst, &buf, container.CopyToContainerOptions{}); err != nil {
		return &sandbox.Error{Op: "write", Transient: true, Err: err}
	}
	return nil
}

func (s *session) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rel, err := cleanRel(p)
	if err != nil {
		return nil, err
	}
	rc, _, err := s.client.api.CopyFromContainer(ctx, s.containerID, path.Join(workDir, rel))
	if err != nil {
		return nil, &sandbox.Error{Op: "read", Err: err}
	}
	defer func() { _ = rc.Close() }()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &sandbox.Error{Op: "read", Err: err}
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, &sandbox.Error{Op: "read", Err: fmt.Errorf("%s: not a regular file", p)}
}

// ListDirectory reads the directory as a tar stream and reports the direct
// children from the tar headers.
func (s *session) ListDirectory(ctx context.Context, dir string) ([]sandbox.FileInfo, error) {
	rel, err := cleanRel(dir)
	if err != nil {
		return nil, err
	}
	rc, _, err := s.client.api.CopyFromContainer(ctx, s.containerID, path.Join(workDir, rel))
	if err != nil {
		if strings.Contains(err.Error(), "No such container:path") || strings.Contains(err.Error(), "no such file") {
			return nil, nil
		}
		return nil, &sandbox.Error{Op: "list", Err: err}
	}
	defer func() { _ = rc.Close() }()

	base := path.Base(rel)
	var out []sandbox.FileInfo
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &sandbox.Error{Op: "list", Err: err}
		}
		name := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, base), "/")
		if name == "" || strings.Contains(strings.TrimSuffix(name, "/"), "/") {
			continue // the directory itself, or a nested entry
		}
		out = append(out, sandbox.FileInfo{
			Path:    path.Join(rel, strings.TrimSuffix(name, "/")),
			Size:    hdr.Size,
			ModTime: hdr.ModTime,
			IsDir:   hdr.Typeflag == tar.TypeDir,
		})
	}
	return out, nil
}

func (s *session) InstallPackages(ctx context.Context, manager string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	argv := append([]string{manager, "install"}, packages...)
	res, err := s.RunCommand(ctx, argv)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &sandbox.Error{Op: "install", Transient: true, Err: fmt.Errorf("exit %d", res.ExitCode)}
	}
	return nil
}

// Close stops and removes the container. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ctx := context.Background()
	timeout := 10
	if err := s.client.api.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout}); err != nil &&
		!strings.Contains(err.Error(), "is not running") && !strings.Contains(err.Error(), "No such container") {
		s.client.logger.Warn("stop container", "container", s.containerName, "err", err)
	}
	if err := s.client.api.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil &&
		!strings.Contains(err.Error(), "No such container") {
		return &sandbox.Error{Op: "close", Err: err}
	}
	return nil
}

func (s *session) mkdirAll(ctx context.Context, abs string) error {
	_, _, code, err := s.client.exec(ctx, s.containerName, []string{"mkdir", "-p", abs})
	if err != nil {
		return &sandbox.Error{Op: "mkdir", Transient: true, Err: err}
	}
	if code != 0 {
		return &sandbox.Error{Op: "mkdir", Err: fmt.Errorf("mkdir -p %s: exit %d", abs, code)}
	}
	return nil
}

func cleanRel(p string) (string, error) {
	if p == "" || path.IsAbs(p) {
		return "", &sandbox.Error{Op: "resolve", Err: errors.New("path must be session-relative")}
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &sandbox.Error{Op: "resolve", Err: errors.New("path escapes session root")}
	}
	return clean, nil
}
