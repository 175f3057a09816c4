package docker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// cliExec runs `docker exec <container> <argv...>`, capturing output and the
// exit code. The CLI behaves like a local process: non-zero container exits
// surface as ExitError, which is not a transport failure.
func cliExec(ctx context.Context, containerName string, argv []string) (string, string, int, error) {
	args := append([]string{"exec", "-w", workDir, containerName}, argv...)
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		}
	}
	return stdout.String(), stderr.String(), code, err
}
