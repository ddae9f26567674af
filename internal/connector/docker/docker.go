// Package docker provides a connector for provisioning a running Docker container.
//
// It is mostly useful for rehearsing a deployment against a throwaway
// Debian/Ubuntu container before pointing gmndeploy at a real host.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
)

// Connector executes commands inside a Docker container.
type Connector struct {
	container string
	user      string
	workdir   string
	env       map[string]string
	binary    string
}

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the container user commands run as.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// WithWorkdir sets the working directory for command execution.
func WithWorkdir(dir string) Option {
	return func(c *Connector) {
		c.workdir = dir
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(c *Connector) {
		c.env[key] = value
	}
}

// New creates a new Docker connector for the specified container.
func New(container string, opts ...Option) *Connector {
	c := &Connector{
		container: container,
		env:       make(map[string]string),
		binary:    "docker",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the container exists and is running.
func (c *Connector) Connect(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	out, err := exec.CommandContext(ctx, c.binary, "inspect", "-f", "{{.State.Running}}", c.container).Output()
	if err != nil {
		return fmt.Errorf("container '%s' not found or not accessible: %w", c.container, err)
	}

	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("container '%s' is not running", c.container)
	}

	return nil
}

// Execute runs a command inside the container.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.Stream(ctx, cmd, nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}

	return &connector.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// Stream runs a command inside the container attached to the given streams.
func (c *Connector) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	execCmd := exec.CommandContext(ctx, c.binary, c.buildExecArgs(cmd)...)
	execCmd.Stdin = stdin
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to execute command in container: %w", err)
}

// buildExecArgs builds the docker exec command arguments.
func (c *Connector) buildExecArgs(cmd string) []string {
	args := []string{"exec", "-i"}

	if c.user != "" {
		args = append(args, "-u", c.user)
	}

	if c.workdir != "" {
		args = append(args, "-w", c.workdir)
	}

	for k, v := range c.env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	return append(args, c.container, "/bin/sh", "-c", cmd)
}

// Upload copies content to a file inside the container.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	tmpFile, err := os.CreateTemp("", "gmndeploy-upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, src); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	tmpFile.Close()

	target := fmt.Sprintf("%s:%s", c.container, dst)
	if out, err := exec.CommandContext(ctx, c.binary, "cp", tmpPath, target).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy file to container: %s: %w", strings.TrimSpace(string(out)), err)
	}

	res, err := c.Execute(ctx, fmt.Sprintf("chmod %o '%s'", mode, dst))
	if err != nil {
		return fmt.Errorf("failed to set file permissions in container: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to set file permissions in container: %s", strings.TrimSpace(res.Stderr))
	}

	return nil
}

// Download copies content from a file inside the container.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	tmpFile, err := os.CreateTemp("", "gmndeploy-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	source := fmt.Sprintf("%s:%s", c.container, src)
	if out, err := exec.CommandContext(ctx, c.binary, "cp", source, tmpPath).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy file from container: %s: %w", strings.TrimSpace(string(out)), err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read downloaded file: %w", err)
	}

	return nil
}

// Close is a no-op for Docker connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	if c.user != "" {
		return fmt.Sprintf("docker://%s@%s", c.user, c.container)
	}
	return fmt.Sprintf("docker://%s", c.container)
}

var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Streamer  = (*Connector)(nil)
)
