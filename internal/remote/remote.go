// Package remote runs provisioning commands on the target host with the
// right privilege and verbosity, and moves files to and from it.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
)

// Command is a single remote operation.
type Command struct {
	// Cmd is the shell command to run.
	Cmd string

	// User runs the command as this account instead of root.
	User string

	// Dir changes into this directory before running Cmd.
	Dir string

	// Loud commands are always echoed and attached to the operator's
	// terminal, even in quiet mode. Used for anything that prompts.
	Loud bool
}

// Opt modifies a Command.
type Opt func(*Command)

// AsUser runs the command as the given account.
func AsUser(user string) Opt {
	return func(c *Command) {
		c.User = user
	}
}

// InDir runs the command from dir.
func InDir(dir string) Opt {
	return func(c *Command) {
		c.Dir = dir
	}
}

// Loud marks the command as interactive.
func Loud() Opt {
	return func(c *Command) {
		c.Loud = true
	}
}

// String returns the command as the operator should see it.
func (c Command) String() string {
	var b strings.Builder
	if c.User != "" {
		fmt.Fprintf(&b, "[%s] ", c.User)
	}
	if c.Dir != "" {
		fmt.Fprintf(&b, "(cd %s) ", c.Dir)
	}
	b.WriteString(c.Cmd)
	return b.String()
}

// Reporter receives command echo and output.
type Reporter interface {
	Command(cmd string, loud bool)
	CommandOutput(stdout, stderr string)
}

// Observer is notified after every command completes.
type Observer interface {
	ObserveCommand(cmd Command, exitCode int, elapsed time.Duration)
}

// Options configures an Executor.
type Options struct {
	// Quiet suppresses echo and output of commands that are not loud.
	Quiet bool

	// NoSudo is set when the connection already runs as root; privilege
	// changes then use runuser instead of sudo.
	NoSudo bool

	// BecomePassword is fed to sudo on stdin when set.
	BecomePassword []byte

	// Stdin, Stdout and Stderr are the operator's terminal, used for loud commands.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Reporter Reporter
	Observer Observer
}

// Executor runs commands on the target host.
type Executor struct {
	conn connector.Connector
	opts Options
}

// New creates an executor over conn.
func New(conn connector.Connector, opts Options) *Executor {
	return &Executor{conn: conn, opts: opts}
}

// Connector returns the underlying connector.
func (e *Executor) Connector() connector.Connector {
	return e.conn
}

// Sudo runs cmd with elevated privilege and fails on non-zero exit.
func (e *Executor) Sudo(ctx context.Context, cmd string, opts ...Opt) (*connector.Result, error) {
	c := Command{Cmd: cmd}
	for _, opt := range opts {
		opt(&c)
	}
	return e.Run(ctx, c)
}

// Query runs cmd with elevated privilege, never echoes it and returns
// trimmed stdout regardless of the exit status of cmd. A refusal by sudo
// itself is returned as a *CommandError.
func (e *Executor) Query(ctx context.Context, cmd string) (string, error) {
	wrapped := e.wrap(Command{Cmd: cmd})
	res, err := e.execute(ctx, wrapped, false)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 && !e.opts.NoSudo && sudoRefused(res.Stderr) {
		return "", &CommandError{
			Cmd:      cmd,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return strings.TrimSpace(res.Stdout), nil
}

var sudoRefusals = []string{
	"a password is required",
	"a terminal is required",
	"incorrect password",
	"is not in the sudoers file",
	"is not allowed to execute",
}

// sudoRefused reports whether stderr carries sudo's own authentication or
// policy error rather than output of the wrapped command.
func sudoRefused(stderr string) bool {
	for _, line := range strings.Split(stderr, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "sudo:") {
			continue
		}
		for _, r := range sudoRefusals {
			if strings.Contains(line, r) {
				return true
			}
		}
	}
	return false
}

// Run executes c and returns a *CommandError on non-zero exit.
func (e *Executor) Run(ctx context.Context, c Command) (*connector.Result, error) {
	show := c.Loud || !e.opts.Quiet
	if show && e.opts.Reporter != nil {
		e.opts.Reporter.Command(c.String(), c.Loud)
	}

	start := time.Now()
	res, err := e.execute(ctx, e.wrap(c), c.Loud)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %q: %w", c.Cmd, err)
	}

	if e.opts.Observer != nil {
		e.opts.Observer.ObserveCommand(c, res.ExitCode, time.Since(start))
	}

	if res.ExitCode != 0 {
		return res, &CommandError{
			Cmd:      c.Cmd,
			User:     c.User,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}

	if show && !c.Loud && e.opts.Reporter != nil {
		e.opts.Reporter.CommandOutput(res.Stdout, res.Stderr)
	}
	return res, nil
}

// execute sends the wrapped command over the connector. Loud commands and
// commands that need a sudo password go through the streaming capability.
func (e *Executor) execute(ctx context.Context, cmd string, loud bool) (*connector.Result, error) {
	needsPassword := len(e.opts.BecomePassword) > 0 && !e.opts.NoSudo
	if !loud && !needsPassword {
		return e.conn.Execute(ctx, cmd)
	}

	streamer, ok := e.conn.(connector.Streamer)
	if !ok {
		if needsPassword {
			return nil, fmt.Errorf("%s cannot pass a sudo password", e.conn)
		}
		return e.conn.Execute(ctx, cmd)
	}

	var stdout, stderr bytes.Buffer
	var stdinParts []io.Reader
	if needsPassword {
		stdinParts = append(stdinParts, bytes.NewReader(append(append([]byte{}, e.opts.BecomePassword...), '\n')))
	}
	outW, errW := io.Writer(&stdout), io.Writer(&stderr)
	if loud {
		if e.opts.Stdin != nil {
			stdinParts = append(stdinParts, e.opts.Stdin)
		}
		if e.opts.Stdout != nil {
			outW = io.MultiWriter(&stdout, e.opts.Stdout)
		}
		if e.opts.Stderr != nil {
			errW = io.MultiWriter(&stderr, e.opts.Stderr)
		}
	}

	// A lone terminal stays an *os.File so the transport can allocate a pty.
	var stdin io.Reader
	switch len(stdinParts) {
	case 0:
	case 1:
		stdin = stdinParts[0]
	default:
		stdin = io.MultiReader(stdinParts...)
	}

	code, err := streamer.Stream(ctx, cmd, stdin, outW, errW)
	if err != nil {
		return nil, err
	}
	return &connector.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

// wrap turns c into the shell line sent to the host.
func (e *Executor) wrap(c Command) string {
	inner := c.Cmd
	if c.Dir != "" {
		inner = fmt.Sprintf("cd %s && %s", ShellQuote(c.Dir), inner)
	}
	shell := "sh -c " + ShellQuote(inner)

	if e.opts.NoSudo {
		if c.User != "" {
			return fmt.Sprintf("runuser -u %s -- %s", c.User, shell)
		}
		return shell
	}

	sudo := "sudo -n -H"
	if len(e.opts.BecomePassword) > 0 {
		sudo = "sudo -S -p '' -H"
	}
	if c.User != "" {
		sudo += " -u " + c.User
	}
	return sudo + " " + shell
}

// ShellQuote quotes a string for safe use in shell commands.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
