// Package ssh provides a connector that provisions a remote host over SSH.
//
// A single client connection is kept for the whole run; every command gets
// its own session. After a reboot the caller closes the connector and calls
// Connect again.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
)

// Config holds SSH connector configuration.
type Config struct {
	connector.Config

	// IdentityFile is the private key used for authentication. Optional
	// when an ssh-agent is available.
	IdentityFile string

	// KnownHostsFile is checked for the host key. Defaults to ~/.ssh/known_hosts.
	KnownHostsFile string

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	// Passphrase is consulted when the identity file is encrypted.
	// If nil, DefaultPassphrase is used.
	Passphrase PassphraseFunc
}

// Connector executes commands on a remote host over SSH.
type Connector struct {
	cfg Config

	mu        sync.Mutex
	client    *ssh.Client
	agentConn net.Conn
	signer    ssh.Signer
	hostKey   ssh.HostKeyCallback
}

// New creates a new SSH connector. No network activity happens until Connect.
func New(cfg Config) (*Connector, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: host cannot be empty")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh: user cannot be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Passphrase == nil {
		cfg.Passphrase = DefaultPassphrase
	}
	return &Connector{cfg: cfg}, nil
}

func (c *Connector) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Connector) dialTimeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return time.Duration(c.cfg.Timeout) * time.Second
	}
	return defaultDialTimeout
}

// Connect dials the host and authenticates.
func (c *Connector) Connect(ctx context.Context) error {
	auth, hostKey, err := c.credentials()
	if err != nil {
		return err
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.dialTimeout(),
	}

	dialer := net.Dialer{Timeout: c.dialTimeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.addr(), clientCfg)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", c.addr(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// credentials resolves authentication and host key checking, reusing
// whatever an earlier Connect already resolved.
func (c *Connector) credentials() ([]ssh.AuthMethod, ssh.HostKeyCallback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	auth, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	if c.hostKey == nil {
		cb, err := hostKeyCallback(c.cfg.KnownHostsFile, c.cfg.InsecureIgnoreHostKey)
		if err != nil {
			return nil, nil, err
		}
		c.hostKey = cb
	}
	return auth, c.hostKey, nil
}

func (c *Connector) session() (*ssh.Session, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("ssh: not connected to %s", c.addr())
	}

	s, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session on %s: %w", c.cfg.Host, err)
	}
	return s, nil
}

// run executes cmd on a prepared session, closing it if ctx is cancelled.
func run(ctx context.Context, s *ssh.Session, cmd string) (int, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Signal(ssh.SIGTERM)
			_ = s.Close()
		case <-done:
		}
	}()

	err := s.Run(cmd)
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, fmt.Errorf("ssh command failed: %w", err)
}

// Execute runs a command on the remote host and returns the result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var stdout, stderr bytes.Buffer
	s.Stdout = &stdout
	s.Stderr = &stderr

	code, err := run(ctx, s, cmd)
	if err != nil {
		return nil, err
	}

	return &connector.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// Stream runs a command attached to the given streams. A pseudo-terminal is
// requested when stdin is a terminal, so remote programs can prompt.
func (c *Connector) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	s, err := c.session()
	if err != nil {
		return -1, err
	}
	defer s.Close()

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		width, height, err := term.GetSize(int(f.Fd()))
		if err != nil {
			width, height = 80, 24
		}
		modes := ssh.TerminalModes{ssh.ECHO: 1}
		if err := s.RequestPty("xterm", height, width, modes); err != nil {
			return -1, fmt.Errorf("failed to request pty: %w", err)
		}
	}

	s.Stdin = stdin
	s.Stdout = stdout
	s.Stderr = stderr

	return run(ctx, s, cmd)
}

// Upload streams src into dst as the login user.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	defer s.Close()

	var stderr bytes.Buffer
	s.Stdin = src
	s.Stderr = &stderr

	q := shellQuote(dst)
	code, err := run(ctx, s, fmt.Sprintf("cat > %s && chmod %o %s", q, mode, q))
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", dst, err)
	}
	if code != 0 {
		return fmt.Errorf("failed to upload %s: exit %d: %s", dst, code, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Download streams the remote file src into dst.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	defer s.Close()

	var stderr bytes.Buffer
	s.Stdout = dst
	s.Stderr = &stderr

	code, err := run(ctx, s, "cat "+shellQuote(src))
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	if code != 0 {
		return fmt.Errorf("failed to download %s: exit %d: %s", src, code, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Close terminates the connection and releases the ssh-agent socket.
// The parsed identity is kept for a later Connect.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.agentConn != nil {
		_ = c.agentConn.Close()
		c.agentConn = nil
	}

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s", c.cfg.User, c.addr())
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Streamer  = (*Connector)(nil)
)
