package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// KeyringService is the OS keyring service under which identity file
// passphrases are looked up, keyed by the expanded identity file path.
const KeyringService = "gmndeploy"

const defaultKnownHosts = "~/.ssh/known_hosts"

// PassphraseFunc returns the passphrase for an encrypted identity file.
type PassphraseFunc func(keyPath string) ([]byte, error)

// DefaultPassphrase looks the passphrase up in the OS keyring and falls
// back to prompting on the terminal.
func DefaultPassphrase(keyPath string) ([]byte, error) {
	secret, err := keyring.Get(KeyringService, keyPath)
	if err == nil {
		return []byte(secret), nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		slog.Debug("keyring lookup failed", "service", KeyringService, "key", keyPath, "error", err)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("identity file %s is encrypted and no passphrase is stored in the keyring", keyPath)
	}

	fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", keyPath)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return pass, nil
}

// authMethods returns the agent signers (if an agent is running) followed
// by the identity file, if one was configured. The identity file is parsed
// once per Connector so reconnects never ask for the passphrase again.
// The caller must hold c.mu.
func (c *Connector) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.agentConn == nil {
		c.agentConn = dialAgent()
	}
	if c.agentConn != nil {
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(c.agentConn).Signers))
	}

	if c.cfg.IdentityFile != "" {
		if c.signer == nil {
			signer, err := loadSigner(c.cfg.IdentityFile, c.cfg.Passphrase)
			if err != nil {
				return nil, err
			}
			c.signer = signer
		}
		methods = append(methods, ssh.PublicKeys(c.signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH credentials: set an identity file or start ssh-agent")
	}
	return methods, nil
}

// dialAgent connects to the ssh-agent named by SSH_AUTH_SOCK, or returns
// nil when there is none.
func dialAgent() net.Conn {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		slog.Debug("ssh-agent not reachable", "socket", sock, "error", err)
		return nil
	}
	return conn
}

// loadSigner parses a private key, asking for a passphrase only when the
// key turns out to be encrypted.
func loadSigner(identityFile string, passphrase PassphraseFunc) (ssh.Signer, error) {
	path, err := homedir.Expand(identityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", identityFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}

	pass, err := passphrase(path)
	if err != nil {
		return nil, err
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(knownHostsFile string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly requested by the operator
	}

	if knownHostsFile == "" {
		knownHostsFile = defaultKnownHosts
	}
	path, err := homedir.Expand(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", knownHostsFile, err)
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", path, err)
	}
	return cb, nil
}
