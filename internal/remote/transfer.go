package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
)

// PutOptions controls how an uploaded file is installed.
type PutOptions struct {
	// UseSudo installs the file with elevated privilege through a
	// temporary path owned by the login user.
	UseSudo bool

	// Mode is the final file mode. Zero means 0644.
	Mode uint32

	// Owner and Group are applied when UseSudo is set.
	Owner string
	Group string

	// Validate is run against the uploaded temporary file before it is
	// installed; %s is replaced with its path. Requires UseSudo.
	Validate string
}

// Transfer moves files between the controller and the target host.
type Transfer struct {
	exec   *Executor
	tmpDir string
	now    func() time.Time
}

// NewTransfer creates a Transfer that uses exec for privileged steps.
func NewTransfer(exec *Executor) *Transfer {
	return &Transfer{exec: exec, tmpDir: "/tmp", now: time.Now}
}

// Put uploads the local file at localPath to remotePath.
func (t *Transfer) Put(ctx context.Context, localPath, remotePath string, opts PutOptions) (bool, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return false, &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	return t.PutContent(ctx, data, remotePath, opts)
}

// PutContent uploads content to remotePath. It reports whether the remote
// file changed; identical content is left alone.
func (t *Transfer) PutContent(ctx context.Context, content []byte, remotePath string, opts PutOptions) (bool, error) {
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	if t.remoteChecksum(ctx, remotePath, opts.UseSudo) == checksum(content) {
		if opts.UseSudo {
			if err := t.ensureAttributes(ctx, remotePath, mode, opts.Owner, opts.Group); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	conn := t.exec.Connector()
	if !opts.UseSudo {
		if err := conn.Upload(ctx, bytes.NewReader(content), remotePath, mode); err != nil {
			return false, &TransferError{Op: "upload", Path: remotePath, Err: err}
		}
		return true, nil
	}

	tmp := path.Join(t.tmpDir, fmt.Sprintf("gmndeploy-%d-%s", t.now().UnixNano(), path.Base(remotePath)))
	if err := conn.Upload(ctx, bytes.NewReader(content), tmp, 0o600); err != nil {
		return false, &TransferError{Op: "upload", Path: remotePath, Err: err}
	}

	if opts.Validate != "" {
		check := strings.ReplaceAll(opts.Validate, "%s", ShellQuote(tmp))
		if _, err := t.exec.Sudo(ctx, check); err != nil {
			_, _ = t.exec.Query(ctx, "rm -f "+ShellQuote(tmp))
			return false, &TransferError{Op: "validate", Path: remotePath, Err: err}
		}
	}

	install := fmt.Sprintf("install -m %04o", mode)
	if opts.Owner != "" {
		install += " -o " + opts.Owner
	}
	if opts.Group != "" {
		install += " -g " + opts.Group
	}
	cmd := fmt.Sprintf("%s %s %s && rm -f %s", install, ShellQuote(tmp), ShellQuote(remotePath), ShellQuote(tmp))
	if _, err := t.exec.Sudo(ctx, cmd); err != nil {
		return false, &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	return true, nil
}

// Get downloads remotePath into localPath. With useSudo the file is first
// copied to a temporary path readable by the login user.
func (t *Transfer) Get(ctx context.Context, remotePath, localPath string, useSudo bool) error {
	src := remotePath
	if useSudo {
		src = path.Join(t.tmpDir, fmt.Sprintf("gmndeploy-%d-%s", t.now().UnixNano(), path.Base(remotePath)))
		cmd := fmt.Sprintf(`install -m 0600 -o "${SUDO_USER:-root}" %s %s`, ShellQuote(remotePath), ShellQuote(src))
		if _, err := t.exec.Sudo(ctx, cmd); err != nil {
			return &TransferError{Op: "download", Path: remotePath, Err: err}
		}
		defer func() { _, _ = t.exec.Query(ctx, "rm -f "+ShellQuote(src)) }()
	}

	var buf bytes.Buffer
	if err := t.exec.Connector().Download(ctx, src, &buf); err != nil {
		return &TransferError{Op: "download", Path: remotePath, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	if err := os.WriteFile(localPath, buf.Bytes(), 0o600); err != nil {
		return &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	return nil
}

func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// remoteChecksum returns the sha256 of remotePath, or "" if it is missing.
func (t *Transfer) remoteChecksum(ctx context.Context, remotePath string, useSudo bool) string {
	cmd := fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1", ShellQuote(remotePath))

	var out string
	var err error
	if useSudo {
		out, err = t.exec.Query(ctx, cmd)
	} else {
		var res *connector.Result
		res, err = t.exec.Connector().Execute(ctx, cmd)
		if res != nil {
			out = strings.TrimSpace(res.Stdout)
		}
	}
	if err != nil {
		return ""
	}
	return out
}

func (t *Transfer) ensureAttributes(ctx context.Context, remotePath string, mode uint32, owner, group string) error {
	q := ShellQuote(remotePath)
	cmds := []string{fmt.Sprintf("chmod %04o %s", mode, q)}
	switch {
	case owner != "" && group != "":
		cmds = append(cmds, fmt.Sprintf("chown %s:%s %s", owner, group, q))
	case owner != "":
		cmds = append(cmds, fmt.Sprintf("chown %s %s", owner, q))
	case group != "":
		cmds = append(cmds, fmt.Sprintf("chgrp %s %s", group, q))
	}
	if _, err := t.exec.Sudo(ctx, strings.Join(cmds, " && ")); err != nil {
		return &TransferError{Op: "chmod", Path: remotePath, Err: err}
	}
	return nil
}
