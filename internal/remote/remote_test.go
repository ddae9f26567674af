package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
	"github.com/eugenetaranov/gmndeploy/internal/connector/recorder"
)

type fakeReporter struct {
	commands []string
	loud     []bool
	outputs  []string
}

func (r *fakeReporter) Command(cmd string, loud bool) {
	r.commands = append(r.commands, cmd)
	r.loud = append(r.loud, loud)
}

func (r *fakeReporter) CommandOutput(stdout, stderr string) {
	r.outputs = append(r.outputs, stdout)
}

type fakeObserver struct {
	codes []int
}

func (o *fakeObserver) ObserveCommand(_ Command, code int, _ time.Duration) {
	o.codes = append(o.codes, code)
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		cmd  Command
		want string
	}{
		{
			name: "root via sudo",
			cmd:  Command{Cmd: "apt-get update"},
			want: "sudo -n -H sh -c 'apt-get update'",
		},
		{
			name: "as user via sudo",
			cmd:  Command{Cmd: "createuser gmn", User: "postgres"},
			want: "sudo -n -H -u postgres sh -c 'createuser gmn'",
		},
		{
			name: "sudo with password",
			opts: Options{BecomePassword: []byte("pw")},
			cmd:  Command{Cmd: "id"},
			want: "sudo -S -p '' -H sh -c 'id'",
		},
		{
			name: "directory",
			cmd:  Command{Cmd: "touch index.txt", Dir: "/var/local/dataone/certs/local_ca"},
			want: `sudo -n -H sh -c 'cd '"'"'/var/local/dataone/certs/local_ca'"'"' && touch index.txt'`,
		},
		{
			name: "root connection",
			opts: Options{NoSudo: true},
			cmd:  Command{Cmd: "id"},
			want: "sh -c 'id'",
		},
		{
			name: "root connection as user",
			opts: Options{NoSudo: true},
			cmd:  Command{Cmd: "id", User: "gmn"},
			want: "runuser -u gmn -- sh -c 'id'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(recorder.New(), tt.opts)
			assert.Equal(t, tt.want, e.wrap(tt.cmd))
		})
	}
}

func TestSudoFailure(t *testing.T) {
	rec := recorder.New().FailOn("createdb", 1, "database exists")
	obs := &fakeObserver{}
	e := New(rec, Options{Quiet: true, Observer: obs})

	_, err := e.Sudo(context.Background(), "createdb -E UTF8 gmn2", AsUser("postgres"))
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Equal(t, "postgres", cmdErr.User)
	assert.Contains(t, cmdErr.Error(), "database exists")
	assert.Equal(t, []int{1}, obs.codes)
}

func TestTransportError(t *testing.T) {
	rec := recorder.New().ErrorOn("id", errors.New("broken pipe"))
	e := New(rec, Options{Quiet: true})

	_, err := e.Sudo(context.Background(), "id")
	require.Error(t, err)
	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr))
}

func TestQuietSuppressesEcho(t *testing.T) {
	rep := &fakeReporter{}
	rec := recorder.New().On("echo", connector.Result{Stdout: "hi\n"})
	e := New(rec, Options{Quiet: true, Reporter: rep})

	_, err := e.Sudo(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Empty(t, rep.commands)

	_, err = e.Sudo(context.Background(), "passwd", AsUser("postgres"), Loud())
	require.NoError(t, err)
	assert.Equal(t, []string{"[postgres] passwd"}, rep.commands)
	assert.Equal(t, []bool{true}, rep.loud)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, recorder.KindExecute, calls[0].Kind)
	assert.Equal(t, recorder.KindStream, calls[1].Kind)
}

func TestVerboseEchoesOutput(t *testing.T) {
	rep := &fakeReporter{}
	rec := recorder.New().On("echo", connector.Result{Stdout: "hi\n"})
	e := New(rec, Options{Reporter: rep})

	_, err := e.Sudo(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo hi"}, rep.commands)
	assert.Equal(t, []string{"hi\n"}, rep.outputs)
}

func TestLoudTeesToOperator(t *testing.T) {
	var out bytes.Buffer
	rec := recorder.New().On("openssl", connector.Result{Stdout: "Enter PEM pass phrase:"})
	e := New(rec, Options{Quiet: true, Stdout: &out, Stdin: strings.NewReader("")})

	res, err := e.Sudo(context.Background(), "openssl req -new", Loud())
	require.NoError(t, err)
	assert.Equal(t, "Enter PEM pass phrase:", res.Stdout)
	assert.Equal(t, "Enter PEM pass phrase:", out.String())
}

func TestBecomePasswordUsesStream(t *testing.T) {
	rec := recorder.New()
	e := New(rec, Options{Quiet: true, BecomePassword: []byte("pw")})

	_, err := e.Sudo(context.Background(), "id")
	require.NoError(t, err)
	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, recorder.KindStream, calls[0].Kind)
}

func TestQuery(t *testing.T) {
	rep := &fakeReporter{}
	rec := recorder.New().On("hostname", connector.Result{Stdout: " gmn01 \n", ExitCode: 0})
	e := New(rec, Options{Reporter: rep})

	out, err := e.Query(context.Background(), "hostname")
	require.NoError(t, err)
	assert.Equal(t, "gmn01", out)
	assert.Empty(t, rep.commands)
}

func TestQuerySudoRefused(t *testing.T) {
	tests := []struct {
		name    string
		result  connector.Result
		noSudo  bool
		wantErr bool
		want    string
	}{
		{
			name:    "password required",
			result:  connector.Result{ExitCode: 1, Stderr: "sudo: a password is required\n"},
			wantErr: true,
		},
		{
			name:    "not in sudoers",
			result:  connector.Result{ExitCode: 1, Stderr: "ops is not in the sudoers file.\nsudo: ops is not in the sudoers file.  This incident will be reported.\n"},
			wantErr: true,
		},
		{
			name:   "command exits non-zero",
			result: connector.Result{ExitCode: 1, Stdout: "0\n"},
			want:   "0",
		},
		{
			name:   "command mentions sudo",
			result: connector.Result{ExitCode: 2, Stdout: "x\n", Stderr: "grep: sudo: a password is required: No such file\n"},
			want:   "x",
		},
		{
			name:   "running as root",
			result: connector.Result{ExitCode: 1, Stderr: "sudo: a password is required\n"},
			noSudo: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := recorder.New().On("command -v apt-get", tt.result)
			e := New(rec, Options{Quiet: true, NoSudo: tt.noSudo})

			out, err := e.Query(context.Background(), "command -v apt-get")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.want, out)
				return
			}

			var cmdErr *CommandError
			require.True(t, errors.As(err, &cmdErr))
			assert.Equal(t, "command -v apt-get", cmdErr.Cmd)
			assert.Equal(t, 1, cmdErr.ExitCode)
			assert.Contains(t, err.Error(), "sudo:")
		})
	}
}

func TestPutContentWithSudo(t *testing.T) {
	rec := recorder.New()
	e := New(rec, Options{Quiet: true})
	tr := NewTransfer(e)
	tr.now = func() time.Time { return time.Unix(0, 42) }

	changed, err := tr.PutContent(context.Background(), []byte("ops ALL=(gmn) NOPASSWD: ALL\n"), "/etc/sudoers.d/01_gmn", PutOptions{
		UseSudo:  true,
		Mode:     0o440,
		Owner:    "root",
		Group:    "root",
		Validate: "visudo -cf %s",
	})
	require.NoError(t, err)
	assert.True(t, changed)

	ups := rec.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "/tmp/gmndeploy-42-01_gmn", ups[0].Path)
	assert.Equal(t, uint32(0o600), ups[0].Mode)

	cmds := strings.Join(rec.Commands(), "\n")
	assert.Contains(t, cmds, "visudo -cf")
	assert.Contains(t, cmds, "install -m 0440 -o root -g root")
}

func TestPutContentUnchanged(t *testing.T) {
	content := []byte("same")
	rec := recorder.New().On("sha256sum", connector.Result{Stdout: checksum(content) + "\n"})
	e := New(rec, Options{Quiet: true})

	changed, err := NewTransfer(e).PutContent(context.Background(), content, "/etc/x", PutOptions{UseSudo: true, Mode: 0o600})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, rec.Uploads())
	assert.Contains(t, strings.Join(rec.Commands(), "\n"), "chmod 0600")
}

func TestPutContentUnchangedSkipsValidation(t *testing.T) {
	content := []byte("ops ALL=(gmn) NOPASSWD: ALL\n")
	rec := recorder.New().On("sha256sum", connector.Result{Stdout: checksum(content) + "\n"})
	e := New(rec, Options{Quiet: true})

	changed, err := NewTransfer(e).PutContent(context.Background(), content, "/etc/sudoers.d/01_gmn", PutOptions{
		UseSudo:  true,
		Mode:     0o440,
		Validate: "visudo -cf %s",
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, rec.Uploads())
	assert.NotContains(t, strings.Join(rec.Commands(), "\n"), "visudo")
}

func TestPutValidationFailure(t *testing.T) {
	rec := recorder.New().FailOn("visudo", 1, "syntax error")
	e := New(rec, Options{Quiet: true})

	_, err := NewTransfer(e).PutContent(context.Background(), []byte("bad"), "/etc/sudoers.d/01_gmn", PutOptions{
		UseSudo:  true,
		Validate: "visudo -cf %s",
	})
	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "validate", terr.Op)
	assert.NotContains(t, strings.Join(rec.Commands(), "\n"), "install -m")
}

func TestPutMissingLocalFile(t *testing.T) {
	e := New(recorder.New(), Options{Quiet: true})
	_, err := NewTransfer(e).Put(context.Background(), filepath.Join(t.TempDir(), "missing"), "/x", PutOptions{})
	var terr *TransferError
	assert.True(t, errors.As(err, &terr))
}

func TestGet(t *testing.T) {
	rec := recorder.New()
	e := New(rec, Options{Quiet: true})
	tr := NewTransfer(e)
	tr.now = func() time.Time { return time.Unix(0, 7) }
	rec.SetFile("/tmp/gmndeploy-7-client_cert.pem", []byte("CERT"))

	dst := filepath.Join(t.TempDir(), "out", "client_cert.pem")
	require.NoError(t, tr.Get(context.Background(), "/var/local/dataone/certs/client/client_cert.pem", dst, true))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(data))
	assert.Contains(t, strings.Join(rec.Commands(), "\n"), "SUDO_USER")
}

func TestCommandString(t *testing.T) {
	c := Command{Cmd: "openssl ca", User: "root", Dir: "/ca"}
	assert.Equal(t, "[root] (cd /ca) openssl ca", c.String())
}
