// Package recorder provides a connector that records every invocation
// instead of touching infrastructure. It backs --dry-run and the tests.
package recorder

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
)

// Kind identifies the type of a recorded call.
type Kind string

const (
	KindExecute  Kind = "execute"
	KindStream   Kind = "stream"
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
)

// Call is a single recorded invocation.
type Call struct {
	Kind    Kind
	Cmd     string
	Path    string
	Content []byte
	Mode    uint32
}

type rule struct {
	match  string
	result connector.Result
	err    error
}

// Connector records calls and answers them from configured rules.
type Connector struct {
	name string
	out  io.Writer

	mu          sync.Mutex
	calls       []Call
	rules       []rule
	files       map[string][]byte
	connects    int
	connectFunc func(ctx context.Context, attempt int) error
}

// Option configures the recorder.
type Option func(*Connector)

// WithName sets the String() description.
func WithName(name string) Option {
	return func(c *Connector) {
		c.name = name
	}
}

// WithOutput echoes every recorded call to w.
func WithOutput(w io.Writer) Option {
	return func(c *Connector) {
		c.out = w
	}
}

// WithConnect sets the function called on every Connect. attempt starts at 1.
func WithConnect(fn func(ctx context.Context, attempt int) error) Option {
	return func(c *Connector) {
		c.connectFunc = fn
	}
}

// New creates a recorder. Unmatched commands succeed with empty output.
func New(opts ...Option) *Connector {
	c := &Connector{
		name:  "recorder",
		files: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On makes commands containing substr return res. The first matching rule wins.
func (c *Connector) On(substr string, res connector.Result) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{match: substr, result: res})
	return c
}

// FailOn makes commands containing substr exit with code.
func (c *Connector) FailOn(substr string, code int, stderr string) *Connector {
	return c.On(substr, connector.Result{ExitCode: code, Stderr: stderr})
}

// ErrorOn makes commands containing substr fail at the transport level.
func (c *Connector) ErrorOn(substr string, err error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{match: substr, err: err})
	return c
}

// SetFile sets the content returned when path is downloaded.
func (c *Connector) SetFile(path string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = content
}

// Connect records a connection attempt.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	attempt := c.connects
	fn := c.connectFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, attempt)
	}
	return nil
}

func (c *Connector) record(call Call) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()

	if c.out == nil {
		return
	}
	switch call.Kind {
	case KindUpload:
		fmt.Fprintf(c.out, "    upload %s (%d bytes, mode %04o)\n", call.Path, len(call.Content), call.Mode)
	case KindDownload:
		fmt.Fprintf(c.out, "    download %s\n", call.Path)
	default:
		fmt.Fprintf(c.out, "    $ %s\n", call.Cmd)
	}
}

func (c *Connector) match(cmd string) (connector.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rules {
		if strings.Contains(cmd, r.match) {
			return r.result, r.err
		}
	}
	return connector.Result{}, nil
}

// Execute records cmd and returns the matching rule's result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.record(Call{Kind: KindExecute, Cmd: cmd})

	res, err := c.match(cmd)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Stream records cmd and writes the matching rule's output to the streams.
func (c *Connector) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	c.record(Call{Kind: KindStream, Cmd: cmd})

	res, err := c.match(cmd)
	if err != nil {
		return -1, err
	}
	if stdout != nil {
		_, _ = io.WriteString(stdout, res.Stdout)
	}
	if stderr != nil {
		_, _ = io.WriteString(stderr, res.Stderr)
	}
	return res.ExitCode, nil
}

// Upload records the uploaded content.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read upload source: %w", err)
	}
	c.record(Call{Kind: KindUpload, Path: dst, Content: data, Mode: mode})

	if _, err := c.match("upload:" + dst); err != nil {
		return err
	}
	return nil
}

// Download writes the content registered with SetFile, or nothing.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.record(Call{Kind: KindDownload, Path: src})

	if _, err := c.match("download:" + src); err != nil {
		return err
	}

	c.mu.Lock()
	data := c.files[src]
	c.mu.Unlock()
	_, err := dst.Write(data)
	return err
}

// Close is a no-op.
func (c *Connector) Close() error {
	return nil
}

// String returns the configured name.
func (c *Connector) String() string {
	return c.name
}

// Calls returns a copy of every recorded call.
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Commands returns the executed and streamed commands in order.
func (c *Connector) Commands() []string {
	var cmds []string
	for _, call := range c.Calls() {
		if call.Kind == KindExecute || call.Kind == KindStream {
			cmds = append(cmds, call.Cmd)
		}
	}
	return cmds
}

// Uploads returns the recorded uploads in order.
func (c *Connector) Uploads() []Call {
	var ups []Call
	for _, call := range c.Calls() {
		if call.Kind == KindUpload {
			ups = append(ups, call)
		}
	}
	return ups
}

// Connects returns the number of Connect calls.
func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Streamer  = (*Connector)(nil)
)
