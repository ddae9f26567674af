// Package pipeline provisions a GMN host by running a fixed sequence of
// stages against it.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/eugenetaranov/gmndeploy/internal/assets"
	"github.com/eugenetaranov/gmndeploy/internal/config"
	"github.com/eugenetaranov/gmndeploy/internal/connector"
	"github.com/eugenetaranov/gmndeploy/internal/module"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
	"github.com/eugenetaranov/gmndeploy/internal/trust"
	"github.com/eugenetaranov/gmndeploy/internal/version"
	"github.com/eugenetaranov/gmndeploy/pkg/facts"
)

// Step statuses.
const (
	StatusOK      = "ok"
	StatusChanged = "changed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Env is everything a stage can read. Nothing in it changes once the
// sequencer starts, except the connection the reboot wait re-establishes.
type Env struct {
	Config   *config.Deployment
	Layout   version.Layout
	Versions version.Set
	Trust    trust.Plan
	Facts    *facts.Facts

	Exec     *remote.Executor
	Transfer *remote.Transfer

	// Operator is substituted into the sudoers policy.
	Operator string

	// Assets holds the default sudoers and cron templates.
	Assets fs.FS

	// RebootPoll is the first delay between reconnect attempts.
	RebootPoll time.Duration
}

// Step is one named operation within a stage.
type Step struct {
	Name string
	Run  func(ctx context.Context, env *Env) (*module.Result, error)
}

// Stage is a named, ordered group of steps with an optional gate.
type Stage struct {
	Name string

	// When names the setting that gates the stage; empty means always.
	When string
	Gate func(cfg *config.Deployment) bool

	Steps func(env *Env) []Step
}

// Enabled reports whether the stage runs for cfg.
func (s Stage) Enabled(cfg *config.Deployment) bool {
	return s.Gate == nil || s.Gate(cfg)
}

// StageError reports the stage and step that failed.
type StageError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed at %q: %v", e.Stage, e.Step, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Reporter receives progress events.
type Reporter interface {
	StageStart(name string)
	StageSkipped(name, reason string)
	StepResult(name, status, message string)
}

// Observer receives timing for stages and commands.
type Observer interface {
	remote.Observer
	ObserveStage(stage, status string, elapsed time.Duration)
}

// Stats holds execution statistics.
type Stats struct {
	Stages    int
	Steps     int
	OK        int
	Changed   int
	Failed    int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetChanged returns the Changed count (implements output.Stats).
func (s *Stats) GetChanged() int { return s.Changed }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

// Sequencer runs stages in order and stops at the first failure.
type Sequencer struct {
	stages   []Stage
	reporter Reporter
	observer Observer
	logger   *slog.Logger
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) SequencerOption {
	return func(s *Sequencer) {
		s.reporter = r
	}
}

// WithObserver sets the stage observer.
func WithObserver(o Observer) SequencerOption {
	return func(s *Sequencer) {
		s.observer = o
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) SequencerOption {
	return func(s *Sequencer) {
		s.logger = l
	}
}

// NewSequencer creates a sequencer over stages.
func NewSequencer(stages []Stage, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		stages: stages,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes every enabled stage. On failure the returned error is a
// *StageError and the host is left as the failed step left it.
func (s *Sequencer) Run(ctx context.Context, env *Env) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	for _, stage := range s.stages {
		if !stage.Enabled(env.Config) {
			stats.Skipped++
			s.logger.Debug("stage skipped", "stage", stage.Name, "when", stage.When)
			if s.reporter != nil {
				s.reporter.StageSkipped(stage.Name, stage.When+" is off")
			}
			if s.observer != nil {
				s.observer.ObserveStage(stage.Name, StatusSkipped, 0)
			}
			continue
		}

		if err := s.runStage(ctx, stage, env, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (s *Sequencer) runStage(ctx context.Context, stage Stage, env *Env, stats *Stats) error {
	stats.Stages++
	if s.reporter != nil {
		s.reporter.StageStart(stage.Name)
	}

	start := time.Now()
	status := StatusOK
	for _, step := range stage.Steps(env) {
		stats.Steps++

		if err := ctx.Err(); err != nil {
			return s.fail(stage, step, err, start, stats)
		}

		s.logger.Debug("running step", "stage", stage.Name, "step", step.Name)
		res, err := step.Run(ctx, env)
		if err != nil {
			return s.fail(stage, step, err, start, stats)
		}

		stepStatus := StatusOK
		if res != nil && res.Changed {
			stepStatus = StatusChanged
			status = StatusChanged
			stats.Changed++
		} else {
			stats.OK++
		}

		var msg string
		if res != nil {
			msg = res.Message
		}
		if s.reporter != nil {
			s.reporter.StepResult(step.Name, stepStatus, msg)
		}
	}

	elapsed := time.Since(start)
	s.logger.Debug("stage finished", "stage", stage.Name, "status", status, "elapsed", elapsed)
	if s.observer != nil {
		s.observer.ObserveStage(stage.Name, status, elapsed)
	}
	return nil
}

func (s *Sequencer) fail(stage Stage, step Step, err error, start time.Time, stats *Stats) error {
	stats.Failed++
	s.logger.Debug("step failed", "stage", stage.Name, "step", step.Name, "error", err)
	if s.reporter != nil {
		s.reporter.StepResult(step.Name, StatusFailed, err.Error())
	}
	if s.observer != nil {
		s.observer.ObserveStage(stage.Name, StatusFailed, time.Since(start))
	}
	return &StageError{Stage: stage.Name, Step: step.Name, Err: err}
}

// Resolved is the part of a run derived from the configuration alone.
type Resolved struct {
	Layout   version.Layout
	Versions version.Set
	Trust    trust.Material
}

// Resolve validates cfg and derives the layout, package set and trust
// mode. It never contacts the host.
func Resolve(cfg *config.Deployment) (*Resolved, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	layout, set, err := version.Resolve(cfg.Version, cfg.InstallRoot, cfg.VirtualEnv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	material, err := trust.Decide(cfg)
	if err != nil {
		return nil, err
	}

	return &Resolved{Layout: layout, Versions: set, Trust: material}, nil
}

// Options configures Deploy.
type Options struct {
	// Operator is substituted into the sudoers policy. Defaults to the
	// login user.
	Operator string

	// FetchDir receives a locally generated client certificate.
	FetchDir string

	BecomePassword []byte
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer

	Reporter Reporter
	Commands remote.Reporter
	Observer Observer
	Logger   *slog.Logger

	// RebootPoll overrides the first delay between reconnect attempts.
	RebootPoll time.Duration

	// Stages overrides the default stage list.
	Stages []Stage
}

// Deploy provisions the host behind conn. Configuration errors are
// reported before the connection is opened.
func Deploy(ctx context.Context, conn connector.Connector, cfg *config.Deployment, opts Options) (*Stats, error) {
	resolved, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", conn, err)
	}
	defer conn.Close()

	f, err := facts.Gather(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to gather facts: %w", err)
	}
	logger.Debug("gathered facts", "host", f.FQDN, "user", f.User, "os", f.OSName)

	ropts := remote.Options{
		Quiet:          cfg.Quiet,
		NoSudo:         f.IsRoot(),
		BecomePassword: opts.BecomePassword,
		Stdin:          opts.Stdin,
		Stdout:         opts.Stdout,
		Stderr:         opts.Stderr,
		Reporter:       opts.Commands,
	}
	if opts.Observer != nil {
		ropts.Observer = opts.Observer
	}
	exec := remote.New(conn, ropts)

	operator := opts.Operator
	if operator == "" {
		operator = f.User
	}

	poll := opts.RebootPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	env := &Env{
		Config:   cfg,
		Layout:   resolved.Layout,
		Versions: resolved.Versions,
		Trust: trust.Plan{
			Material: resolved.Trust,
			Paths:    trust.NewPaths(cfg.InstallRoot),
			Layout:   resolved.Layout,
			TestEnv:  cfg.TestEnv,
			FetchDir: opts.FetchDir,
		},
		Facts:      f,
		Exec:       exec,
		Transfer:   remote.NewTransfer(exec),
		Operator:   operator,
		Assets:     assets.FS,
		RebootPoll: poll,
	}

	stages := opts.Stages
	if stages == nil {
		stages = Stages()
	}

	seqOpts := []SequencerOption{WithLogger(logger)}
	if opts.Reporter != nil {
		seqOpts = append(seqOpts, WithReporter(opts.Reporter))
	}
	if opts.Observer != nil {
		seqOpts = append(seqOpts, WithObserver(opts.Observer))
	}
	return NewSequencer(stages, seqOpts...).Run(ctx, env)
}
