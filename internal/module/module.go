// Package module holds the idempotent building blocks provisioning stages
// are assembled from. Each helper reports whether it changed the host.
package module

import (
	"context"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
)

// Result holds the outcome of a module execution.
type Result struct {
	// Changed indicates whether the module made any changes to the system.
	Changed bool

	// Message is a human-readable description of what happened.
	Message string
}

// Runner is the subset of remote.Executor modules need.
type Runner interface {
	Sudo(ctx context.Context, cmd string, opts ...remote.Opt) (*connector.Result, error)
	Query(ctx context.Context, cmd string) (string, error)
}

// Changed creates a Result indicating a change was made.
func Changed(msg string) *Result {
	return &Result{Changed: true, Message: msg}
}

// Unchanged creates a Result indicating no change was needed.
func Unchanged(msg string) *Result {
	return &Result{Changed: false, Message: msg}
}

// Merge folds results into one, changed if any of them changed.
func Merge(results ...*Result) *Result {
	out := &Result{}
	var msgs []string
	for _, r := range results {
		if r == nil {
			continue
		}
		out.Changed = out.Changed || r.Changed
		if r.Message != "" {
			msgs = append(msgs, r.Message)
		}
	}
	for i, m := range msgs {
		if i > 0 {
			out.Message += "; "
		}
		out.Message += m
	}
	return out
}

var _ Runner = (*remote.Executor)(nil)
