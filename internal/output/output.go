// Package output provides formatted operator output for a provisioning run.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Stats holds execution statistics for output.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
	GetDuration() time.Duration
}

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool

	red, green, yellow, blue, cyan, gray, bold *color.Color
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	o := &Output{
		w:        w,
		useColor: true,
		red:      color.New(color.FgRed),
		green:    color.New(color.FgGreen),
		yellow:   color.New(color.FgYellow),
		blue:     color.New(color.FgBlue),
		cyan:     color.New(color.FgCyan),
		gray:     color.New(color.FgHiBlack),
		bold:     color.New(color.Bold),
	}
	for _, c := range o.palette() {
		c.EnableColor()
	}
	return o
}

func (o *Output) palette() []*color.Color {
	return []*color.Color{o.red, o.green, o.yellow, o.blue, o.cyan, o.gray, o.bold}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c *color.Color, s string) string {
	if !o.useColor {
		return s
	}
	return c.Sprint(s)
}

// RunStart prints the run banner.
func (o *Output) RunStart(target, summary string) {
	o.printf("\n%s %s %s\n", o.color(o.bold, "DEPLOY"), target, o.color(o.gray, "("+summary+")"))
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// RunEnd prints the run summary.
func (o *Output) RunEnd(stats Stats) {
	o.printf("\n%s ", o.color(o.bold, "RECAP"))

	ok := o.color(o.green, fmt.Sprintf("ok=%d", stats.GetOK()))
	changed := o.color(o.yellow, fmt.Sprintf("changed=%d", stats.GetChanged()))
	failed := o.color(o.red, fmt.Sprintf("failed=%d", stats.GetFailed()))
	skipped := o.color(o.cyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))

	o.printf("%s %s %s %s", ok, changed, failed, skipped)
	o.printf(" %s\n", o.color(o.gray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// StageStart prints the stage banner.
func (o *Output) StageStart(name string) {
	o.printf("\n%s %s\n", o.color(o.bold, "STAGE"), name)
}

// StageSkipped prints a skipped stage.
func (o *Output) StageSkipped(name, reason string) {
	o.printf("\n%s %s %s\n", o.color(o.bold, "STAGE"), name, o.color(o.cyan, "skipped: "+reason))
}

// StepResult prints the step result in a single line.
func (o *Output) StepResult(name, status, message string) {
	var indicator string
	var statusColor *color.Color

	switch {
	case strings.HasPrefix(status, "ok"):
		indicator = "✓"
		statusColor = o.green
	case strings.HasPrefix(status, "changed"):
		indicator = "✓"
		statusColor = o.yellow
	case strings.HasPrefix(status, "skipped"):
		indicator = "○"
		statusColor = o.cyan
	case strings.HasPrefix(status, "failed"):
		indicator = "✗"
		statusColor = o.red
	default:
		indicator = "?"
		statusColor = o.gray
	}

	o.printf("  %s %s\n", o.color(statusColor, indicator), name)

	// Failures always show the message.
	if message != "" && (o.debug || strings.HasPrefix(status, "failed")) {
		o.printf("    %s %s\n", o.color(o.gray, "→"), message)
	}
}

// Command echoes a remote command before it runs.
func (o *Output) Command(cmd string, loud bool) {
	prefix := o.color(o.gray, "$")
	if loud {
		prefix = o.color(o.yellow, "$")
	}
	o.printf("    %s %s\n", prefix, cmd)
}

// CommandOutput prints the output of an echoed command.
func (o *Output) CommandOutput(stdout, stderr string) {
	for _, s := range []string{stdout, stderr} {
		s = strings.TrimRight(s, "\n")
		if s == "" {
			continue
		}
		for _, line := range strings.Split(s, "\n") {
			o.printf("      %s\n", o.color(o.gray, line))
		}
	}
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(o.bold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(o.blue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(o.yellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(o.red, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(o.gray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
