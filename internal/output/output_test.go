package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	if o == nil {
		t.Fatal("expected non-nil Output")
	}
	if o.w != &buf {
		t.Error("writer not set correctly")
	}
	if !o.useColor {
		t.Error("expected useColor to be true by default")
	}
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.SetDebug(true)
	if !o.debug {
		t.Error("expected debug to be true")
	}

	o.SetDebug(false)
	if o.debug {
		t.Error("expected debug to be false")
	}
}

func TestColorOutput(t *testing.T) {
	t.Run("color enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(true)

		result := o.color(o.green, "test")
		if !strings.Contains(result, "\x1b[32m") {
			t.Errorf("expected color code in output, got %q", result)
		}
		if !strings.Contains(result, "\x1b[0m") {
			t.Error("expected reset code in output")
		}
	})

	t.Run("color disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		result := o.color(o.green, "test")
		if result != "test" {
			t.Errorf("expected plain 'test', got %q", result)
		}
	})
}

func TestRunStart(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.RunStart("ssh://ops@gmn01:22", "version latest, local-ca")

	output := buf.String()
	if !strings.Contains(output, "DEPLOY ssh://ops@gmn01:22") {
		t.Errorf("expected banner, got %q", output)
	}
	if !strings.Contains(output, "(version latest, local-ca)") {
		t.Errorf("expected summary, got %q", output)
	}
}

func TestStageBanners(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.StageStart("service account")
	o.StageSkipped("patch os", "do_os_patch is off")

	output := buf.String()
	if !strings.Contains(output, "STAGE service account") {
		t.Errorf("expected stage banner, got %q", output)
	}
	if !strings.Contains(output, "STAGE patch os skipped: do_os_patch is off") {
		t.Errorf("expected skipped stage, got %q", output)
	}
}

func TestStepResult(t *testing.T) {
	tests := []struct {
		name     string
		stepName string
		status   string
		debug    bool
		message  string
		wantIn   []string
		wantOut  []string
	}{
		{
			name:     "ok status",
			stepName: "install toolchain",
			status:   "ok",
			wantIn:   []string{"✓", "install toolchain"},
		},
		{
			name:     "changed status",
			stepName: "create account",
			status:   "changed",
			message:  "created gmn",
			wantIn:   []string{"✓", "create account"},
			wantOut:  []string{"created gmn"},
		},
		{
			name:     "skipped status",
			stepName: "firewall",
			status:   "skipped",
			wantIn:   []string{"○", "firewall"},
		},
		{
			name:     "failed status shows message",
			stepName: "create database",
			status:   "failed",
			message:  "exit code 1",
			wantIn:   []string{"✗", "create database", "→", "exit code 1"},
		},
		{
			name:     "debug with message",
			stepName: "install pip",
			status:   "ok",
			debug:    true,
			message:  "some details",
			wantIn:   []string{"✓", "install pip", "→", "some details"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			o := New(&buf)
			o.SetColor(false)
			o.SetDebug(tt.debug)

			o.StepResult(tt.stepName, tt.status, tt.message)

			output := buf.String()
			for _, want := range tt.wantIn {
				if !strings.Contains(output, want) {
					t.Errorf("expected output to contain %q, got %q", want, output)
				}
			}
			for _, unwanted := range tt.wantOut {
				if strings.Contains(output, unwanted) {
					t.Errorf("expected output not to contain %q, got %q", unwanted, output)
				}
			}
		})
	}
}

func TestCommandEcho(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Command("[postgres] createdb -E UTF8 gmn2", false)
	o.CommandOutput("line one\nline two\n", "warning\n")

	output := buf.String()
	for _, want := range []string{"$ [postgres] createdb -E UTF8 gmn2", "      line one", "      line two", "      warning"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got %q", want, output)
		}
	}
}

func TestInfo(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Info("test %s %d", "message", 42)

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("expected INFO prefix")
	}
	if !strings.Contains(output, "test message 42") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestWarn(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Warn("warning %s", "here")

	output := buf.String()
	if !strings.Contains(output, "WARN") {
		t.Error("expected WARN prefix")
	}
	if !strings.Contains(output, "warning here") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestError(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Error("error: %v", "failed")

	output := buf.String()
	if !strings.Contains(output, "ERROR") {
		t.Error("expected ERROR prefix")
	}
	if !strings.Contains(output, "error: failed") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestDebugOutput(t *testing.T) {
	t.Run("debug enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(true)

		o.Debug("debug %s", "info")

		if !strings.Contains(buf.String(), "DEBUG") {
			t.Error("expected DEBUG prefix when debug enabled")
		}
	})

	t.Run("debug disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Debug("debug %s", "info")

		if output := buf.String(); output != "" {
			t.Errorf("expected empty output when debug disabled, got %q", output)
		}
	})
}

// mockStats implements the Stats interface for testing
type mockStats struct {
	ok, changed, failed, skipped int
	duration                     time.Duration
}

func (m *mockStats) GetOK() int                 { return m.ok }
func (m *mockStats) GetChanged() int            { return m.changed }
func (m *mockStats) GetFailed() int             { return m.failed }
func (m *mockStats) GetSkipped() int            { return m.skipped }
func (m *mockStats) GetDuration() time.Duration { return m.duration }

func TestRunEnd(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.RunEnd(&mockStats{
		ok:       5,
		changed:  3,
		failed:   1,
		skipped:  2,
		duration: 2500 * time.Millisecond,
	})

	output := buf.String()
	for _, want := range []string{"RECAP", "ok=5", "changed=3", "failed=1", "skipped=2", "2.50s"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got %q", want, output)
		}
	}
}
