package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eugenetaranov/gmndeploy/internal/module"
)

// ErrRebootTimeout is returned when the host does not come back within
// the configured reboot timeout.
var ErrRebootTimeout = errors.New("host did not come back after reboot")

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// reboot restarts the host and blocks until it accepts connections again
// with a new boot id. An unreadable boot id accepts any reconnect.
func reboot(ctx context.Context, env *Env) (*module.Result, error) {
	before, err := env.Exec.Query(ctx, "cat "+bootIDPath+" 2>/dev/null || true")
	if err != nil {
		return nil, err
	}

	// Detach so the command returns before sshd goes away.
	if _, err := env.Exec.Sudo(ctx, "nohup sh -c 'sleep 2 && shutdown -r now' >/dev/null 2>&1 &"); err != nil {
		return nil, fmt.Errorf("failed to schedule reboot: %w", err)
	}

	conn := env.Exec.Connector()
	_ = conn.Close()

	timeout := env.Config.RebootTimeout.Duration
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = env.RebootPoll
	b.MaxInterval = 10 * env.RebootPoll
	b.MaxElapsedTime = timeout

	attempts := 0
	op := func() error {
		attempts++
		if err := conn.Connect(waitCtx); err != nil {
			return err
		}
		after, err := env.Exec.Query(waitCtx, "cat "+bootIDPath+" 2>/dev/null || true")
		if err != nil {
			_ = conn.Close()
			return err
		}
		if before != "" && strings.TrimSpace(after) == before {
			_ = conn.Close()
			return errors.New("host has not rebooted yet")
		}
		return nil
	}

	start := time.Now()
	if err := backoff.Retry(op, backoff.WithContext(b, waitCtx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w within %s (%d attempts): %v", ErrRebootTimeout, timeout, attempts, err)
	}
	return module.Changed(fmt.Sprintf("rebooted in %s", time.Since(start).Round(time.Second))), nil
}
