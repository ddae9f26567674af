// Package apt manages packages on Debian/Ubuntu hosts.
package apt

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/gmndeploy/internal/module"
)

const aptGet = "DEBIAN_FRONTEND=noninteractive apt-get"

// packageState holds the state of a package.
type packageState struct {
	Installed   bool
	ConfigFiles bool // Package removed but config files remain
}

// Check verifies that apt is available on the host.
func Check(ctx context.Context, r module.Runner) error {
	out, err := r.Query(ctx, "command -v apt-get || true")
	if err != nil {
		return fmt.Errorf("failed to check for apt: %w", err)
	}
	if out == "" {
		return fmt.Errorf("apt-get is not available (not a Debian/Ubuntu system?)")
	}
	return nil
}

// Update refreshes the package index.
func Update(ctx context.Context, r module.Runner) (*module.Result, error) {
	if _, err := r.Sudo(ctx, aptGet+" update -qq"); err != nil {
		return nil, fmt.Errorf("apt-get update failed: %w", err)
	}
	return module.Changed("cache updated"), nil
}

// DistUpgrade upgrades every installed package, allowing dependency changes.
func DistUpgrade(ctx context.Context, r module.Runner) (*module.Result, error) {
	res, err := r.Sudo(ctx, aptGet+" --yes dist-upgrade")
	if err != nil {
		return nil, fmt.Errorf("apt-get dist-upgrade failed: %w", err)
	}
	if strings.Contains(res.Stdout, "0 upgraded, 0 newly installed, 0 to remove") {
		return module.Unchanged("system already up to date"), nil
	}
	return module.Changed("dist upgrade completed"), nil
}

// Autoremove removes unused dependency packages.
func Autoremove(ctx context.Context, r module.Runner) (*module.Result, error) {
	res, err := r.Sudo(ctx, aptGet+" --yes autoremove")
	if err != nil {
		return nil, fmt.Errorf("apt-get autoremove failed: %w", err)
	}
	if strings.Contains(res.Stdout, "Removing") {
		return module.Changed("autoremove completed"), nil
	}
	return module.Unchanged("nothing to autoremove"), nil
}

// Install makes sure every named package is installed.
func Install(ctx context.Context, r module.Runner, names ...string) (*module.Result, error) {
	states, err := getPackageStates(ctx, r, names)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range names {
		if !states[name].Installed {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return module.Unchanged("packages already installed: " + strings.Join(names, ", ")), nil
	}

	if _, err := r.Sudo(ctx, fmt.Sprintf("%s install --yes %s", aptGet, strings.Join(missing, " "))); err != nil {
		return nil, fmt.Errorf("apt-get install failed: %w", err)
	}
	return module.Changed("installed: " + strings.Join(missing, ", ")), nil
}

// Remove makes sure none of the named packages is installed.
func Remove(ctx context.Context, r module.Runner, names ...string) (*module.Result, error) {
	states, err := getPackageStates(ctx, r, names)
	if err != nil {
		return nil, err
	}

	var present []string
	for _, name := range names {
		if states[name].Installed {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return module.Unchanged("packages already absent: " + strings.Join(names, ", ")), nil
	}

	if _, err := r.Sudo(ctx, fmt.Sprintf("%s remove --yes %s", aptGet, strings.Join(present, " "))); err != nil {
		return nil, fmt.Errorf("apt-get remove failed: %w", err)
	}
	return module.Changed("removed: " + strings.Join(present, ", ")), nil
}

// getPackageStates returns the dpkg state of the named packages.
func getPackageStates(ctx context.Context, r module.Runner, names []string) (map[string]*packageState, error) {
	states := make(map[string]*packageState, len(names))
	for _, name := range names {
		states[name] = &packageState{}
	}

	out, err := r.Query(ctx, fmt.Sprintf("dpkg-query -W -f='${Package}|${Status}\\n' %s 2>/dev/null || true",
		strings.Join(names, " ")))
	if err != nil {
		return nil, fmt.Errorf("failed to get package states: %w", err)
	}

	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
		if len(parts) != 2 {
			continue
		}

		state, ok := states[parts[0]]
		if !ok {
			continue
		}
		switch {
		case strings.Contains(parts[1], "install ok installed"):
			state.Installed = true
		case strings.Contains(parts[1], "config-files"):
			state.ConfigFiles = true
		}
	}

	return states, nil
}
