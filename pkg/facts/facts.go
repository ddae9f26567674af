// Package facts gathers system information from target hosts.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/gmndeploy/internal/connector"
)

// Facts describes the target host as seen by the login user.
type Facts struct {
	Hostname string
	FQDN     string
	User     string
	Home     string

	// From /etc/os-release.
	Distribution        string
	DistributionVersion string
	OSName              string
	OSFamily            string

	Arch   string
	Kernel string
}

// IsRoot reports whether the connection logs in as root.
func (f *Facts) IsRoot() bool {
	return f.User == "root"
}

// IsDebian reports whether the host belongs to the Debian family.
func (f *Facts) IsDebian() bool {
	return f.OSFamily == "Debian"
}

// Gather collects system facts from the target. Only the hostname and user
// are required; everything else is best effort.
func Gather(ctx context.Context, conn connector.Connector) (*Facts, error) {
	f := &Facts{}

	hostname, err := output(ctx, conn, "hostname")
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	f.Hostname = hostname

	user, err := output(ctx, conn, "id -un")
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	f.User = user

	if fqdn, err := output(ctx, conn, "hostname -f 2>/dev/null"); err == nil && fqdn != "" {
		f.FQDN = fqdn
	} else {
		f.FQDN = f.Hostname
	}

	if home, err := output(ctx, conn, "echo $HOME"); err == nil {
		f.Home = home
	}

	if release, err := output(ctx, conn, "cat /etc/os-release 2>/dev/null"); err == nil {
		gatherOSInfo(f, parseOSRelease(release))
	}

	if arch, err := output(ctx, conn, "uname -m"); err == nil {
		f.Arch = normalizeArch(arch)
	}

	if kernel, err := output(ctx, conn, "uname -r"); err == nil {
		f.Kernel = kernel
	}

	return f, nil
}

func output(ctx context.Context, conn connector.Connector, cmd string) (string, error) {
	result, err := conn.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with %d: %s", cmd, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return strings.TrimSpace(result.Stdout), nil
}

func gatherOSInfo(f *Facts, release map[string]string) {
	f.Distribution = release["ID"]
	f.DistributionVersion = release["VERSION_ID"]
	f.OSName = release["PRETTY_NAME"]

	switch f.Distribution {
	case "ubuntu", "debian", "linuxmint", "pop":
		f.OSFamily = "Debian"
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		f.OSFamily = "RedHat"
	case "alpine":
		f.OSFamily = "Alpine"
	default:
		// ID_LIKE=debian covers derivatives not listed above.
		if strings.Contains(release["ID_LIKE"], "debian") {
			f.OSFamily = "Debian"
		}
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			result[line[:idx]] = strings.Trim(line[idx+1:], "\"'")
		}
	}
	return result
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}
