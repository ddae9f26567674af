package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/eugenetaranov/gmndeploy/internal/assets"
	"github.com/eugenetaranov/gmndeploy/internal/config"
	"github.com/eugenetaranov/gmndeploy/internal/module"
	"github.com/eugenetaranov/gmndeploy/internal/module/apt"
	"github.com/eugenetaranov/gmndeploy/internal/module/file"
	"github.com/eugenetaranov/gmndeploy/internal/module/template"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
	"github.com/eugenetaranov/gmndeploy/internal/trust"
	"github.com/eugenetaranov/gmndeploy/internal/version"
)

// Host paths outside the install root.
const (
	SudoersPath    = "/etc/sudoers.d/01_gmn"
	CrontabDir     = "/var/spool/cron/crontabs"
	SitesAvailable = "/etc/apache2/sites-available"
	ConfAvailable  = "/etc/apache2/conf-available"

	siteName     = "gmn2-ssl"
	redirectName = "forward_http_to_https"

	// Paths the bundled Apache fragments are written for.
	defaultVenvPath = "/var/local/dataone/gmn_venv"
)

// Toolchain is the build toolchain the Python packages compile against.
var Toolchain = []string{
	"build-essential",
	"python-dev",
	"libssl-dev",
	"libxml2-dev",
	"libxslt1-dev",
	"libffi-dev",
	"postgresql-server-dev-all",
	"openssl",
	"curl",
}

// FirewallPorts are opened before the firewall is enabled.
var FirewallPorts = []string{"22", "80", "443"}

// Stages returns the provisioning stages in run order.
func Stages() []Stage {
	return []Stage{
		{Name: "preflight", Steps: preflightSteps},
		{
			Name:  "patch os",
			When:  "do_os_patch",
			Gate:  func(cfg *config.Deployment) bool { return cfg.PatchOSFirst },
			Steps: patchSteps,
		},
		{Name: "service account", Steps: accountSteps},
		{Name: "build toolchain", Steps: toolchainSteps},
		{Name: "pip", Steps: pipSteps},
		{Name: "gmn", Steps: gmnSteps},
		{Name: "apache", Steps: apacheSteps},
		{Name: "postgres", Steps: postgresSteps},
		{Name: "cron", Steps: cronSteps},
		{Name: "trust", Steps: trustSteps},
		{Name: "final configuration", Steps: finalSteps},
		{
			Name:  "firewall",
			When:  "enable_firewall",
			Gate:  func(cfg *config.Deployment) bool { return cfg.EnableFirewall },
			Steps: firewallSteps,
		},
	}
}

// sudo runs a single command and reports it as a change.
func sudo(name, cmd string, opts ...remote.Opt) Step {
	return Step{Name: name, Run: func(ctx context.Context, env *Env) (*module.Result, error) {
		if _, err := env.Exec.Sudo(ctx, cmd, opts...); err != nil {
			return nil, err
		}
		return module.Changed(cmd), nil
	}}
}

func preflightSteps(env *Env) []Step {
	return []Step{{Name: "check package manager", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
		if err := apt.Check(ctx, env.Exec); err != nil {
			return nil, err
		}
		if env.Facts != nil && !env.Facts.IsDebian() {
			return module.Unchanged(fmt.Sprintf("%s is not a Debian derivative, continuing anyway", env.Facts.OSName)), nil
		}
		return module.Unchanged("apt available"), nil
	}}}
}

func patchSteps(env *Env) []Step {
	return []Step{
		{Name: "update package index", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.Update(ctx, env.Exec)
		}},
		{Name: "dist upgrade", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.DistUpgrade(ctx, env.Exec)
		}},
		{Name: "autoremove", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.Autoremove(ctx, env.Exec)
		}},
		{Name: "reboot", Run: reboot},
	}
}

func accountSteps(env *Env) []Step {
	cfg := env.Config
	return []Step{
		{Name: "create service account", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			out, err := env.Exec.Query(ctx, fmt.Sprintf("id -u %s 2>/dev/null || true", cfg.ServiceUser))
			if err != nil {
				return nil, err
			}
			if out != "" {
				return module.Unchanged("user " + cfg.ServiceUser + " exists"), nil
			}
			cmd := fmt.Sprintf(`adduser --disabled-password --ingroup %s --gecos "GMN" %s`, cfg.ServiceGroup, cfg.ServiceUser)
			if _, err := env.Exec.Sudo(ctx, cmd); err != nil {
				return nil, err
			}
			return module.Changed("created user " + cfg.ServiceUser), nil
		}},
		{Name: "install sudoers policy", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			fsys, name := env.Assets, assets.Sudoers
			if cfg.SudoersTemplate != "" {
				fsys, name = os.DirFS(filepath.Dir(cfg.SudoersTemplate)), filepath.Base(cfg.SudoersTemplate)
			}
			data := struct {
				Operator    string
				ServiceUser string
			}{env.Operator, cfg.ServiceUser}
			return template.Install(ctx, env.Transfer, fsys, name, data, SudoersPath, remote.PutOptions{
				UseSudo:  true,
				Mode:     0o440,
				Owner:    "root",
				Group:    "root",
				Validate: "visudo -cf %s",
			})
		}},
	}
}

func toolchainSteps(env *Env) []Step {
	return []Step{{Name: "install toolchain", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
		return apt.Install(ctx, env.Exec, Toolchain...)
	}}}
}

func pipSteps(env *Env) []Step {
	return []Step{
		{Name: "install python-pip", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.Install(ctx, env.Exec, "python-pip")
		}},
		sudo("upgrade pip", "pip install --upgrade pip"),
		{Name: "remove python-pip", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.Remove(ctx, env.Exec, "python-pip")
		}},
	}
}

func gmnSteps(env *Env) []Step {
	cfg, layout := env.Config, env.Layout
	owner := file.Attrs{Owner: cfg.ServiceUser, Group: cfg.ServiceGroup}
	asService := remote.AsUser(cfg.ServiceUser)

	return []Step{
		sudo("install virtualenv", "pip install --upgrade virtualenv"),
		{Name: "create directories", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			venv, err := file.Directory(ctx, env.Exec, layout.VenvPath, owner)
			if err != nil {
				return nil, err
			}
			store, err := file.Directory(ctx, env.Exec, layout.ObjectStore, file.Attrs{})
			if err != nil {
				return nil, err
			}
			return module.Merge(venv, store), nil
		}},
		{Name: "create virtual environment", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			out, err := env.Exec.Query(ctx, fmt.Sprintf("test -x %s && echo yes", remote.ShellQuote(layout.Interpreter)))
			if err != nil {
				return nil, err
			}
			if out == "yes" {
				return module.Unchanged(layout.VenvPath + " exists"), nil
			}
			if _, err := env.Exec.Sudo(ctx, "virtualenv "+remote.ShellQuote(layout.VenvPath), asService); err != nil {
				return nil, err
			}
			return module.Changed("created " + layout.VenvPath), nil
		}},
		{Name: "install packages", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return installPackages(ctx, env, asService)
		}},
		{Name: "add environment to PATH", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			bashrc := fmt.Sprintf("~%s/.bashrc", cfg.ServiceUser)
			bin := layout.VenvPath + "/bin/"
			out, err := env.Exec.Query(ctx, fmt.Sprintf("grep -qF %s %s && echo yes", remote.ShellQuote(bin), bashrc))
			if err != nil {
				return nil, err
			}
			if out == "yes" {
				return module.Unchanged(bin + " already on PATH"), nil
			}
			line := remote.ShellQuote(fmt.Sprintf(`PATH=%s:$PATH`, bin))
			if _, err := env.Exec.Sudo(ctx, fmt.Sprintf("echo %s >> %s", line, bashrc), asService); err != nil {
				return nil, err
			}
			return module.Changed("added " + bin + " to PATH"), nil
		}},
		{Name: "configure settings", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			settings := layout.SettingsPath()
			cp, err := file.Copy(ctx, env.Exec, path.Join(layout.PackageRoot, layout.SettingsTemplate), settings, true)
			if err != nil {
				return nil, err
			}

			out, err := env.Exec.Query(ctx, fmt.Sprintf("grep -c MySecretKey %s || true", remote.ShellQuote(settings)))
			if err != nil {
				return nil, err
			}
			if out == "" || out == "0" {
				return cp, nil
			}
			cmd := fmt.Sprintf(`sed -i "0,/MySecretKey/s//$(openssl rand -hex 32)/" %s`, remote.ShellQuote(settings))
			if _, err := env.Exec.Sudo(ctx, cmd); err != nil {
				return nil, err
			}
			return module.Merge(cp, module.Changed("generated secret key")), nil
		}},
	}
}

func installPackages(ctx context.Context, env *Env, as remote.Opt) (*module.Result, error) {
	pip := remote.ShellQuote(env.Layout.Pip)
	var reqs []string
	if env.Layout.Legacy {
		reqs = append(reqs, "setuptools=="+version.LegacySetuptools)
	}
	reqs = append(reqs, env.Versions.Requirements()...)

	// One pip call per requirement keeps the install order.
	for _, req := range reqs {
		if _, err := env.Exec.Sudo(ctx, fmt.Sprintf("%s install --upgrade --no-cache-dir %s", pip, req), as); err != nil {
			return nil, err
		}
	}
	return module.Changed("installed " + strings.Join(reqs, ", ")), nil
}

func apacheSteps(env *Env) []Step {
	layout := env.Layout
	return []Step{
		{Name: "install apache", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.Install(ctx, env.Exec, "apache2", "libapache2-mod-wsgi")
		}},
		sudo("enable modules", "a2enmod --quiet wsgi ssl rewrite"),
		{Name: "install site config", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			site := path.Join(SitesAvailable, siteName+".conf")
			redirect := path.Join(ConfAvailable, redirectName+".conf")

			var exprs, checks []string
			if layout.VenvPath != defaultVenvPath {
				exprs = append(exprs, fmt.Sprintf("-e 's#%s#%s#g'", defaultVenvPath, layout.VenvPath))
				checks = append(checks, fmt.Sprintf("! grep -qF %s %s", remote.ShellQuote(defaultVenvPath), site))
			}
			if env.Facts != nil && env.Facts.FQDN != "" {
				exprs = append(exprs, fmt.Sprintf(`-e 's/^\([[:space:]]*\)ServerName .*/\1ServerName %s/'`, env.Facts.FQDN))
				checks = append(checks, fmt.Sprintf("grep -qF %s %s", remote.ShellQuote("ServerName "+env.Facts.FQDN), site))
			}

			// The installed site no longer matches the bundled fragment once
			// it has been edited, so look for the edits instead.
			var s *module.Result
			if len(checks) > 0 {
				out, err := env.Exec.Query(ctx, fmt.Sprintf("test -f %s && %s && echo yes", site, strings.Join(checks, " && ")))
				if err != nil {
					return nil, err
				}
				if out == "yes" {
					s = module.Unchanged(site + " already configured")
				}
			}
			if s == nil {
				var err error
				s, err = file.Copy(ctx, env.Exec, path.Join(layout.DeploymentDir(), siteName+".conf"), site, false)
				if err != nil {
					return nil, err
				}
				if s.Changed && len(exprs) > 0 {
					if _, err := env.Exec.Sudo(ctx, fmt.Sprintf("sed -i %s %s", strings.Join(exprs, " "), site)); err != nil {
						return nil, err
					}
				}
			}

			r, err := file.Copy(ctx, env.Exec, path.Join(layout.DeploymentDir(), redirectName+".conf"), redirect, false)
			if err != nil {
				return nil, err
			}
			return module.Merge(s, r), nil
		}},
		sudo("enable redirect", "a2enconf --quiet "+redirectName),
		sudo("enable site", "a2ensite --quiet "+siteName),
	}
}

func postgresSteps(env *Env) []Step {
	cfg := env.Config
	asPostgres := remote.AsUser("postgres")
	psql := func(query string) string {
		return "runuser -u postgres -- psql -tAc " + remote.ShellQuote(query)
	}

	return []Step{
		{Name: "install postgres", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return apt.Install(ctx, env.Exec, "postgresql")
		}},
		sudo("remove postgres password", "passwd -d postgres"),
		sudo("set postgres password", "passwd", asPostgres, remote.Loud()),
		{Name: "create service role", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			out, err := env.Exec.Query(ctx, psql(fmt.Sprintf("SELECT 1 FROM pg_roles WHERE rolname='%s'", cfg.ServiceUser)))
			if err != nil {
				return nil, err
			}
			if out == "1" {
				return module.Unchanged("role " + cfg.ServiceUser + " exists"), nil
			}
			if _, err := env.Exec.Sudo(ctx, "createuser "+cfg.ServiceUser, asPostgres); err != nil {
				return nil, err
			}
			return module.Changed("created role " + cfg.ServiceUser), nil
		}},
		{Name: "create database", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			out, err := env.Exec.Query(ctx, psql(fmt.Sprintf("SELECT 1 FROM pg_database WHERE datname='%s'", cfg.Database)))
			if err != nil {
				return nil, err
			}
			if out == "1" {
				return module.Unchanged("database " + cfg.Database + " exists"), nil
			}
			if _, err := env.Exec.Sudo(ctx, "createdb -E UTF8 "+cfg.Database, asPostgres); err != nil {
				return nil, err
			}
			return module.Changed("created database " + cfg.Database), nil
		}},
	}
}

func cronSteps(env *Env) []Step {
	cfg := env.Config
	dest := path.Join(CrontabDir, cfg.ServiceUser)
	opts := remote.PutOptions{UseSudo: true, Mode: 0o600, Owner: cfg.ServiceUser, Group: "crontab"}

	return []Step{{Name: "install crontab", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
		if cfg.CronFile != "" {
			changed, err := env.Transfer.Put(ctx, cfg.CronFile, dest, opts)
			if err != nil {
				return nil, err
			}
			if changed {
				return module.Changed("installed " + dest), nil
			}
			return module.Unchanged(dest + " up to date"), nil
		}
		return template.Install(ctx, env.Transfer, env.Assets, assets.Cron, env.Layout, dest, opts)
	}}}
}

func trustSteps(env *Env) []Step {
	h := trust.Host{Exec: env.Exec, Files: env.Transfer}
	var steps []Step
	for _, ts := range env.Trust.Steps() {
		ts := ts
		steps = append(steps, Step{Name: ts.Name, Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			return ts.Run(ctx, h)
		}})
	}
	return steps
}

func finalSteps(env *Env) []Step {
	cfg, layout := env.Config, env.Layout
	return []Step{
		{Name: "set ownership", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
			own, err := file.Ownership(ctx, env.Exec, cfg.InstallRoot, cfg.ServiceUser, cfg.ServiceGroup, true)
			if err != nil {
				return nil, err
			}
			mode, err := file.Mode(ctx, env.Exec, cfg.InstallRoot, "g+w", true)
			if err != nil {
				return nil, err
			}
			return module.Merge(own, mode), nil
		}},
		sudo("migrate database",
			fmt.Sprintf("%s %s migrate --run-syncdb", remote.ShellQuote(layout.Interpreter), remote.ShellQuote(layout.Manage())),
			remote.AsUser(cfg.ServiceUser)),
		{Name: "set timezone", Run: setTimezone},
		sudo("restart apache", "service apache2 restart"),
	}
}

func setTimezone(ctx context.Context, env *Env) (*module.Result, error) {
	out, err := env.Exec.Query(ctx, "cat /etc/timezone 2>/dev/null || true")
	if err != nil {
		return nil, err
	}
	if out == "Etc/UTC" {
		return module.Unchanged("timezone already Etc/UTC"), nil
	}

	if _, err := env.Exec.Sudo(ctx, "echo Etc/UTC > /etc/timezone"); err != nil {
		return nil, err
	}
	// tzdata keeps a stale /etc/localtime unless it is removed first.
	if _, err := file.Absent(ctx, env.Exec, "/etc/localtime"); err != nil {
		return nil, err
	}
	if _, err := env.Exec.Sudo(ctx, "dpkg-reconfigure -f noninteractive tzdata"); err != nil {
		return nil, err
	}
	return module.Changed("timezone set to Etc/UTC"), nil
}

func firewallSteps(env *Env) []Step {
	steps := []Step{{Name: "install ufw", Run: func(ctx context.Context, env *Env) (*module.Result, error) {
		return apt.Install(ctx, env.Exec, "ufw")
	}}}
	for _, port := range FirewallPorts {
		steps = append(steps, sudo("allow "+port, "ufw allow "+port+"/tcp"))
	}
	return append(steps, sudo("enable firewall", "ufw --force enable"))
}
