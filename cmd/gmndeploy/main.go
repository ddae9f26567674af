// Package main is the entrypoint for the gmndeploy CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/eugenetaranov/gmndeploy/internal/config"
	"github.com/eugenetaranov/gmndeploy/internal/connector"
	"github.com/eugenetaranov/gmndeploy/internal/connector/docker"
	"github.com/eugenetaranov/gmndeploy/internal/connector/local"
	"github.com/eugenetaranov/gmndeploy/internal/connector/recorder"
	"github.com/eugenetaranov/gmndeploy/internal/connector/ssh"
	"github.com/eugenetaranov/gmndeploy/internal/metrics"
	"github.com/eugenetaranov/gmndeploy/internal/output"
	"github.com/eugenetaranov/gmndeploy/internal/pipeline"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configFile string
	debug      bool
	dryRun     bool
	noColor    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gmndeploy",
	Short: "gmndeploy - provision a DataONE Generic Member Node",
	Long: `gmndeploy installs a DataONE Generic Member Node on an Ubuntu host.

It installs the system packages, the GMN Python packages in a virtual
environment, Apache, Postgres, the service cron jobs and the certificates
the node needs to talk to the DataONE network.

Supports SSH, Docker and local execution.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Deployment config file (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	addDeploymentFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(stagesCmd)
}

// addDeploymentFlags registers a flag for every deployment setting. Flags
// override the config file only when given.
func addDeploymentFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.StringP("host", "H", "", "Target host (container name for docker)")
	fs.IntP("port", "p", d.Port, "SSH port")
	fs.StringP("user", "u", "", "Login user (defaults to the local user)")
	fs.StringP("identity-file", "i", "", "SSH private key")
	fs.String("connection", d.Connection, "Connection type: ssh, docker or local")
	fs.String("known-hosts", "", "SSH known_hosts file")
	fs.Bool("insecure-ignore-host-key", false, "Skip SSH host key verification")
	fs.String("gmn-version", "", "GMN release to install (default latest)")
	fs.Bool("use-local-ca", false, "Generate a local CA and client certificate")
	fs.Bool("do-os-patch", false, "Upgrade the OS and reboot before installing")
	fs.Bool("enable-firewall", false, "Enable ufw allowing ssh, http and https")
	fs.Bool("test-env", false, "Trust the DataONE test CA chain")
	fs.String("client-cert", "", "Client certificate issued by DataONE")
	fs.String("client-key", "", "Private key for the client certificate")
	fs.String("virtual-env", d.VirtualEnv, "Virtual environment directory name")
	fs.String("service-user", d.ServiceUser, "Account GMN runs as")
	fs.String("service-group", d.ServiceGroup, "Group of the service account")
	fs.String("install-root", d.InstallRoot, "Install root on the host")
	fs.String("database", d.Database, "Postgres database name")
	fs.String("sudoers-template", "", "Local sudoers template overriding the bundled one")
	fs.String("cron-file", "", "Local crontab overriding the bundled one")
	fs.Duration("reboot-timeout", d.RebootTimeout.Duration, "How long to wait for the host after a reboot")
	fs.BoolP("verbose", "v", false, "Echo every remote command and its output")
}

// loadConfig reads --config and applies the flags that were set.
func loadConfig(fs *pflag.FlagSet) (*config.Deployment, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, err
		}
	}

	str := map[string]*string{
		"host":             &cfg.Host,
		"user":             &cfg.User,
		"identity-file":    &cfg.IdentityFile,
		"connection":       &cfg.Connection,
		"known-hosts":      &cfg.KnownHosts,
		"gmn-version":      &cfg.Version,
		"client-cert":      &cfg.ClientCert,
		"client-key":       &cfg.ClientKey,
		"virtual-env":      &cfg.VirtualEnv,
		"service-user":     &cfg.ServiceUser,
		"service-group":    &cfg.ServiceGroup,
		"install-root":     &cfg.InstallRoot,
		"database":         &cfg.Database,
		"sudoers-template": &cfg.SudoersTemplate,
		"cron-file":        &cfg.CronFile,
	}
	for name, dst := range str {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}

	flags := map[string]*bool{
		"insecure-ignore-host-key": &cfg.InsecureIgnoreHostKey,
		"do-os-patch":              &cfg.PatchOSFirst,
		"enable-firewall":          &cfg.EnableFirewall,
		"test-env":                 &cfg.TestEnv,
	}
	for name, dst := range flags {
		if fs.Changed(name) {
			*dst, _ = fs.GetBool(name)
		}
	}

	if fs.Changed("port") {
		cfg.Port, _ = fs.GetInt("port")
	}
	if fs.Changed("use-local-ca") {
		v, _ := fs.GetBool("use-local-ca")
		cfg.UseLocalCA = &v
	}
	if fs.Changed("reboot-timeout") {
		cfg.RebootTimeout.Duration, _ = fs.GetDuration("reboot-timeout")
	}
	if fs.Changed("verbose") {
		v, _ := fs.GetBool("verbose")
		cfg.Quiet = !v
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor && term.IsTerminal(int(os.Stdout.Fd())))
	out.SetDebug(debug)
	return out
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// deployCmd provisions the host
var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Provision a GMN host",
	Long: `Provision a Generic Member Node.

Examples:
  gmndeploy deploy --host gmn.example.org --user ops
  gmndeploy deploy -c gmn.yaml --gmn-version 2.4.1 --test-env
  gmndeploy deploy -c gmn.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Print the commands instead of running them")
	deployCmd.Flags().BoolP("ask-become-pass", "K", false, "Prompt for the sudo password")
	deployCmd.Flags().String("metrics-file", "", "Write run metrics in node-exporter textfile format")
	deployCmd.Flags().String("fetch-client-cert", "", "Download a locally generated client certificate to this directory")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	out := newOutput()
	logger := newLogger()

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		out.Error("%v", err)
		return err
	}
	for _, w := range cfg.Warnings() {
		out.Warn("%s", w)
	}

	// Validate before prompting or connecting.
	if _, err := pipeline.Resolve(cfg); err != nil {
		out.Error("%v", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	operator, err := loginUser(ctx, cfg)
	if err != nil {
		out.Error("%v", err)
		return err
	}

	opts := pipeline.Options{
		Operator: operator,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Reporter: out,
		Commands: out,
		Logger:   logger,
	}
	opts.FetchDir, _ = cmd.Flags().GetString("fetch-client-cert")

	if ask, _ := cmd.Flags().GetBool("ask-become-pass"); ask && !dryRun {
		if opts.BecomePassword, err = readBecomePassword(); err != nil {
			out.Error("%v", err)
			return err
		}
	}

	var rec *metrics.Recorder
	metricsFile, _ := cmd.Flags().GetString("metrics-file")
	if metricsFile != "" {
		rec = metrics.New()
		opts.Observer = rec
	}

	var conn connector.Connector
	if dryRun {
		conn = dryRunConnector(cfg, operator)
	} else if conn, err = newConnector(cfg, operator); err != nil {
		out.Error("%v", err)
		return err
	}

	summary := fmt.Sprintf("gmn %s", displayVersion(cfg.Version))
	if dryRun {
		summary += ", dry run"
	}
	out.RunStart(conn.String(), summary)

	start := time.Now()
	stats, err := pipeline.Deploy(ctx, conn, cfg, opts)
	if stats != nil {
		out.RunEnd(stats)
	}

	if rec != nil {
		rec.ObserveRun(err == nil, time.Since(start), time.Now())
		if werr := rec.WriteTextfile(metricsFile); werr != nil {
			out.Warn("failed to write metrics: %v", werr)
		}
	}

	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			out.Error("stage %q failed at %q", stageErr.Stage, stageErr.Step)
			logger.Debug("deploy failed", "error", err)
		} else {
			out.Error("%v", err)
		}
		return err
	}
	return nil
}

// loginUser returns the configured login user, or the local account.
func loginUser(ctx context.Context, cfg *config.Deployment) (string, error) {
	if cfg.User != "" {
		return cfg.User, nil
	}
	return local.New().Whoami(ctx)
}

func newConnector(cfg *config.Deployment, user string) (connector.Connector, error) {
	switch cfg.Connection {
	case config.ConnectionSSH:
		return ssh.New(ssh.Config{
			Config: connector.Config{
				Host: cfg.Host,
				Port: cfg.Port,
				User: user,
			},
			IdentityFile:          cfg.IdentityFile,
			KnownHostsFile:        cfg.KnownHosts,
			InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
		})
	case config.ConnectionDocker:
		var opts []docker.Option
		if cfg.User != "" {
			opts = append(opts, docker.WithUser(cfg.User))
		}
		return docker.New(cfg.Host, opts...), nil
	case config.ConnectionLocal:
		return local.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown connection %q", config.ErrInvalid, cfg.Connection)
	}
}

// dryRunConnector answers the fact queries so the run can proceed and
// prints every other command.
func dryRunConnector(cfg *config.Deployment, user string) connector.Connector {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return recorder.New(recorder.WithName("dry run "+host), recorder.WithOutput(os.Stdout)).
		On("hostname", connector.Result{Stdout: host}).
		On("id -un", connector.Result{Stdout: user}).
		On("command -v apt-get", connector.Result{Stdout: "/usr/bin/apt-get"})
}

func readBecomePassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("--ask-become-pass needs a terminal")
	}
	fmt.Fprint(os.Stderr, "BECOME password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pass, nil
}

func displayVersion(v string) string {
	if v == "" {
		return "latest"
	}
	return v
}

// validateCmd checks the configuration without contacting the host
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a deployment configuration",
	Long: `Check the configuration and print what a deploy would install.

This checks for:
  - A well-formed GMN version
  - Consistent certificate settings
  - Local files that must exist

Examples:
  gmndeploy validate -c gmn.yaml
  gmndeploy validate --gmn-version 2.4.1 --client-cert c.pem --client-key k.pem`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := newOutput()

		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			out.Error("%v", err)
			return err
		}
		for _, w := range cfg.Warnings() {
			out.Warn("%s", w)
		}

		resolved, err := pipeline.Resolve(cfg)
		if err != nil {
			out.Error("%v", err)
			return err
		}

		out.Section("Layout")
		out.Info("install root: %s", resolved.Layout.Root)
		out.Info("virtual environment: %s", resolved.Layout.VenvPath)
		out.Info("settings: %s", resolved.Layout.SettingsPath())

		out.Section("Packages")
		for _, req := range resolved.Versions.Requirements() {
			out.Info("%s", req)
		}

		out.Section("Certificates")
		out.Info("mode: %s", resolved.Trust.Mode)
		return nil
	},
}

// stagesCmd lists the provisioning stages
var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the provisioning stages",
	Run: func(cmd *cobra.Command, args []string) {
		stages := pipeline.Stages()
		fmt.Println("Stages:")
		fmt.Println()
		for _, s := range stages {
			if s.When != "" {
				fmt.Printf("  - %s (when %s)\n", s.Name, s.When)
				continue
			}
			fmt.Printf("  - %s\n", s.Name)
		}
		fmt.Println()
		fmt.Printf("Total: %d stages\n", len(stages))
	},
}
