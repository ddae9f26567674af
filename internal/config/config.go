// Package config holds the deployment parameters of a single GMN host.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/gmndeploy/internal/version"
)

// Connection types.
const (
	ConnectionSSH    = "ssh"
	ConnectionDocker = "docker"
	ConnectionLocal  = "local"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that decodes from "90s" or a plain number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Deployment describes one provisioning run.
type Deployment struct {
	// Connection settings.
	Host                  string `yaml:"host" toml:"host"`
	Port                  int    `yaml:"port" toml:"port"`
	User                  string `yaml:"user" toml:"user"`
	IdentityFile          string `yaml:"identity_file" toml:"identity_file"`
	Connection            string `yaml:"connection" toml:"connection"`
	KnownHosts            string `yaml:"known_hosts" toml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" toml:"insecure_ignore_host_key"`

	// Version is the GMN release to install. Empty means latest.
	Version string `yaml:"gmn_version" toml:"gmn_version"`

	// UseLocalCA, when set, must agree with the presence of a client
	// certificate and key.
	UseLocalCA *bool `yaml:"use_local_ca" toml:"use_local_ca"`

	PatchOSFirst   bool `yaml:"do_os_patch" toml:"do_os_patch"`
	EnableFirewall bool `yaml:"enable_firewall" toml:"enable_firewall"`

	// TestEnv selects the test CA chain instead of the production one.
	TestEnv bool `yaml:"test_env" toml:"test_env"`

	ClientCert string `yaml:"client_cert" toml:"client_cert"`
	ClientKey  string `yaml:"client_key" toml:"client_key"`

	VirtualEnv   string `yaml:"virtual_env" toml:"virtual_env"`
	ServiceUser  string `yaml:"service_user" toml:"service_user"`
	ServiceGroup string `yaml:"service_group" toml:"service_group"`
	InstallRoot  string `yaml:"install_root" toml:"install_root"`
	Database     string `yaml:"database" toml:"database"`

	// Local files overriding the bundled defaults.
	SudoersTemplate string `yaml:"sudoers_template" toml:"sudoers_template"`
	CronFile        string `yaml:"cron_file" toml:"cron_file"`

	RebootTimeout Duration `yaml:"reboot_timeout" toml:"reboot_timeout"`
	Quiet         bool     `yaml:"quiet" toml:"quiet"`
}

// Default returns a Deployment with the standard GMN settings.
func Default() *Deployment {
	return &Deployment{
		Port:          22,
		Connection:    ConnectionSSH,
		VirtualEnv:    "gmn_venv",
		ServiceUser:   "gmn",
		ServiceGroup:  "www-data",
		InstallRoot:   "/var/local/dataone",
		Database:      "gmn2",
		RebootTimeout: Duration{60 * time.Second},
		Quiet:         true,
	}
}

// Load reads a YAML or TOML file on top of the defaults.
func Load(path string) (*Deployment, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", path, err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config file extension %q", ErrInvalid, filepath.Ext(expanded))
	}

	return cfg, nil
}

// ExpandPaths resolves ~ in every local path.
func (d *Deployment) ExpandPaths() error {
	for _, p := range []*string{&d.IdentityFile, &d.KnownHosts, &d.ClientCert, &d.ClientKey, &d.SudoersTemplate, &d.CronFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// HasClientCert reports whether both client certificate and key were given.
func (d *Deployment) HasClientCert() bool {
	return d.ClientCert != "" && d.ClientKey != ""
}

// Warnings returns non-fatal problems with the configuration.
func (d *Deployment) Warnings() []string {
	var warnings []string
	if (d.ClientCert == "") != (d.ClientKey == "") {
		warnings = append(warnings, "only one of client_cert and client_key is set; using a local CA")
	}
	return warnings
}

// Validate checks the configuration. It never contacts the host.
func (d *Deployment) Validate() error {
	switch d.Connection {
	case ConnectionSSH, ConnectionDocker:
		if d.Host == "" {
			return fmt.Errorf("%w: host is required for %s connections", ErrInvalid, d.Connection)
		}
	case ConnectionLocal:
	default:
		return fmt.Errorf("%w: unknown connection %q", ErrInvalid, d.Connection)
	}

	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, d.Port)
	}

	if d.Version != "" {
		if _, err := version.Parse(d.Version); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if d.ServiceUser == "" {
		return fmt.Errorf("%w: service_user is required", ErrInvalid)
	}
	if d.VirtualEnv == "" || strings.Contains(d.VirtualEnv, "/") {
		return fmt.Errorf("%w: virtual_env must be a plain directory name, got %q", ErrInvalid, d.VirtualEnv)
	}
	if !filepath.IsAbs(d.InstallRoot) {
		return fmt.Errorf("%w: install_root must be absolute, got %q", ErrInvalid, d.InstallRoot)
	}

	if d.UseLocalCA != nil {
		switch {
		case *d.UseLocalCA && d.HasClientCert():
			return fmt.Errorf("%w: use_local_ca conflicts with client_cert and client_key", ErrInvalid)
		case !*d.UseLocalCA && !d.HasClientCert():
			return fmt.Errorf("%w: use_local_ca=false requires client_cert and client_key", ErrInvalid)
		}
	}

	if d.HasClientCert() {
		for _, p := range []string{d.ClientCert, d.ClientKey} {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalid, err)
			}
		}
	}

	for _, p := range []string{d.SudoersTemplate, d.CronFile} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if d.RebootTimeout.Duration <= 0 {
		return fmt.Errorf("%w: reboot_timeout must be positive", ErrInvalid)
	}

	return nil
}
