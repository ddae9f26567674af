package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/gmndeploy/internal/version"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func boolPtr(b bool) *bool { return &b }

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "gmn", cfg.ServiceUser)
	assert.Equal(t, "www-data", cfg.ServiceGroup)
	assert.Equal(t, "/var/local/dataone", cfg.InstallRoot)
	assert.Equal(t, "gmn_venv", cfg.VirtualEnv)
	assert.Equal(t, 60*time.Second, cfg.RebootTimeout.Duration)
	assert.True(t, cfg.Quiet)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "gmn.yaml", `
host: gmn.example.org
user: ops
gmn_version: 2.4.1
do_os_patch: true
enable_firewall: true
test_env: true
reboot_timeout: 90s
quiet: false
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "gmn.example.org", cfg.Host)
	assert.Equal(t, "ops", cfg.User)
	assert.Equal(t, "2.4.1", cfg.Version)
	assert.True(t, cfg.PatchOSFirst)
	assert.True(t, cfg.EnableFirewall)
	assert.True(t, cfg.TestEnv)
	assert.False(t, cfg.Quiet)
	assert.Equal(t, 90*time.Second, cfg.RebootTimeout.Duration)
	assert.Equal(t, 22, cfg.Port, "defaults are kept")
	assert.Nil(t, cfg.UseLocalCA)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "gmn.toml", `
host = "10.0.0.5"
port = 2222
use_local_ca = true
virtual_env = "venv"
reboot_timeout = "120"
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 2222, cfg.Port)
	require.NotNil(t, cfg.UseLocalCA)
	assert.True(t, *cfg.UseLocalCA)
	assert.Equal(t, "venv", cfg.VirtualEnv)
	assert.Equal(t, 120*time.Second, cfg.RebootTimeout.Duration)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown yaml field", "a.yaml", "hots: x\n"},
		{"unknown toml field", "a.toml", "hots = \"x\"\n"},
		{"bad duration", "b.yaml", "reboot_timeout: soon\n"},
		{"unsupported extension", "a.json", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, t.TempDir(), "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cert := writeFile(t, dir, "c.pem", "CERT")
	key := writeFile(t, dir, "k.pem", "KEY")

	tests := []struct {
		name    string
		modify  func(*Deployment)
		wantErr bool
	}{
		{"valid local CA", func(d *Deployment) {}, false},
		{"valid external CA", func(d *Deployment) { d.ClientCert, d.ClientKey = cert, key }, false},
		{"valid version", func(d *Deployment) { d.Version = "2.4.1" }, false},
		{"explicit local CA", func(d *Deployment) { d.UseLocalCA = boolPtr(true) }, false},
		{"local connection needs no host", func(d *Deployment) { d.Connection, d.Host = ConnectionLocal, "" }, false},
		{"missing host", func(d *Deployment) { d.Host = "" }, true},
		{"unknown connection", func(d *Deployment) { d.Connection = "telnet" }, true},
		{"bad port", func(d *Deployment) { d.Port = 70000 }, true},
		{"malformed version", func(d *Deployment) { d.Version = "2.3" }, true},
		{"non numeric version", func(d *Deployment) { d.Version = "a.b.c" }, true},
		{"local CA with cert", func(d *Deployment) {
			d.UseLocalCA = boolPtr(true)
			d.ClientCert, d.ClientKey = cert, key
		}, true},
		{"external CA without cert", func(d *Deployment) { d.UseLocalCA = boolPtr(false) }, true},
		{"external CA with half cert", func(d *Deployment) {
			d.UseLocalCA = boolPtr(false)
			d.ClientCert = cert
		}, true},
		{"missing cert file", func(d *Deployment) { d.ClientCert, d.ClientKey = filepath.Join(dir, "nope"), key }, true},
		{"missing cron file", func(d *Deployment) { d.CronFile = filepath.Join(dir, "nope") }, true},
		{"venv with slash", func(d *Deployment) { d.VirtualEnv = "a/b" }, true},
		{"empty service user", func(d *Deployment) { d.ServiceUser = "" }, true},
		{"relative install root", func(d *Deployment) { d.InstallRoot = "dataone" }, true},
		{"zero reboot timeout", func(d *Deployment) { d.RebootTimeout = Duration{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Host = "gmn.example.org"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateMalformedVersionWrapsBoth(t *testing.T) {
	cfg := Default()
	cfg.Host = "h"
	cfg.Version = "2.3"

	err := cfg.Validate()
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.True(t, errors.Is(err, version.ErrMalformed))
}

func TestWarnings(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Warnings())

	cfg.ClientCert = "c.pem"
	assert.Len(t, cfg.Warnings(), 1)
	assert.False(t, cfg.HasClientCert())

	cfg.ClientKey = "k.pem"
	assert.Empty(t, cfg.Warnings())
	assert.True(t, cfg.HasClientCert())
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Default()
	cfg.IdentityFile = "~/.ssh/id_ed25519"
	cfg.ClientCert = "/abs/c.pem"
	require.NoError(t, cfg.ExpandPaths())
	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), cfg.IdentityFile)
	assert.Equal(t, "/abs/c.pem", cfg.ClientCert)
}
