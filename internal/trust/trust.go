// Package trust sets up the certificate chain of a GMN host, either from a
// CA generated on the host or from a client certificate issued elsewhere.
package trust

import (
	"context"
	"fmt"
	"path"

	"github.com/eugenetaranov/gmndeploy/internal/config"
	"github.com/eugenetaranov/gmndeploy/internal/module"
	"github.com/eugenetaranov/gmndeploy/internal/module/apt"
	"github.com/eugenetaranov/gmndeploy/internal/module/file"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
	"github.com/eugenetaranov/gmndeploy/internal/version"
)

// CA chain bundles published by DataONE.
const (
	TestCAChainURL       = "https://repository.dataone.org/software/tools/trunk/ca/DataONETestCAChain.crt"
	ProductionCAChainURL = "https://repository.dataone.org/software/tools/trunk/ca/DataONECAChain.crt"
)

// Installed certificate file names.
const (
	ClientCertFile = "client_cert.pem"
	ClientKeyFile  = "client_key_nopassword.pem"
	ServerCertFile = "server_cert.pem"
	ServerKeyFile  = "server_key_nopassword.pem"
	LocalCAFile    = "local_ca.pem"
)

// Snakeoil certificate shipped by the ssl-cert package.
const (
	snakeoilCert = "/etc/ssl/certs/ssl-cert-snakeoil.pem"
	snakeoilKey  = "/etc/ssl/private/ssl-cert-snakeoil.key"
)

// ChainURL returns the CA chain for the target environment.
func ChainURL(testEnv bool) string {
	if testEnv {
		return TestCAChainURL
	}
	return ProductionCAChainURL
}

// Mode selects how the trust chain is built.
type Mode int

const (
	LocalCA Mode = iota + 1
	ExternalCA
)

func (m Mode) String() string {
	switch m {
	case LocalCA:
		return "local-ca"
	case ExternalCA:
		return "external-ca"
	default:
		return "unknown"
	}
}

// Material is the trust decision for a run. It is never modified after Decide.
type Material struct {
	Mode           Mode
	ClientCertPath string
	ClientKeyPath  string
}

// Decide selects the trust mode from cfg. Both client certificate and key
// select the external CA; anything else selects the local CA.
func Decide(cfg *config.Deployment) (Material, error) {
	if cfg.HasClientCert() {
		if cfg.UseLocalCA != nil && *cfg.UseLocalCA {
			return Material{}, fmt.Errorf("%w: use_local_ca conflicts with client_cert and client_key", config.ErrInvalid)
		}
		return Material{Mode: ExternalCA, ClientCertPath: cfg.ClientCert, ClientKeyPath: cfg.ClientKey}, nil
	}

	if cfg.UseLocalCA != nil && !*cfg.UseLocalCA {
		return Material{}, fmt.Errorf("%w: use_local_ca=false requires client_cert and client_key", config.ErrInvalid)
	}
	return Material{Mode: LocalCA}, nil
}

// Paths are the certificate directories under the install root.
type Paths struct {
	LocalCA string
	CA      string
	Client  string
	Server  string
}

// NewPaths returns the certificate directories under root.
func NewPaths(root string) Paths {
	certs := path.Join(root, "certs")
	return Paths{
		LocalCA: path.Join(certs, "local_ca"),
		CA:      path.Join(certs, "ca"),
		Client:  path.Join(certs, "client"),
		Server:  path.Join(certs, "server"),
	}
}

// Files moves files between the controller and the host.
type Files interface {
	Put(ctx context.Context, localPath, remotePath string, opts remote.PutOptions) (bool, error)
	Get(ctx context.Context, remotePath, localPath string, useSudo bool) error
}

// Host is what trust steps run against.
type Host struct {
	Exec  module.Runner
	Files Files
}

// Step is one named unit of trust setup.
type Step struct {
	Name string
	Run  func(ctx context.Context, h Host) (*module.Result, error)
}

// Plan describes the trust steps for a run.
type Plan struct {
	Material Material
	Paths    Paths
	Layout   version.Layout
	TestEnv  bool

	// FetchDir, when set, receives the generated client certificate and key.
	FetchDir string
}

// Steps returns the step group for the selected mode. The two groups never mix.
func (p Plan) Steps() []Step {
	switch p.Material.Mode {
	case LocalCA:
		steps := []Step{
			{Name: "add local CA", Run: p.addLocalCA},
			{Name: "add client certificate", Run: p.addClientCert},
			{Name: "trust local CA", Run: p.trustLocalCA},
			{Name: "install client certificate", Run: p.installLocalClient},
			{Name: "install server certificate", Run: p.installServer},
		}
		if p.FetchDir != "" {
			steps = append(steps, Step{Name: "fetch client certificate", Run: p.fetchClient})
		}
		return steps
	case ExternalCA:
		return []Step{
			{Name: "upload client certificate", Run: p.uploadClient},
			{Name: "install CA chain", Run: p.installChain},
			{Name: "install server certificate", Run: p.installServer},
		}
	default:
		return nil
	}
}

func exists(ctx context.Context, r module.Runner, p string) (bool, error) {
	out, err := r.Query(ctx, fmt.Sprintf("test -e %s && echo yes", remote.ShellQuote(p)))
	if err != nil {
		return false, err
	}
	return out == "yes", nil
}

// command is a shell line; loud ones prompt the operator.
type command struct {
	cmd  string
	loud bool
}

func runIn(ctx context.Context, r module.Runner, dir string, cmds []command) error {
	for _, c := range cmds {
		opts := []remote.Opt{remote.InDir(dir)}
		if c.loud {
			opts = append(opts, remote.Loud())
		}
		if _, err := r.Sudo(ctx, c.cmd, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (p Plan) addLocalCA(ctx context.Context, h Host) (*module.Result, error) {
	var results []*module.Result
	for _, sub := range []string{"certs", "newcerts", "private"} {
		res, err := file.Directory(ctx, h.Exec, path.Join(p.Paths.LocalCA, sub), file.Attrs{})
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	res, err := file.Copy(ctx, h.Exec, path.Join(p.Layout.DeploymentDir(), "openssl.cnf"), path.Join(p.Paths.LocalCA, "openssl.cnf"), false)
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	res, err = file.Touch(ctx, h.Exec, path.Join(p.Paths.LocalCA, "index.txt"))
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	done, err := exists(ctx, h.Exec, path.Join(p.Paths.LocalCA, "ca_cert.pem"))
	if err != nil {
		return nil, err
	}
	if done {
		results = append(results, module.Unchanged("local CA already exists"))
		return module.Merge(results...), nil
	}

	if err := runIn(ctx, h.Exec, p.Paths.LocalCA, []command{
		{"openssl req -config ./openssl.cnf -new -newkey rsa:2048 -keyout private/ca_key.pem -out ca_csr.pem", true},
		{"openssl ca -config ./openssl.cnf -create_serial -keyfile private/ca_key.pem -selfsign -extensions v3_ca_has_san -out ca_cert.pem -infiles ca_csr.pem", true},
		{"rm -f ca_csr.pem", false},
	}); err != nil {
		return nil, err
	}
	results = append(results, module.Changed("local CA created"))
	return module.Merge(results...), nil
}

func (p Plan) addClientCert(ctx context.Context, h Host) (*module.Result, error) {
	done, err := exists(ctx, h.Exec, path.Join(p.Paths.LocalCA, ClientCertFile))
	if err != nil {
		return nil, err
	}
	if done {
		return module.Unchanged("client certificate already signed"), nil
	}

	if err := runIn(ctx, h.Exec, p.Paths.LocalCA, []command{
		{"openssl req -config ./openssl.cnf -new -newkey rsa:2048 -nodes -keyout private/client_key.pem -out client_csr.pem", true},
		{"openssl rsa -in private/client_key.pem -out private/" + ClientKeyFile, false},
		{"openssl rsa -in private/" + ClientKeyFile + " -pubout -out client_public_key.pem", false},
		{"openssl ca -config ./openssl.cnf -in client_csr.pem -out " + ClientCertFile, true},
		{"rm -f client_csr.pem", false},
	}); err != nil {
		return nil, err
	}
	return module.Changed("client certificate signed by local CA"), nil
}

func (p Plan) trustLocalCA(ctx context.Context, h Host) (*module.Result, error) {
	dir, err := file.Directory(ctx, h.Exec, p.Paths.CA, file.Attrs{})
	if err != nil {
		return nil, err
	}
	cp, err := file.Copy(ctx, h.Exec, path.Join(p.Paths.LocalCA, "ca_cert.pem"), path.Join(p.Paths.CA, LocalCAFile), false)
	if err != nil {
		return nil, err
	}
	if _, err := h.Exec.Sudo(ctx, "c_rehash "+remote.ShellQuote(p.Paths.CA)); err != nil {
		return nil, err
	}
	return module.Merge(dir, cp), nil
}

func (p Plan) installLocalClient(ctx context.Context, h Host) (*module.Result, error) {
	dir, err := file.Directory(ctx, h.Exec, p.Paths.Client, file.Attrs{})
	if err != nil {
		return nil, err
	}
	cert, err := file.Copy(ctx, h.Exec, path.Join(p.Paths.LocalCA, ClientCertFile), path.Join(p.Paths.Client, ClientCertFile), false)
	if err != nil {
		return nil, err
	}
	key, err := file.Copy(ctx, h.Exec, path.Join(p.Paths.LocalCA, "private", ClientKeyFile), path.Join(p.Paths.Client, ClientKeyFile), false)
	if err != nil {
		return nil, err
	}
	return module.Merge(dir, cert, key), nil
}

func (p Plan) fetchClient(ctx context.Context, h Host) (*module.Result, error) {
	for _, name := range []string{ClientCertFile, ClientKeyFile} {
		if err := h.Files.Get(ctx, path.Join(p.Paths.Client, name), path.Join(p.FetchDir, name), true); err != nil {
			return nil, err
		}
	}
	return module.Unchanged("client certificate saved to " + p.FetchDir), nil
}

func (p Plan) uploadClient(ctx context.Context, h Host) (*module.Result, error) {
	dir, err := file.Directory(ctx, h.Exec, p.Paths.Client, file.Attrs{})
	if err != nil {
		return nil, err
	}

	certChanged, err := h.Files.Put(ctx, p.Material.ClientCertPath, path.Join(p.Paths.Client, ClientCertFile),
		remote.PutOptions{UseSudo: true, Mode: 0o644, Owner: "root", Group: "root"})
	if err != nil {
		return nil, err
	}
	keyChanged, err := h.Files.Put(ctx, p.Material.ClientKeyPath, path.Join(p.Paths.Client, ClientKeyFile),
		remote.PutOptions{UseSudo: true, Mode: 0o600, Owner: "root", Group: "root"})
	if err != nil {
		return nil, err
	}

	if certChanged || keyChanged {
		return module.Merge(dir, module.Changed("client certificate uploaded")), nil
	}
	return module.Merge(dir, module.Unchanged("client certificate up to date")), nil
}

func (p Plan) installChain(ctx context.Context, h Host) (*module.Result, error) {
	dir, err := file.Directory(ctx, h.Exec, p.Paths.CA, file.Attrs{})
	if err != nil {
		return nil, err
	}

	url := ChainURL(p.TestEnv)
	dst := path.Join(p.Paths.CA, path.Base(url))
	if _, err := h.Exec.Sudo(ctx, fmt.Sprintf("curl --fail --silent --show-error --location -o %s %s",
		remote.ShellQuote(dst), remote.ShellQuote(url))); err != nil {
		return nil, err
	}
	if _, err := h.Exec.Sudo(ctx, "c_rehash "+remote.ShellQuote(p.Paths.CA)); err != nil {
		return nil, err
	}
	return module.Merge(dir, module.Changed("installed "+path.Base(url))), nil
}

func (p Plan) installServer(ctx context.Context, h Host) (*module.Result, error) {
	pkg, err := apt.Install(ctx, h.Exec, "ssl-cert")
	if err != nil {
		return nil, err
	}
	if _, err := h.Exec.Sudo(ctx, "make-ssl-cert generate-default-snakeoil --force-overwrite"); err != nil {
		return nil, err
	}

	dir, err := file.Directory(ctx, h.Exec, p.Paths.Server, file.Attrs{})
	if err != nil {
		return nil, err
	}
	cert, err := file.Copy(ctx, h.Exec, snakeoilCert, path.Join(p.Paths.Server, ServerCertFile), false)
	if err != nil {
		return nil, err
	}
	key, err := file.Copy(ctx, h.Exec, snakeoilKey, path.Join(p.Paths.Server, ServerKeyFile), false)
	if err != nil {
		return nil, err
	}
	return module.Merge(pkg, dir, cert, key), nil
}
