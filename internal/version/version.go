// Package version resolves the requested GMN release into an install layout
// and the set of Python packages to install.
package version

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Latest is the version of every pin when no release was requested.
const Latest = "latest"

// Package names on PyPI.
const (
	PkgCore    = "dataone.common"
	PkgClient  = "dataone.libclient"
	PkgCLI     = "dataone.cli"
	PkgService = "dataone.gmn"
)

// Releases before 2.3 shipped under the gmn package root and must be
// installed against these library releases.
const (
	LegacyCoreVersion   = "2.0.1"
	LegacyClientVersion = "2.0.0"
	LegacyCLIVersion    = "2.0.0"

	// LegacySetuptools is the last setuptools release the legacy
	// packages build with.
	LegacySetuptools = "34.3.3"
)

// ErrMalformed is returned for version strings that are not major.minor.patch.
var ErrMalformed = errors.New("malformed version")

const sitePackages = "lib/python2.7/site-packages"

// Layout holds the resolved filesystem paths of a GMN installation.
type Layout struct {
	Root        string
	VenvPath    string
	PackageRoot string
	Interpreter string
	Pip         string
	ObjectStore string

	// Settings file names relative to PackageRoot.
	SettingsTemplate string
	Settings         string

	Legacy bool
}

// DeploymentDir holds the config templates bundled with the service package.
func (l Layout) DeploymentDir() string {
	return path.Join(l.PackageRoot, "deployment")
}

// SettingsPath is the absolute path of the active settings file.
func (l Layout) SettingsPath() string {
	return path.Join(l.PackageRoot, l.Settings)
}

// Manage is the Django management entrypoint.
func (l Layout) Manage() string {
	return path.Join(l.PackageRoot, "manage.py")
}

// Pin is one package with the version to install.
type Pin struct {
	Package string
	Version string
}

// Requirement returns the pip requirement specifier.
func (p Pin) Requirement() string {
	if p.Version == Latest {
		return p.Package
	}
	return p.Package + "==" + p.Version
}

// Set is the ordered list of packages to install. Order matters.
type Set []Pin

// Get returns the version pinned for pkg, or "".
func (s Set) Get(pkg string) string {
	for _, p := range s {
		if p.Package == pkg {
			return p.Version
		}
	}
	return ""
}

// Requirements returns the pip specifiers in install order.
func (s Set) Requirements() []string {
	reqs := make([]string, len(s))
	for i, p := range s {
		reqs[i] = p.Requirement()
	}
	return reqs
}

// Parse validates a major.minor.patch version string.
func Parse(v string) (*semver.Version, error) {
	sv, err := semver.StrictNewVersion(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrMalformed, v, err)
	}
	return sv, nil
}

// Resolve computes the layout and package set for the requested version
// under root with the virtual environment venv. An empty requested
// version selects the latest release.
func Resolve(requested, root, venv string) (Layout, Set, error) {
	venvPath := path.Join(root, venv)
	layout := Layout{
		Root:        root,
		VenvPath:    venvPath,
		Interpreter: path.Join(venvPath, "bin", "python"),
		Pip:         path.Join(venvPath, "bin", "pip"),
		ObjectStore: path.Join(root, "gmn_object_store"),
	}

	requested = strings.TrimSpace(requested)
	if requested == "" {
		current(&layout)
		return layout, Set{
			{PkgCore, Latest},
			{PkgClient, Latest},
			{PkgCLI, Latest},
			{PkgService, Latest},
		}, nil
	}

	sv, err := Parse(requested)
	if err != nil {
		return Layout{}, nil, err
	}

	if sv.Minor() < 3 {
		layout.Legacy = true
		layout.PackageRoot = path.Join(venvPath, sitePackages, "gmn")
		layout.SettingsTemplate = "settings_site_template.py"
		layout.Settings = "settings_site.py"
		// dataone.common declares a dependency that conflicts with the
		// pinned CLI unless it goes in last.
		return layout, Set{
			{PkgClient, LegacyClientVersion},
			{PkgCLI, LegacyCLIVersion},
			{PkgService, requested},
			{PkgCore, LegacyCoreVersion},
		}, nil
	}

	current(&layout)
	return layout, Set{
		{PkgCore, requested},
		{PkgClient, requested},
		{PkgCLI, requested},
		{PkgService, requested},
	}, nil
}

func current(l *Layout) {
	l.PackageRoot = path.Join(l.VenvPath, sitePackages, "d1_gmn")
	l.SettingsTemplate = "settings_template.py"
	l.Settings = "settings.py"
}
