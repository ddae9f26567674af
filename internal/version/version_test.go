package version

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "/var/local/dataone"

func TestResolveLatest(t *testing.T) {
	layout, set, err := Resolve("", root, "gmn_venv")
	require.NoError(t, err)

	assert.False(t, layout.Legacy)
	assert.Equal(t, "/var/local/dataone/gmn_venv", layout.VenvPath)
	assert.Equal(t, "/var/local/dataone/gmn_venv/lib/python2.7/site-packages/d1_gmn", layout.PackageRoot)
	assert.Equal(t, "/var/local/dataone/gmn_venv/bin/python", layout.Interpreter)
	assert.Equal(t, "/var/local/dataone/gmn_object_store", layout.ObjectStore)

	require.Len(t, set, 4)
	for _, p := range set {
		assert.Equal(t, Latest, p.Version)
	}
	assert.Equal(t, []string{PkgCore, PkgClient, PkgCLI, PkgService}, set.Requirements())
}

func TestResolveLegacy(t *testing.T) {
	for _, v := range []string{"2.0.0", "2.1.7", "2.2.1", "3.0.4"} {
		t.Run(v, func(t *testing.T) {
			layout, set, err := Resolve(v, root, "gmn_venv")
			require.NoError(t, err)

			assert.True(t, layout.Legacy)
			assert.Equal(t, "/var/local/dataone/gmn_venv/lib/python2.7/site-packages/gmn", layout.PackageRoot)
			assert.Equal(t, "settings_site.py", layout.Settings)
			assert.Equal(t, "settings_site_template.py", layout.SettingsTemplate)

			require.Len(t, set, 4)
			assert.Equal(t, PkgCore, set[len(set)-1].Package, "core library must be installed last")
			assert.Equal(t, v, set.Get(PkgService))
			assert.Equal(t, LegacyClientVersion, set.Get(PkgClient))
			assert.Equal(t, LegacyCLIVersion, set.Get(PkgCLI))
			assert.Equal(t, LegacyCoreVersion, set.Get(PkgCore))
		})
	}
}

func TestResolveCurrent(t *testing.T) {
	for _, v := range []string{"2.3.0", "2.4.1", "1.9.0", "3.5.2"} {
		t.Run(v, func(t *testing.T) {
			layout, set, err := Resolve(v, root, "venv")
			require.NoError(t, err)

			assert.False(t, layout.Legacy)
			assert.Equal(t, "/var/local/dataone/venv/lib/python2.7/site-packages/d1_gmn", layout.PackageRoot)
			assert.Equal(t, "/var/local/dataone/venv/lib/python2.7/site-packages/d1_gmn/settings.py", layout.SettingsPath())

			require.Len(t, set, 4)
			for _, p := range set {
				assert.Equal(t, v, p.Version)
			}
			assert.Equal(t, "dataone.gmn=="+v, set[3].Requirement())
		})
	}
}

func TestResolveMalformed(t *testing.T) {
	for _, v := range []string{"2.3", "a.b.c", "2.x.1", "2.3.1.4", "v2.3.1", "2..1"} {
		t.Run(v, func(t *testing.T) {
			_, _, err := Resolve(v, root, "gmn_venv")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestSetGetMissing(t *testing.T) {
	assert.Equal(t, "", Set{}.Get(PkgCore))
}

func TestLayoutPaths(t *testing.T) {
	layout, _, err := Resolve("2.1.0", root, "gmn_venv")
	require.NoError(t, err)
	assert.Equal(t, layout.PackageRoot+"/deployment", layout.DeploymentDir())
	assert.Equal(t, layout.PackageRoot+"/manage.py", layout.Manage())
}
