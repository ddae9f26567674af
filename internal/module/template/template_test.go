package template

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/gmndeploy/internal/connector/recorder"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		vars    any
		want    string
		wantErr bool
	}{
		{
			name: "field",
			tmpl: "{{.User}} ALL=(gmn) NOPASSWD: ALL",
			vars: struct{ User string }{"ops"},
			want: "ops ALL=(gmn) NOPASSWD: ALL",
		},
		{
			name: "map with default",
			tmpl: `{{default "root" .user}}`,
			vars: map[string]any{"user": ""},
			want: "root",
		},
		{
			name: "funcs",
			tmpl: `{{upper .a}} {{join "," .b}}`,
			vars: map[string]any{"a": "x", "b": []string{"1", "2"}},
			want: "X 1,2",
		},
		{
			name:    "missing key",
			tmpl:    "{{.nope}}",
			vars:    map[string]any{},
			wantErr: true,
		},
		{
			name:    "parse error",
			tmpl:    "{{.x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.name, tt.tmpl, tt.vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestInstall(t *testing.T) {
	fsys := fstest.MapFS{"sudoers.tmpl": {Data: []byte("{{.User}} ALL=(ALL) NOPASSWD: ALL\n")}}
	rec := recorder.New()
	tr := remote.NewTransfer(remote.New(rec, remote.Options{Quiet: true}))

	res, err := Install(context.Background(), tr, fsys, "sudoers.tmpl", struct{ User string }{"ops"}, "/etc/sudoers.d/01_gmn",
		remote.PutOptions{UseSudo: true, Mode: 0o440})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	ups := rec.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "ops ALL=(ALL) NOPASSWD: ALL\n", string(ups[0].Content))
}

func TestInstallMissingTemplate(t *testing.T) {
	tr := remote.NewTransfer(remote.New(recorder.New(), remote.Options{Quiet: true}))
	_, err := Install(context.Background(), tr, fstest.MapFS{}, "nope.tmpl", nil, "/x", remote.PutOptions{})
	assert.Error(t, err)
}
