// Package template renders text/template files and installs the result on
// the target host.
package template

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"strings"
	"text/template"

	"github.com/eugenetaranov/gmndeploy/internal/module"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
)

// Uploader is the subset of remote.Transfer the module needs.
type Uploader interface {
	PutContent(ctx context.Context, content []byte, remotePath string, opts remote.PutOptions) (bool, error)
}

// Render executes the template in content with vars.
func Render(name, content string, vars any) ([]byte, error) {
	tmpl := template.New(name).Option("missingkey=error").Funcs(template.FuncMap{
		"default": func(def, val any) any {
			if val == nil || val == "" {
				return def
			}
			return val
		},
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"trim":  strings.TrimSpace,
		"join": func(sep string, items []string) string {
			return strings.Join(items, sep)
		},
	})

	tmpl, err := tmpl.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install renders name from fsys with vars and uploads it to dest.
func Install(ctx context.Context, u Uploader, fsys fs.FS, name string, vars any, dest string, opts remote.PutOptions) (*module.Result, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file '%s': %w", name, err)
	}

	rendered, err := Render(name, string(content), vars)
	if err != nil {
		return nil, err
	}

	changed, err := u.PutContent(ctx, rendered, dest, opts)
	if err != nil {
		return nil, err
	}
	if !changed {
		return module.Unchanged(dest + " already rendered"), nil
	}
	return module.Changed("rendered " + dest), nil
}
