// Package file manages files and directories on the target host.
package file

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/gmndeploy/internal/module"
	"github.com/eugenetaranov/gmndeploy/internal/remote"
)

// Attrs are optional ownership and permission settings.
type Attrs struct {
	Mode    string
	Owner   string
	Group   string
	Recurse bool
}

// fileInfo holds information about a remote path.
type fileInfo struct {
	Exists bool
	IsDir  bool
	Mode   string
	Owner  string
	Group  string
}

// stat retrieves information about a path.
func stat(ctx context.Context, r module.Runner, path string) (*fileInfo, error) {
	cmd := fmt.Sprintf(`if [ -e %[1]s ]; then stat -c "%%a:%%U:%%G:%%F" %[1]s; else echo NOTEXIST; fi`, shellQuote(path))
	out, err := r.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if out == "NOTEXIST" || out == "" {
		return &fileInfo{}, nil
	}

	info := &fileInfo{Exists: true}
	parts := strings.SplitN(out, ":", 4)
	if len(parts) == 4 {
		info.Mode = parts[0]
		info.Owner = parts[1]
		info.Group = parts[2]
		info.IsDir = parts[3] == "directory"
	}
	return info, nil
}

// Directory ensures path is a directory with the given attributes.
func Directory(ctx context.Context, r module.Runner, path string, attrs Attrs) (*module.Result, error) {
	info, err := stat(ctx, r, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.Exists && !info.IsDir {
		return nil, fmt.Errorf("%s exists and is not a directory", path)
	}

	var results []*module.Result
	if !info.Exists {
		if _, err := r.Sudo(ctx, "mkdir -p "+shellQuote(path)); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		results = append(results, module.Changed("created "+path))
	}

	res, err := ensureAttrs(ctx, r, path, info, attrs)
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	merged := module.Merge(results...)
	if merged.Message == "" {
		merged.Message = path + " already present"
	}
	return merged, nil
}

// Ownership sets owner and group of path.
func Ownership(ctx context.Context, r module.Runner, path, owner, group string, recurse bool) (*module.Result, error) {
	var spec string
	switch {
	case owner != "" && group != "":
		spec = owner + ":" + group
	case owner != "":
		spec = owner
	case group != "":
		spec = ":" + group
	default:
		return module.Unchanged("no ownership requested"), nil
	}

	flag := ""
	if recurse {
		flag = "-R "
	}
	if _, err := r.Sudo(ctx, fmt.Sprintf("chown %s%s %s", flag, spec, shellQuote(path))); err != nil {
		return nil, fmt.Errorf("failed to set ownership: %w", err)
	}
	return module.Changed(fmt.Sprintf("%s owned by %s", path, spec)), nil
}

// Mode applies a chmod mode (octal or symbolic) to path.
func Mode(ctx context.Context, r module.Runner, path, mode string, recurse bool) (*module.Result, error) {
	flag := ""
	if recurse {
		flag = "-R "
	}
	if _, err := r.Sudo(ctx, fmt.Sprintf("chmod %s%s %s", flag, mode, shellQuote(path))); err != nil {
		return nil, fmt.Errorf("failed to set mode: %w", err)
	}
	return module.Changed(fmt.Sprintf("%s mode %s", path, mode)), nil
}

// Absent removes path if it exists. Directories are not removed.
func Absent(ctx context.Context, r module.Runner, path string) (*module.Result, error) {
	out, err := r.Query(ctx, fmt.Sprintf("if [ -e %[1]s ] || [ -L %[1]s ]; then echo yes; fi", shellQuote(path)))
	if err != nil {
		return nil, err
	}
	if out != "yes" {
		return module.Unchanged(path + " already absent"), nil
	}
	if _, err := r.Sudo(ctx, "rm -f "+shellQuote(path)); err != nil {
		return nil, fmt.Errorf("failed to remove path: %w", err)
	}
	return module.Changed("removed " + path), nil
}

// Touch creates an empty file if it does not exist.
func Touch(ctx context.Context, r module.Runner, path string) (*module.Result, error) {
	info, err := stat(ctx, r, path)
	if err != nil {
		return nil, err
	}
	if info.Exists {
		return module.Unchanged(path + " already present"), nil
	}
	if _, err := r.Sudo(ctx, "touch "+shellQuote(path)); err != nil {
		return nil, fmt.Errorf("failed to touch file: %w", err)
	}
	return module.Changed("created " + path), nil
}

// Copy copies a file that already lives on the host. Identical content is
// left alone; with noClobber an existing destination is never replaced.
func Copy(ctx context.Context, r module.Runner, src, dst string, noClobber bool) (*module.Result, error) {
	qs, qd := shellQuote(src), shellQuote(dst)
	out, err := r.Query(ctx, fmt.Sprintf(
		`if [ ! -e %[2]s ]; then echo missing; elif cmp -s %[1]s %[2]s; then echo same; else echo differ; fi`, qs, qd))
	if err != nil {
		return nil, err
	}

	switch {
	case out == "same":
		return module.Unchanged(dst + " up to date"), nil
	case out == "differ" && noClobber:
		return module.Unchanged(dst + " exists, left in place"), nil
	}

	if _, err := r.Sudo(ctx, fmt.Sprintf("cp %s %s", qs, qd)); err != nil {
		return nil, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return module.Changed(fmt.Sprintf("copied %s to %s", src, dst)), nil
}

func ensureAttrs(ctx context.Context, r module.Runner, path string, info *fileInfo, attrs Attrs) (*module.Result, error) {
	var results []*module.Result

	if attrs.Owner != "" || attrs.Group != "" {
		current := info.Exists && (attrs.Owner == "" || attrs.Owner == info.Owner) &&
			(attrs.Group == "" || attrs.Group == info.Group)
		if !current || attrs.Recurse {
			res, err := Ownership(ctx, r, path, attrs.Owner, attrs.Group, attrs.Recurse)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}

	if attrs.Mode != "" {
		current := info.Exists && strings.TrimLeft(attrs.Mode, "0") == strings.TrimLeft(info.Mode, "0")
		if !current || attrs.Recurse {
			res, err := Mode(ctx, r, path, attrs.Mode, attrs.Recurse)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}

	return module.Merge(results...), nil
}

func shellQuote(s string) string {
	return remote.ShellQuote(s)
}
