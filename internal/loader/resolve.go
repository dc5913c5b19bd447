package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/module"
)

// ErrOutsideWorkspace marks a module path that resolves outside the
// workspace root.
var ErrOutsideWorkspace = errors.New("loader: path escapes the workspace root")

// rootPrefixes are stripped from module paths; all of them mean "relative
// to the workspace root".
var rootPrefixes = []string{"./", "@/", "~/"}

var packagePattern = regexp.MustCompile(`^(@[A-Za-z0-9][A-Za-z0-9._-]*/)?[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Resolution says where a module's code lives. Exactly one of Source and
// Builtin is meaningful.
type Resolution struct {
	// Source is the absolute path of the Go file to interpret.
	Source string
	// Package is the specifier the module was resolved from, if any.
	Package string
	// Builtin is set when the package is compiled into the worker.
	Builtin bool
	// Manifest is set for directory and installed-package modules.
	Manifest *Manifest
}

// ResolvePath maps a configured module path onto an absolute path inside
// root. The check is lexical: the cleaned result must equal root or sit
// below it.
func ResolvePath(root, hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", errors.New("loader: module path is empty")
	}
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("loader: module path %s needs a workspace root", hint)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("loader: resolve workspace %s: %w", root, err)
	}
	rootAbs = filepath.Clean(rootAbs)

	rel := hint
	for _, prefix := range rootPrefixes {
		if strings.HasPrefix(rel, prefix) {
			rel = strings.TrimPrefix(rel, prefix)
			break
		}
	}
	p := filepath.FromSlash(rel)
	if !filepath.IsAbs(p) {
		p = filepath.Join(rootAbs, p)
	}
	p = filepath.Clean(p)
	if !contained(rootAbs, p) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrOutsideWorkspace, hint, p)
	}
	return p, nil
}

func contained(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Resolve locates the code for d. Paths must stay inside root; packages are
// looked up under root/.exthost/extensions first and then in builtins.
func Resolve(root string, d config.ModuleDescriptor, builtins *module.Registry) (Resolution, error) {
	if d.Path != "" {
		return resolveFile(root, d.Path)
	}
	return resolvePackage(root, d.Package, builtins)
}

func resolveFile(root, hint string) (Resolution, error) {
	p, err := ResolvePath(root, hint)
	if err != nil {
		return Resolution{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return Resolution{}, fmt.Errorf("loader: stat %s: %w", p, err)
	}
	if !info.IsDir() {
		return Resolution{Source: p}, nil
	}
	manifest, source, err := loadPackageDir(root, p)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Source: source, Manifest: &manifest}, nil
}

func resolvePackage(root, spec string, builtins *module.Registry) (Resolution, error) {
	if !packagePattern.MatchString(spec) {
		return Resolution{}, fmt.Errorf("loader: invalid package specifier %q", spec)
	}
	if strings.TrimSpace(root) != "" {
		ws, err := config.NewWorkspace(root)
		if err != nil {
			return Resolution{}, err
		}
		dir := filepath.Join(ws.ExtensionsDir(), filepath.FromSlash(spec))
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
			manifest, source, err := loadPackageDir(ws.Root, dir)
			if err != nil {
				return Resolution{}, err
			}
			if manifest.Name != spec {
				return Resolution{}, fmt.Errorf("loader: %s declares name %s, want %s", filepath.Join(dir, ManifestFile), manifest.Name, spec)
			}
			return Resolution{Source: source, Package: spec, Manifest: &manifest}, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return Resolution{}, fmt.Errorf("loader: stat %s: %w", dir, err)
		}
	}
	if builtins != nil && builtins.Has(spec) {
		return Resolution{Package: spec, Builtin: true}, nil
	}
	return Resolution{}, fmt.Errorf("loader: package %s is neither installed in the workspace nor built in", spec)
}

// loadPackageDir reads dir's manifest and resolves its main file, which
// must stay inside both dir and root.
func loadPackageDir(root, dir string) (Manifest, string, error) {
	manifest, err := LoadManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, "", err
	}
	source := filepath.Clean(filepath.Join(dir, filepath.FromSlash(manifest.Main)))
	if !contained(dir, source) {
		return Manifest{}, "", fmt.Errorf("%w: main %s leaves %s", ErrOutsideWorkspace, manifest.Main, dir)
	}
	if _, err := ResolvePath(root, source); err != nil {
		return Manifest{}, "", err
	}
	return manifest, source, nil
}
