// Package pages reads the page documents shared by the routes producer and
// the overrides promoter.
//
// A page lives under the routes directory. Its route is derived from the
// file path: the extension is dropped, "index" maps to its directory and
// "[slug]" segments become ":slug". YAML pages may declare a component tree:
//
//	title: Home
//	components:
//	  - id: hero
//	    type: Hero
//	    props: {title: Welcome}
//	    children:
//	      - id: cta
//	        type: Button
package pages

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/loader"
)

// DefaultRoutesDir is used when preview.routesDir is not configured.
const DefaultRoutesDir = "pages"

// AddressSeparator splits an instance address into file and instance id.
const AddressSeparator = "#"

var pageExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".md":   true,
	".mdx":  true,
	".html": true,
	".tsx":  true,
	".jsx":  true,
}

// ErrInvalidAddress marks an address that is not of the form file#instance.
var ErrInvalidAddress = errors.New("pages: address must look like file#instance")

// Instance is one component instance declared by a page.
type Instance struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Props    map[string]any `yaml:"props,omitempty"`
	Children []Instance     `yaml:"children,omitempty"`
}

// Document is a parsed YAML page.
type Document struct {
	Title      string     `yaml:"title,omitempty"`
	Components []Instance `yaml:"components,omitempty"`
}

// Walk visits every instance depth first. parent is nil for top-level
// instances.
func (d Document) Walk(fn func(parent, inst *Instance)) {
	var visit func(parent *Instance, list []Instance)
	visit = func(parent *Instance, list []Instance) {
		for i := range list {
			inst := &list[i]
			fn(parent, inst)
			visit(inst, inst.Children)
		}
	}
	visit(nil, d.Components)
}

// Find returns the instance with the given id.
func (d Document) Find(id string) (*Instance, bool) {
	var found *Instance
	d.Walk(func(_, inst *Instance) {
		if found == nil && inst.ID == id {
			found = inst
		}
	})
	return found, found != nil
}

// Page is one page file found under the routes directory.
type Page struct {
	// File is the workspace-relative, slash-separated path.
	File string
	// Route is the URL path served by the page.
	Route string
	// Document is only set for YAML pages.
	Document *Document
}

// IsPageFile reports whether name has a page extension.
func IsPageFile(name string) bool {
	return pageExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsDocument reports whether name is a YAML page that can declare
// components.
func IsDocument(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// RoutePath derives the route from a page path relative to the routes
// directory.
func RoutePath(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	segments := strings.Split(rel, "/")
	out := segments[:0]
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") && len(seg) > 2 {
			seg = ":" + seg[1:len(seg)-1]
		}
		out = append(out, seg)
	}
	if n := len(out); n > 0 && out[n-1] == "index" {
		out = out[:n-1]
	}
	return "/" + strings.Join(out, "/")
}

// RoutesDir returns the configured routes directory, relative to the
// workspace root.
func RoutesDir(cfg *config.Config) string {
	if cfg != nil {
		if dir, ok := cfg.Preview["routesDir"].(string); ok && strings.TrimSpace(dir) != "" {
			return strings.TrimSpace(dir)
		}
	}
	return DefaultRoutesDir
}

// Load parses a YAML page document.
func Load(file string) (Document, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Document{}, fmt.Errorf("pages: read %s: %w", file, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("pages: parse %s: %w", file, err)
	}
	return doc, nil
}

// Scan lists the pages under root/dir sorted by file. A missing directory
// yields no pages. Unparseable YAML pages are returned without a document
// and reported through the joined error.
func Scan(root, dir string) ([]Page, error) {
	base, err := loader.ResolvePath(root, dir)
	if err != nil {
		return nil, err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("pages: resolve %s: %w", root, err)
	}
	var pages []Page
	var problems []error
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != base && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsPageFile(d.Name()) {
			return nil
		}
		relToRoutes, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		relToRoot, err := filepath.Rel(rootAbs, p)
		if err != nil {
			return err
		}
		page := Page{File: filepath.ToSlash(relToRoot), Route: RoutePath(relToRoutes)}
		if IsDocument(d.Name()) {
			doc, err := Load(p)
			if err != nil {
				problems = append(problems, err)
			} else {
				page.Document = &doc
			}
		}
		pages = append(pages, page)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pages: scan %s: %w", base, err)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].File < pages[j].File })
	return pages, errors.Join(problems...)
}

// SplitAddress splits "file#instance" into its parts.
func SplitAddress(address string) (file, instance string, err error) {
	file, instance, ok := strings.Cut(address, AddressSeparator)
	file = strings.TrimSpace(file)
	instance = strings.TrimSpace(instance)
	if !ok || file == "" || instance == "" || strings.Contains(instance, AddressSeparator) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return file, instance, nil
}

// Address joins a workspace-relative file and an instance id.
func Address(file, instance string) string {
	return file + AddressSeparator + instance
}
