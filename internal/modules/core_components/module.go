package core_components

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/module"
)

const (
	// Package is the specifier the module is registered under.
	Package       = "@exthost/core-components"
	moduleVersion = "1.0.0"
	sectionID     = "core-components"
)

// catalog is the on-disk shape of .exthost/components.yaml.
type catalog struct {
	Components extension.Registry `yaml:"components"`
}

// Defaults is the catalog contributed when the workspace has none.
func Defaults() extension.Registry {
	return extension.Registry{
		"Box": {
			DisplayName: "Box",
			Description: "Generic layout container.",
			Category:    "layout",
			Props: map[string]extension.PropDefinition{
				"padding": {Type: "string"},
				"gap":     {Type: "string"},
			},
		},
		"Text": {
			DisplayName: "Text",
			Category:    "typography",
			Props: map[string]extension.PropDefinition{
				"value": {Type: "string", Required: true},
			},
		},
		"Image": {
			DisplayName: "Image",
			Category:    "media",
			Props: map[string]extension.PropDefinition{
				"src": {Type: "string", Required: true},
				"alt": {Type: "string"},
			},
		},
		"Link": {
			DisplayName: "Link",
			Category:    "navigation",
			Props: map[string]extension.PropDefinition{
				"href":  {Type: "string", Required: true},
				"label": {Type: "string"},
			},
		},
	}
}

// Module contributes the component catalog and a summary section.
type Module struct {
	module.Base
}

// Register installs the core components module factory.
func Register(reg *module.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(Package, func() module.Builtin {
		return New()
	})
}

// New constructs the module.
func New() *Module {
	return &Module{Base: module.NewBase(module.Info{
		Package:     Package,
		Name:        "Core Components",
		Description: "Contributes component metadata from .exthost/components.yaml.",
		Version:     moduleVersion,
	})}
}

// Activate contributes the workspace catalog, or the defaults when the
// workspace has no catalog file.
func (m *Module) Activate(ctx *extension.Context) error {
	reg, source, err := LoadCatalog(ctx.WorkspaceRoot())
	if err != nil {
		return err
	}
	ctx.Registry().ContributeRegistry(reg)
	ctx.UI().RegisterInspectorSection(extension.Section{
		ID:       sectionID,
		Title:    "Core components",
		ModuleID: ctx.ModuleID(),
		Fields:   summarize(reg, source),
	})
	return nil
}

// LoadCatalog reads root/.exthost/components.yaml. It returns the registry
// and where it came from ("builtin" when the file does not exist).
func LoadCatalog(root string) (extension.Registry, string, error) {
	if strings.TrimSpace(root) == "" {
		return Defaults(), "builtin", nil
	}
	ws, err := config.NewWorkspace(root)
	if err != nil {
		return nil, "", fmt.Errorf("core-components: %w", err)
	}
	path := ws.ComponentsPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Defaults(), "builtin", nil
		}
		return nil, "", fmt.Errorf("core-components: read %s: %w", path, err)
	}
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, "", fmt.Errorf("core-components: parse %s: %w", path, err)
	}
	for id := range cat.Components {
		if strings.TrimSpace(id) == "" {
			return nil, "", fmt.Errorf("core-components: %s: empty component id", path)
		}
	}
	if cat.Components == nil {
		cat.Components = extension.Registry{}
	}
	return cat.Components, path, nil
}

func summarize(reg extension.Registry, source string) map[string]string {
	categories := map[string]int{}
	hidden := 0
	for _, meta := range reg {
		if meta.Hidden {
			hidden++
		}
		if meta.Category != "" {
			categories[meta.Category]++
		}
	}
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]string{
		"source":     source,
		"components": strconv.Itoa(len(reg)),
		"hidden":     strconv.Itoa(hidden),
		"categories": strings.Join(names, ", "),
	}
}
