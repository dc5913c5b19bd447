package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestFile names the descriptor of a packaged extension.
const ManifestFile = "extension.yaml"

// Manifest describes an extension packaged as a directory.
//
//	name: "@acme/widgets"
//	version: 1.2.0
//	main: widgets.go
type Manifest struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Main        string `json:"main" yaml:"main"`
}

// Normalized returns a trimmed copy of the manifest.
func (m Manifest) Normalized() Manifest {
	return Manifest{
		Name:        strings.TrimSpace(m.Name),
		Version:     strings.TrimSpace(m.Version),
		Description: strings.TrimSpace(m.Description),
		Main:        strings.TrimSpace(m.Main),
	}
}

// Validate ensures the manifest names a Go entry file and carries a semver
// version.
func (m Manifest) Validate() error {
	normalized := m.Normalized()
	if normalized.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if normalized.Version == "" {
		return fmt.Errorf("manifest %s: version is required", normalized.Name)
	}
	if _, err := semver.NewVersion(normalized.Version); err != nil {
		return fmt.Errorf("manifest %s: version: %w", normalized.Name, err)
	}
	if normalized.Main == "" {
		return fmt.Errorf("manifest %s: main is required", normalized.Name)
	}
	if filepath.Ext(normalized.Main) != ".go" {
		return fmt.Errorf("manifest %s: main %s is not a .go file", normalized.Name, normalized.Main)
	}
	return nil
}

// ParseManifest decodes and validates a manifest payload.
func ParseManifest(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("manifest: payload is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m.Normalized(), nil
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("loader: read %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("loader: %s: %w", path, err)
	}
	return m, nil
}
