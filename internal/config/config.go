// internal/config/config.go
//
// This package handles the workspace configuration and the .exthost
// directory structure. Every workspace served by the extension host gets a
// .exthost/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/exthost/extension"
)

const (
	// Dir is the name of the directory created in each workspace.
	Dir = ".exthost"

	// SupportedSchema is the range of schemaVersion values this build reads.
	SupportedSchema = "^1"

	defaultSchemaVersion = "1.0.0"
)

const defaultConfigYAML = `# exthost workspace configuration
schemaVersion: "1.0.0"

# Extension modules, activated in order. Use path: for a Go source file
# (or a directory holding extension.yaml) inside the workspace, or package:
# for a module installed under .exthost/extensions or built into the worker.
modules:
  - id: core-components
    package: "@exthost/core-components"
  - id: routes
    package: "@exthost/routes"
  - id: preview
    package: "@exthost/command-launcher"
  - id: save
    package: "@exthost/overrides-promoter"

# Passed through to preview launchers. The preview launcher runs command
# and waits until url answers.
preview:
  routesDir: pages
  # command: npm run dev
  # url: http://localhost:5173
  # startTimeout: 60s

supervisor:
  maxRestarts: 5
  restartDelay: 1s
`

var moduleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@/-]*$`)

// ModuleDescriptor declares one extension module. Exactly one of Path or
// Package is set.
type ModuleDescriptor struct {
	ID      string `yaml:"id" json:"id"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Package string `yaml:"package,omitempty" json:"package,omitempty"`
}

// SupervisorSection tunes the host supervisor. Zero values fall back to
// defaults.
type SupervisorSection struct {
	MaxRestarts     *int          `yaml:"maxRestarts,omitempty" json:"maxRestarts,omitempty"`
	RestartDelay    time.Duration `yaml:"restartDelay,omitempty" json:"restartDelay,omitempty"`
	MaxRestartDelay time.Duration `yaml:"maxRestartDelay,omitempty" json:"maxRestartDelay,omitempty"`
	Backoff         bool          `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
	ReadyTimeout    time.Duration `yaml:"readyTimeout,omitempty" json:"readyTimeout,omitempty"`
}

// InspectorSection configures the host inspector HTTP server.
type InspectorSection struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty" json:"host,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config models .exthost/config.yaml. The worker only reads Modules,
// Preview and ComponentOverrides; the other sections are host-side.
type Config struct {
	SchemaVersion      string                                 `yaml:"schemaVersion" json:"schemaVersion"`
	Modules            []ModuleDescriptor                     `yaml:"modules" json:"modules,omitempty"`
	Preview            map[string]any                         `yaml:"preview,omitempty" json:"preview,omitempty"`
	ComponentOverrides map[string]extension.ComponentOverride `yaml:"componentOverrides,omitempty" json:"componentOverrides,omitempty"`
	Supervisor         SupervisorSection                      `yaml:"supervisor,omitempty" json:"supervisor,omitempty"`
	Inspector          InspectorSection                       `yaml:"inspector,omitempty" json:"inspector,omitempty"`
}

// Workspace locates the .exthost directory of a workspace root.
type Workspace struct {
	Root string
}

// NewWorkspace resolves root to an absolute, cleaned path.
func NewWorkspace(root string) (Workspace, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return Workspace{}, errors.New("config: workspace root is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return Workspace{}, fmt.Errorf("config: resolve workspace %s: %w", trimmed, err)
	}
	return Workspace{Root: filepath.Clean(abs)}, nil
}

// StateDir returns Root/.exthost.
func (w Workspace) StateDir() string {
	return filepath.Join(w.Root, Dir)
}

// ConfigPath returns the on-disk location of the config file.
func (w Workspace) ConfigPath() string {
	return filepath.Join(w.StateDir(), "config.yaml")
}

// ComponentsPath is the component catalog read by the core-components module.
func (w Workspace) ComponentsPath() string {
	return filepath.Join(w.StateDir(), "components.yaml")
}

// LogsDir returns the path to the logs directory
func (w Workspace) LogsDir() string {
	return filepath.Join(w.StateDir(), "logs")
}

// LauncherLogsDir holds one logbook per launcher.
func (w Workspace) LauncherLogsDir() string {
	return filepath.Join(w.LogsDir(), "launchers")
}

// ExtensionsDir is where workspace-installed extension packages live.
func (w Workspace) ExtensionsDir() string {
	return filepath.Join(w.StateDir(), "extensions")
}

// InitWorkspaceDir creates the .exthost directory structure and writes a
// default config when none exists.
//
// Structure created:
// .exthost/
// ├── config.yaml
// ├── extensions/   <- installed extension packages
// ├── logs/
// │   └── launchers/
// └── state/
func InitWorkspaceDir(root string) error {
	ws, err := NewWorkspace(root)
	if err != nil {
		return err
	}
	dirs := []string{
		ws.ExtensionsDir(),
		ws.LauncherLogsDir(),
		filepath.Join(ws.StateDir(), "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureConfigFile(ws.ConfigPath())
}

// Load reads the workspace config. A missing file yields the defaults.
func Load(root string) (*Config, error) {
	ws, err := NewWorkspace(root)
	if err != nil {
		return nil, err
	}
	path := ws.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, normalizes and validates a config payload.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with no modules.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Save writes the config back to the workspace.
func (c *Config) Save(root string) error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	ws, err := NewWorkspace(root)
	if err != nil {
		return err
	}
	c.applyDefaults()
	c.normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(ws.StateDir(), 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", ws.StateDir(), err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(ws.ConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}

// Module returns the descriptor with the given id.
func (c *Config) Module(id string) (ModuleDescriptor, bool) {
	if c == nil {
		return ModuleDescriptor{}, false
	}
	for _, m := range c.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return ModuleDescriptor{}, false
}

// Validate checks schemaVersion against SupportedSchema and every module
// descriptor.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	version, err := semver.NewVersion(c.SchemaVersion)
	if err != nil {
		return fmt.Errorf("config: schemaVersion %q: %w", c.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return fmt.Errorf("config: supported schema: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("config: schemaVersion %s is not supported (want %s)", c.SchemaVersion, SupportedSchema)
	}
	seen := make(map[string]struct{}, len(c.Modules))
	for i, m := range c.Modules {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("config: modules[%d]: %w", i, err)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("config: modules[%d]: duplicate id %s", i, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

// Validate ensures the descriptor names exactly one location.
func (m ModuleDescriptor) Validate() error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	if !moduleIDPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q contains invalid characters", m.ID)
	}
	if m.Path != "" && m.Package != "" {
		return fmt.Errorf("module %s: path and package are mutually exclusive", m.ID)
	}
	if m.Path == "" && m.Package == "" {
		return fmt.Errorf("module %s: either path or package is required", m.ID)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.SchemaVersion) == "" {
		c.SchemaVersion = defaultSchemaVersion
	}
}

func (c *Config) normalize() {
	c.SchemaVersion = strings.TrimSpace(c.SchemaVersion)
	for i := range c.Modules {
		c.Modules[i].ID = strings.TrimSpace(c.Modules[i].ID)
		c.Modules[i].Path = strings.TrimSpace(c.Modules[i].Path)
		c.Modules[i].Package = strings.TrimSpace(c.Modules[i].Package)
	}
	c.Inspector.Host = strings.TrimSpace(c.Inspector.Host)
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
