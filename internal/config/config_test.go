package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, defaultSchemaVersion, cfg.SchemaVersion)
	assert.Empty(t, cfg.Modules)
}

func TestInitWorkspaceDirWritesLoadableDefault(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, InitWorkspaceDir(root))
	ws, err := NewWorkspace(root)
	require.NoError(t, err)
	assert.DirExists(t, ws.ExtensionsDir())
	assert.DirExists(t, ws.LauncherLogsDir())

	cfg, err := Load(root)
	require.NoError(t, err)
	require.Len(t, cfg.Modules, 4)
	assert.Equal(t, "@exthost/core-components", cfg.Modules[0].Package)
	assert.Equal(t, "@exthost/overrides-promoter", cfg.Modules[3].Package)
	assert.Equal(t, "pages", cfg.Preview["routesDir"])
	require.NotNil(t, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 5, *cfg.Supervisor.MaxRestarts)
	assert.Equal(t, time.Second, cfg.Supervisor.RestartDelay)

	// existing config is left untouched
	require.NoError(t, os.WriteFile(ws.ConfigPath(), []byte("schemaVersion: \"1.2.0\"\n"), 0o644))
	require.NoError(t, InitWorkspaceDir(root))
	cfg, err = Load(root)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", cfg.SchemaVersion)
}

func TestParseConfig(t *testing.T) {
	data := strings.TrimSpace(`
schemaVersion: "1.3.0"
modules:
  - id: local
    path: ./extensions/local.go
  - id: " routes "
    package: "@exthost/routes"
preview:
  command: npm run dev
  url: http://localhost:5173
componentOverrides:
  Button:
    displayName: Primary Button
    hidden: true
supervisor:
  maxRestarts: 2
  restartDelay: 250ms
  readyTimeout: 30s
inspector:
  port: 9000
`)
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, cfg.Modules, 2)
	assert.Equal(t, "routes", cfg.Modules[1].ID)
	assert.Equal(t, "npm run dev", cfg.Preview["command"])
	require.NotNil(t, cfg.ComponentOverrides["Button"].Hidden)
	assert.True(t, *cfg.ComponentOverrides["Button"].Hidden)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.RestartDelay)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.ReadyTimeout)
	assert.Equal(t, 9000, cfg.Inspector.Port)

	m, ok := cfg.Module("local")
	require.True(t, ok)
	assert.Equal(t, "./extensions/local.go", m.Path)
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]string{
		"unsupported schema": "schemaVersion: \"2.0.0\"\n",
		"bad schema":         "schemaVersion: banana\n",
		"missing location":   "modules:\n  - id: a\n",
		"both locations":     "modules:\n  - id: a\n    path: a.go\n    package: a\n",
		"duplicate ids":      "modules:\n  - id: a\n    path: a.go\n  - id: a\n    path: b.go\n",
		"bad id":             "modules:\n  - id: \"../a\"\n    path: a.go\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Modules = []ModuleDescriptor{{ID: "a", Path: "a.go"}}
	require.NoError(t, cfg.Save(root))
	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, cfg.Modules, loaded.Modules)
	_, err = os.Stat(filepath.Join(root, Dir, "config.yaml"))
	assert.NoError(t, err)
}
