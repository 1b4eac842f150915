package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/quill/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[engine]
gc-threshold = 500
library-path = "pkgs"

[jit]
enabled = false
record-trigger = 10
fusion-width = 64

[server]
addr = ":9000"

[stats]
path = "stats.db"

[log]
verbosity = 2
`)

	c, err := Load(dir)
	require.NoError(t, err)

	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, c.Dir)
	assert.Equal(t, 500, c.Engine.GCThreshold)
	assert.False(t, c.JIT.Enabled)
	assert.Equal(t, 10, c.JIT.RecordTrigger)
	assert.Equal(t, 64, c.JIT.FusionWidth)
	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, 2, c.Log.Verbosity)
	assert.Equal(t, filepath.Join(abs, "stats.db"), c.StatsPath())

	// Unset keys keep their defaults.
	def := vm.DefaultConfig()
	assert.Equal(t, def.SpecializeLength, c.JIT.SpecializeLength)
	assert.Equal(t, def.TraceCacheSize, c.JIT.TraceCacheSize)
	assert.Equal(t, 64, c.Server.MaxSessions)

	cfg := c.VM()
	assert.Equal(t, filepath.Join(abs, "pkgs"), cfg.LibraryPath)
	assert.False(t, cfg.JITEnabled)
	assert.Equal(t, 500, cfg.GCThreshold)
}

func TestDefaultMatchesRuntime(t *testing.T) {
	c, err := Parse(nil, "empty")
	require.NoError(t, err)
	assert.Equal(t, vm.DefaultConfig(), c.VM())
	assert.Equal(t, "", c.StatsPath())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{"syntax", "[jit\n", "parse error in bad.toml"},
		{"negative trigger", "[jit]\nrecord-trigger = -1\n", "invalid bad.toml"},
		{"unknown key", "[jit]\nturbo = true\n", "invalid bad.toml"},
		{"unknown table", "[cluster]\nnodes = 3\n", "invalid bad.toml"},
		{"wrong type", "[jit]\nenabled = \"yes\"\n", "invalid bad.toml"},
		{"verbosity", "[log]\nverbosity = 9\n", "invalid bad.toml"},
		{"empty addr", "[server]\naddr = \"\"\n", "invalid bad.toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "bad.toml")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[jit]\nrecord-trigger = 7\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 7, c.JIT.RecordTrigger)

	abs, _ := filepath.Abs(root)
	assert.Equal(t, abs, c.Dir)
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "cannot read")
}
