package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/ggpkfs/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ggpkfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "native", cfg.Policy)
	assert.Equal(t, "ggpkfs.db", cfg.Manifest)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.Progress)
	assert.Equal(t, "zstd", cfg.Extract.Compression)
	assert.False(t, cfg.Extract.DecodeText)
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
archive: /games/poe/Content.ggpk
policy: bundle
log_format: json
progress: false
extract:
  compression: lz4
  decode_text: true
  exclude:
    - "*.dds"
    - /Audio/
`))
	require.NoError(t, err)

	assert.Equal(t, "/games/poe/Content.ggpk", cfg.Archive)
	assert.Equal(t, "bundle", cfg.Policy)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.Progress)
	assert.Equal(t, "lz4", cfg.Extract.Compression)
	assert.True(t, cfg.Extract.DecodeText)
	assert.Empty(t, cfg.Extract.Include)
	assert.Equal(t, []string{"*.dds", "/Audio/"}, cfg.Extract.Exclude)
}

func TestLoadArchiveFromEnvironment(t *testing.T) {
	t.Setenv("GGPKFS_ARCHIVE", "/steam/Path of Exile")
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "/steam/Path of Exile", cfg.Archive)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := config.Load(writeConfig(t, "policy: newest\n"))
	assert.ErrorContains(t, err, "unsupported policy")

	_, err = config.Load(writeConfig(t, "extract:\n  compression: gzip\n"))
	assert.ErrorContains(t, err, "extract.compression")

	_, err = config.Load(writeConfig(t, "log_level: [\n"))
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
