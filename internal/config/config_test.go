package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/javanhut/hgstore/internal/compress"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestDefaults(t *testing.T) {
	withHome(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, compress.Zlib, cfg.Algo())
	assert.Equal(t, logrus.InfoLevel, cfg.Logger().GetLevel())
}

func TestRepoOverridesGlobal(t *testing.T) {
	home := withHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".hgstore.yaml"), []byte(`
revlog:
  compression: zstd
  max_chain_length: 64
log:
  level: debug
`), 0644))

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hg"), 0755))
	require.NoError(t, os.WriteFile(RepoPath(root), []byte(`
revlog:
  compression: snappy
  inline: false
bundle:
  compression: XZ
`), 0644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "snappy", cfg.Revlog.Compression)
	assert.Equal(t, 64, cfg.Revlog.MaxChainLength, "global value kept")
	assert.False(t, cfg.Revlog.Inline)
	assert.True(t, cfg.Cache.NodeMap, "default kept")
	assert.Equal(t, compress.StreamXZ, cfg.Bundle.Compression)
	assert.Equal(t, logrus.DebugLevel, cfg.Logger().GetLevel())
}

func TestInvalidValues(t *testing.T) {
	withHome(t)
	root := t.TempDir()
	for _, body := range []string{
		"revlog:\n  compression: lzma\n",
		"revlog:\n  max_chain_length: 0\n",
		"bundle:\n  compression: QQ\n",
		"log:\n  level: chatty\n",
		"revlog: [not, a, map]\n",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".hg"), 0755))
		require.NoError(t, os.WriteFile(RepoPath(root), []byte(body), 0644))
		_, err := Load(root)
		assert.Error(t, err, body)
	}
}

func TestGetSetValue(t *testing.T) {
	cfg := DefaultConfig()
	for _, key := range Keys() {
		_, err := cfg.GetValue(key)
		require.NoError(t, err, key)
	}
	_, err := cfg.GetValue("user.name")
	assert.Error(t, err)

	require.NoError(t, cfg.SetValue("revlog.max_chain_length", "12"))
	require.NoError(t, cfg.SetValue("bundle.compression", "zs"))
	require.NoError(t, cfg.SetValue("cache.nodemap", "false"))
	assert.Equal(t, 12, cfg.Revlog.MaxChainLength)
	assert.Equal(t, compress.StreamZstd, cfg.Bundle.Compression)
	assert.False(t, cfg.Cache.NodeMap)

	assert.Error(t, cfg.SetValue("revlog.compression", "lzma"))
	assert.Equal(t, "zlib", cfg.Revlog.Compression, "failed set leaves config unchanged")
	assert.Error(t, cfg.SetValue("revlog.inline", "maybe"))
}

func TestSetInFile(t *testing.T) {
	withHome(t)
	root := t.TempDir()
	require.NoError(t, SetInFile(RepoPath(root), "revlog.compression", "zstd"))
	require.NoError(t, SetInFile(RepoPath(root), "log.level", "warning"))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, compress.Zstd, cfg.Algo())
	assert.Equal(t, logrus.WarnLevel, cfg.Logger().GetLevel())
}

func TestSetInFileKeepsOtherLevels(t *testing.T) {
	withHome(t)
	global, err := GlobalPath()
	require.NoError(t, err)
	require.NoError(t, SetInFile(global, "log.level", "debug"))
	require.NoError(t, SetInFile(global, "revlog.max_chain_length", "50"))

	root := t.TempDir()
	require.NoError(t, SetInFile(RepoPath(root), "revlog.inline", "false"))

	data, err := os.ReadFile(RepoPath(root))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "level", "repository file only holds what was set")

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, cfg.Logger().GetLevel())
	assert.Equal(t, 50, cfg.Revlog.MaxChainLength)
	assert.False(t, cfg.Revlog.Inline)

	assert.Error(t, SetInFile(RepoPath(root), "revlog.max_chain_length", "-1"))
}
