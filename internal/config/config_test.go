package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRootDir, c.RootDir)
	assert.Equal(t, config.DefaultListenAddress, c.ListenAddress)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netifd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root_dir: /tmp/netifd-state\nlisten_address: /tmp/netifd.sock\n"), 0o640))

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/netifd-state", c.RootDir)
	assert.Equal(t, "/tmp/netifd.sock", c.ListenAddress)
}

func TestLoadRejectsEmptyRootDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netifd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root_dir: \"\"\n"), 0o640))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestManagerReloadReplacesCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netifd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root_dir: /tmp/a\n"), 0o640))

	initial, err := config.Load(path)
	require.NoError(t, err)
	m := config.New(nil, path, initial)
	assert.Equal(t, "/tmp/a", m.Current().RootDir)

	require.NoError(t, os.WriteFile(path, []byte("root_dir: /tmp/b\n"), 0o640))
	require.NoError(t, m.Reload())
	assert.Equal(t, "/tmp/b", m.Current().RootDir)
}
