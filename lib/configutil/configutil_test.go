package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	BaseUrl string `json:"base_url"`
	Workers int    `json:"workers"`
	Debug   bool   `json:"debug"`
}

func TestSplitExt(t *testing.T) {
	name, ext := splitExt("config.json5")
	require.Equal(t, "config", name)
	require.Equal(t, "json5", ext)

	name, ext = splitExt("noext")
	require.Equal(t, "noext", name)
	require.Equal(t, "", ext)
}

func TestReadConfigLocalOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json5"), []byte(`{
		// comments are allowed
		base_url: "https://cards.example.com",
		workers: 10,
	}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{
		workers: 4,
	}`), 0600))

	config, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.NoError(t, err)
	require.Equal(t, "https://cards.example.com", config.BaseUrl)
	require.Equal(t, 4, config.Workers)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "config.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadWithDefaults(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cardfetch-test.json5"), []byte(`{debug: true}`), 0600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	defer os.Chdir(wd)

	config, err := ReadWithDefaults("cardfetch-test.json5", testConfig{Workers: 10})
	require.NoError(t, err)
	require.Equal(t, testConfig{Workers: 10, Debug: true}, config)

	config, err = ReadWithDefaults("does-not-exist.json5", testConfig{Workers: 10})
	require.NoError(t, err)
	require.Equal(t, testConfig{Workers: 10}, config)
}
