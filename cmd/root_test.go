package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wisp/internal/config"
)

func TestInitializeConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfgFile = "testdata/does-not-exist.yaml"
	t.Cleanup(func() { cfgFile = "" })

	// A missing explicit config file is an error; a missing default one is not.
	require.Error(t, initializeConfig())

	viper.Reset()
	cfgFile = ""
	require.NoError(t, initializeConfig())

	loaded, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Fetch.ConcurrencyCap)
	assert.Equal(t, 1280.0, loaded.Layout.ViewportWidth)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("WISP_FETCH_CONCURRENCY_CAP", "9")
	require.NoError(t, initializeConfig())

	loaded, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Fetch.ConcurrencyCap)
}

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCommand()

	render, _, err := root.Find([]string{"render"})
	require.NoError(t, err)
	assert.Equal(t, "render [url]", render.Use)
	assert.NotNil(t, render.Flags().Lookup("trace-file"))
	assert.NotNil(t, render.Flags().Lookup("duration"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
