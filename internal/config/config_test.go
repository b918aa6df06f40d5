// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDirConfiguration(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		envVar        string
		expected      string
	}{
		{
			name: "default_under_data_dir",
			configContent: `
logLevel = "debug"`,
			expected: "store",
		},
		{
			name: "explicit_in_config",
			configContent: `
logLevel = "debug"
storeDir = "/custom/store"`,
			expected: "/custom/store",
		},
		{
			name: "env_var_override",
			configContent: `
logLevel = "debug"
storeDir = "/config/store"`,
			envVar:   "/env/store",
			expected: "/env/store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.toml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.configContent), 0o644))

			if tt.envVar != "" {
				t.Setenv("CASK__STOREDIR", tt.envVar)
			}

			appConfig, err := New(configPath, "test")
			require.NoError(t, err)

			cfg := appConfig.Config()
			assert.Contains(t, cfg.StoreDir, tt.expected)
			assert.Equal(t, "debug", cfg.LogLevel)
		})
	}
}

func TestDefaults(t *testing.T) {
	appConfig, err := New("", "test")
	require.NoError(t, err)

	cfg := appConfig.Config()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.StoreDir)
	assert.NotEmpty(t, cfg.TempDir)
	assert.NotEmpty(t, cfg.PersistDir)
	assert.NotEmpty(t, cfg.ModulesDir)
	assert.NotEmpty(t, cfg.LockPath)
	assert.False(t, cfg.ExtProcessAPI)
	assert.Empty(t, cfg.ExtAllowedPaths)
	assert.Equal(t, "test", cfg.Version)
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	appConfig, err := New(filepath.Join(t.TempDir(), "missing.toml"), "test")
	require.NoError(t, err)

	assert.Equal(t, "info", appConfig.Config().LogLevel)
}

func TestExtendedGrants(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
extProcessApi = true
extAllowedPaths = ["/opt/tools", "/srv/data"]
`), 0o644))

	appConfig, err := New(configPath, "test")
	require.NoError(t, err)

	cfg := appConfig.Config()
	assert.True(t, cfg.ExtProcessAPI)
	assert.Equal(t, []string{"/opt/tools", "/srv/data"}, cfg.ExtAllowedPaths)
}
