// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration from a TOML file with
// environment overrides and live reload.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Version string

	DataDir    string `toml:"dataDir" mapstructure:"dataDir"`
	StoreDir   string `toml:"storeDir" mapstructure:"storeDir"`
	TempDir    string `toml:"tempDir" mapstructure:"tempDir"`
	PersistDir string `toml:"persistDir" mapstructure:"persistDir"`
	ModulesDir string `toml:"modulesDir" mapstructure:"modulesDir"`
	LockPath   string `toml:"lockPath" mapstructure:"lockPath"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	// ExtProcessAPI grants runtime modules the process namespace.
	ExtProcessAPI bool `toml:"extProcessApi" mapstructure:"extProcessApi"`

	// ExtAllowedPaths grants runtime modules access to extra paths.
	ExtAllowedPaths []string `toml:"extAllowedPaths" mapstructure:"extAllowedPaths"`
}

// AppConfig wraps the live configuration with reload support.
type AppConfig struct {
	mu     sync.RWMutex
	config *Config
	viper  *viper.Viper
}

// New loads the configuration. An empty configPath uses defaults and
// environment variables only.
func New(configPath, version string) (*AppConfig, error) {
	c := &AppConfig{viper: viper.New()}

	dataDir := defaultDataDir()

	c.viper.SetDefault("dataDir", dataDir)
	c.viper.SetDefault("storeDir", filepath.Join(dataDir, "store"))
	c.viper.SetDefault("tempDir", filepath.Join(dataDir, "temp"))
	c.viper.SetDefault("persistDir", filepath.Join(dataDir, "persist"))
	c.viper.SetDefault("modulesDir", filepath.Join(dataDir, "modules"))
	c.viper.SetDefault("lockPath", filepath.Join(dataDir, "cask.lock"))
	c.viper.SetDefault("logLevel", "info")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("extProcessApi", false)
	c.viper.SetDefault("extAllowedPaths", []string{})

	c.viper.SetEnvPrefix("CASK_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if configPath != "" {
		c.viper.SetConfigFile(configPath)
		c.viper.SetConfigType("toml")

		if err := c.viper.ReadInConfig(); err != nil {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	config := &Config{Version: version}
	if err := c.viper.Unmarshal(config); err != nil {
		return nil, err
	}

	c.config = config

	if configPath != "" {
		c.watch(version)
	}

	return c, nil
}

// Config returns the current configuration snapshot.
func (c *AppConfig) Config() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func (c *AppConfig) watch(version string) {
	c.viper.OnConfigChange(func(event fsnotify.Event) {
		config := &Config{Version: version}

		if err := c.viper.Unmarshal(config); err != nil {
			log.Error().Err(err).Msg("failed to reload config")
			return
		}

		c.mu.Lock()
		c.config = config
		c.mu.Unlock()

		log.Debug().Str("file", event.Name).Msg("config reloaded")
	})

	c.viper.WatchConfig()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cask")
	}
	return ".cask"
}
