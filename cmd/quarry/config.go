// Copyright 2026 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/quarryhq/quarry/pkg/core"
	"github.com/quarryhq/quarry/pkg/persist"
)

// Config holds all configuration for the quarry CLI.
// Priority: CLI flags > config file > env vars > defaults.
type Config struct {
	// DataDir holds the persistence files. Defaults to ~/.quarry.
	DataDir string `mapstructure:"data_dir"`

	// SessionBackend selects the session profile storage: file or sqlite.
	SessionBackend string `mapstructure:"session_backend"`

	Fetch     FetchConfig     `mapstructure:"fetch"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// FetchConfig tunes the tier cascade.
type FetchConfig struct {
	TimeoutMs         int  `mapstructure:"timeout_ms"`
	PerTierTimeoutMs  int  `mapstructure:"per_tier_timeout_ms"`
	ScriptBudgetMs    int  `mapstructure:"script_budget_ms"`
	AllowPrivateHosts bool `mapstructure:"allow_private_hosts"`
}

// BatchConfig tunes batch orchestration defaults.
type BatchConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	PerURLTimeoutMs int `mapstructure:"per_url_timeout_ms"`
	TotalTimeoutMs  int `mapstructure:"total_timeout_ms"`
}

// ValidatorConfig points at the per-domain overrides file.
type ValidatorConfig struct {
	OverridesPath string `mapstructure:"overrides_path"`
}

// MonitorConfig drives the tracked-URL change monitor.
type MonitorConfig struct {
	Schedule        string   `mapstructure:"schedule"`
	HighSigKeywords []string `mapstructure:"high_sig_keywords"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quarry"
	}
	return filepath.Join(home, ".quarry")
}

func setDefaults() {
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("fetch.timeout_ms", 30000)
	viper.SetDefault("batch.concurrency", 3)
	viper.SetDefault("monitor.schedule", "@every 1h")
}

// loadConfig reads quarry.yaml and environment overrides.
func loadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(defaultDataDir())
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/quarry/")
		viper.SetConfigName("quarry")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.SetEnvPrefix("QUARRY")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// engineConfig translates CLI config into the engine wiring.
func (c *Config) engineConfig() core.Config {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create data dir %s: %v\n", c.DataDir, err)
	}
	return core.Config{
		DataDir:             c.DataDir,
		SessionBackend:      persist.BackendType(c.SessionBackend),
		ScriptBudget:        time.Duration(c.Fetch.ScriptBudgetMs) * time.Millisecond,
		OverridesPath:       c.Validator.OverridesPath,
		AllowPrivateHosts:   c.Fetch.AllowPrivateHosts,
		ExtraChangeKeywords: c.Monitor.HighSigKeywords,
	}
}
