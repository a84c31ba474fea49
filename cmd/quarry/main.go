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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/core"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - adaptive web fetching with a cost-tiered cascade",
	Long: `Quarry fetches web pages through a cost-ordered cascade of tiers,
learning per-domain which tier to start from, metering usage, and
tracking content changes over time.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default quarry.yaml in data dir)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(monitorCmd)
}

// withEngine loads config, builds the engine, runs fn and closes the
// engine with a flush.
func withEngine(fn func(ctx context.Context, cfg *Config, e *core.Engine) error) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	e, err := core.New(cfg.engineConfig())
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	ctx := context.Background()
	runErr := fn(ctx, cfg, e)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// printJSON renders any result as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
