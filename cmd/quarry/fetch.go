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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/core"
	"github.com/quarryhq/quarry/pkg/fetcher"
	"github.com/quarryhq/quarry/pkg/tier"
)

var (
	fetchTier       string
	fetchTimeoutMs  int
	fetchNoValidate bool
	fetchNoLearning bool
	fetchMarkdown   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch one URL through the tier cascade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			opts := fetcher.Options{
				TimeoutMs:         cfg.Fetch.TimeoutMs,
				PerTierTimeoutMs:  cfg.Fetch.PerTierTimeoutMs,
				SkipValidation:    fetchNoValidate,
				DisableLearning:   fetchNoLearning,
				AllowPrivateHosts: cfg.Fetch.AllowPrivateHosts,
			}
			if fetchTimeoutMs > 0 {
				opts.TimeoutMs = fetchTimeoutMs
			}
			if fetchTier != "" {
				t, err := tier.Parse(fetchTier)
				if err != nil {
					return err
				}
				opts.Tier = t
			}

			res, err := e.Fetch(ctx, args[0], opts)
			if err != nil {
				return err
			}
			if fetchMarkdown {
				fmt.Println(res.Content.Markdown)
				return nil
			}
			return printJSON(res)
		})
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchTier, "tier", "", "force a single tier (intelligence, lightweight, playwright)")
	fetchCmd.Flags().IntVar(&fetchTimeoutMs, "timeout-ms", 0, "overall fetch timeout in milliseconds")
	fetchCmd.Flags().BoolVar(&fetchNoValidate, "no-validate", false, "accept the first tier's output without validation")
	fetchCmd.Flags().BoolVar(&fetchNoLearning, "no-learning", false, "do not update the domain learning store")
	fetchCmd.Flags().BoolVar(&fetchMarkdown, "markdown", false, "print only the markdown content")
}
