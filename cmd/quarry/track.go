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

	"github.com/quarryhq/quarry/pkg/changes"
	"github.com/quarryhq/quarry/pkg/core"
	"github.com/quarryhq/quarry/pkg/fetcher"
)

var (
	trackLabel string
	trackTags  []string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Manage tracked URLs for change detection",
}

var trackAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Fetch a URL and start tracking it for changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			res, err := e.Fetch(ctx, args[0], fetcher.Options{
				AllowPrivateHosts: cfg.Fetch.AllowPrivateHosts,
			})
			if err != nil {
				return err
			}
			entry := e.Changes().TrackURL(args[0], res.Content.Markdown, changes.TrackOptions{
				Label: trackLabel,
				Tags:  trackTags,
			})
			return printJSON(entry)
		})
	},
}

var trackCheckCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Re-fetch a tracked URL and report changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			res, err := e.Fetch(ctx, args[0], fetcher.Options{
				AllowPrivateHosts: cfg.Fetch.AllowPrivateHosts,
			})
			if err != nil {
				return err
			}
			check, err := e.Changes().CheckForChanges(ctx, args[0], res.Content.Markdown)
			if err != nil {
				return err
			}
			return printJSON(check)
		})
	},
}

var trackRemoveCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "Stop tracking a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			if !e.Changes().UntrackURL(args[0]) {
				return fmt.Errorf("url not tracked: %s", args[0])
			}
			fmt.Println("untracked", args[0])
			return nil
		})
	},
}

var trackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked URLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			return printJSON(e.Changes().ListTrackedURLs(changes.ListFilter{}))
		})
	},
}

var trackHistoryCmd = &cobra.Command{
	Use:   "history <url>",
	Short: "Show the change history for a tracked URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			return printJSON(e.Changes().GetChangeHistory(args[0], 20))
		})
	},
}

func init() {
	trackAddCmd.Flags().StringVar(&trackLabel, "label", "", "human-readable label")
	trackAddCmd.Flags().StringSliceVar(&trackTags, "tag", nil, "tags for filtering")

	trackCmd.AddCommand(trackAddCmd)
	trackCmd.AddCommand(trackCheckCmd)
	trackCmd.AddCommand(trackRemoveCmd)
	trackCmd.AddCommand(trackListCmd)
	trackCmd.AddCommand(trackHistoryCmd)
}
