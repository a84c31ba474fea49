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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/core"
)

var monitorSchedule string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the change monitor until interrupted",
	Long: `Periodically re-fetch every tracked URL on a cron schedule and record
detected changes. Runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			schedule := cfg.Monitor.Schedule
			if monitorSchedule != "" {
				schedule = monitorSchedule
			}
			if err := e.StartMonitor(schedule); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "monitoring %d tracked urls on schedule %q\n",
				e.Changes().Stats().TrackedURLs, schedule)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		})
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorSchedule, "schedule", "", "cron schedule (overrides config)")
}
