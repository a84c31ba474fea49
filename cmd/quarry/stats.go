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

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/core"
	"github.com/quarryhq/quarry/pkg/tier"
	"github.com/quarryhq/quarry/pkg/usage"
)

var (
	statsPeriod string
	statsDomain string
	statsTier   string
	statsTenant string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage, performance and health statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			filter := usage.Filter{
				Domain:   statsDomain,
				TenantID: statsTenant,
				Period:   usage.Period(statsPeriod),
			}
			if statsTier != "" {
				t, err := tier.Parse(statsTier)
				if err != nil {
					return err
				}
				filter.Tier = t
			}

			summary, err := e.Usage().Summary(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"usage":       summary,
				"performance": e.Perf().GetSystemPerformance(5),
				"health":      e.Health().StatsByStatus(),
				"unhealthy":   e.Health().GetUnhealthyPatterns(),
				"changes":     e.Changes().Stats(),
			})
		})
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsPeriod, "period", "day", "aggregation period (hour, day, week, month, all)")
	statsCmd.Flags().StringVar(&statsDomain, "domain", "", "filter by domain")
	statsCmd.Flags().StringVar(&statsTier, "tier", "", "filter by final tier")
	statsCmd.Flags().StringVar(&statsTenant, "tenant", "", "filter by tenant id")
}
