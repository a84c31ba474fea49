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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/batch"
	"github.com/quarryhq/quarry/pkg/core"
	"github.com/quarryhq/quarry/pkg/fetcher"
)

var (
	batchConcurrency int
	batchStopOnError bool
	batchFromFile    string
)

var batchCmd = &cobra.Command{
	Use:   "batch [urls...]",
	Short: "Fetch many URLs with bounded concurrency",
	Long: `Fetch many URLs through the cascade in parallel. URLs come from the
arguments, or one per line from --file (use "-" for stdin).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls := args
		if batchFromFile != "" {
			fromFile, err := readURLs(batchFromFile)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if len(urls) == 0 {
			return fmt.Errorf("no urls given")
		}

		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			browse := fetcher.Options{
				TimeoutMs:         cfg.Fetch.TimeoutMs,
				AllowPrivateHosts: cfg.Fetch.AllowPrivateHosts,
			}
			opts := batch.Options{
				Concurrency:     cfg.Batch.Concurrency,
				PerURLTimeoutMs: cfg.Batch.PerURLTimeoutMs,
				TotalTimeoutMs:  cfg.Batch.TotalTimeoutMs,
				StopOnError:     batchStopOnError,
			}
			if batchConcurrency > 0 {
				opts.Concurrency = batchConcurrency
			}
			return printJSON(e.BatchBrowse(ctx, urls, browse, opts))
		})
	},
}

func readURLs(path string) ([]string, error) {
	var r *os.File
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func init() {
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "max parallel fetches")
	batchCmd.Flags().BoolVar(&batchStopOnError, "stop-on-error", false, "stop launching after the first failure")
	batchCmd.Flags().StringVar(&batchFromFile, "file", "", "read urls from a file, one per line")
}
