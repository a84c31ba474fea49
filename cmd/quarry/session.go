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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/core"
	"github.com/quarryhq/quarry/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage browser session profiles",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored session profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			if e.Sessions() == nil {
				return fmt.Errorf("session store needs a data dir")
			}
			names, err := e.Sessions().List(ctx)
			if err != nil {
				return err
			}
			return printJSON(names)
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one session profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			if e.Sessions() == nil {
				return fmt.Errorf("session store needs a data dir")
			}
			p, found, err := e.Sessions().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no session profile named %q", args[0])
			}
			return printJSON(p)
		})
	},
}

var sessionSetCmd = &cobra.Command{
	Use:   "set <file.json>",
	Short: "Store a session profile from a JSON file (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			if e.Sessions() == nil {
				return fmt.Errorf("session store needs a data dir")
			}
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var p session.Profile
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("failed to parse profile: %w", err)
			}
			if err := e.Sessions().Put(ctx, &p); err != nil {
				return err
			}
			fmt.Println("stored profile", p.Name)
			return nil
		})
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a session profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, cfg *Config, e *core.Engine) error {
			if e.Sessions() == nil {
				return fmt.Errorf("session store needs a data dir")
			}
			return e.Sessions().Delete(ctx, args[0])
		})
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionSetCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)

	rootCmd.AddCommand(sessionCmd)
}
