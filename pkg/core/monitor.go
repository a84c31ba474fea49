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
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quarryhq/quarry/internal/log"
	"github.com/quarryhq/quarry/pkg/changes"
	"github.com/quarryhq/quarry/pkg/fetcher"
)

// monitorFetchTimeout bounds one re-check fetch.
const monitorFetchTimeout = 60 * time.Second

// monitor re-fetches every tracked URL on a cron schedule and feeds the
// results through the change tracker.
type monitor struct {
	cron *cron.Cron
}

func startMonitor(schedule string, e *Engine) (*monitor, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { runCheck(e) }); err != nil {
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Info("change monitor started", zap.String("schedule", schedule))
	return &monitor{cron: c}, nil
}

func runCheck(e *Engine) {
	tracked := e.changes.ListTrackedURLs(changes.ListFilter{})
	for _, t := range tracked {
		checkOne(e, t.URL)
	}
}

func checkOne(e *Engine, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), monitorFetchTimeout)
	defer cancel()

	res, err := e.Fetch(ctx, url, fetcher.Options{})
	if err != nil {
		log.Warn("monitor fetch failed", zap.String("url", url), zap.Error(err))
		return
	}

	check, err := e.changes.CheckForChanges(ctx, url, res.Content.Markdown)
	if err != nil {
		log.Warn("monitor change check failed", zap.String("url", url), zap.Error(err))
		return
	}
	if check.HasChanged {
		log.Info("tracked url changed",
			zap.String("url", url),
			zap.String("significance", string(check.Report.Significance)))
	}
}

func (m *monitor) stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
