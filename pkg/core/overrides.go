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
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/internal/log"
	"github.com/quarryhq/quarry/pkg/fetcher"
)

// overridesWatcher hot reloads per-domain validator overrides from a
// YAML file keyed by domain.
type overridesWatcher struct {
	path      string
	validator *fetcher.Validator
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// watchOverrides loads the file once and then reapplies it on every
// write. A missing file is fine; the watch picks it up on creation.
func watchOverrides(path string, v *fetcher.Validator) (*overridesWatcher, error) {
	w := &overridesWatcher{
		path:      path,
		validator: v,
		done:      make(chan struct{}),
	}
	if err := w.load(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create overrides watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops
	// a watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *overridesWatcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.load(); err != nil {
				log.Warn("failed to reload validator overrides",
					zap.String("path", w.path), zap.Error(err))
			} else {
				log.Info("validator overrides reloaded", zap.String("path", w.path))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("overrides watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *overridesWatcher) load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	overrides := make(map[string]fetcher.ValidatorOverride)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse %s: %w", w.path, err)
	}
	w.validator.SetOverrides(overrides)
	return nil
}

func (w *overridesWatcher) stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
