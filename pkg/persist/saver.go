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
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarryhq/quarry/internal/log"
)

// DefaultDebounce is the minimum interval between debounced commits.
const DefaultDebounce = 5 * time.Second

// SaveFunc serializes the owning store's current state to durable storage.
// Implementations typically call SaveJSON under the store's own snapshot.
type SaveFunc func() error

// Saver debounces persistence for a single store.
//
// MarkDirty is cheap and safe to call on every mutation; the background
// goroutine commits at most once per debounce interval after the last
// mark. Flush drains any pending save synchronously. Save failures are
// logged and retried on the next mark; they never propagate to callers.
type Saver struct {
	name     string
	debounce time.Duration
	save     SaveFunc

	mu    sync.Mutex
	dirty bool
	timer *time.Timer

	// saveMu serializes actual commits so Flush can wait out an
	// in-flight background save.
	saveMu sync.Mutex

	wg     sync.WaitGroup
	closed bool
}

// NewSaver creates a debounced saver. If debounce is zero,
// DefaultDebounce applies. The name labels log lines only.
func NewSaver(name string, debounce time.Duration, save SaveFunc) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Saver{
		name:     name,
		debounce: debounce,
		save:     save,
	}
}

// MarkDirty schedules a save after the debounce interval. Subsequent
// marks within the interval coalesce into a single commit.
func (s *Saver) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.dirty = true
	if s.timer != nil {
		return // commit already scheduled
	}
	s.wg.Add(1)
	s.timer = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		s.commit()
	})
}

// commit performs one save if the store is still dirty.
func (s *Saver) commit() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()

	s.saveMu.Lock()
	err := s.save()
	s.saveMu.Unlock()
	if err != nil {
		log.Error("store save failed", zap.String("store", s.name), zap.Error(err))
		// Re-mark so the next mutation retries the commit.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// Flush drains any pending debounced save and blocks until the
// serialized bytes reach durable storage.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		if s.timer.Stop() {
			s.wg.Done()
		}
		s.timer = nil
	}
	pending := s.dirty
	s.dirty = false
	s.mu.Unlock()

	// Wait out any commit already in flight, then run our own if needed.
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if !pending {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.save()
}

// Close stops the saver after flushing pending state.
func (s *Saver) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
