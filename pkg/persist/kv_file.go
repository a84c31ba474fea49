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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKVStore keeps each namespace as one JSON object file in a data
// directory, committed with debounced atomic renames. Suited to small
// deployments and tests; the SQLite backend handles larger keyspaces.
type FileKVStore struct {
	dir string

	mu    sync.RWMutex
	data  map[string]map[string]json.RawMessage // namespace -> key -> value
	saver *Saver
}

// NewFileKVStore opens (or creates) a file-backed store rooted at dir.
// Existing namespace files are loaded eagerly; corrupt files are set
// aside and their namespaces start empty.
func NewFileKVStore(dir string) (*FileKVStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file kv store requires a data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &FileKVStore{
		dir:  dir,
		data: make(map[string]map[string]json.RawMessage),
	}
	s.saver = NewSaver("kv-file", DefaultDebounce, s.saveAll)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ns := e.Name()[:len(e.Name())-len(".json")]
		var m map[string]json.RawMessage
		loaded, err := LoadJSON(filepath.Join(dir, e.Name()), &m)
		if err != nil {
			return nil, err
		}
		if loaded {
			s.data[ns] = m
		}
	}
	return s, nil
}

func (s *FileKVStore) nsPath(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

// saveAll commits every namespace file. Runs on the saver goroutine.
func (s *FileKVStore) saveAll() error {
	s.mu.RLock()
	snapshot := make(map[string]map[string]json.RawMessage, len(s.data))
	for ns, m := range s.data {
		cp := make(map[string]json.RawMessage, len(m))
		for k, v := range m {
			cp[k] = v
		}
		snapshot[ns] = cp
	}
	s.mu.RUnlock()

	for ns, m := range snapshot {
		if err := SaveJSON(s.nsPath(ns), m); err != nil {
			return fmt.Errorf("failed to save namespace %s: %w", ns, err)
		}
	}
	return nil
}

// Get implements KVStore.
func (s *FileKVStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

// Set implements KVStore.
func (s *FileKVStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s/%s is not valid JSON", namespace, key)
	}
	s.mu.Lock()
	if s.data[namespace] == nil {
		s.data[namespace] = make(map[string]json.RawMessage)
	}
	s.data[namespace][key] = json.RawMessage(value)
	s.mu.Unlock()

	s.saver.MarkDirty()
	return nil
}

// Delete implements KVStore.
func (s *FileKVStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	delete(s.data[namespace], key)
	s.mu.Unlock()

	s.saver.MarkDirty()
	return nil
}

// ListKeys implements KVStore.
func (s *FileKVStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.data[namespace]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

// fileTx buffers transactional mutations until commit.
type fileTx struct {
	store   *FileKVStore
	writes  map[[2]string][]byte
	deletes map[[2]string]bool
}

func (tx *fileTx) Get(namespace, key string) ([]byte, bool, error) {
	k := [2]string{namespace, key}
	if tx.deletes[k] {
		return nil, false, nil
	}
	if v, ok := tx.writes[k]; ok {
		return v, true, nil
	}
	return tx.store.Get(context.Background(), namespace, key)
}

func (tx *fileTx) Set(namespace, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s/%s is not valid JSON", namespace, key)
	}
	k := [2]string{namespace, key}
	delete(tx.deletes, k)
	tx.writes[k] = value
	return nil
}

func (tx *fileTx) Delete(namespace, key string) error {
	k := [2]string{namespace, key}
	delete(tx.writes, k)
	tx.deletes[k] = true
	return nil
}

// Transaction implements KVStore. Mutations inside fn apply atomically
// against the in-memory map; durability follows via the debounced saver.
func (s *FileKVStore) Transaction(ctx context.Context, fn func(tx KVTx) error) error {
	tx := &fileTx{
		store:   s,
		writes:  make(map[[2]string][]byte),
		deletes: make(map[[2]string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	for k, v := range tx.writes {
		if s.data[k[0]] == nil {
			s.data[k[0]] = make(map[string]json.RawMessage)
		}
		s.data[k[0]][k[1]] = json.RawMessage(v)
	}
	for k := range tx.deletes {
		delete(s.data[k[0]], k[1])
	}
	s.mu.Unlock()

	s.saver.MarkDirty()
	return nil
}

// Flush implements KVStore.
func (s *FileKVStore) Flush(ctx context.Context) error {
	return s.saver.Flush(ctx)
}

// Close implements KVStore.
func (s *FileKVStore) Close() error {
	return s.saver.Close(context.Background())
}

var _ KVStore = (*FileKVStore)(nil)
