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
	"fmt"
)

// KVStore is the capability set Quarry's stores need from a storage
// backend. Two implementations exist: a JSON-file store and a SQLite
// store. The core never branches on which one it holds.
type KVStore interface {
	// Get returns the value for key in namespace. found is false when
	// the key does not exist.
	Get(ctx context.Context, namespace, key string) (value []byte, found bool, err error)

	// Set stores value under (namespace, key), replacing any prior value.
	Set(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes (namespace, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// ListKeys returns all keys in namespace, in unspecified order.
	ListKeys(ctx context.Context, namespace string) ([]string, error)

	// Transaction runs fn against a transactional view. All Sets and
	// Deletes inside fn commit together or not at all.
	Transaction(ctx context.Context, fn func(tx KVTx) error) error

	// Flush blocks until all accepted writes are durable.
	Flush(ctx context.Context) error

	// Close releases backend resources after a final flush.
	Close() error
}

// KVTx is the mutation surface available inside a Transaction.
type KVTx interface {
	Get(namespace, key string) (value []byte, found bool, err error)
	Set(namespace, key string, value []byte) error
	Delete(namespace, key string) error
}

// BackendType selects a KVStore implementation at startup.
type BackendType string

const (
	// BackendFile stores each namespace as a JSON file with debounced
	// atomic-rename commits.
	BackendFile BackendType = "file"
	// BackendSQLite stores all namespaces in a single SQLite database.
	BackendSQLite BackendType = "sqlite"
)

// KVConfig configures the KVStore factory.
type KVConfig struct {
	// Backend selects the implementation. Empty defaults to BackendFile.
	Backend BackendType
	// Dir is the data directory for the file backend.
	Dir string
	// Path is the database path for the sqlite backend. Empty defaults
	// to quarry.db inside Dir.
	Path string
}

// NewKVStore creates the configured backend. Defaults to the file
// backend when cfg.Backend is empty.
func NewKVStore(cfg KVConfig) (KVStore, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileKVStore(cfg.Dir)
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = cfg.Dir + "/quarry.db"
		}
		return NewSQLiteKVStore(path)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}
