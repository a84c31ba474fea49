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

// Package persist provides durable state for Quarry's stores.
//
// Every store persists as a whole-file snapshot committed via atomic rename:
// the serialized bytes land in a temp file in the target directory, the file
// is fsynced, renamed over the destination, and the directory is fsynced.
// Readers in other processes see either the old or the new snapshot, never
// a partial write.
//
// Writes are debounced: stores mark themselves dirty on every mutation and
// a background goroutine commits at most once per debounce interval. Flush
// drains any pending save and blocks until the bytes are durable.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/quarryhq/quarry/internal/log"
)

// WriteFileAtomic writes data to path through a temp-file-and-rename commit.
// Both the file and its parent directory are fsynced before returning.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// fsync the directory so the rename itself is durable.
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir: %w", err)
	}
	return nil
}

// LoadJSON reads path and unmarshals it into v.
//
// A missing file is not an error; loaded is false. A malformed file is
// non-fatal: it is set aside with a .corrupt.<ms> suffix, a warning is
// logged, and loaded is false so the caller starts empty.
func LoadJSON(path string, v any) (loaded bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		setAside := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
		if renameErr := os.Rename(path, setAside); renameErr != nil {
			log.Warn("failed to set aside corrupt state file",
				zap.String("path", path), zap.Error(renameErr))
		} else {
			log.Warn("corrupt state file set aside, starting empty",
				zap.String("path", path), zap.String("set_aside", setAside), zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// SaveJSON marshals v with indentation and commits it atomically to path.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return WriteFileAtomic(path, data, 0o644)
}
