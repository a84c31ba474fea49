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

// Package session stores named browser session profiles: cookies,
// headers and fingerprint settings forwarded to the browser tier by
// profile name.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/persist"
)

const namespace = "sessions"

// Cookie is one stored browser cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path,omitempty"`
	ExpiryMs int64  `json:"expiryMs,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// Profile is one named session profile.
type Profile struct {
	Name        string            `json:"name"`
	UserAgent   string            `json:"userAgent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Cookies     []Cookie          `json:"cookies,omitempty"`
	CreatedAtMs int64             `json:"createdAtMs"`
	UpdatedAtMs int64             `json:"updatedAtMs"`
}

// Store keeps profiles in a KV backend, file or SQLite.
type Store struct {
	kv  persist.KVStore
	now func() time.Time
}

// NewStore wraps kv. The store does not own the backend's lifecycle.
func NewStore(kv persist.KVStore) *Store {
	return &Store{kv: kv, now: time.Now}
}

// Get returns the profile by name.
func (s *Store) Get(ctx context.Context, name string) (*Profile, bool, error) {
	data, found, err := s.kv.Get(ctx, namespace, name)
	if err != nil || !found {
		return nil, false, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("failed to decode session profile %q: %w", name, err)
	}
	return &p, true, nil
}

// Put stores a profile, stamping timestamps. The profile name is the
// key; an existing profile with the same name is replaced but keeps its
// creation time.
func (s *Store) Put(ctx context.Context, p *Profile) error {
	if p.Name == "" {
		return fmt.Errorf("session profile needs a name")
	}
	nowMs := s.now().UnixMilli()

	return s.kv.Transaction(ctx, func(tx persist.KVTx) error {
		p.UpdatedAtMs = nowMs
		p.CreatedAtMs = nowMs
		if prev, found, err := tx.Get(namespace, p.Name); err == nil && found {
			var old Profile
			if json.Unmarshal(prev, &old) == nil && old.CreatedAtMs != 0 {
				p.CreatedAtMs = old.CreatedAtMs
			}
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Set(namespace, p.Name, data)
	})
}

// Delete removes a profile. Removing a missing profile is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, namespace, name)
}

// List returns all stored profile names.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.kv.ListKeys(ctx, namespace)
}
