// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artefacts

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// Compile-time interface assertion.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store, for tests and single-node dev runs that
// do not need artefacts to survive a restart.
type Memory struct {
	mu   sync.RWMutex
	meta map[string]Artefact
	data map[string][]byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{meta: make(map[string]Artefact), data: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte, mediaType string) (Artefact, error) {
	sum := blake2b.Sum256(data)
	id := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.meta[id]; ok {
		return existing, nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	a := Artefact{ID: id, MediaType: mediaType, Size: int64(len(data)), CreatedAt: time.Now().UTC()}
	m.data[id] = stored
	m.meta[id] = a
	return a, nil
}

func (m *Memory) Get(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, coorderrors.Newf(coorderrors.KindNotFound, "artefact %q not found", id)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Stat(ctx context.Context, id string) (Artefact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.meta[id]
	if !ok {
		return Artefact{}, coorderrors.Newf(coorderrors.KindNotFound, "artefact %q not found", id)
	}
	return a, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meta, id)
	delete(m.data, id)
	return nil
}

func (m *Memory) Sweep(ctx context.Context, olderThan time.Time, keep func(id string) bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []string
	for id, a := range m.meta {
		if a.CreatedAt.After(olderThan) || a.CreatedAt.Equal(olderThan) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(m.meta, id)
		delete(m.data, id)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (m *Memory) Close() error { return nil }
