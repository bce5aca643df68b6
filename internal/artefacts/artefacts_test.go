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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { fileStore.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"file":   fileStore,
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello coordination core")

			a, err := s.Put(ctx, data, "text/plain")
			require.NoError(t, err)
			assert.NotEmpty(t, a.ID)
			assert.Equal(t, int64(len(data)), a.Size)

			got, err := s.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestStore_PutIsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("same bytes twice")

			first, err := s.Put(ctx, data, "text/plain")
			require.NoError(t, err)

			second, err := s.Put(ctx, data, "text/plain")
			require.NoError(t, err)

			assert.Equal(t, first.ID, second.ID)
		})
	}
}

func TestStore_GetMissing_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "does-not-exist")
			require.Error(t, err)
			assert.Equal(t, coorderrors.KindNotFound, coorderrors.KindOf(err))
		})
	}
}

func TestStore_LargeBlobSpansMultipleChunks(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := bytes.Repeat([]byte("x"), chunkSize*2+17)

			a, err := s.Put(ctx, data, "application/octet-stream")
			require.NoError(t, err)

			got, err := s.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, len(data), len(got))
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestStore_DifferentMediaTypeSameBytes_SameID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("content addressing ignores media type")

			a1, err := s.Put(ctx, data, "text/plain")
			require.NoError(t, err)
			a2, err := s.Put(ctx, data, "application/json")
			require.NoError(t, err)

			assert.Equal(t, a1.ID, a2.ID)
		})
	}
}

func TestStore_Sweep_RespectsKeepAndAge(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old, err := s.Put(ctx, []byte("old artefact"), "text/plain")
			require.NoError(t, err)
			kept, err := s.Put(ctx, []byte("kept artefact"), "text/plain")
			require.NoError(t, err)

			cutoff := time.Now().UTC().Add(time.Hour)
			deleted, err := s.Sweep(ctx, cutoff, func(id string) bool { return id == kept.ID })
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{old.ID}, deleted)

			_, err = s.Get(ctx, old.ID)
			require.Error(t, err)

			_, err = s.Get(ctx, kept.ID)
			require.NoError(t, err)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := s.Put(ctx, []byte("to be deleted"), "text/plain")
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, a.ID))

			_, err = s.Get(ctx, a.ID)
			require.Error(t, err)
			assert.Equal(t, coorderrors.KindNotFound, coorderrors.KindOf(err))
		})
	}
}
