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

// Package artefacts is the content-addressed blob store (spec.md §4.7):
// put(bytes, media_type) is idempotent and returns a stable identifier
// derived from the bytes themselves; get(id) returns the bytes or
// NotFound. Large blobs are chunked on write and reassembled on read;
// readers either see a fully-written blob or NotFound, never a partial
// one. Retention is independent of run lifecycle — a sweeper elsewhere
// decides when an artefact may be deleted.
package artefacts

import (
	"context"
	"time"
)

// chunkSize is the piece size FileStore uses to write a blob to disk and to
// read it back. Put receives and Get returns the whole blob in memory, so
// it does not bound memory use or total blob size.
const chunkSize = 4 << 20 // 4 MiB

// Artefact is the metadata record for one stored blob.
type Artefact struct {
	ID        string
	MediaType string
	Size      int64
	CreatedAt time.Time
}

// Store is the Artefact Store's contract. Implementations must make Put
// idempotent (the same bytes always yield the same ID and a second Put
// is a cheap no-op) and Get atomic (a blob is visible in full or not at
// all — never partially written).
type Store interface {
	// Put stores data under media_type and returns its content address.
	Put(ctx context.Context, data []byte, mediaType string) (Artefact, error)

	// Get returns the full bytes for id, or a KindNotFound error.
	Get(ctx context.Context, id string) ([]byte, error)

	// Stat returns an artefact's metadata without reading its bytes.
	Stat(ctx context.Context, id string) (Artefact, error)

	// Delete removes an artefact. Called only by the retention sweeper,
	// never by run-path code.
	Delete(ctx context.Context, id string) error

	// Sweep deletes every artefact created before olderThan that the
	// keep predicate does not protect, returning the deleted ids.
	Sweep(ctx context.Context, olderThan time.Time, keep func(id string) bool) ([]string, error)

	Close() error
}
