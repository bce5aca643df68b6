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
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"golang.org/x/crypto/blake2b"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// Compile-time interface assertion.
var _ Store = (*FileStore)(nil)

// FileStore persists blob bytes as chunked files under a content-address
// directory layout and indexes metadata in a SQLite database. A blob's
// two-character hash prefix becomes its directory (git's object-store
// convention), which keeps any single directory's entry count manageable.
type FileStore struct {
	root string
	db   *sql.DB
}

// Config configures the durable FileStore.
type Config struct {
	// Dir is the root directory for blob content. Created if missing.
	Dir string

	// IndexPath is the SQLite database file path for metadata. Defaults
	// to Dir/index.db.
	IndexPath string
}

// New opens (creating if needed) a FileStore rooted at cfg.Dir.
func New(cfg Config) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artefacts: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artefact root: %w", err)
	}

	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(cfg.Dir, "index.db")
	}

	db, err := sql.Open("sqlite", indexPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open artefact index: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to artefact index: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS artefacts (
			id TEXT PRIMARY KEY,
			media_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate artefact index: %w", err)
	}

	return &FileStore{root: cfg.Dir, db: db}, nil
}

func (s *FileStore) pathFor(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, id)
	}
	return filepath.Join(s.root, id[:2], id)
}

// Put hashes data with blake2b-256 to derive the content address, writes
// it to a temp file in chunkSize pieces, then renames atomically into
// place so a concurrent reader either sees nothing or the full blob.
func (s *FileStore) Put(ctx context.Context, data []byte, mediaType string) (Artefact, error) {
	sum := blake2b.Sum256(data)
	id := hex.EncodeToString(sum[:])

	if existing, err := s.Stat(ctx, id); err == nil {
		return existing, nil // idempotent: identical bytes already stored
	}

	finalPath := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "create artefact directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-"+id+"-*")
	if err != nil {
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "create temp artefact file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := writeChunked(tmp, data); err != nil {
		tmp.Close()
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "write artefact content", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "sync artefact content", err)
	}
	if err := tmp.Close(); err != nil {
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "close artefact content", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "finalize artefact content", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artefacts (id, media_type, size, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, mediaType, int64(len(data)), now.Format(time.RFC3339Nano))
	if err != nil {
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "index artefact", err)
	}

	return Artefact{ID: id, MediaType: mediaType, Size: int64(len(data)), CreatedAt: now}, nil
}

func writeChunked(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Get reads a blob in chunkSize pieces. A missing index row or a missing
// file both surface as NotFound — an orphaned file with no index entry is
// not yet "visible".
func (s *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	if _, err := s.Stat(ctx, id); err != nil {
		return nil, err
	}

	f, err := os.Open(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coorderrors.Newf(coorderrors.KindNotFound, "artefact %q not found", id)
		}
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "open artefact content", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "read artefact content", err)
		}
	}
	return buf.Bytes(), nil
}

func (s *FileStore) Stat(ctx context.Context, id string) (Artefact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, media_type, size, created_at FROM artefacts WHERE id = ?`, id)
	var a Artefact
	var createdAt string
	err := row.Scan(&a.ID, &a.MediaType, &a.Size, &createdAt)
	if err == sql.ErrNoRows {
		return Artefact{}, coorderrors.Newf(coorderrors.KindNotFound, "artefact %q not found", id)
	}
	if err != nil {
		return Artefact{}, coorderrors.Wrap(coorderrors.KindInternal, "stat artefact", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return a, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artefacts WHERE id = ?`, id); err != nil {
		return coorderrors.Wrap(coorderrors.KindInternal, "deindex artefact", err)
	}
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return coorderrors.Wrap(coorderrors.KindInternal, "remove artefact content", err)
	}
	return nil
}

// Sweep deletes every artefact older than olderThan that keep does not
// protect. It is best-effort: a failure to remove one artefact's content
// does not stop the sweep over the rest.
func (s *FileStore) Sweep(ctx context.Context, olderThan time.Time, keep func(id string) bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM artefacts WHERE created_at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "query sweep candidates", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "scan sweep candidate", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "iterate sweep candidates", err)
	}

	var deleted []string
	for _, id := range candidates {
		if keep != nil && keep(id) {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (s *FileStore) Close() error {
	return s.db.Close()
}
