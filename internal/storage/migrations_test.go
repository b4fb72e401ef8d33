/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// seedV1Database creates a database file carrying schema version 1 plus the
// given extra statements.
func seedV1Database(t *testing.T, path string, stmts []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mk data dir: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(2000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	base := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS version (id INTEGER PRIMARY KEY CHECK(id=1), schema INTEGER NOT NULL, app TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
		`INSERT INTO version(id, schema, app, created_at, updated_at) VALUES(1, 1, 'test', '2020-01-01T00:00:00Z', '2020-01-01T00:00:00Z');`,
	}
	for _, q := range append(base, stmts...) {
		if _, err := db.ExecContext(ctx, q); err != nil {
			t.Fatalf("seed v1 schema: %v (q=%s)", err, q)
		}
	}
}

// TestMigrations_NotesV1ToV2 ensures an older notes DB (schema=1) is migrated
// to recordsSchemaVersion and the new index exists, with a backup taken first.
func TestMigrations_NotesV1ToV2(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.sqlite")
	seedV1Database(t, path, []string{
		`CREATE TABLE IF NOT EXISTS notes (id TEXT PRIMARY KEY, title TEXT NOT NULL DEFAULT '', content TEXT NOT NULL DEFAULT '', date TEXT NOT NULL DEFAULT '', emotion TEXT NOT NULL DEFAULT '', created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);`,
		`CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL, last_updated INTEGER NOT NULL);`,
		`INSERT INTO notes(id, title, content, date, emotion, created_at, updated_at) VALUES('note_1_legacy', 'old', 'kept across migration', 'January 1, 2020', 'Calm', 1577836800000, 1577836800000);`,
	})

	s := NewRecordStore(RecordStoreOptions{Path: path, RetryBase: time.Millisecond})
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	notes, err := s.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes after migration: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "note_1_legacy" {
		t.Fatalf("legacy data lost across migration: %+v", notes)
	}

	db, err := s.conn.ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var schema int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&schema); err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if schema != recordsSchemaVersion {
		t.Fatalf("expected schema %d after migration, got %d", recordsSchemaVersion, schema)
	}
	var cnt int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_notes_updated'`).Scan(&cnt); err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected idx_notes_updated after migration, got %d", cnt)
	}

	// A pre-migration copy of the file lands under backups/.
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("read backups dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected a migration backup file")
	}
}

// TestMigrations_ImagesV1ToV2 ensures an older images DB gains the dimension
// columns and the thumbnails table.
func TestMigrations_ImagesV1ToV2(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "images.sqlite")
	seedV1Database(t, path, []string{
		`CREATE TABLE IF NOT EXISTS images (id TEXT PRIMARY KEY, filename TEXT NOT NULL DEFAULT '', mime_type TEXT NOT NULL, size INTEGER NOT NULL, data BLOB NOT NULL, uploaded_at INTEGER NOT NULL, is_temporary INTEGER NOT NULL DEFAULT 0, last_referenced_at INTEGER);`,
		`INSERT INTO images(id, filename, mime_type, size, data, uploaded_at, is_temporary, last_referenced_at) VALUES('img_legacy', 'old.png', 'image/png', 3, x'010203', 1577836800000, 0, NULL);`,
	})

	s := NewBlobStore(BlobStoreOptions{Path: path, RetryBase: time.Millisecond})
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	info, err := s.ImageInfo(ctx, "img_legacy")
	if err != nil {
		t.Fatalf("ImageInfo after migration: %v", err)
	}
	if info == nil || info.Size != 3 || info.Width != 0 || info.Height != 0 {
		t.Fatalf("legacy image mismatch: %+v", info)
	}

	db, err := s.conn.ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var schema int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&schema); err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if schema != imagesSchemaVersion {
		t.Fatalf("expected schema %d after migration, got %d", imagesSchemaVersion, schema)
	}
	var cnt int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='thumbnails'`).Scan(&cnt); err != nil {
		t.Fatalf("query tables: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected thumbnails table, got %d", cnt)
	}
}
