/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"notedown/internal/domain"
	applog "notedown/internal/log"
)

const (
	// recordsSchemaVersion tracks the local SQLite schema for the notes
	// database. Bump this when you perform breaking schema changes and
	// add migrations.
	recordsSchemaVersion = 2
)

// RecordStore persists notes and application settings in a single local
// SQLite database. The zero value is not usable; construct one with
// NewRecordStore. All methods are safe for concurrent use.
//
// The database is opened lazily: the first operation (or an explicit Init)
// runs schema setup, and concurrent first callers share one open attempt.
// Every operation runs under the bounded retry policy of dbconn.
type RecordStore struct {
	conn *dbconn
	log  *slog.Logger
}

// RecordStoreOptions configures a RecordStore. Path is required.
type RecordStoreOptions struct {
	// Path is the SQLite database file, e.g. config.NotesDBPath(dataDir).
	Path string
	// InitTimeout bounds a single initialization attempt. Zero selects
	// the package default.
	InitTimeout time.Duration
	// RetryBase is the first backoff step of the retry policy. Zero
	// selects the package default.
	RetryBase time.Duration
	// Log overrides the package logger.
	Log *slog.Logger
}

// NewRecordStore builds a store for the given database file. The file is
// not touched until the first operation.
func NewRecordStore(opts RecordStoreOptions) *RecordStore {
	l := opts.Log
	if l == nil {
		l = applog.WithComponent("storage")
	}
	return &RecordStore{
		conn: newConn(opts.Path, recordsSchemaVersion, opts.InitTimeout, opts.RetryBase, ensureRecordSchema, l),
		log:  l,
	}
}

// Path returns the database file path.
func (s *RecordStore) Path() string { return s.conn.path }

// Init opens the database eagerly. Calling it is optional; operations
// initialize on demand.
func (s *RecordStore) Init(ctx context.Context) error {
	_, err := s.conn.ensure(ctx)
	return err
}

// Healthy reports whether the store is usable: initialization succeeds
// and a trial note listing comes back without error.
func (s *RecordStore) Healthy(ctx context.Context) bool {
	if _, err := s.conn.ensure(ctx); err != nil {
		return false
	}
	_, err := s.ListNotes(ctx)
	return err == nil
}

// CheckIntegrity runs SQLite's quick_check and reports any verdict other
// than ok as an error.
func (s *RecordStore) CheckIntegrity(ctx context.Context) error {
	verdict, err := s.conn.integrityCheck(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToLower(verdict), "ok") {
		return fmt.Errorf("integrity check: %s", verdict)
	}
	return nil
}

// Close releases the database handle and clears the memoized
// initialization. The store may be used again afterwards; the next
// operation re-opens. Safe to call multiple times.
func (s *RecordStore) Close() error { return s.conn.Close() }

// ensureRecordSchema creates the notes and settings tables. It is safe to
// run on every open.
func ensureRecordSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			date       TEXT NOT NULL DEFAULT '',
			emotion    TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_date ON notes(date);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_emotion ON notes(emotion);`,

		`CREATE TABLE IF NOT EXISTS settings (
			key          TEXT PRIMARY KEY,
			value        TEXT NOT NULL,
			last_updated INTEGER NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure notes schema: %w", err)
		}
	}
	return runRecordMigrations(ctx, db)
}

// runRecordMigrations applies incremental schema migrations up to
// recordsSchemaVersion.
func runRecordMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > recordsSchemaVersion {
		// Do not downgrade; a newer build owns this file.
		return nil
	}
	for cur < recordsSchemaVersion {
		next := cur + 1
		switch next {
		case 2:
			// Index updated_at for recency queries.
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin migration %d: %w", next, err)
			}
			stmts := []string{
				`CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at);`,
			}
			for _, q := range stmts {
				if _, err := tx.ExecContext(ctx, q); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("migration %d stmt failed: %w", next, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d update version: %w", next, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("migration %d commit: %w", next, err)
			}
		default:
			// Unknown future step; break
		}
		cur = next
	}
	return nil
}

// language=SQL
// dialect=SQLite
const listNotesSQL = `SELECT id, title, content, date, emotion, created_at, updated_at FROM notes ORDER BY created_at DESC, id DESC`

// language=SQL
// dialect=SQLite
const listNoteIDsSQL = `SELECT id FROM notes ORDER BY created_at DESC, id DESC`

// language=SQL
// dialect=SQLite
const getNoteSQL = `SELECT id, title, content, date, emotion, created_at, updated_at FROM notes WHERE id = ?`

// language=SQL
// dialect=SQLite
const insertNoteSQL = `INSERT INTO notes(id, title, content, date, emotion, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

// language=SQL
// dialect=SQLite
const updateNoteSQL = `UPDATE notes SET title = ?, content = ?, date = ?, emotion = ?, updated_at = ? WHERE id = ?`

// language=SQL
// dialect=SQLite
const deleteNoteSQL = `DELETE FROM notes WHERE id = ?`

// language=SQL
// dialect=SQLite
const countNotesSQL = `SELECT COUNT(*) FROM notes`

// language=SQL
// dialect=SQLite
const searchNotesSQL = `SELECT id, title, content, date, emotion, created_at, updated_at FROM notes
	WHERE lower(title) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\'
	ORDER BY created_at DESC, id DESC`

// language=SQL
// dialect=SQLite
const getSettingSQL = `SELECT value FROM settings WHERE key = ?`

// language=SQL
// dialect=SQLite
const listSettingsSQL = `SELECT key, value FROM settings ORDER BY key`

// language=SQL
// dialect=SQLite
const upsertSettingSQL = `INSERT INTO settings(key, value, last_updated) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value=excluded.value, last_updated=excluded.last_updated`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeContains(s string) string { return "%" + likeEscaper.Replace(s) + "%" }

// ListNotes returns every note, newest first by creation time.
func (s *RecordStore) ListNotes(ctx context.Context) ([]domain.Note, error) {
	var out []domain.Note
	err := s.conn.withRetry(ctx, "list_notes", func(ctx context.Context, db *sql.DB) error {
		out = out[:0]
		rows, err := db.QueryContext(ctx, listNotesSQL)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var n domain.Note
			var emotion string
			if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.Date, &emotion, &n.CreatedAt, &n.UpdatedAt); err != nil {
				return err
			}
			n.Emotion = domain.Emotion(emotion)
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NoteIDs returns the ids of all stored notes, newest first.
func (s *RecordStore) NoteIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.conn.withRetry(ctx, "list_note_ids", func(ctx context.Context, db *sql.DB) error {
		out = out[:0]
		rows, err := db.QueryContext(ctx, listNoteIDsSQL)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NoteCount returns the number of stored notes.
func (s *RecordStore) NoteCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.withRetry(ctx, "count_notes", func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, countNotesSQL).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// NoteByID returns the note with the given id, or nil when no such note
// exists. Absence is not an error.
func (s *RecordStore) NoteByID(ctx context.Context, id string) (*domain.Note, error) {
	var out *domain.Note
	err := s.conn.withRetry(ctx, "get_note", func(ctx context.Context, db *sql.DB) error {
		out = nil
		var n domain.Note
		var emotion string
		err := db.QueryRowContext(ctx, getNoteSQL, id).Scan(&n.ID, &n.Title, &n.Content, &n.Date, &emotion, &n.CreatedAt, &n.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		n.Emotion = domain.Emotion(emotion)
		out = &n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateNote stores a new note built from the draft. The store assigns the
// id and both timestamps; an empty Date defaults to today's display date.
func (s *RecordStore) CreateNote(ctx context.Context, draft domain.NoteDraft) (domain.Note, error) {
	now := domain.NowMillis()
	n := domain.Note{
		ID:        domain.NewNoteID(),
		Title:     draft.Title,
		Content:   draft.Content,
		Date:      draft.Date,
		Emotion:   draft.Emotion,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if strings.TrimSpace(n.Date) == "" {
		n.Date = domain.DisplayDate(time.Now())
	}
	err := s.conn.withRetry(ctx, "create_note", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, insertNoteSQL, n.ID, n.Title, n.Content, n.Date, string(n.Emotion), n.CreatedAt, n.UpdatedAt)
		return err
	})
	if err != nil {
		return domain.Note{}, err
	}
	s.log.Debug("note created", slog.String("id", n.ID))
	return n, nil
}

// RestoreNote inserts a complete note record as carried by a backup,
// keeping its id and timestamps instead of assigning fresh ones. Zero
// timestamps fall back to now so half-filled records stay usable. The
// caller is responsible for checking that the id is not already taken.
func (s *RecordStore) RestoreNote(ctx context.Context, n domain.Note) error {
	if strings.TrimSpace(n.ID) == "" {
		return &ValidationError{Reason: "note id must not be empty"}
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = domain.NowMillis()
	}
	if n.UpdatedAt == 0 {
		n.UpdatedAt = n.CreatedAt
	}
	err := s.conn.withRetry(ctx, "restore_note", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, insertNoteSQL, n.ID, n.Title, n.Content, n.Date, string(n.Emotion), n.CreatedAt, n.UpdatedAt)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Debug("note restored", slog.String("id", n.ID))
	return nil
}

// UpdateNote applies the patch to the stored note and returns the merged
// result. Identity and creation time never change; UpdatedAt moves to a
// value strictly later than the stored one. A missing note yields a
// NotFoundError.
func (s *RecordStore) UpdateNote(ctx context.Context, id string, patch domain.NotePatch) (domain.Note, error) {
	var out domain.Note
	err := s.conn.withRetry(ctx, "update_note", func(ctx context.Context, db *sql.DB) error {
		var n domain.Note
		var emotion string
		err := db.QueryRowContext(ctx, getNoteSQL, id).Scan(&n.ID, &n.Title, &n.Content, &n.Date, &emotion, &n.CreatedAt, &n.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: "note", ID: id}
		}
		if err != nil {
			return err
		}
		n.Emotion = domain.Emotion(emotion)
		if patch.Title != nil {
			n.Title = *patch.Title
		}
		if patch.Content != nil {
			n.Content = *patch.Content
		}
		if patch.Date != nil {
			n.Date = *patch.Date
		}
		if patch.Emotion != nil {
			n.Emotion = *patch.Emotion
		}
		now := domain.NowMillis()
		if now <= n.UpdatedAt {
			now = n.UpdatedAt + 1
		}
		n.UpdatedAt = now
		if _, err := db.ExecContext(ctx, updateNoteSQL, n.Title, n.Content, n.Date, string(n.Emotion), n.UpdatedAt, n.ID); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return domain.Note{}, err
	}
	return out, nil
}

// DeleteNote removes the note when present. Deleting an unknown id is not
// an error; the end state is the same.
func (s *RecordStore) DeleteNote(ctx context.Context, id string) error {
	return s.conn.withRetry(ctx, "delete_note", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, deleteNoteSQL, id)
		return err
	})
}

// DeleteNotes removes every listed note. It keeps going after individual
// failures and reports them joined, so one bad id cannot shield the rest.
func (s *RecordStore) DeleteNotes(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := s.DeleteNote(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SearchNotes returns notes whose title or content contains the query,
// case-insensitively, newest first. An empty query returns all notes.
// Search is best-effort: on failure it logs and returns an empty slice
// rather than an error.
func (s *RecordStore) SearchNotes(ctx context.Context, query string) []domain.Note {
	q := strings.TrimSpace(query)
	if q == "" {
		notes, err := s.ListNotes(ctx)
		if err != nil {
			s.log.Warn("search list failed", slog.Any("err", err))
			return []domain.Note{}
		}
		if notes == nil {
			notes = []domain.Note{}
		}
		return notes
	}
	like := likeContains(strings.ToLower(q))
	var out []domain.Note
	err := s.conn.withRetry(ctx, "search_notes", func(ctx context.Context, db *sql.DB) error {
		out = out[:0]
		rows, err := db.QueryContext(ctx, searchNotesSQL, like, like)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var n domain.Note
			var emotion string
			if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.Date, &emotion, &n.CreatedAt, &n.UpdatedAt); err != nil {
				return err
			}
			n.Emotion = domain.Emotion(emotion)
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		s.log.Warn("search failed", slog.String("query", q), slog.Any("err", err))
		return []domain.Note{}
	}
	if out == nil {
		out = []domain.Note{}
	}
	return out
}

// Setting returns the raw JSON value stored under key, or nil when unset.
func (s *RecordStore) Setting(ctx context.Context, key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.conn.withRetry(ctx, "get_setting", func(ctx context.Context, db *sql.DB) error {
		out = nil
		var raw string
		err := db.QueryRowContext(ctx, getSettingSQL, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = json.RawMessage(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Settings returns all stored settings keyed by name.
func (s *RecordStore) Settings(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := s.conn.withRetry(ctx, "list_settings", func(ctx context.Context, db *sql.DB) error {
		out = make(map[string]json.RawMessage)
		rows, err := db.QueryContext(ctx, listSettingsSQL)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var key, raw string
			if err := rows.Scan(&key, &raw); err != nil {
				return err
			}
			out[key] = json.RawMessage(raw)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSetting stores value under key, inserting or overwriting as needed.
func (s *RecordStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Reason: "setting key is required"}
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return s.conn.withRetry(ctx, "set_setting", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, upsertSettingSQL, key, string(value), domain.NowMillis())
		return err
	})
}

// Theme returns the stored UI theme name, or "" when none has been chosen.
func (s *RecordStore) Theme(ctx context.Context) (string, error) {
	raw, err := s.Setting(ctx, domain.SettingTheme)
	if err != nil || raw == nil {
		return "", err
	}
	var theme string
	if err := json.Unmarshal(raw, &theme); err != nil {
		return "", fmt.Errorf("decode theme: %w", err)
	}
	return theme, nil
}

// SetTheme stores the UI theme name.
func (s *RecordStore) SetTheme(ctx context.Context, theme string) error {
	raw, err := json.Marshal(theme)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, domain.SettingTheme, raw)
}

// HasBeenInitialized reports whether first-launch setup already ran.
// Besides the explicit marker it treats any existing note as proof of a
// prior launch, so databases written by builds without the marker are not
// seeded again.
func (s *RecordStore) HasBeenInitialized(ctx context.Context) (bool, error) {
	raw, err := s.Setting(ctx, domain.SettingAppInitialized)
	if err != nil {
		return false, err
	}
	if raw != nil {
		var done bool
		if err := json.Unmarshal(raw, &done); err == nil && done {
			return true, nil
		}
	}
	count, err := s.NoteCount(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkAsInitialized records that first-launch setup has run.
func (s *RecordStore) MarkAsInitialized(ctx context.Context) error {
	return s.SetSetting(ctx, domain.SettingAppInitialized, json.RawMessage("true"))
}
