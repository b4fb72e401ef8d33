/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notedown/internal/domain"
	applog "notedown/internal/log"

	// Decoders registered for dimension probing and thumbnailing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// imagesSchemaVersion tracks the local SQLite schema for the image
	// database. Bump this when you perform breaking schema changes and
	// add migrations.
	imagesSchemaVersion = 2

	// defaultMaxUploadBytes caps a single stored image payload.
	defaultMaxUploadBytes = 10 * 1024 * 1024

	// defaultGracePeriod is the minimum age before an unreferenced image
	// becomes eligible for the safe cleanup sweep.
	defaultGracePeriod = 5 * time.Minute

	// defaultPendingTTL is how long an id stays in the pending-upload
	// set after StoreImage registers it. The entry expires on its own;
	// completion of the upload does not remove it early, which covers
	// scans racing the tail of the same user action.
	defaultPendingTTL = 10 * time.Second
)

// BlobStore persists binary image payloads with reference-tracking
// metadata in a local SQLite database, and manages the ephemeral display
// handles derived from them. Construct with NewBlobStore; all methods are
// safe for concurrent use.
type BlobStore struct {
	conn *dbconn
	log  *slog.Logger

	handleDir   string
	gracePeriod time.Duration
	pendingTTL  time.Duration
	maxUpload   int64
	thumbCache  int64

	mu      sync.Mutex
	pending map[string]pendingUpload
	handles map[string]string
}

// pendingUpload shields a freshly assigned id from cleanup until the TTL
// elapses.
type pendingUpload struct {
	until time.Time
	timer *time.Timer
}

// BlobStoreOptions configures a BlobStore. Path is required.
type BlobStoreOptions struct {
	// Path is the SQLite database file, e.g. config.ImagesDBPath(dataDir).
	Path string
	// HandleDir is where ephemeral handle files live. Empty means a
	// "handles" directory next to the database.
	HandleDir string
	// GracePeriod overrides the cleanup grace period. Zero selects the
	// package default.
	GracePeriod time.Duration
	// PendingTTL overrides the pending-upload shield duration. Zero
	// selects the package default.
	PendingTTL time.Duration
	// MaxUploadBytes overrides the per-image size cap. Zero selects the
	// package default.
	MaxUploadBytes int64
	// ThumbCacheBytes caps the thumbnail cache; zero selects the
	// default, negative disables eviction.
	ThumbCacheBytes int64
	// InitTimeout bounds a single initialization attempt. Zero selects
	// the package default.
	InitTimeout time.Duration
	// RetryBase is the first backoff step of the retry policy. Zero
	// selects the package default.
	RetryBase time.Duration
	// Log overrides the package logger.
	Log *slog.Logger
}

// NewBlobStore builds a store for the given database file. The file is
// not touched until the first operation.
func NewBlobStore(opts BlobStoreOptions) *BlobStore {
	l := opts.Log
	if l == nil {
		l = applog.WithComponent("storage")
	}
	handleDir := opts.HandleDir
	if handleDir == "" {
		handleDir = filepath.Join(filepath.Dir(opts.Path), "handles")
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	ttl := opts.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	thumbCache := opts.ThumbCacheBytes
	if thumbCache == 0 {
		thumbCache = defaultThumbCacheBytes
	}
	return &BlobStore{
		conn:        newConn(opts.Path, imagesSchemaVersion, opts.InitTimeout, opts.RetryBase, ensureImageSchema, l),
		log:         l,
		handleDir:   handleDir,
		gracePeriod: grace,
		pendingTTL:  ttl,
		maxUpload:   maxUpload,
		thumbCache:  thumbCache,
		pending:     make(map[string]pendingUpload),
		handles:     make(map[string]string),
	}
}

// Path returns the database file path.
func (s *BlobStore) Path() string { return s.conn.path }

// Init opens the database eagerly. Calling it is optional; operations
// initialize on demand.
func (s *BlobStore) Init(ctx context.Context) error {
	_, err := s.conn.ensure(ctx)
	return err
}

// Healthy reports whether the store is usable: initialization succeeds
// and a trial metadata query comes back without error.
func (s *BlobStore) Healthy(ctx context.Context) bool {
	if _, err := s.conn.ensure(ctx); err != nil {
		return false
	}
	_, err := s.ImageCount(ctx)
	return err == nil
}

// CheckIntegrity runs SQLite's quick_check and reports any verdict other
// than ok as an error.
func (s *BlobStore) CheckIntegrity(ctx context.Context) error {
	verdict, err := s.conn.integrityCheck(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToLower(verdict), "ok") {
		return fmt.Errorf("integrity check: %s", verdict)
	}
	return nil
}

// Close revokes all ephemeral handles, stops pending-upload timers, and
// releases the database handle. The store may be used again afterwards;
// the next operation re-opens. Safe to call multiple times.
func (s *BlobStore) Close() error {
	s.RevokeAllHandles()
	s.mu.Lock()
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// ensureImageSchema creates the images and thumbnails tables. It is safe
// to run on every open.
func ensureImageSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS images (
			id                 TEXT PRIMARY KEY,
			filename           TEXT NOT NULL DEFAULT '',
			mime_type          TEXT NOT NULL,
			size               INTEGER NOT NULL,
			width              INTEGER NOT NULL DEFAULT 0,
			height             INTEGER NOT NULL DEFAULT 0,
			data               BLOB NOT NULL,
			uploaded_at        INTEGER NOT NULL,
			is_temporary       INTEGER NOT NULL DEFAULT 0,
			last_referenced_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_images_uploaded ON images(uploaded_at);`,

		`CREATE TABLE IF NOT EXISTS thumbnails (
			image_id    TEXT NOT NULL,
			max_px      INTEGER NOT NULL,
			data        BLOB NOT NULL,
			size        INTEGER NOT NULL,
			last_access TEXT,
			PRIMARY KEY(image_id, max_px)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thumbnails_access ON thumbnails(last_access);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure image schema: %w", err)
		}
	}
	return runImageMigrations(ctx, db)
}

// runImageMigrations applies incremental schema migrations up to
// imagesSchemaVersion.
func runImageMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > imagesSchemaVersion {
		// Do not downgrade; a newer build owns this file.
		return nil
	}
	for cur < imagesSchemaVersion {
		next := cur + 1
		switch next {
		case 2:
			// Dimension columns arrived after the first release; patch
			// tables created without them.
			if err := ensureImageColumns(ctx, db); err != nil {
				return fmt.Errorf("migration %d: %w", next, err)
			}
			if _, err := db.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return fmt.Errorf("migration %d update version: %w", next, err)
			}
		default:
			// Unknown future step; break
		}
		cur = next
	}
	return nil
}

// ensureImageColumns inspects the live table and adds columns the current
// schema expects. Safe to call multiple times.
func ensureImageColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(images);`)
	if err != nil {
		return fmt.Errorf("table_info images: %w", err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		cols[name] = true
	}
	if rows.Err() != nil {
		return rows.Err()
	}
	if !cols["width"] {
		if _, err := db.ExecContext(ctx, `ALTER TABLE images ADD COLUMN width INTEGER DEFAULT 0`); err != nil {
			return fmt.Errorf("add width: %w", err)
		}
	}
	if !cols["height"] {
		if _, err := db.ExecContext(ctx, `ALTER TABLE images ADD COLUMN height INTEGER DEFAULT 0`); err != nil {
			return fmt.Errorf("add height: %w", err)
		}
	}
	return nil
}

// language=SQL
// dialect=SQLite
const insertImageSQL = `INSERT INTO images(id, filename, mime_type, size, width, height, data, uploaded_at, is_temporary, last_referenced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`

// language=SQL
// dialect=SQLite
const getImageSQL = `SELECT id, filename, mime_type, size, width, height, data, uploaded_at, is_temporary, last_referenced_at FROM images WHERE id = ?`

// language=SQL
// dialect=SQLite
const getImageInfoSQL = `SELECT id, filename, mime_type, size, width, height, uploaded_at, is_temporary, last_referenced_at FROM images WHERE id = ?`

// language=SQL
// dialect=SQLite
const listImageInfoSQL = `SELECT id, filename, mime_type, size, width, height, uploaded_at, is_temporary, last_referenced_at FROM images ORDER BY uploaded_at DESC, id DESC`

// language=SQL
// dialect=SQLite
const touchImageSQL = `UPDATE images SET is_temporary = 0, last_referenced_at = ? WHERE id = ?`

// language=SQL
// dialect=SQLite
const flagImageTemporarySQL = `UPDATE images SET is_temporary = 1 WHERE id = ?`

// language=SQL
// dialect=SQLite
const deleteImageSQL = `DELETE FROM images WHERE id = ?`

// language=SQL
// dialect=SQLite
const countImagesSQL = `SELECT COUNT(*) FROM images`

// language=SQL
// dialect=SQLite
const sumImageBytesSQL = `SELECT COALESCE(SUM(size),0) FROM images`

// StoreImage validates and persists one uploaded image, returning its
// metadata. The payload must carry an image MIME type and fit the size
// cap, otherwise a ValidationError is returned.
//
// The assigned id enters the pending-upload set before anything is
// written and leaves it only when the TTL expires, so a cleanup sweep
// racing the upload (or the note save right after it) cannot collect the
// image. The record itself is written non-temporary with
// lastReferencedAt set to now.
func (s *BlobStore) StoreImage(ctx context.Context, upload domain.ImageUpload) (domain.ImageInfo, error) {
	mt := strings.ToLower(strings.TrimSpace(upload.MIMEType))
	if !strings.HasPrefix(mt, "image/") {
		return domain.ImageInfo{}, &ValidationError{Reason: fmt.Sprintf("unsupported content type %q", upload.MIMEType)}
	}
	if len(upload.Data) == 0 {
		return domain.ImageInfo{}, &ValidationError{Reason: "empty image payload"}
	}
	if int64(len(upload.Data)) > s.maxUpload {
		return domain.ImageInfo{}, &ValidationError{Reason: fmt.Sprintf("image size %d exceeds limit of %d bytes", len(upload.Data), s.maxUpload)}
	}

	id := domain.NewImageID()
	s.addPending(id)

	w, h := probeDimensions(upload.Data)
	now := domain.NowMillis()
	info := domain.ImageInfo{
		ID:               id,
		Filename:         upload.Filename,
		MIMEType:         mt,
		Size:             int64(len(upload.Data)),
		Width:            w,
		Height:           h,
		UploadedAt:       now,
		IsTemporary:      false,
		LastReferencedAt: &now,
	}
	err := s.conn.withRetry(ctx, "store_image", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, insertImageSQL, info.ID, info.Filename, info.MIMEType, info.Size, info.Width, info.Height, upload.Data, info.UploadedAt, now)
		return err
	})
	if err != nil {
		return domain.ImageInfo{}, err
	}
	s.log.Debug("image stored", slog.String("id", id), slog.Int64("size", info.Size), slog.String("mime", mt))
	return info, nil
}

// MarkImageReferenced refreshes reference bookkeeping for an image: the
// temporary flag is cleared and lastReferencedAt moves to now. Called on
// note save, on display, and by the cleanup sweep when it keeps an image.
// Unknown ids are a successful no-op.
func (s *BlobStore) MarkImageReferenced(ctx context.Context, id string) error {
	return s.conn.withRetry(ctx, "mark_referenced", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, touchImageSQL, domain.NowMillis(), id)
		return err
	})
}

// MarkImageTemporary flags an image as staged. A temporary image becomes
// eligible for the safe cleanup sweep once the grace period passes with
// no reference. Unknown ids are a successful no-op.
func (s *BlobStore) MarkImageTemporary(ctx context.Context, id string) error {
	return s.conn.withRetry(ctx, "mark_temporary", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, flagImageTemporarySQL, id)
		return err
	})
}

// Image returns the full stored image including its payload, or nil when
// the id is unknown. Absence is not an error.
func (s *BlobStore) Image(ctx context.Context, id string) (*domain.StoredImage, error) {
	var out *domain.StoredImage
	err := s.conn.withRetry(ctx, "get_image", func(ctx context.Context, db *sql.DB) error {
		out = nil
		var img domain.StoredImage
		var temp int
		var lastRef sql.NullInt64
		err := db.QueryRowContext(ctx, getImageSQL, id).Scan(
			&img.ID, &img.Filename, &img.MIMEType, &img.Size, &img.Width, &img.Height,
			&img.Data, &img.UploadedAt, &temp, &lastRef)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		img.IsTemporary = temp != 0
		if lastRef.Valid {
			v := lastRef.Int64
			img.LastReferencedAt = &v
		}
		out = &img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ImageInfo returns the metadata projection without the payload, or nil
// when the id is unknown. Absence is not an error.
func (s *BlobStore) ImageInfo(ctx context.Context, id string) (*domain.ImageInfo, error) {
	var out *domain.ImageInfo
	err := s.conn.withRetry(ctx, "get_image_info", func(ctx context.Context, db *sql.DB) error {
		out = nil
		var info domain.ImageInfo
		var temp int
		var lastRef sql.NullInt64
		err := db.QueryRowContext(ctx, getImageInfoSQL, id).Scan(
			&info.ID, &info.Filename, &info.MIMEType, &info.Size, &info.Width, &info.Height,
			&info.UploadedAt, &temp, &lastRef)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		info.IsTemporary = temp != 0
		if lastRef.Valid {
			v := lastRef.Int64
			info.LastReferencedAt = &v
		}
		out = &info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListImageInfo returns metadata for every stored image, newest upload
// first.
func (s *BlobStore) ListImageInfo(ctx context.Context) ([]domain.ImageInfo, error) {
	var out []domain.ImageInfo
	err := s.conn.withRetry(ctx, "list_image_info", func(ctx context.Context, db *sql.DB) error {
		out = out[:0]
		rows, err := db.QueryContext(ctx, listImageInfoSQL)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var info domain.ImageInfo
			var temp int
			var lastRef sql.NullInt64
			if err := rows.Scan(
				&info.ID, &info.Filename, &info.MIMEType, &info.Size, &info.Width, &info.Height,
				&info.UploadedAt, &temp, &lastRef); err != nil {
				return err
			}
			info.IsTemporary = temp != 0
			if lastRef.Valid {
				v := lastRef.Int64
				info.LastReferencedAt = &v
			}
			out = append(out, info)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ImageCount returns the number of stored images.
func (s *BlobStore) ImageCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.withRetry(ctx, "count_images", func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, countImagesSQL).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// TotalImageBytes returns the summed payload size of all stored images.
func (s *BlobStore) TotalImageBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.conn.withRetry(ctx, "sum_image_bytes", func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, sumImageBytesSQL).Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DeleteImage removes an image together with its cached artifacts: the
// ephemeral handle is revoked and cached thumbnails are dropped alongside
// the row. Deleting an unknown id is not an error.
func (s *BlobStore) DeleteImage(ctx context.Context, id string) error {
	s.RevokeHandle(id)
	return s.conn.withRetry(ctx, "delete_image", func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, deleteThumbnailsForImageSQL, id); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, deleteImageSQL, id)
		return err
	})
}

// Handle returns a filesystem path the display layer can use to render
// the image without re-reading the store. Handles are cached per image
// and stay valid until revoked. An unknown id or a failed materialization
// yields "" after a log line; display falls back to nothing rather than
// failing the caller.
func (s *BlobStore) Handle(ctx context.Context, id string) string {
	s.mu.Lock()
	if p, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return p
	}
	s.mu.Unlock()

	img, err := s.Image(ctx, id)
	if err != nil {
		s.log.Warn("handle lookup failed", slog.String("id", id), slog.Any("err", err))
		return ""
	}
	if img == nil {
		s.log.Warn("handle requested for unknown image", slog.String("id", id))
		return ""
	}
	path := filepath.Join(s.handleDir, id+extForMIME(img.MIMEType))
	if err := writeFileAtomic(path, img.Data); err != nil {
		s.log.Error("write handle failed", slog.String("id", id), slog.Any("err", err))
		return ""
	}

	// Re-check after the write: a concurrent caller may have produced
	// the handle first. Paths are deterministic per id, so keep the
	// cached entry either way.
	s.mu.Lock()
	if p, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return p
	}
	s.handles[id] = path
	s.mu.Unlock()

	if err := s.MarkImageReferenced(ctx, id); err != nil {
		s.log.Warn("mark referenced on display failed", slog.String("id", id), slog.Any("err", err))
	}
	return path
}

// RevokeHandle invalidates the cached handle for id and removes its
// backing file. Revoking an id without a handle is a no-op.
func (s *BlobStore) RevokeHandle(id string) {
	s.mu.Lock()
	path, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if ok {
		_ = os.Remove(path)
	}
}

// RevokeAllHandles sweeps the whole handle cache. Called on store close
// and when the application loses visibility.
func (s *BlobStore) RevokeAllHandles() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.handles))
	for _, p := range s.handles {
		paths = append(paths, p)
	}
	s.handles = make(map[string]string)
	s.mu.Unlock()
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// addPending registers id in the pending-upload set. The entry expires on
// its own after the TTL; nothing removes it earlier.
func (s *BlobStore) addPending(id string) {
	until := time.Now().Add(s.pendingTTL)
	t := time.AfterFunc(s.pendingTTL, func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	})
	s.mu.Lock()
	if e, ok := s.pending[id]; ok {
		e.timer.Stop()
	}
	s.pending[id] = pendingUpload{until: until, timer: t}
	s.mu.Unlock()
}

// isPending reports whether id is still inside its pending-upload window.
func (s *BlobStore) isPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	return ok && time.Now().Before(e.until)
}

// probeDimensions decodes only the image header. Unknown or exotic
// formats simply yield zero dimensions.
func probeDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// extForMIME picks a file extension for handle files so external viewers
// sniff the format correctly.
func extForMIME(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".img"
	}
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over the destination.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handle dir: %w", err)
	}
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), rand.Int()))
	if err := writeFileSync(temp, data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	// On Windows, replace by removing destination first if needed
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}
