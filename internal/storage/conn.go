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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"notedown/internal/version"

	"github.com/fsnotify/fsnotify"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// defaultInitTimeout bounds a single open attempt; initialization
	// fails rather than hanging indefinitely.
	defaultInitTimeout = 10 * time.Second

	// retryAttempts and defaultRetryBase shape the per-operation
	// bounded retry: attempt n of [1, retryAttempts) sleeps
	// 2^n * base before running.
	retryAttempts    = 3
	defaultRetryBase = 100 * time.Millisecond

	// versionMarkerSuffix names the sidecar file carrying the schema
	// version of the database next to it. Another process migrating
	// the schema bumps the marker; watchers drop their stale handles.
	versionMarkerSuffix = ".version"
)

// dbconn owns the lifecycle of one SQLite database file: memoized
// single-flight initialization, schema/version bookkeeping, the
// external version-change watch, and the shared retry policy.
//
// Initialization is idempotent: concurrent callers during startup
// observe one underlying open attempt, not a storm of separate opens.
// Close clears the memoized state so a later call re-initializes.
type dbconn struct {
	path        string
	wantVersion int
	initTimeout time.Duration
	retryBase   time.Duration
	setup       func(ctx context.Context, db *sql.DB) error
	log         *slog.Logger

	mu      sync.Mutex
	db      *sql.DB
	opening *inflight
	watcher *fsnotify.Watcher
}

// inflight is the shared result of one open attempt.
type inflight struct {
	done chan struct{}
	err  error
}

func newConn(path string, wantVersion int, initTimeout, retryBase time.Duration, setup func(context.Context, *sql.DB) error, log *slog.Logger) *dbconn {
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &dbconn{
		path:        path,
		wantVersion: wantVersion,
		initTimeout: initTimeout,
		retryBase:   retryBase,
		setup:       setup,
		log:         log,
	}
}

func (c *dbconn) markerPath() string { return c.path + versionMarkerSuffix }

// ensure returns the open database handle, opening it if needed. All
// concurrent callers share a single in-flight open; a failed attempt
// propagates its error to every waiter of that attempt.
func (c *dbconn) ensure(ctx context.Context) (*sql.DB, error) {
	for {
		c.mu.Lock()
		if c.db != nil {
			db := c.db
			c.mu.Unlock()
			return db, nil
		}
		if c.opening != nil {
			fl := c.opening
			c.mu.Unlock()
			select {
			case <-fl.done:
				if fl.err != nil {
					return nil, fl.err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		fl := &inflight{done: make(chan struct{})}
		c.opening = fl
		c.mu.Unlock()

		db, err := c.open()

		c.mu.Lock()
		fl.err = err
		if err == nil {
			c.db = db
			c.startWatcherLocked()
		}
		c.opening = nil
		c.mu.Unlock()
		close(fl.done)

		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// open performs one bounded initialization attempt: directory, DSN,
// pragmas, meta/version tables, store schema and migrations, and the
// version marker write.
func (c *dbconn) open() (*sql.DB, error) {
	l := c.log.With(slog.String("path", c.path))
	ctx, cancel := context.WithTimeout(context.Background(), c.initTimeout)
	defer cancel()

	if strings.TrimSpace(c.path) == "" {
		return nil, &ConnectionError{Op: "open", Err: errors.New("database path is required")}
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		l.Error("create data dir failed", slog.Any("err", err))
		return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("create data dir: %w", err)}
	}

	// Use a URI with shared cache and set busy timeout. Convert to forward slashes for SQLite URI.
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.ToSlash(c.path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("open sqlite: %w", err)}
	}
	// Set reasonable connection pool limits for embedded usage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Ensure WAL mode is active.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("enable WAL: %w", err)}
	}
	// Enforce foreign keys just in case future schema uses them.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		l.Warn("enable foreign_keys failed", slog.Any("err", err))
	}

	// Copy the file aside before a real migration touches it.
	if cur, err := storedSchemaVersion(ctx, db); err == nil && cur > 0 && cur < c.wantVersion {
		backupDatabaseFile(c.path, l)
	}

	if err := ensureMetaAndVersion(ctx, db, c.wantVersion); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	if err := c.setup(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	c.writeVersionMarker(l)

	l.Info("store ready")
	return db, nil
}

// storedSchemaVersion reads the schema version recorded in the
// database, returning 0 for a fresh file.
func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var cur int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil && strings.Contains(strings.ToLower(err.Error()), "no such table"):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return cur, nil
}

// ensureMetaAndVersion creates the bookkeeping tables and seeds or
// refreshes the single version row.
func ensureMetaAndVersion(ctx context.Context, db *sql.DB, schemaVersion int) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	// Seed or update single-row version info
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Insert new row with the current schema version for a fresh DB
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, schemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		// Update app and timestamp only; keep existing schema for migrations
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

// writeVersionMarker publishes this build's schema version next to the
// database file so other processes can detect a migration.
func (c *dbconn) writeVersionMarker(l *slog.Logger) {
	if err := os.WriteFile(c.markerPath(), []byte(strconv.Itoa(c.wantVersion)+"\n"), 0o644); err != nil {
		l.Warn("write version marker failed", slog.Any("err", err))
	}
}

// startWatcherLocked begins watching the database directory for
// external schema-version bumps. Called with c.mu held, once per
// dbconn lifetime (the watcher survives invalidations until Close).
func (c *dbconn) startWatcherLocked() {
	if c.watcher != nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warn("version watcher unavailable", slog.Any("err", err))
		return
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		c.log.Warn("watch data dir failed", slog.Any("err", err))
		_ = w.Close()
		return
	}
	c.watcher = w
	marker := filepath.Base(c.markerPath())
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == marker && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					c.checkVersionMarker()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Debug("version watcher error", slog.Any("err", err))
			}
		}
	}()
}

// checkVersionMarker compares the published marker against this
// build's schema version. A mismatch means another process migrated
// the database; continuing on the stale handle is unsafe, so the
// connection is dropped and the store marked uninitialized.
func (c *dbconn) checkVersionMarker() {
	data, err := os.ReadFile(c.markerPath())
	if err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n == c.wantVersion {
		return
	}
	c.log.Warn("schema version changed externally, closing connection",
		slog.Int("ours", c.wantVersion), slog.Int("marker", n))
	c.invalidate()
}

// invalidate drops the current handle; the next ensure re-opens.
func (c *dbconn) invalidate() {
	c.mu.Lock()
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
	c.mu.Unlock()
}

// withRetry runs fn under the store-wide bounded retry policy: up to
// retryAttempts attempts with 2^attempt * base backoff. A failure that
// indicates a dead connection drops the handle so the next attempt
// re-initializes; permanent failures (validation, not-found,
// cancellation) surface immediately.
func (c *dbconn) withRetry(ctx context.Context, op string, fn func(ctx context.Context, db *sql.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryBase * (1 << attempt)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			c.log.Debug("retrying operation", slog.String("op", op), slog.Int("attempt", attempt+1), slog.Duration("backoff", delay))
		}
		db, err := c.ensure(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err := fn(ctx, db); err != nil {
			lastErr = err
			if isPermanent(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isConnDead(err) {
				c.log.Warn("connection lost, reinitializing", slog.String("op", op), slog.Any("err", err))
				c.invalidate()
			}
			continue
		}
		return nil
	}
	var ce *ConnectionError
	if errors.As(lastErr, &ce) {
		return lastErr
	}
	return &StorageError{Op: op, Err: lastErr}
}

// integrityCheck runs PRAGMA quick_check and reports its verdict.
func (c *dbconn) integrityCheck(ctx context.Context) (string, error) {
	db, err := c.ensure(ctx)
	if err != nil {
		return "", err
	}
	var verdict string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&verdict); err != nil {
		return "", fmt.Errorf("quick_check: %w", err)
	}
	return verdict, nil
}

// Close releases the connection, stops the watcher, and clears the
// memoized initialization so a later call re-opens. Safe to call
// multiple times.
func (c *dbconn) Close() error {
	c.mu.Lock()
	var err error
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watcher = nil
	}
	if c.db != nil {
		err = c.db.Close()
		c.db = nil
	}
	c.mu.Unlock()
	return err
}

// backupDatabaseFile copies the database into a timestamped backup
// under <dir>/backups before a migration rewrites it.
func backupDatabaseFile(dbPath string, l *slog.Logger) {
	bdir := filepath.Join(filepath.Dir(dbPath), "backups")
	_ = os.MkdirAll(bdir, 0o755)
	stamp := time.Now().Format("20060102-150405")
	bak := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", filepath.Base(dbPath), stamp))
	data, err := os.ReadFile(dbPath)
	if err != nil {
		return
	}
	if err := os.WriteFile(bak, data, 0o644); err != nil {
		l.Warn("write migration backup failed", slog.Any("err", err))
		return
	}
	l.Info("migration backup written", slog.String("backup", bak))
}
