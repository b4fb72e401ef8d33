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
	"image/png"
	"log/slog"
	"time"

	"golang.org/x/image/draw"
)

const (
	// defaultThumbMaxPx is the bounding-box edge used when a caller
	// passes no explicit size.
	defaultThumbMaxPx = 256

	// defaultThumbCacheBytes caps the thumbnail cache before LRU
	// eviction kicks in.
	defaultThumbCacheBytes = 64 * 1024 * 1024
)

// language=SQL
// dialect=SQLite
const getThumbnailSQL = `SELECT data FROM thumbnails WHERE image_id = ? AND max_px = ?`

// language=SQL
// dialect=SQLite
const touchThumbnailSQL = `UPDATE thumbnails SET last_access = ? WHERE image_id = ? AND max_px = ?`

// language=SQL
// dialect=SQLite
const upsertThumbnailSQL = `INSERT INTO thumbnails(image_id, max_px, data, size, last_access) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(image_id, max_px) DO UPDATE SET data=excluded.data, size=excluded.size, last_access=excluded.last_access`

// language=SQL
// dialect=SQLite
const deleteThumbnailsForImageSQL = `DELETE FROM thumbnails WHERE image_id = ?`

// language=SQL
// dialect=SQLite
const sumThumbnailBytesSQL = `SELECT COALESCE(SUM(size),0) FROM thumbnails`

// Thumbnail returns a raster preview of the image fitting inside a
// maxPx square, generating and caching it on first use. Results for an
// image that already fits are the original payload, uncached. An unknown
// id yields nil without error.
//
// Cached thumbnails are PNG regardless of the source format. Cache write
// failures degrade to uncached generation rather than failing the call.
func (s *BlobStore) Thumbnail(ctx context.Context, id string, maxPx int) ([]byte, error) {
	if maxPx <= 0 {
		maxPx = defaultThumbMaxPx
	}

	var cached []byte
	err := s.conn.withRetry(ctx, "get_thumbnail", func(ctx context.Context, db *sql.DB) error {
		cached = nil
		var data []byte
		err := db.QueryRowContext(ctx, getThumbnailSQL, id, maxPx).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		// touch
		now := time.Now().UTC().Format(time.RFC3339)
		_, _ = db.ExecContext(ctx, touchThumbnailSQL, now, id, maxPx)
		cached = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	img, err := s.Image(ctx, id)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, nil
	}
	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", id, err)
	}
	b := decoded.Bounds()
	if b.Dx() <= maxPx && b.Dy() <= maxPx {
		return img.Data, nil
	}

	scaled := scaleToFit(decoded, maxPx)
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	data := buf.Bytes()

	err = s.conn.withRetry(ctx, "put_thumbnail", func(ctx context.Context, db *sql.DB) error {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := db.ExecContext(ctx, upsertThumbnailSQL, id, maxPx, data, len(data), now); err != nil {
			return err
		}
		if s.thumbCache > 0 {
			return evictThumbnailsToFit(ctx, db, s.thumbCache)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("cache thumbnail failed", slog.String("id", id), slog.Any("err", err))
	}
	return data, nil
}

// language=SQL
// dialect=SQLite
const clearThumbnailsSQL = `DELETE FROM thumbnails`

// ClearThumbnails drops every cached thumbnail and reports how many rows
// went. The cache is derived data; entries regenerate on demand, so
// clearing it is always safe.
func (s *BlobStore) ClearThumbnails(ctx context.Context) (int, error) {
	var removed int64
	err := s.conn.withRetry(ctx, "clear_thumbnails", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, clearThumbnailsSQL)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// TotalThumbnailBytes returns total bytes tracked by thumbnails.size.
func (s *BlobStore) TotalThumbnailBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.conn.withRetry(ctx, "sum_thumbnail_bytes", func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, sumThumbnailBytesSQL).Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// evictThumbnailsToFit deletes least-recently-used rows until total size
// <= capBytes.
func evictThumbnailsToFit(ctx context.Context, db *sql.DB, capBytes int64) error {
	var total int64
	if err := db.QueryRowContext(ctx, sumThumbnailBytesSQL).Scan(&total); err != nil {
		return fmt.Errorf("sum thumbnails size: %w", err)
	}
	if total <= capBytes {
		return nil
	}
	// Select victim rowids ordered by last_access asc (oldest first), NULLs first
	rows, err := db.QueryContext(ctx, `SELECT rowid, size FROM thumbnails ORDER BY
		CASE WHEN last_access IS NULL THEN 0 ELSE 1 END ASC, last_access ASC`)
	if err != nil {
		return fmt.Errorf("select victims: %w", err)
	}
	toDelete := make([]int64, 0, 32)
	var cur = total
	for rows.Next() {
		var id int64
		var sz int64
		if err := rows.Scan(&id, &sz); err != nil {
			_ = rows.Close()
			return err
		}
		toDelete = append(toDelete, id)
		cur -= sz
		if cur <= capBytes {
			break
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	// Important: close the rows cursor before attempting to write
	if err := rows.Close(); err != nil {
		return err
	}
	if len(toDelete) == 0 {
		return nil
	}
	sqlBase := `DELETE FROM thumbnails WHERE rowid IN (`
	for i := range toDelete {
		if i > 0 {
			sqlBase += ","
		}
		sqlBase += "?"
	}
	sqlBase += ")"
	args := make([]any, len(toDelete))
	for i, v := range toDelete {
		args[i] = v
	}
	if _, err := db.ExecContext(ctx, sqlBase, args...); err != nil {
		return fmt.Errorf("evict delete: %w", err)
	}
	return nil
}

// scaleToFit resamples src so its longer edge equals maxPx, preserving
// aspect ratio.
func scaleToFit(src image.Image, maxPx int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(maxPx) / float64(w)
	if h > w {
		scale = float64(maxPx) / float64(h)
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
