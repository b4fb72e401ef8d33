/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExportResult is the structured outcome of a snapshot export. Err is
// set and Success false on any failure; nothing panics.
type ExportResult struct {
	Success  bool
	Path     string
	Filename string
	Notes    int
	Settings int
	Size     int64
	Err      error
}

// Export serializes the full persistent state (all notes plus the
// known settings) into a timestamped JSON snapshot and hands it to the
// configured Saver. The snapshot is refused before saving when its
// serialized size exceeds the transfer limit.
func (m *Manager) Export(ctx context.Context, progress ProgressFunc) ExportResult {
	fail := func(err error) ExportResult {
		m.log.Error("export failed", slog.Any("err", err))
		return ExportResult{Err: err}
	}
	if m.saver == nil {
		return fail(errors.New("no saver configured"))
	}

	progress.report(10, "opening store")
	if err := m.records.Init(ctx); err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}

	progress.report(20, "reading notes")
	progress.report(50, "reading settings")
	snap, err := m.buildSnapshot(ctx)
	if err != nil {
		return fail(err)
	}

	progress.report(70, "assembling backup")
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("encode snapshot: %w", err))
	}

	progress.report(80, "checking size")
	if int64(len(data)) > m.maxBytes {
		return fail(&SizeLimitError{Size: int64(len(data)), Limit: m.maxBytes})
	}

	progress.report(90, "saving backup")
	name := exportFilename(time.Now())
	path, err := m.saver.Save(name, data)
	if err != nil {
		return fail(fmt.Errorf("save snapshot: %w", err))
	}

	progress.report(100, "export complete")
	m.log.Info("export complete",
		slog.String("path", path),
		slog.Int("notes", len(snap.Notes)),
		slog.Int("settings", len(snap.Settings)),
		slog.Int("bytes", len(data)))
	return ExportResult{
		Success:  true,
		Path:     path,
		Filename: name,
		Notes:    len(snap.Notes),
		Settings: len(snap.Settings),
		Size:     int64(len(data)),
	}
}

func exportFilename(now time.Time) string {
	return fmt.Sprintf("notes_backup_%s%s", now.Format("2006-01-02"), snapshotExt)
}
