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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"notedown/internal/domain"
	"notedown/internal/storage"
)

// MergeMode selects how import records that collide with existing ids
// are handled.
type MergeMode string

const (
	// MergeModeMerge creates a record only when its id is absent from
	// the store; colliding records are skipped silently.
	MergeModeMerge MergeMode = "merge"
	// MergeModeOverwrite updates the existing record in place, or
	// creates it as a new record (with a fresh id) when the id is
	// unknown.
	MergeModeOverwrite MergeMode = "overwrite"
)

// importChunkSize is how many note records are applied between two
// cancellation checks.
const importChunkSize = 1000

// ImportOptions selects which snapshot sections to apply and how note
// conflicts resolve.
type ImportOptions struct {
	Mode     MergeMode
	Notes    bool
	Settings bool
}

// DefaultImportOptions imports everything in merge mode.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{Mode: MergeModeMerge, Notes: true, Settings: true}
}

// PreviewResult describes an import file without applying it. When the
// file fails structural validation, Valid is false and Error carries
// the reason.
type PreviewResult struct {
	Valid         bool
	Version       string
	TotalNotes    int
	ExistingNotes int
	NewNotes      int
	SettingKeys   []string
	Error         string
}

// ImportedCounts tallies applied snapshot records.
type ImportedCounts struct {
	Notes    int
	Settings int
}

// ImportResult is the structured outcome of a mutating import. Errors
// abort the run; Warnings record skipped or failed individual records
// in an otherwise successful run. A cancelled run reports ErrCancelled
// in Errors and keeps the counts of the chunks committed before the
// abort.
type ImportResult struct {
	Success  bool
	Imported ImportedCounts
	Errors   []string
	Warnings []string
}

// Cancelled reports whether the run was aborted by its context.
func (r ImportResult) Cancelled() bool {
	for _, e := range r.Errors {
		if e == ErrCancelled.Error() {
			return true
		}
	}
	return false
}

// Preview inspects an import payload without mutating anything: it
// validates the envelope, counts how many note records would collide
// with existing ids, and lists the setting keys carried with non-null
// values.
func (m *Manager) Preview(ctx context.Context, name string, data []byte) PreviewResult {
	snap, err := m.checkSnapshot(name, data)
	if err != nil {
		m.log.Warn("import preview rejected file", slog.String("name", name), slog.Any("err", err))
		return PreviewResult{Error: err.Error()}
	}
	existing, err := m.noteIDSet(ctx)
	if err != nil {
		return PreviewResult{Error: fmt.Sprintf("read existing notes: %v", err)}
	}
	res := PreviewResult{
		Valid:      true,
		Version:    snap.Version,
		TotalNotes: len(snap.Notes),
	}
	for _, raw := range snap.Notes {
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.ID != "" && existing[probe.ID] {
			res.ExistingNotes++
		}
	}
	res.NewNotes = res.TotalNotes - res.ExistingNotes
	for key, value := range snap.Settings {
		if settingIsNull(value) {
			continue
		}
		res.SettingKeys = append(res.SettingKeys, key)
	}
	sort.Strings(res.SettingKeys)
	return res
}

// PreviewFile reads path and previews its contents.
func (m *Manager) PreviewFile(ctx context.Context, path string) PreviewResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return PreviewResult{Error: fmt.Sprintf("read %s: %v", path, err)}
	}
	return m.Preview(ctx, filepath.Base(path), data)
}

// Import applies a snapshot to the stores. Notes are processed in
// chunks with a cancellation check before each one; a cancelled run
// reports ErrCancelled and keeps the chunks already committed, and a
// chunk that was underway still completes in full. A failing
// individual record becomes a warning and never aborts the run. After
// notes were imported, a safe image sweep removes blobs the merged
// content no longer references.
func (m *Manager) Import(ctx context.Context, name string, data []byte, opts ImportOptions, progress ProgressFunc) ImportResult {
	var res ImportResult
	switch opts.Mode {
	case MergeModeMerge, MergeModeOverwrite:
	case "":
		opts.Mode = MergeModeMerge
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("unknown merge mode %q", opts.Mode))
		return res
	}

	progress.report(5, "validating backup")
	snap, err := m.checkSnapshot(name, data)
	if err != nil {
		m.log.Warn("import rejected file", slog.String("name", name), slog.Any("err", err))
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	if opts.Notes && len(snap.Notes) > 0 {
		existing, err := m.noteIDSet(ctx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("read existing notes: %v", err))
			return res
		}
		total := len(snap.Notes)
		for start := 0; start < total; start += m.chunkSize {
			if ctx.Err() != nil {
				m.log.Warn("import cancelled",
					slog.Int("imported", res.Imported.Notes),
					slog.Int("total", total))
				res.Errors = append(res.Errors, ErrCancelled.Error())
				return res
			}
			end := start + m.chunkSize
			if end > total {
				end = total
			}
			for _, raw := range snap.Notes[start:end] {
				imported, warn := m.importNote(ctx, raw, opts.Mode, existing)
				if warn != "" {
					res.Warnings = append(res.Warnings, warn)
				}
				if imported {
					res.Imported.Notes++
				}
			}
			progress.report(10+(end*70)/total, fmt.Sprintf("imported %d of %d notes", end, total))
		}
	}

	if opts.Settings && len(snap.Settings) > 0 {
		// Settings start a fresh phase; honor a cancellation that
		// landed during the last note chunk.
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ErrCancelled.Error())
			return res
		}
		progress.report(85, "importing settings")
		// Once entered, the phase runs whole.
		setCtx := context.WithoutCancel(ctx)
		for _, key := range sortedKeys(snap.Settings) {
			value := snap.Settings[key]
			if settingIsNull(value) {
				continue
			}
			if err := m.records.SetSetting(setCtx, key, value); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("setting %s: %v", key, err))
				continue
			}
			res.Imported.Settings++
		}
	}

	res.Success = true
	if opts.Notes && res.Imported.Notes > 0 {
		m.sweepAfterImport(ctx)
	}
	progress.report(100, "import complete")
	m.log.Info("import complete",
		slog.String("mode", string(opts.Mode)),
		slog.Int("notes", res.Imported.Notes),
		slog.Int("settings", res.Imported.Settings),
		slog.Int("warnings", len(res.Warnings)))
	return res
}

// ImportFile reads path and imports its contents.
func (m *Manager) ImportFile(ctx context.Context, path string, opts ImportOptions, progress ProgressFunc) ImportResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{Errors: []string{fmt.Sprintf("read %s: %v", path, err)}}
	}
	return m.Import(ctx, filepath.Base(path), data, opts, progress)
}

// importNote applies one raw note record under the given mode. It
// returns whether a record was written and a warning message when the
// record had to be skipped for a reason worth surfacing.
func (m *Manager) importNote(ctx context.Context, raw json.RawMessage, mode MergeMode, existing map[string]bool) (bool, string) {
	// Cancellation is honored at chunk boundaries only; a record that
	// started applying always lands.
	ctx = context.WithoutCancel(ctx)
	n, err := decodeNote(raw)
	if err != nil {
		return false, fmt.Sprintf("skipping malformed note: %v", err)
	}
	switch mode {
	case MergeModeOverwrite:
		if n.ID != "" {
			patch := domain.NotePatch{Title: &n.Title, Content: &n.Content, Date: &n.Date, Emotion: &n.Emotion}
			_, err := m.records.UpdateNote(ctx, n.ID, patch)
			if err == nil {
				return true, ""
			}
			if !storage.IsNotFound(err) {
				return false, fmt.Sprintf("note %s: %v", n.ID, err)
			}
			// Unknown id: fall through and create as new.
		}
		created, err := m.records.CreateNote(ctx, domain.NoteDraft{Title: n.Title, Content: n.Content, Date: n.Date, Emotion: n.Emotion})
		if err != nil {
			return false, fmt.Sprintf("note %s: %v", n.ID, err)
		}
		existing[created.ID] = true
		return true, ""
	default: // merge
		if n.ID != "" && existing[n.ID] {
			return false, ""
		}
		if err := m.records.RestoreNote(ctx, n); err != nil {
			return false, fmt.Sprintf("note %s: %v", n.ID, err)
		}
		existing[n.ID] = true
		return true, ""
	}
}

func (m *Manager) noteIDSet(ctx context.Context) (map[string]bool, error) {
	ids, err := m.records.NoteIDs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// sweepAfterImport runs the routine safe cleanup over the merged note
// content, so blobs the import made unreferenced age out normally.
// Best-effort: failures are logged, never surfaced.
func (m *Manager) sweepAfterImport(ctx context.Context) {
	if m.blobs == nil {
		return
	}
	notes, err := m.records.ListNotes(ctx)
	if err != nil {
		m.log.Warn("post-import sweep: reading notes failed", slog.Any("err", err))
		return
	}
	removed, err := m.blobs.SafeCleanup(ctx, storage.ReferencedImageIDs(notes))
	if err != nil {
		m.log.Warn("post-import sweep failed", slog.Any("err", err))
		return
	}
	if removed > 0 {
		m.log.Info("post-import sweep removed images", slog.Int("count", removed))
	}
}

func settingIsNull(value json.RawMessage) bool {
	return len(value) == 0 || string(value) == "null"
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
