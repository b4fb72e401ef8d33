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
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"notedown/docs"
	"notedown/internal/domain"
	"notedown/internal/storage"
	"notedown/internal/version"
)

const (
	// maxSnapshotBytes bounds serialized snapshots in both directions.
	maxSnapshotBytes = 50 * 1024 * 1024

	snapshotExt = ".json"

	// noteShapeProbe bounds the per-note structural check so huge
	// backups do not pay a full second decode during validation.
	noteShapeProbe = 10
)

// rawSnapshot is the decoded envelope with note records left raw, so
// one malformed record cannot poison the whole import.
type rawSnapshot struct {
	Version    string                     `json:"version"`
	ExportDate string                     `json:"exportDate"`
	Notes      []json.RawMessage          `json:"notes"`
	Settings   map[string]json.RawMessage `json:"settings"`
}

// buildSnapshot assembles the export envelope from the record store.
// Individual setting failures are logged and omitted rather than
// failing the export.
func (m *Manager) buildSnapshot(ctx context.Context) (domain.Snapshot, error) {
	notes, err := m.records.ListNotes(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read notes: %w", err)
	}
	settings := make(map[string]json.RawMessage)
	for _, key := range domain.KnownSettingKeys() {
		value, err := m.records.Setting(ctx, key)
		if err != nil {
			m.log.Warn("skipping setting during export", "key", key, "err", err)
			continue
		}
		if value != nil {
			settings[key] = value
		}
	}
	return domain.Snapshot{
		Version:    domain.SnapshotVersion,
		ExportDate: time.Now().UTC().Format(time.RFC3339),
		Notes:      notes,
		Settings:   settings,
		Metadata: domain.SnapshotMetadata{
			TotalNotes: len(notes),
			ExportedBy: "notedown",
			AppVersion: version.Version,
		},
	}, nil
}

// checkSnapshot runs the full acceptance gauntlet on an incoming file:
// extension, size, JSON parse, envelope schema, then a shape probe over
// the leading note records.
func (m *Manager) checkSnapshot(name string, data []byte) (*rawSnapshot, error) {
	if ext := filepath.Ext(name); !strings.EqualFold(ext, snapshotExt) {
		return nil, &storage.ValidationError{Reason: fmt.Sprintf("unsupported file type %q, expected %s", ext, snapshotExt)}
	}
	if int64(len(data)) > m.maxBytes {
		return nil, &SizeLimitError{Size: int64(len(data)), Limit: m.maxBytes}
	}
	var snap rawSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &ParseError{Err: err}
	}
	if err := validateEnvelope(data); err != nil {
		return nil, err
	}
	for i, raw := range snap.Notes {
		if i >= noteShapeProbe {
			break
		}
		if err := noteShape(raw); err != nil {
			return nil, &storage.ValidationError{Reason: fmt.Sprintf("note %d: %v", i, err)}
		}
	}
	return &snap, nil
}

func validateEnvelope(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(docs.BackupSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return &storage.ValidationError{Reason: fmt.Sprintf("schema check failed: %v", err)}
	}
	if !result.Valid() {
		return &storage.ValidationError{Reason: fmt.Sprintf("envelope: %s", result.Errors()[0])}
	}
	return nil
}

// noteShape checks one raw note record for the field types the import
// relies on, without requiring every field to be present.
func noteShape(raw json.RawMessage) error {
	var probe struct {
		ID        any `json:"id"`
		Title     any `json:"title"`
		Content   any `json:"content"`
		CreatedAt any `json:"createdAt"`
		UpdatedAt any `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("not an object: %w", err)
	}
	for field, v := range map[string]any{"id": probe.ID, "title": probe.Title, "content": probe.Content} {
		if v == nil {
			continue
		}
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s must be a string", field)
		}
	}
	for field, v := range map[string]any{"createdAt": probe.CreatedAt, "updatedAt": probe.UpdatedAt} {
		if v == nil {
			continue
		}
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("%s must be a number", field)
		}
	}
	return nil
}

// decodeNote fully decodes one raw note record for import.
func decodeNote(raw json.RawMessage) (domain.Note, error) {
	var n domain.Note
	if err := json.Unmarshal(raw, &n); err != nil {
		return domain.Note{}, err
	}
	return n, nil
}
