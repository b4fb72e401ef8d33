/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"notedown/internal/domain"
)

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer func() { _ = zr.Close() }()
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		r, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = data
	}
	return out
}

func TestExportNotesBundle_PackagesNotesAndImages(t *testing.T) {
	ctx := context.Background()
	records := newTestRecords(t)
	blobs := newTestBlobs(t)

	img, err := blobs.StoreImage(ctx, domain.ImageUpload{Filename: "map.png", MIMEType: "image/png", Data: pngBytes(t, 16, 16)})
	if err != nil {
		t.Fatalf("store image: %v", err)
	}
	if _, err := records.CreateNote(ctx, domain.NoteDraft{
		Title:   "Trip plan",
		Content: fmt.Sprintf("Route:\n\n![map](blob:%s)\n", img.ID),
	}); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if _, err := records.CreateNote(ctx, domain.NoteDraft{Title: "Groceries", Content: "- milk\n- bread\n"}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	out := filepath.Join(t.TempDir(), "notes-bundle.zip")
	if err := ExportNotesBundle(ctx, records, blobs, out, BundleOptions{}); err != nil {
		t.Fatalf("export: %v", err)
	}

	files := readZip(t, out)
	wantImage := "images/" + img.ID + ".png"
	for _, name := range []string{"notes/trip-plan.md", "notes/groceries.md", wantImage, "bundle.json"} {
		if _, ok := files[name]; !ok {
			t.Fatalf("archive missing %s; has %v", name, keysOf(files))
		}
	}

	note := string(files["notes/trip-plan.md"])
	if !strings.Contains(note, "# Trip plan") {
		t.Fatalf("note lacks heading:\n%s", note)
	}
	if !strings.Contains(note, "![map](../"+wantImage+")") {
		t.Fatalf("image reference not rewritten:\n%s", note)
	}
	if strings.Contains(note, "blob:") {
		t.Fatalf("raw blob reference left behind:\n%s", note)
	}
	if len(files[wantImage]) == 0 {
		t.Fatalf("image payload empty")
	}

	var manifest bundleManifest
	if err := json.Unmarshal(files["bundle.json"], &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest.TotalNotes != 2 || manifest.TotalImages != 1 || manifest.Version == "" {
		t.Fatalf("manifest off: %+v", manifest)
	}
}

func TestExportNotesBundle_MissingImageLeftUntouched(t *testing.T) {
	ctx := context.Background()
	records := newTestRecords(t)
	blobs := newTestBlobs(t)

	if _, err := records.CreateNote(ctx, domain.NoteDraft{Title: "Dangling", Content: "![gone](blob:img_gone)"}); err != nil {
		t.Fatalf("create note: %v", err)
	}
	out := filepath.Join(t.TempDir(), "bundle.zip")
	if err := ExportNotesBundle(ctx, records, blobs, out, BundleOptions{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	files := readZip(t, out)
	note := string(files["notes/dangling.md"])
	if !strings.Contains(note, "![gone](blob:img_gone)") {
		t.Fatalf("missing-image reference was rewritten:\n%s", note)
	}
	for name := range files {
		if strings.HasPrefix(name, "images/") {
			t.Fatalf("unexpected image entry %s", name)
		}
	}
}

func TestExportNotesBundle_UniqueFilenames(t *testing.T) {
	ctx := context.Background()
	records := newTestRecords(t)

	for _, title := range []string{"Same", "Same", ""} {
		if _, err := records.CreateNote(ctx, domain.NoteDraft{Title: title, Content: "x"}); err != nil {
			t.Fatalf("create note: %v", err)
		}
	}
	out := filepath.Join(t.TempDir(), "bundle.zip")
	if err := ExportNotesBundle(ctx, records, nil, out, BundleOptions{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	files := readZip(t, out)
	var noteNames []string
	for name := range files {
		if strings.HasPrefix(name, "notes/") {
			noteNames = append(noteNames, name)
		}
	}
	if len(noteNames) != 3 {
		t.Fatalf("expected 3 note files, got %v", noteNames)
	}
	for _, want := range []string{"notes/same.md", "notes/same-2.md", "notes/note.md"} {
		if _, ok := files[want]; !ok {
			t.Fatalf("missing %s in %v", want, noteNames)
		}
	}
}

func TestExportNotesBundle_FiltersByID(t *testing.T) {
	ctx := context.Background()
	records := newTestRecords(t)

	keep, err := records.CreateNote(ctx, domain.NoteDraft{Title: "Keep", Content: "yes"})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if _, err := records.CreateNote(ctx, domain.NoteDraft{Title: "Drop", Content: "no"}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	out := filepath.Join(t.TempDir(), "bundle.zip")
	if err := ExportNotesBundle(ctx, records, nil, out, BundleOptions{IDs: []string{keep.ID}}); err != nil {
		t.Fatalf("export: %v", err)
	}
	files := readZip(t, out)
	if _, ok := files["notes/keep.md"]; !ok {
		t.Fatalf("filtered note missing: %v", keysOf(files))
	}
	if _, ok := files["notes/drop.md"]; ok {
		t.Fatalf("unselected note was exported")
	}

	var manifest bundleManifest
	if err := json.Unmarshal(files["bundle.json"], &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest.TotalNotes != 1 {
		t.Fatalf("manifest counts %d notes, want 1", manifest.TotalNotes)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
