/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notedown/internal/domain"
	"notedown/internal/markdown"
	"notedown/internal/storage"
	"notedown/internal/version"
)

// BundleOptions controls Markdown bundle export behavior.
type BundleOptions struct {
	IDs        []string // if empty, export all notes
	OmitImages bool     // leave image references untouched, ship no images/
}

// ExportNotesBundle packages the selected notes as standalone Markdown
// files into a ZIP archive at outPath. Referenced images that exist in
// the blob store are shipped under images/ and the references in the
// note files are rewritten to point at them; references to missing
// blobs are left as-is. A bundle.json manifest describes the archive.
func ExportNotesBundle(ctx context.Context, records *storage.RecordStore, blobs *storage.BlobStore, outPath string, opt BundleOptions) error {
	if records == nil {
		return fmt.Errorf("record store is nil")
	}
	notes, err := selectNotes(ctx, records, opt.IDs)
	if err != nil {
		return err
	}

	// Resolve every referenced image once, across all selected notes.
	images := make(map[string]*domain.StoredImage)
	archived := make(map[string]string) // image id -> path inside the archive
	if !opt.OmitImages && blobs != nil {
		for _, n := range notes {
			for _, id := range markdown.ExtractImageIDs(n.Content) {
				if _, seen := images[id]; seen {
					continue
				}
				img, err := blobs.Image(ctx, id)
				if err != nil {
					return fmt.Errorf("load image %s: %w", id, err)
				}
				if img == nil {
					continue
				}
				images[id] = img
				archived[id] = "images/" + id + bundleImageExt(img.ImageInfo)
			}
		}
	}

	if !strings.HasSuffix(strings.ToLower(outPath), ".zip") {
		outPath += ".zip"
	}
	zw, f, err := createZip(outPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	usedNames := make(map[string]bool)
	for _, n := range notes {
		name := "notes/" + uniqueName(usedNames, slugify(n.Title)) + ".md"
		content := markdown.RewriteImageRefs(n.Content, func(id string) string {
			path, ok := archived[id]
			if !ok {
				return ""
			}
			// Note files live one level down from the archive root.
			return "../" + path
		})
		if err := addZipFile(zw, name, []byte(noteMarkdown(n, content))); err != nil {
			return fmt.Errorf("zip add note: %w", err)
		}
	}

	for id, img := range images {
		if err := addZipFile(zw, archived[id], img.Data); err != nil {
			return fmt.Errorf("zip add image: %w", err)
		}
	}

	manifest, err := json.MarshalIndent(bundleManifest{
		Version:     domain.SnapshotVersion,
		ExportDate:  time.Now().UTC().Format(time.RFC3339),
		TotalNotes:  len(notes),
		TotalImages: len(images),
		ExportedBy:  "notedown",
		AppVersion:  version.Version,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	if err := addZipFile(zw, "bundle.json", manifest); err != nil {
		return fmt.Errorf("zip add manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

type bundleManifest struct {
	Version     string `json:"version"`
	ExportDate  string `json:"exportDate"`
	TotalNotes  int    `json:"totalNotes"`
	TotalImages int    `json:"totalImages"`
	ExportedBy  string `json:"exportedBy"`
	AppVersion  string `json:"appVersion"`
}

// noteMarkdown renders one note as a standalone Markdown document:
// title heading, a metadata line, then the (rewritten) content.
func noteMarkdown(n domain.Note, content string) string {
	var b strings.Builder
	heading := n.Title
	if strings.TrimSpace(heading) == "" {
		heading = "Untitled note"
	}
	b.WriteString("# ")
	b.WriteString(heading)
	b.WriteString("\n\n")
	if meta := noteMetaLine(n); meta != "" {
		b.WriteString("_")
		b.WriteString(meta)
		b.WriteString("_\n\n")
	}
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func createZip(outPath string) (*zip.Writer, *os.File, error) {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("ensure out dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create bundle: %w", err)
	}
	return zip.NewWriter(f), f, nil
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// slugify reduces a title to a short filesystem- and archive-safe
// name.
func slugify(title string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	out := b.String()
	if out == "" {
		return "note"
	}
	if len(out) > 48 {
		out = strings.TrimRight(out[:48], "-")
	}
	return out
}

func uniqueName(used map[string]bool, base string) string {
	name := base
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	used[name] = true
	return name
}

func bundleImageExt(info domain.ImageInfo) string {
	switch strings.ToLower(info.MIMEType) {
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
	}
	if ext := filepath.Ext(info.Filename); ext != "" {
		return ext
	}
	return ".bin"
}
