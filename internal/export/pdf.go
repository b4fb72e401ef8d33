/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export renders notes into shareable artifacts: a printable
// PDF and a portable Markdown bundle. Both read from the stores and
// never mutate them.
package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/jung-kurt/gofpdf"

	"notedown/internal/domain"
	"notedown/internal/markdown"
	"notedown/internal/storage"
)

// PDFOptions controls PDF export behavior. Units are points.
//
// Embedded images are limited to the formats the PDF writer accepts
// natively (PNG, JPEG, GIF); other formats render as a placeholder
// line, as does every image when no blob store is supplied.
type PDFOptions struct {
	Title      string   // document title; empty means "Notedown notes"
	OmitImages bool     // render placeholders instead of embedding
	IDs        []string // if empty, export all notes
}

const (
	pdfMargin   = 54.0 // 0.75in
	pdfBodySize = 11.0
	pdfLineH    = 15.0
)

// ExportNotesPDF renders the selected notes, one per page, into a
// single A4 PDF at outPath. blobs may be nil; image references then
// appear as placeholders.
func ExportNotesPDF(ctx context.Context, records *storage.RecordStore, blobs *storage.BlobStore, outPath string, opt PDFOptions) error {
	if records == nil {
		return fmt.Errorf("record store is nil")
	}
	notes, err := selectNotes(ctx, records, opt.IDs)
	if err != nil {
		return err
	}
	title := opt.Title
	if title == "" {
		title = "Notedown notes"
	}

	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetAuthor("Notedown", true)
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pageW, _ := pdf.GetPageSize()
	contentW := pageW - 2*pdfMargin

	if len(notes) == 0 {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "I", pdfBodySize)
		pdf.MultiCell(0, pdfLineH, tr("No notes to export."), "", "L", false)
	}

	for _, n := range notes {
		pdf.AddPage()

		heading := n.Title
		if strings.TrimSpace(heading) == "" {
			heading = "Untitled note"
		}
		pdf.SetFont("Helvetica", "B", 16)
		pdf.MultiCell(0, 20, tr(heading), "", "L", false)

		if meta := noteMetaLine(n); meta != "" {
			pdf.SetFont("Helvetica", "I", 9)
			pdf.SetTextColor(120, 120, 120)
			pdf.MultiCell(0, 12, tr(meta), "", "L", false)
			pdf.SetTextColor(0, 0, 0)
		}
		pdf.Ln(6)

		pdf.SetFont("Helvetica", "", pdfBodySize)
		for _, seg := range markdown.SplitImageRefs(n.Content) {
			if seg.ImageID == "" {
				if seg.Text == "" {
					continue
				}
				pdf.MultiCell(0, pdfLineH, tr(seg.Text), "", "L", false)
				continue
			}
			if !opt.OmitImages && blobs != nil && embedImage(ctx, pdf, blobs, seg.ImageID, contentW) {
				pdf.Ln(6)
				continue
			}
			imagePlaceholder(pdf, tr, seg.Alt)
		}
	}

	// Ensure directory and extension before writing
	if !strings.HasSuffix(strings.ToLower(outPath), ".pdf") {
		outPath += ".pdf"
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// selectNotes loads the notes to render, newest first, optionally
// filtered to the given ids while keeping store order.
func selectNotes(ctx context.Context, records *storage.RecordStore, ids []string) ([]domain.Note, error) {
	notes, err := records.ListNotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	if len(ids) == 0 {
		return notes, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := notes[:0]
	for _, n := range notes {
		if want[n.ID] {
			out = append(out, n)
		}
	}
	return out, nil
}

func noteMetaLine(n domain.Note) string {
	switch {
	case n.Date != "" && n.Emotion != "":
		return fmt.Sprintf("%s (%s)", n.Date, n.Emotion)
	case n.Date != "":
		return n.Date
	case n.Emotion != "":
		return string(n.Emotion)
	}
	return ""
}

// embedImage places one stored image at the current position, scaled
// down to the content width when needed. Returns false when the blob
// is missing or not embeddable; the caller falls back to a
// placeholder.
func embedImage(ctx context.Context, pdf *gofpdf.Fpdf, blobs *storage.BlobStore, id string, maxW float64) bool {
	img, err := blobs.Image(ctx, id)
	if err != nil || img == nil {
		return false
	}
	typ := pdfImageType(img.MIMEType)
	if typ == "" {
		return false
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil || cfg.Width <= 0 {
		return false
	}
	// Natural size at 96dpi screen pixels, in points
	w := float64(cfg.Width) * 72.0 / 96.0
	if w > maxW {
		w = maxW
	}
	opts := gofpdf.ImageOptions{ImageType: typ}
	pdf.RegisterImageOptionsReader(id, opts, bytes.NewReader(img.Data))
	pdf.ImageOptions(id, pdf.GetX(), pdf.GetY(), w, 0, true, opts, 0, "")
	return true
}

func imagePlaceholder(pdf *gofpdf.Fpdf, tr func(string) string, alt string) {
	label := "[image]"
	if strings.TrimSpace(alt) != "" {
		label = fmt.Sprintf("[image: %s]", alt)
	}
	pdf.SetFont("Helvetica", "I", 10)
	pdf.SetTextColor(120, 120, 120)
	pdf.MultiCell(0, 14, tr(label), "", "L", false)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", pdfBodySize)
}

func pdfImageType(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return "PNG"
	case "image/jpeg", "image/jpg":
		return "JPG"
	case "image/gif":
		return "GIF"
	}
	return ""
}
