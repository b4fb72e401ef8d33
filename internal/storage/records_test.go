/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notedown/internal/domain"
)

func newTestRecordStore(t *testing.T) *RecordStore {
	t.Helper()
	s := NewRecordStore(RecordStoreOptions{
		Path:      filepath.Join(t.TempDir(), "notes.sqlite"),
		RetryBase: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateNoteAssignsIdentityAndTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	n, err := s.CreateNote(ctx, domain.NoteDraft{Title: "First", Content: "body", Emotion: domain.EmotionHappy})
	if err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	if !domain.IsNoteID(n.ID) {
		t.Fatalf("expected note id, got %q", n.ID)
	}
	if n.CreatedAt == 0 || n.CreatedAt != n.UpdatedAt {
		t.Fatalf("expected createdAt == updatedAt at creation, got %d / %d", n.CreatedAt, n.UpdatedAt)
	}
	if n.Date == "" {
		t.Fatalf("expected a default display date")
	}
	got, err := s.NoteByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("NoteByID error: %v", err)
	}
	if got == nil || got.Title != "First" || got.Emotion != domain.EmotionHappy {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestListNotesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		n, err := s.CreateNote(ctx, domain.NoteDraft{Title: title})
		if err != nil {
			t.Fatalf("CreateNote %s: %v", title, err)
		}
		ids = append(ids, n.ID)
		time.Sleep(3 * time.Millisecond) // distinct createdAt
	}
	notes, err := s.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes error: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("expected 3 notes, got %d", len(notes))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if notes[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, notes[i].ID)
		}
	}
}

func TestNoteByIDAbsentIsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	got, err := s.NoteByID(ctx, "note_0_missing")
	if err != nil {
		t.Fatalf("expected no error for absent id, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent id, got %+v", got)
	}
}

func TestUpdateNoteMergesAndBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	n, err := s.CreateNote(ctx, domain.NoteDraft{Title: "Old title", Content: "keep me", Emotion: domain.EmotionCalm})
	if err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	title := "New title"
	emotion := domain.EmotionSad
	updated, err := s.UpdateNote(ctx, n.ID, domain.NotePatch{Title: &title, Emotion: &emotion})
	if err != nil {
		t.Fatalf("UpdateNote error: %v", err)
	}
	if updated.Title != "New title" || updated.Content != "keep me" || updated.Emotion != domain.EmotionSad {
		t.Fatalf("merge mismatch: %+v", updated)
	}
	if updated.ID != n.ID || updated.CreatedAt != n.CreatedAt {
		t.Fatalf("identity changed across update: %+v", updated)
	}
	if updated.UpdatedAt <= n.UpdatedAt {
		t.Fatalf("expected updatedAt to advance: %d -> %d", n.UpdatedAt, updated.UpdatedAt)
	}
}

func TestUpdateNoteMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "only"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	title := "nope"
	_, err := s.UpdateNote(ctx, "note_0_missing", domain.NotePatch{Title: &title})
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	count, err := s.NoteCount(ctx)
	if err != nil {
		t.Fatalf("NoteCount error: %v", err)
	}
	if count != 1 {
		t.Fatalf("failed update must not write, count=%d", count)
	}
}

func TestDeleteNoteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	n, err := s.CreateNote(ctx, domain.NoteDraft{Title: "bye"})
	if err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	if err := s.DeleteNote(ctx, n.ID); err != nil {
		t.Fatalf("DeleteNote error: %v", err)
	}
	if err := s.DeleteNote(ctx, n.ID); err != nil {
		t.Fatalf("second DeleteNote should be a no-op, got %v", err)
	}
	if got, _ := s.NoteByID(ctx, n.ID); got != nil {
		t.Fatalf("note still present after delete")
	}
}

func TestDeleteNotesPartialSet(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	a, _ := s.CreateNote(ctx, domain.NoteDraft{Title: "a"})
	c, _ := s.CreateNote(ctx, domain.NoteDraft{Title: "c"})
	if err := s.DeleteNotes(ctx, []string{a.ID, "note_0_missing", c.ID}); err != nil {
		t.Fatalf("DeleteNotes with one absent id should succeed, got %v", err)
	}
	count, err := s.NoteCount(ctx)
	if err != nil {
		t.Fatalf("NoteCount error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected both present notes deleted, count=%d", count)
	}
}

func TestSearchNotesCaseInsensitiveTitleOrContent(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "Groceries", Content: "milk and eggs"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	time.Sleep(3 * time.Millisecond)
	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "Journal", Content: "Bought GROCERIES today"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}

	hits := s.SearchNotes(ctx, "groceries")
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits on title or content, got %d", len(hits))
	}
	if hits[0].Title != "Journal" {
		t.Fatalf("expected newest hit first, got %q", hits[0].Title)
	}
	if got := s.SearchNotes(ctx, "MILK"); len(got) != 1 {
		t.Fatalf("expected case-insensitive content match, got %d", len(got))
	}
	if got := s.SearchNotes(ctx, ""); len(got) != 2 {
		t.Fatalf("empty query should return all notes, got %d", len(got))
	}
	if got := s.SearchNotes(ctx, "no such text"); len(got) != 0 {
		t.Fatalf("expected no hits, got %d", len(got))
	}
}

func TestSearchNotesTreatsWildcardsLiterally(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "Progress", Content: "migration 100% done"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "Snippet", Content: "rename foo_bar"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}

	if got := s.SearchNotes(ctx, "100%"); len(got) != 1 {
		t.Fatalf("expected literal %% to match one note, got %d", len(got))
	}
	if got := s.SearchNotes(ctx, "o_b"); len(got) != 1 {
		t.Fatalf("expected literal _ to match one note, got %d", len(got))
	}
	if got := s.SearchNotes(ctx, "1_0%"); len(got) != 0 {
		t.Fatalf("expected no pattern matching, got %d hits", len(got))
	}
}

func TestSearchNotesDegradesToEmptyOnFailure(t *testing.T) {
	ctx := context.Background()
	// Point the store at a directory so opening the database file fails.
	s := NewRecordStore(RecordStoreOptions{Path: t.TempDir(), RetryBase: time.Millisecond})
	defer func() { _ = s.Close() }()

	got := s.SearchNotes(ctx, "anything")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty result on storage failure, got %v", got)
	}
}

func TestSettingsUpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	if v, err := s.Setting(ctx, "missing"); err != nil || v != nil {
		t.Fatalf("absent setting should be nil without error, got %v / %v", v, err)
	}
	if err := s.SetSetting(ctx, "fontSize", json.RawMessage(`14`)); err != nil {
		t.Fatalf("SetSetting error: %v", err)
	}
	if err := s.SetSetting(ctx, "fontSize", json.RawMessage(`16`)); err != nil {
		t.Fatalf("SetSetting upsert error: %v", err)
	}
	v, err := s.Setting(ctx, "fontSize")
	if err != nil {
		t.Fatalf("Setting error: %v", err)
	}
	var size int
	if err := json.Unmarshal(v, &size); err != nil || size != 16 {
		t.Fatalf("expected upserted value 16, got %s (%v)", v, err)
	}
	all, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings error: %v", err)
	}
	if _, ok := all["fontSize"]; !ok {
		t.Fatalf("expected fontSize key in settings map: %v", all)
	}
	if err := s.SetSetting(ctx, "  ", json.RawMessage(`1`)); err == nil {
		t.Fatalf("expected validation error for blank key")
	}
}

func TestThemeAccessors(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	theme, err := s.Theme(ctx)
	if err != nil || theme != "" {
		t.Fatalf("expected empty theme on fresh store, got %q (%v)", theme, err)
	}
	if err := s.SetTheme(ctx, "forest"); err != nil {
		t.Fatalf("SetTheme error: %v", err)
	}
	theme, err = s.Theme(ctx)
	if err != nil {
		t.Fatalf("Theme error: %v", err)
	}
	if theme != "forest" {
		t.Fatalf("expected forest, got %q", theme)
	}
}

func TestFirstLaunchSeedRunsOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	done, err := s.HasBeenInitialized(ctx)
	if err != nil || done {
		t.Fatalf("fresh store should be uninitialized, got %v (%v)", done, err)
	}
	seeded, err := s.SeedIfFirstLaunch(ctx)
	if err != nil {
		t.Fatalf("SeedIfFirstLaunch error: %v", err)
	}
	if !seeded {
		t.Fatalf("expected first call to seed")
	}
	count, _ := s.NoteCount(ctx)
	if count != len(DefaultSeedNotes()) {
		t.Fatalf("expected %d seed notes, got %d", len(DefaultSeedNotes()), count)
	}
	seeded, err = s.SeedIfFirstLaunch(ctx)
	if err != nil || seeded {
		t.Fatalf("second call must not seed again, got %v (%v)", seeded, err)
	}
	if again, _ := s.NoteCount(ctx); again != count {
		t.Fatalf("note count changed on repeat seed: %d -> %d", count, again)
	}
}

func TestFirstLaunchSeedSkipsExistingData(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	// Data written by a build that never set the marker.
	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "mine", Content: "precious"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	done, err := s.HasBeenInitialized(ctx)
	if err != nil || !done {
		t.Fatalf("existing notes must count as initialized, got %v (%v)", done, err)
	}
	seeded, err := s.SeedIfFirstLaunch(ctx)
	if err != nil || seeded {
		t.Fatalf("must not seed over existing data, got %v (%v)", seeded, err)
	}
	count, _ := s.NoteCount(ctx)
	if count != 1 {
		t.Fatalf("expected the existing note untouched, count=%d", count)
	}
	// The marker is backfilled so later launches skip the note-count probe.
	raw, err := s.Setting(ctx, domain.SettingAppInitialized)
	if err != nil || raw == nil {
		t.Fatalf("expected backfilled marker, got %s (%v)", raw, err)
	}
}

func TestCloseAndReopen(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)

	if _, err := s.CreateNote(ctx, domain.NoteDraft{Title: "survives"}); err != nil {
		t.Fatalf("CreateNote error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be safe, got %v", err)
	}
	notes, err := s.ListNotes(ctx)
	if err != nil {
		t.Fatalf("operation after Close should re-open, got %v", err)
	}
	if len(notes) != 1 || notes[0].Title != "survives" {
		t.Fatalf("data missing after reopen: %+v", notes)
	}
}

func TestHealthyReflectsStoreState(t *testing.T) {
	ctx := context.Background()
	s := newTestRecordStore(t)
	if !s.Healthy(ctx) {
		t.Fatalf("expected healthy store")
	}
	if err := s.CheckIntegrity(ctx); err != nil {
		t.Fatalf("CheckIntegrity error: %v", err)
	}

	bad := NewRecordStore(RecordStoreOptions{Path: t.TempDir(), RetryBase: time.Millisecond})
	defer func() { _ = bad.Close() }()
	if bad.Healthy(ctx) {
		t.Fatalf("expected unhealthy store for unusable path")
	}
}

func TestListNotesFailsWithConnectionError(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(RecordStoreOptions{Path: t.TempDir(), RetryBase: time.Millisecond})
	defer func() { _ = s.Close() }()

	_, err := s.ListNotes(ctx)
	if err == nil {
		t.Fatalf("expected error for unusable path")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Fatalf("expected a connection-flavored error, got %v", err)
	}
}
