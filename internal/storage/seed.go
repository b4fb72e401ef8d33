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
	"log/slog"

	"notedown/internal/domain"
)

// DefaultSeedNotes returns the starter notes installed on a fresh
// database, in creation order (the welcome note is created last so it
// lists first).
func DefaultSeedNotes() []domain.NoteDraft {
	return []domain.NoteDraft{
		{
			Title:   "Formatting your notes",
			Content: "Notes are plain Markdown. Headings, lists and **emphasis** work as usual.\n\nPaste or drop an image into a note and it is stored locally; the editor inserts a reference like `![sketch](blob:img_...)` that keeps working offline.",
			Emotion: domain.EmotionCalm,
		},
		{
			Title:   "Welcome to Notedown",
			Content: "This is your first note. Everything you write stays on this device.\n\nTag each entry with how you felt while writing it, search across all notes from the top bar, and use Export in the settings to take a full backup with you.",
			Emotion: domain.EmotionHappy,
		},
	}
}

// SeedIfFirstLaunch installs the default notes unless the store shows any
// sign of a prior launch, then marks the store initialized. It reports
// whether seeding actually happened.
//
// The prior-launch check also counts existing notes, so a database written
// by an older build that never set the marker keeps its content untouched.
func (s *RecordStore) SeedIfFirstLaunch(ctx context.Context) (bool, error) {
	done, err := s.HasBeenInitialized(ctx)
	if err != nil {
		return false, err
	}
	if done {
		// Keep the marker in sync for pre-marker databases.
		if err := s.MarkAsInitialized(ctx); err != nil {
			return false, err
		}
		return false, nil
	}
	drafts := DefaultSeedNotes()
	for _, d := range drafts {
		if _, err := s.CreateNote(ctx, d); err != nil {
			return false, err
		}
	}
	if err := s.MarkAsInitialized(ctx); err != nil {
		return false, err
	}
	s.log.Info("first launch content seeded", slog.Int("notes", len(drafts)))
	return true, nil
}
