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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notedown/internal/domain"
	"notedown/internal/markdown"
)

// ReferencedImageIDs collects the distinct image ids referenced by the
// given notes' content, in first-seen order. This is the id set a cleanup
// sweep treats as live.
func ReferencedImageIDs(notes []domain.Note) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range notes {
		for _, id := range markdown.ExtractImageIDs(n.Content) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Cleanup sweeps stored images against the caller-supplied set of
// referenced ids and returns how many it deleted.
//
// Per image: ids inside their pending-upload window are never touched.
// Referenced ids are kept and their lastReferencedAt refreshed. Everything
// else is deleted when force is set; without force an image must have
// aged past the grace period since upload, have no reference newer than
// the grace period, and carry the temporary flag.
//
// Deletion failures do not stop the sweep; they come back joined after
// the full pass, next to the count of what did get removed.
func (s *BlobStore) Cleanup(ctx context.Context, referenced []string, force bool) (int, error) {
	refs := make(map[string]bool, len(referenced))
	for _, id := range referenced {
		refs[id] = true
	}
	infos, err := s.ListImageInfo(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0
	kept := 0
	var errs []error
	for _, info := range infos {
		if s.isPending(info.ID) {
			kept++
			continue
		}
		if refs[info.ID] {
			if err := s.MarkImageReferenced(ctx, info.ID); err != nil {
				s.log.Warn("refresh reference failed", slog.String("id", info.ID), slog.Any("err", err))
			}
			kept++
			continue
		}
		if !force && !s.eligibleForCollection(info, now) {
			kept++
			continue
		}
		if err := s.DeleteImage(ctx, info.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", info.ID, err))
			continue
		}
		deleted++
	}

	s.log.Info("image cleanup finished",
		slog.Bool("force", force),
		slog.Int("examined", len(infos)),
		slog.Int("kept", kept),
		slog.Int("deleted", deleted),
		slog.Int("failed", len(errs)))
	return deleted, errors.Join(errs...)
}

// eligibleForCollection applies the safe-sweep policy to one image.
func (s *BlobStore) eligibleForCollection(info domain.ImageInfo, now time.Time) bool {
	if now.Sub(time.UnixMilli(info.UploadedAt)) < s.gracePeriod {
		return false
	}
	if info.LastReferencedAt != nil && now.Sub(time.UnixMilli(*info.LastReferencedAt)) < s.gracePeriod {
		return false
	}
	return info.IsTemporary
}

// SafeCleanup is the routine sweep scheduled after note mutations: the
// grace period and temporary flag decide what goes.
func (s *BlobStore) SafeCleanup(ctx context.Context, referenced []string) (int, error) {
	return s.Cleanup(ctx, referenced, false)
}

// ForceCleanup is the user-triggered reclamation sweep: everything
// unreferenced and not pending is removed regardless of age.
func (s *BlobStore) ForceCleanup(ctx context.Context, referenced []string) (int, error) {
	return s.Cleanup(ctx, referenced, true)
}
