/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package markdown implements the scanning of note content for embedded
// image references. The reference token is a private convention layered
// on standard Markdown image syntax:
//
//	![alt text](blob:<image-id>)
//
// This package is the single definition of what "referenced" means; the
// editor, the renderer, and image cleanup all consume it.
package markdown

import (
	"regexp"
	"strings"
)

var imageRefPattern = regexp.MustCompile(`!\[[^\]]*\]\(blob:([^)\s]+)\)`)

// ExtractImageIDs returns the distinct image ids referenced by content,
// in order of first appearance. Content with no blob references yields
// an empty list. Pure and stateless.
func ExtractImageIDs(content string) []string {
	matches := imageRefPattern.FindAllStringSubmatch(content, -1)
	ids := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		id := m[1]
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// RewriteImageRefs replaces the target of every image reference in
// content with the result of rewrite(id), keeping the alt text. A
// rewrite returning the empty string leaves that reference unchanged.
// Used by the bundle export to point references at bundled files.
func RewriteImageRefs(content string, rewrite func(id string) string) string {
	return imageRefPattern.ReplaceAllStringFunc(content, func(ref string) string {
		sub := imageRefPattern.FindStringSubmatch(ref)
		if len(sub) != 2 {
			return ref
		}
		target := rewrite(sub[1])
		if target == "" {
			return ref
		}
		alt := ref[:strings.Index(ref, "](")+1]
		return alt + "(" + target + ")"
	})
}

// Segment is one run of note content: either plain text (ImageID
// empty) or a single image reference with its alt text.
type Segment struct {
	Text    string
	ImageID string
	Alt     string
}

// SplitImageRefs cuts content into an ordered sequence of text and
// image segments, preserving every byte. Renderers that place images
// inline (the PDF export) consume this instead of the raw pattern.
func SplitImageRefs(content string) []Segment {
	locs := imageRefPattern.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return []Segment{{Text: content}}
	}
	var out []Segment
	last := 0
	for _, loc := range locs {
		if loc[0] > last {
			out = append(out, Segment{Text: content[last:loc[0]]})
		}
		ref := content[loc[0]:loc[1]]
		alt := ref[2:strings.Index(ref, "](")]
		out = append(out, Segment{ImageID: content[loc[2]:loc[3]], Alt: alt})
		last = loc[1]
	}
	if last < len(content) {
		out = append(out, Segment{Text: content[last:]})
	}
	return out
}
