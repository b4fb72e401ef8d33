/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

// This file defines the core data model for Notedown: notes, settings,
// stored images, and the portable snapshot envelope used by backup
// import/export. All timestamps are Unix milliseconds.

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Emotion tags a note with one of a fixed set of moods.
type Emotion string

const (
	EmotionCalm      Emotion = "Calm"
	EmotionHappy     Emotion = "Happy"
	EmotionFunny     Emotion = "Funny"
	EmotionDepressed Emotion = "Depressed"
	EmotionSad       Emotion = "Sad"
	EmotionAngry     Emotion = "Angry"
)

// Emotions lists all valid emotion values in display order.
func Emotions() []Emotion {
	return []Emotion{EmotionCalm, EmotionHappy, EmotionFunny, EmotionDepressed, EmotionSad, EmotionAngry}
}

// Valid reports whether e is one of the known emotion values.
func (e Emotion) Valid() bool {
	switch e {
	case EmotionCalm, EmotionHappy, EmotionFunny, EmotionDepressed, EmotionSad, EmotionAngry:
		return true
	}
	return false
}

// Note is a single Markdown note. Content may embed image references of
// the form ![alt](blob:<image-id>). ID and CreatedAt never change after
// creation; UpdatedAt is refreshed on every mutation.
type Note struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Date      string  `json:"date"`
	Emotion   Emotion `json:"emotion"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

// NoteDraft carries the caller-supplied fields for a new note. ID and
// timestamps are assigned by the store on creation.
type NoteDraft struct {
	Title   string
	Content string
	Date    string
	Emotion Emotion
}

// NotePatch is a partial note update. Nil fields are left unchanged.
// ID and CreatedAt are not patchable.
type NotePatch struct {
	Title   *string
	Content *string
	Date    *string
	Emotion *Emotion
}

// NoteIDPrefix distinguishes note identifiers from reserved path
// segments in the routing layer.
const NoteIDPrefix = "note_"

// NewNoteID returns a fresh note identifier of the form
// note_<unix-ms>_<random suffix>.
func NewNoteID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b [9]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; keep note
		// creation alive with a time-derived suffix if it ever does.
		return fmt.Sprintf("%s%d_%09d", NoteIDPrefix, time.Now().UnixMilli(), time.Now().UnixNano()%1e9)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return fmt.Sprintf("%s%d_%s", NoteIDPrefix, time.Now().UnixMilli(), string(b[:]))
}

// IsNoteID reports whether s is shaped like a note identifier.
func IsNoteID(s string) bool {
	return strings.HasPrefix(s, NoteIDPrefix)
}

// NewImageID returns a fresh image identifier. Image ids are opaque,
// content-independent, and share no namespace with note ids.
func NewImageID() string {
	return "img_" + uuid.NewString()
}

// NowMillis returns the current time as Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// DisplayDate formats t the way the notes list presents dates.
func DisplayDate(t time.Time) string {
	return t.Format("January 2, 2006")
}

// Setting is a single persisted preference. Value holds the serialized
// JSON payload; known keys have typed accessors on the record store.
type Setting struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	LastUpdated int64           `json:"lastUpdated"`
}

// Known setting keys.
const (
	SettingTheme          = "theme"
	SettingAppInitialized = "appInitialized"
)

// KnownSettingKeys lists the setting keys included in exports.
func KnownSettingKeys() []string {
	return []string{SettingTheme}
}

// ImageInfo is the metadata projection of a stored image, without the
// binary payload. LastReferencedAt is nil until the image has been
// referenced or re-marked.
type ImageInfo struct {
	ID               string `json:"id"`
	Filename         string `json:"filename"`
	MIMEType         string `json:"mimeType"`
	Size             int64  `json:"size"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	UploadedAt       int64  `json:"uploadedAt"`
	IsTemporary      bool   `json:"isTemporary"`
	LastReferencedAt *int64 `json:"lastReferencedAt,omitempty"`
}

// StoredImage is a full image record including the payload.
type StoredImage struct {
	ImageInfo
	Data []byte `json:"-"`
}

// ImageUpload carries a caller-supplied image to be stored.
type ImageUpload struct {
	Filename string
	MIMEType string
	Data     []byte
}

// SnapshotVersion is the envelope version written by exports.
const SnapshotVersion = "1.0"

// Snapshot is the portable backup envelope. Settings maps setting keys
// to their serialized values. Imports consume the same shape
// permissively: unknown fields are ignored and the version value is not
// enforced beyond presence.
type Snapshot struct {
	Version    string                     `json:"version"`
	ExportDate string                     `json:"exportDate"`
	Notes      []Note                     `json:"notes"`
	Settings   map[string]json.RawMessage `json:"settings"`
	Metadata   SnapshotMetadata           `json:"metadata"`
}

// SnapshotMetadata describes the producing application.
type SnapshotMetadata struct {
	TotalNotes int    `json:"totalNotes"`
	ExportedBy string `json:"exportedBy"`
	AppVersion string `json:"appVersion"`
}
