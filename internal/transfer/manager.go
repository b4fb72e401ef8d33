/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package transfer implements backup import and export for the local
// stores: full-state export of notes and settings into a portable JSON
// snapshot, a non-mutating import preview, and a chunked, cancellable
// import with merge/overwrite conflict resolution.
//
// Expected failure modes (oversized files, malformed envelopes, user
// cancellation, single bad records) come back inside structured result
// values, never as panics; callers branch on the result instead of
// recovering exceptions.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	applog "notedown/internal/log"
	"notedown/internal/storage"
)

// Manager orchestrates snapshot export and import over the two local
// stores. Construct with NewManager; methods are safe for concurrent
// use as long as the underlying stores are.
type Manager struct {
	records *storage.RecordStore
	blobs   *storage.BlobStore
	saver   Saver
	log     *slog.Logger

	chunkSize int
	maxBytes  int64
}

// Options configures a Manager. Records is required; Blobs enables the
// post-import image sweep and may be nil; Saver is required for Export
// only.
type Options struct {
	Records *storage.RecordStore
	Blobs   *storage.BlobStore
	Saver   Saver
	Log     *slog.Logger
}

// NewManager builds a transfer manager over the given stores.
func NewManager(opts Options) *Manager {
	l := opts.Log
	if l == nil {
		l = applog.WithComponent("transfer")
	}
	return &Manager{
		records:   opts.Records,
		blobs:     opts.Blobs,
		saver:     opts.Saver,
		log:       l,
		chunkSize: importChunkSize,
		maxBytes:  maxSnapshotBytes,
	}
}

// Saver hands a finished snapshot to the environment's save mechanism.
// It returns the location the payload landed at, for display to the
// user.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// DirSaver writes snapshots into a directory, atomically: the payload
// goes to a temp file first and is renamed over the final name.
type DirSaver struct {
	Dir string
}

// Save implements Saver.
func (d DirSaver) Save(name string, data []byte) (string, error) {
	if strings.TrimSpace(d.Dir) == "" {
		return "", errors.New("export directory is required")
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure export dir: %w", err)
	}
	path := filepath.Join(d.Dir, name)
	temp := filepath.Join(d.Dir, fmt.Sprintf(".%s.tmp-%d-%d", name, os.Getpid(), rand.Int()))
	if err := writeFileSync(temp, data); err != nil {
		return "", fmt.Errorf("write temp snapshot: %w", err)
	}
	// On Windows, replace by removing destination first if needed
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return "", fmt.Errorf("replace snapshot: %w", err)
	}
	return path, nil
}

func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
