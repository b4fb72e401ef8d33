/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage implements local persistence for notes and images.
// RecordStore holds Note and Setting rows in notes.sqlite; BlobStore holds
// binary image payloads plus reference-tracking metadata, ephemeral display
// handles, and a capped thumbnail cache in images.sqlite.
// Both stores open lazily with memoized single-flight initialization, retry
// transient failures with bounded exponential backoff, and watch a sidecar
// version marker so an external schema migration drops stale handles.
// Unreferenced images are reclaimed by a grace-period cleanup sweep rather
// than at the moment a note stops referencing them.
package storage
