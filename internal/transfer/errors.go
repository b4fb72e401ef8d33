/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package transfer

import (
	"errors"
	"fmt"
)

// ErrCancelled marks an import aborted by its cancellation signal.
// Work committed before the abort stays committed.
var ErrCancelled = errors.New("import cancelled")

// SizeLimitError reports a snapshot larger than the transfer limit.
// It applies symmetrically: exports refuse to save past the limit,
// imports refuse to parse past it.
type SizeLimitError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("snapshot is %d bytes, limit is %d", e.Size, e.Limit)
}

// ParseError reports snapshot content that is not valid JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse snapshot: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
