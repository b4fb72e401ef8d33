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
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ConnectionError reports that the underlying database could not be
// opened or reached. Operations surface it only after the bounded
// retries of the store are exhausted.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: %s: store unavailable: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StorageError wraps a non-connection failure that persisted through
// all retry attempts of an operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a referenced id that does not exist where
// existence is required (e.g. updating a note). Lookups that treat
// absence as a normal outcome return nil instead.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError reports malformed caller input: wrong MIME type,
// oversized payload, and similar. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// isPermanent reports whether err must not be retried: caller mistakes,
// constraint violations and cancellations re-fail identically on every
// attempt.
func isPermanent(err error) bool {
	var nf *NotFoundError
	var ve *ValidationError
	if errors.As(err, &nf) || errors.As(err, &ve) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

// isConnDead reports whether err indicates the connection handle is no
// longer usable and must be dropped and re-initialized before the next
// attempt.
func isConnDead(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection is already closed") ||
		strings.Contains(msg, "bad connection")
}
