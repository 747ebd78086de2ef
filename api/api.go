// Copyright 2025 The OTA Backend Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api defines the result codes returned by the update backend and
// the advisory event types it publishes. Transports embed these codes in
// their own protocol; the backend never returns anything else.
package api

import "fmt"

// Code is the result of a single update-session operation.
type Code int

const (
	// Ok indicates the operation completed successfully.
	Ok Code = iota
	// ErrNoUpdatePartition indicates no eligible target partition exists.
	ErrNoUpdatePartition
	// ErrInsufficientSpace indicates the declared image size exceeds the
	// available flash or buffer capacity.
	ErrInsufficientSpace
	// ErrFlashWrite indicates a storage read/write/erase operation failed
	// or timed out.
	ErrFlashWrite
	// ErrMagicMismatch indicates the storage layer rejected the image
	// header during a streaming write.
	ErrMagicMismatch
	// ErrChecksumMismatch indicates the finalized digest does not match
	// the expected value.
	ErrChecksumMismatch
	// ErrUpdateEnd indicates the commit step (closing the transaction or
	// designating the boot target) failed.
	ErrUpdateEnd
	// ErrUnknown covers any failure not described above, including
	// internal invariant violations.
	ErrUnknown
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "OK"
	case ErrNoUpdatePartition:
		return "no update partition"
	case ErrInsufficientSpace:
		return "insufficient space"
	case ErrFlashWrite:
		return "flash write error"
	case ErrMagicMismatch:
		return "image magic mismatch"
	case ErrChecksumMismatch:
		return "checksum mismatch"
	case ErrUpdateEnd:
		return "update end error"
	case ErrUnknown:
		return "unknown error"
	}
	return fmt.Sprintf("invalid code %d", int(c))
}

// EventKind identifies an update-session state transition.
type EventKind int

const (
	// Started is published when a session successfully begins.
	Started EventKind = iota
	// Progress is published after each accepted chunk.
	Progress
	// Completed is published when a session commits successfully.
	Completed
	// Failed is published when an operation returns a non-Ok code.
	Failed
	// Aborted is published when an open session is explicitly aborted.
	Aborted
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Progress:
		return "progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("invalid event kind %d", int(k))
}

// Event describes a single update-session state transition. Events are
// advisory only: sessions behave identically whether or not anyone is
// listening.
type Event struct {
	Kind EventKind
	// Fraction is the portion of the image received so far, in [0, 1].
	// Only meaningful for Progress events.
	Fraction float64
	// Code carries the failure cause for Failed events.
	Code Code
}
