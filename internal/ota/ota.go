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

// Package ota implements the firmware update session backend: it accepts an
// image as a stream of chunks, verifies its integrity, persists it to a
// flash partition and durably switches the boot target.
//
// Two persistence strategies are supported. Direct mode streams chunks
// straight into an open flash write transaction. Buffered mode accumulates
// the whole image in an auxiliary memory pool, then erases, writes and
// verifies the target partition in one pass during End.
package ota

import (
	"bytes"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/embedded-dev/ota-backend/api"
	"github.com/embedded-dev/ota-backend/internal/digest"
	"github.com/embedded-dev/ota-backend/internal/event"
	"github.com/embedded-dev/ota-backend/internal/flash"
	"github.com/embedded-dev/ota-backend/internal/mem"
	"github.com/embedded-dev/ota-backend/internal/watchdog"
)

const (
	// prepTimeout is the watchdog budget while a direct-mode transaction
	// is opened; erasing the target range can take well over the default
	// timeout.
	prepTimeout = 15 * time.Second

	// commitChunkSize is how much of the buffered image is flashed or
	// verified between watchdog services.
	commitChunkSize = 4096
)

type phase int

const (
	phaseFresh phase = iota
	phaseOpen
	phaseClosed
)

// Config carries the collaborators a Backend is built from.
type Config struct {
	// Table provides partition lookup and boot-target selection.
	Table *flash.Table
	// Watchdog is widened around partition preparation and serviced
	// between commit chunks. Defaults to watchdog.Nop.
	Watchdog watchdog.Watchdog
	// Pool, when non-nil, selects buffered mode and provides the
	// auxiliary memory the image is staged in.
	Pool *mem.Pool
	// Events receives advisory state notifications. May be nil.
	Events *event.Notifier
}

// Backend is an update session backend. It is driven by a single task
// through Begin, Write, End and Abort; only one session may be open at a
// time.
type Backend struct {
	table  *flash.Table
	wdt    watchdog.Watchdog
	pool   *mem.Pool
	events *event.Notifier

	phase    phase
	size     int
	received int

	expected string
	target   string

	md5 *digest.Accumulator

	// Exactly one of txn and buf is live while a session is open,
	// matching the selected mode.
	txn *flash.Transaction
	buf []byte
}

// New returns a Backend for the given collaborators. The presence of
// c.Pool selects buffered mode.
func New(c Config) (*Backend, error) {
	if c.Table == nil {
		return nil, errors.New("missing partition table")
	}
	if c.Watchdog == nil {
		c.Watchdog = watchdog.Nop{}
	}
	return &Backend{
		table:  c.Table,
		wdt:    c.Watchdog,
		pool:   c.Pool,
		events: c.Events,
	}, nil
}

// Buffered reports whether the backend stages images in auxiliary memory.
func (b *Backend) Buffered() bool {
	return b.pool != nil
}

// SupportsCompression reports whether the backend accepts compressed
// payloads. It does not.
func (b *Backend) SupportsCompression() bool {
	return false
}

// SetExpectedMD5 sets the digest the received image must match. An empty
// value disables verification. Must be called before Begin.
func (b *Backend) SetExpectedMD5(hexDigest string) {
	b.expected = hexDigest
}

// SetTargetPartition overrides the partition the image is committed to in
// buffered mode. An empty label restores the default inactive-slot lookup.
// Labels are truncated to the partition label limit.
func (b *Backend) SetTargetPartition(label string) {
	if len(label) > flash.MaxLabelLen {
		label = label[:flash.MaxLabelLen]
	}
	b.target = label
}

// Begin opens a session for an image of exactly size bytes. A backend
// whose previous session is closed may begin a new one.
func (b *Backend) Begin(size int) api.Code {
	if b.phase == phaseOpen {
		return b.fail(api.ErrUnknown)
	}
	if size <= 0 {
		klog.Errorf("rejecting update with invalid image size %d", size)
		return b.fail(api.ErrUnknown)
	}

	var code api.Code
	if b.Buffered() {
		code = b.beginBuffered(size)
	} else {
		code = b.beginDirect(size)
	}
	if code != api.Ok {
		return b.fail(code)
	}

	b.size = size
	b.phase = phaseOpen
	b.events.Publish(api.Event{Kind: api.Started})
	return api.Ok
}

func (b *Backend) beginBuffered(size int) api.Code {
	if free := b.pool.Free(); free < size {
		klog.Errorf("not enough buffer memory: need %d, have %d", size, free)
		return api.ErrInsufficientSpace
	}
	buf, err := b.pool.Alloc(size)
	if err != nil {
		klog.Errorf("failed to allocate %d byte staging buffer: %v", size, err)
		return api.ErrInsufficientSpace
	}

	b.buf = buf
	b.received = 0
	b.md5 = digest.New()
	klog.Infof("buffered update: staged %d bytes of auxiliary memory", size)
	return api.Ok
}

func (b *Backend) beginDirect(size int) api.Code {
	p := b.table.NextUpdate()
	if p == nil {
		klog.Error("no eligible update partition")
		return api.ErrNoUpdatePartition
	}

	// Opening the transaction erases the target range, which can exceed
	// the default watchdog budget.
	restore := watchdog.Scoped(b.wdt, prepTimeout)
	txn, err := flash.Begin(p, size)
	restore()

	if err != nil {
		klog.Errorf("failed to open transaction on %q: %v", p.Label(), err)
		switch {
		case errors.Is(err, flash.ErrNoSpace):
			return api.ErrInsufficientSpace
		case errors.Is(err, flash.ErrValidate), errors.Is(err, flash.ErrClosed):
			return api.ErrUnknown
		default:
			return api.ErrFlashWrite
		}
	}

	b.txn = txn
	b.received = 0
	b.md5 = digest.New()
	klog.Infof("direct update: %d bytes to %s", size, p)
	return api.Ok
}

// Write appends chunk to the in-progress image. Valid only while the
// session is open.
func (b *Backend) Write(chunk []byte) api.Code {
	if b.phase != phaseOpen {
		return b.fail(api.ErrUnknown)
	}

	if b.Buffered() {
		if b.received+len(chunk) > len(b.buf) {
			klog.Errorf("staging buffer overflow: %d+%d > %d", b.received, len(chunk), len(b.buf))
			return b.fail(api.ErrUnknown)
		}
		copy(b.buf[b.received:], chunk)
		b.received += len(chunk)
		b.md5.Add(chunk)
		b.progress()
		return api.Ok
	}

	err := b.txn.Write(chunk)
	// Checksumming covers the identical byte range handed to storage,
	// whether or not the write stuck.
	b.md5.Add(chunk)
	if err != nil {
		klog.Errorf("streaming write failed at offset %d: %v", b.received, err)
		return b.fail(mapWriteErr(err))
	}
	b.received += len(chunk)
	b.progress()
	return api.Ok
}

// End verifies and commits the image, then durably designates the target
// partition as the next boot target. The session is closed regardless of
// outcome, and every failure path releases all held resources.
func (b *Backend) End() api.Code {
	if b.phase != phaseOpen {
		return b.fail(api.ErrUnknown)
	}

	if b.expected != "" && !b.md5.Matches(b.expected) {
		klog.Errorf("image digest %s does not match expected %s", b.md5.Sum(), b.expected)
		b.release()
		return b.fail(api.ErrChecksumMismatch)
	}

	var code api.Code
	if b.Buffered() {
		code = b.endBuffered()
	} else {
		code = b.endDirect()
	}
	if code != api.Ok {
		b.release()
		return b.fail(code)
	}

	b.release()
	b.events.Publish(api.Event{Kind: api.Completed})
	klog.Info("update committed")
	return api.Ok
}

// endBuffered performs the erase/write/verify/switch pass over the staged
// image.
func (b *Backend) endBuffered() api.Code {
	var p *flash.Partition
	if b.target != "" {
		p = b.table.Find(flash.RoleBoot, b.target)
	} else {
		p = b.table.NextUpdate()
	}
	if p == nil {
		klog.Errorf("no target partition (label %q)", b.target)
		return api.ErrNoUpdatePartition
	}
	klog.Infof("flashing staged image to %s", p)

	restore := watchdog.Scoped(b.wdt, prepTimeout)
	err := p.Erase(0, p.Size())
	restore()
	if err != nil {
		klog.Errorf("failed to erase %q: %v", p.Label(), err)
		return api.ErrFlashWrite
	}

	img := b.buf[:b.received]
	for off := 0; off < len(img); off += commitChunkSize {
		end := off + commitChunkSize
		if end > len(img) {
			end = len(img)
		}
		if err := p.WriteAt(off, img[off:end]); err != nil {
			klog.Errorf("write to %q failed at offset %d: %v", p.Label(), off, err)
			return api.ErrFlashWrite
		}
		b.wdt.Service()
	}

	scratch := make([]byte, commitChunkSize)
	for off := 0; off < len(img); off += commitChunkSize {
		end := off + commitChunkSize
		if end > len(img) {
			end = len(img)
		}
		v := scratch[:end-off]
		if err := p.ReadAt(off, v); err != nil {
			klog.Errorf("verify read of %q failed at offset %d: %v", p.Label(), off, err)
			return api.ErrFlashWrite
		}
		if !bytes.Equal(v, img[off:end]) {
			klog.Errorf("verify mismatch on %q at offset %d", p.Label(), off)
			return api.ErrFlashWrite
		}
		b.wdt.Service()
	}

	if err := b.table.SetBootTarget(p); err != nil {
		klog.Errorf("failed to set boot target %q: %v", p.Label(), err)
		return api.ErrUpdateEnd
	}
	return api.Ok
}

// endDirect closes the streaming transaction and switches the boot target.
func (b *Backend) endDirect() api.Code {
	txn := b.txn
	if err := txn.Close(); err != nil {
		klog.Errorf("failed to close transaction: %v", err)
		return mapEndErr(err)
	}
	if err := b.table.SetBootTarget(txn.Partition()); err != nil {
		klog.Errorf("failed to set boot target %q: %v", txn.Partition().Label(), err)
		return mapEndErr(err)
	}
	return api.Ok
}

// Abort discards the session and releases all held resources. Idempotent;
// safe to call before Begin or after End. Never fails.
func (b *Backend) Abort() api.Code {
	open := b.phase == phaseOpen
	b.release()
	if open {
		klog.Info("update aborted")
		b.events.Publish(api.Event{Kind: api.Aborted})
	}
	return api.Ok
}

// release frees mode-specific resources and closes the session. It backs
// both Abort and the internal cleanup End performs on every path.
func (b *Backend) release() {
	if b.buf != nil {
		b.pool.Release(b.buf)
		b.buf = nil
	}
	if b.txn != nil {
		b.txn.Abort()
		b.txn = nil
	}
	b.received = 0
	b.size = 0
	b.phase = phaseClosed
}

func (b *Backend) progress() {
	if b.size == 0 {
		return
	}
	b.events.Publish(api.Event{
		Kind:     api.Progress,
		Fraction: float64(b.received) / float64(b.size),
	})
}

// fail publishes a Failed event and returns the code unchanged.
func (b *Backend) fail(code api.Code) api.Code {
	b.events.Publish(api.Event{Kind: api.Failed, Code: code})
	return code
}

// mapWriteErr maps storage errors during streaming writes: validation
// rejections surface as a magic mismatch, bound and state violations as
// unknown, anything else as a flash failure.
func mapWriteErr(err error) api.Code {
	switch {
	case errors.Is(err, flash.ErrValidate):
		return api.ErrMagicMismatch
	case errors.Is(err, flash.ErrNoSpace), errors.Is(err, flash.ErrClosed):
		return api.ErrUnknown
	default:
		return api.ErrFlashWrite
	}
}

// mapEndErr maps storage errors during commit: validation and boot-select
// failures surface as an end error, state violations as unknown, anything
// else as a flash failure.
func mapEndErr(err error) api.Code {
	switch {
	case errors.Is(err, flash.ErrValidate), errors.Is(err, flash.ErrBootSelect):
		return api.ErrUpdateEnd
	case errors.Is(err, flash.ErrClosed):
		return api.ErrUnknown
	default:
		return api.ErrFlashWrite
	}
}
