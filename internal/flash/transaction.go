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

package flash

import (
	"fmt"

	"k8s.io/klog/v2"
)

// ImageMagic is the first byte of every valid firmware image.
const ImageMagic = 0xE9

// Transaction is a streaming write of a single image into a partition.
// Chunks are written at the implicit next offset; the first chunk must
// carry the image header magic. A Transaction is not safe for concurrent
// use.
type Transaction struct {
	p        *Partition
	declared int
	received int
	closed   bool
}

// Begin opens a write transaction for an image of exactly size bytes on p.
// The covered range is erased up front, which can take seconds on real
// parts; callers are expected to widen their watchdog budget around this
// call.
func Begin(p *Partition, size int) (*Transaction, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid image size %d", ErrNoSpace, size)
	}
	if size > p.Size() {
		return nil, fmt.Errorf("%w: image size %d exceeds partition %q (%d bytes)",
			ErrNoSpace, size, p.label, p.Size())
	}
	if err := p.Erase(0, size); err != nil {
		return nil, err
	}
	klog.V(1).Infof("opened write transaction on %q for %d bytes", p.label, size)
	return &Transaction{p: p, declared: size}, nil
}

// Partition returns the partition the transaction writes to.
func (t *Transaction) Partition() *Partition {
	return t.p
}

// Received returns the number of bytes written so far.
func (t *Transaction) Received() int {
	return t.received
}

// Write appends chunk to the image. The first byte of the image must be
// ImageMagic or the write fails with ErrValidate. Writing past the declared
// size fails with ErrNoSpace without mutating state.
func (t *Transaction) Write(chunk []byte) error {
	if t.closed {
		return ErrClosed
	}
	if len(chunk) == 0 {
		return nil
	}
	if t.received == 0 && chunk[0] != ImageMagic {
		return fmt.Errorf("%w: bad image magic 0x%02x", ErrValidate, chunk[0])
	}
	if t.received+len(chunk) > t.declared {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds declared size %d",
			ErrNoSpace, len(chunk), t.received, t.declared)
	}
	if err := t.p.WriteAt(t.received, chunk); err != nil {
		return err
	}
	t.received += len(chunk)
	return nil
}

// Close finishes the transaction. It fails with ErrValidate if fewer bytes
// than declared were received. The transaction is closed regardless of
// outcome.
func (t *Transaction) Close() error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	if t.received != t.declared {
		return fmt.Errorf("%w: received %d of %d declared bytes", ErrValidate, t.received, t.declared)
	}
	return nil
}

// Abort discards the transaction. Idempotent, safe to call on a closed
// transaction.
func (t *Transaction) Abort() {
	if t.closed {
		return
	}
	t.closed = true
	t.received = 0
	klog.V(1).Infof("aborted write transaction on %q", t.p.label)
}
