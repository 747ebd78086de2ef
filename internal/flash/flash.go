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

// Package flash provides access to partitioned non-volatile block storage:
// partition lookup by role or label, byte-addressed erase/write/read within
// a partition, streaming write transactions, and durable boot-target
// selection.
//
// Note that these are low-level primitives, and care must be taken when
// using them not to overwrite existing data (e.g. the running image itself).
package flash

import (
	"errors"
	"fmt"
)

// ErasedByte is the value every byte of an erased region reads back as.
const ErasedByte = 0xFF

// MaxLabelLen is the maximum length of a partition label.
const MaxLabelLen = 16

var (
	// ErrNoSpace is returned when a request does not fit the partition
	// or declared bounds.
	ErrNoSpace = errors.New("insufficient space")
	// ErrValidate is returned when the image fails storage-layer
	// validation (bad header magic, short image).
	ErrValidate = errors.New("image validation failed")
	// ErrClosed is returned for operations on a closed transaction.
	ErrClosed = errors.New("transaction closed")
	// ErrBootSelect is returned when the boot-select region is missing
	// or cannot hold a valid record.
	ErrBootSelect = errors.New("invalid boot-select region")
)

// Device abstracts raw block storage, allowing substitutions for testing.
// Storage is erase-before-write: an erased block reads back as ErasedByte.
type Device interface {
	// BlockSize returns the size in bytes of each storage block.
	BlockSize() uint
	// NumBlocks returns the total number of blocks on the device.
	NumBlocks() uint
	// ReadBlocks reads len(b) bytes into b from contiguous blocks
	// starting at the given block address. len(b) must be a multiple of
	// the block size.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes b to contiguous blocks starting at the given
	// block address, padding a partial final block with zeroes.
	// Returns the number of blocks written.
	WriteBlocks(lba uint, b []byte) (uint, error)
	// EraseBlocks erases count blocks starting at the given block
	// address.
	EraseBlocks(lba, count uint) error
}

// Role classifies what a partition holds.
type Role int

const (
	// RoleBoot marks a partition able to hold a bootable image.
	RoleBoot Role = iota
	// RoleData marks a general data partition.
	RoleData
	// RoleBootSelect marks the region holding boot-target records.
	RoleBootSelect
)

func (r Role) String() string {
	switch r {
	case RoleBoot:
		return "boot"
	case RoleData:
		return "data"
	case RoleBootSelect:
		return "bootselect"
	}
	return fmt.Sprintf("invalid role %d", int(r))
}

// Partition is a reference to a named, fixed-size region of a Device. The
// partition table owns the region; a Partition merely scopes device access
// to it.
type Partition struct {
	dev    Device
	label  string
	role   Role
	start  uint // first block
	length uint // size in blocks
}

// Label returns the partition's label.
func (p *Partition) Label() string { return p.label }

// Role returns the partition's role.
func (p *Partition) Role() Role { return p.role }

// Size returns the partition's capacity in bytes.
func (p *Partition) Size() int {
	return int(p.length * p.dev.BlockSize())
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s (%s, %d bytes @ block %d)", p.label, p.role, p.Size(), p.start)
}

// checkBounds rejects ranges extending past the partition.
func (p *Partition) checkBounds(off, length int) error {
	if off < 0 || length < 0 || off+length > p.Size() {
		return fmt.Errorf("%w: range [%d, %d) exceeds partition %q (%d bytes)",
			ErrNoSpace, off, off+length, p.label, p.Size())
	}
	return nil
}

// Erase erases the byte range [off, off+length) of the partition. off must
// be block-aligned; the range is extended to cover whole blocks.
func (p *Partition) Erase(off, length int) error {
	if err := p.checkBounds(off, length); err != nil {
		return err
	}
	bs := int(p.dev.BlockSize())
	if off%bs != 0 {
		return fmt.Errorf("erase offset %d not aligned to block size %d", off, bs)
	}
	count := uint((length + bs - 1) / bs)
	return p.dev.EraseBlocks(p.start+uint(off/bs), count)
}

// ReadAt reads len(b) bytes from the partition starting at byte offset off.
func (p *Partition) ReadAt(off int, b []byte) error {
	if err := p.checkBounds(off, len(b)); err != nil {
		return err
	}
	bs := int(p.dev.BlockSize())
	lba := p.start + uint(off/bs)
	skip := off % bs

	span := (skip + len(b) + bs - 1) / bs * bs
	raw := make([]byte, span)
	if err := p.dev.ReadBlocks(lba, raw); err != nil {
		return err
	}
	copy(b, raw[skip:])
	return nil
}

// WriteAt writes b to the partition starting at byte offset off. Unaligned
// leading and trailing edges are handled by read-modify-write of the
// affected blocks.
func (p *Partition) WriteAt(off int, b []byte) error {
	if err := p.checkBounds(off, len(b)); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	bs := int(p.dev.BlockSize())
	lba := p.start + uint(off/bs)
	skip := off % bs

	if skip == 0 && len(b)%bs == 0 {
		_, err := p.dev.WriteBlocks(lba, b)
		return err
	}

	span := (skip + len(b) + bs - 1) / bs * bs
	raw := make([]byte, span)
	if err := p.dev.ReadBlocks(lba, raw); err != nil {
		return err
	}
	copy(raw[skip:], b)
	_, err := p.dev.WriteBlocks(lba, raw)
	return err
}
