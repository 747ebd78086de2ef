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

// Package testonly provides support for flash storage tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory erase-before-write block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// OnBlockWritten is called just before a block is written; returning
	// an error fails the write, allowing fault injection.
	OnBlockWritten func(lba uint) error
	// OnBlockRead is called just before a block is read; returning an
	// error fails the read.
	OnBlockRead func(lba uint) error
	// FailErase, when set, fails all erase operations.
	FailErase error
}

// NewMemDev creates a new in-memory block device holding numBlocks blocks.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	md := &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
	// Fresh flash reads erased.
	_ = md.EraseBlocks(0, numBlocks)
	return md
}

// BlockSize returns the block size of the underlying storage.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// NumBlocks returns the number of blocks held by the device.
func (md *MemDev) NumBlocks() uint {
	return uint(len(md.Storage))
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
// starting at the given block address.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	bl := (uint(len(b)) + MemBlockSize - 1) / MemBlockSize
	if lba+bl > uint(len(md.Storage)) {
		return fmt.Errorf("read of %d blocks at lba %d exceeds device (%d blocks)", bl, lba, len(md.Storage))
	}
	for i := uint(0); i < bl; i++ {
		if md.OnBlockRead != nil {
			if err := md.OnBlockRead(lba + i); err != nil {
				return err
			}
		}
		copy(b[i*MemBlockSize:], md.Storage[lba+i][:])
	}
	return nil
}

// WriteBlocks writes b to contiguous storage blocks starting at the given
// block address, padding a partial final block with zeroes.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if r := len(b) % MemBlockSize; r != 0 {
		b = append(b, make([]byte, MemBlockSize-r)...)
	}
	bl := uint(len(b)) / MemBlockSize
	if lba+bl > uint(len(md.Storage)) {
		return 0, fmt.Errorf("write of %d blocks at lba %d exceeds device (%d blocks)", bl, lba, len(md.Storage))
	}
	for i := uint(0); i < bl; i++ {
		if md.OnBlockWritten != nil {
			if err := md.OnBlockWritten(lba + i); err != nil {
				return i, err
			}
		}
		copy(md.Storage[lba+i][:], b[i*MemBlockSize:])
	}
	return bl, nil
}

// EraseBlocks erases count blocks starting at the given block address.
// Erased bytes read back as 0xFF.
func (md *MemDev) EraseBlocks(lba, count uint) error {
	if md.FailErase != nil {
		return md.FailErase
	}
	if lba+count > uint(len(md.Storage)) {
		return fmt.Errorf("erase of %d blocks at lba %d exceeds device (%d blocks)", count, lba, len(md.Storage))
	}
	for i := uint(0); i < count; i++ {
		for j := range md.Storage[lba+i] {
			md.Storage[lba+i][j] = 0xFF
		}
	}
	return nil
}
