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
	"os"
)

// fileBlockSize is the block size presented by a FileDev.
const fileBlockSize = 512

// FileDev is a block device backed by a regular file, used to exercise the
// update backend against a flash image on a host.
type FileDev struct {
	f      *os.File
	blocks uint
}

// OpenFileDev opens path as a block device. The file size must be a
// non-zero multiple of 512 bytes.
func OpenFileDev(path string) (*FileDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 || fi.Size()%fileBlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("flash image size %d is not a multiple of %d", fi.Size(), fileBlockSize)
	}
	return &FileDev{f: f, blocks: uint(fi.Size() / fileBlockSize)}, nil
}

// Close closes the backing file.
func (d *FileDev) Close() error {
	return d.f.Close()
}

// BlockSize returns the block size of the device.
func (d *FileDev) BlockSize() uint {
	return fileBlockSize
}

// NumBlocks returns the number of blocks held by the device.
func (d *FileDev) NumBlocks() uint {
	return d.blocks
}

// ReadBlocks reads len(b) bytes into b from contiguous blocks starting at
// the given block address.
func (d *FileDev) ReadBlocks(lba uint, b []byte) error {
	if _, err := d.f.ReadAt(b, int64(lba)*fileBlockSize); err != nil {
		return fmt.Errorf("read at lba %d: %v", lba, err)
	}
	return nil
}

// WriteBlocks writes b to contiguous blocks starting at the given block
// address, padding a partial final block with zeroes.
func (d *FileDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if r := len(b) % fileBlockSize; r != 0 {
		b = append(b, make([]byte, fileBlockSize-r)...)
	}
	if _, err := d.f.WriteAt(b, int64(lba)*fileBlockSize); err != nil {
		return 0, fmt.Errorf("write at lba %d: %v", lba, err)
	}
	return uint(len(b) / fileBlockSize), nil
}

// EraseBlocks erases count blocks starting at the given block address.
func (d *FileDev) EraseBlocks(lba, count uint) error {
	b := make([]byte, count*fileBlockSize)
	for i := range b {
		b[i] = ErasedByte
	}
	if _, err := d.f.WriteAt(b, int64(lba)*fileBlockSize); err != nil {
		return fmt.Errorf("erase at lba %d: %v", lba, err)
	}
	return nil
}
