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

// Package digest implements the incremental integrity digest computed over
// a streamed firmware image. The digest is non-cryptographic in purpose: it
// detects transfer corruption, it does not authenticate the image.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"strings"
)

// HexLen is the length of an encoded digest in hexadecimal characters.
const HexLen = 2 * md5.Size

// Accumulator computes a digest incrementally over successive chunks.
// The zero value is not usable; call New.
type Accumulator struct {
	h   hash.Hash
	sum string
}

// New returns an Accumulator ready to receive bytes.
func New() *Accumulator {
	return &Accumulator{h: md5.New()}
}

// Add feeds the next chunk into the digest.
func (a *Accumulator) Add(p []byte) {
	// hash.Hash.Write never returns an error.
	a.h.Write(p)
}

// Sum finalizes the digest and returns it as a lowercase hex string.
// Further Add calls after Sum have no effect on the returned value.
func (a *Accumulator) Sum() string {
	if a.sum == "" {
		a.sum = hex.EncodeToString(a.h.Sum(nil))
	}
	return a.sum
}

// Matches finalizes the digest and compares it against an expected hex
// string, case-insensitively. Expected values of the wrong length never
// match.
func (a *Accumulator) Matches(expected string) bool {
	if len(expected) != HexLen {
		return false
	}
	return strings.EqualFold(a.Sum(), expected)
}
