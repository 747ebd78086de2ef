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

// Package appdesc parses the application descriptor embedded in firmware
// images, used to report and compare versions without booting the image.
package appdesc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/embedded-dev/ota-backend/internal/flash"
)

const (
	// descOffset is where the descriptor sits within an image: after the
	// 24-byte image header and the first 8-byte segment header.
	descOffset = 0x20

	// descMagic identifies a valid application descriptor.
	descMagic = 0xABCD5432

	// descLen is the encoded descriptor size.
	descLen = 4 + 4 + 8 + 32 + 32 + 16 + 16
)

// Desc is the application descriptor of a firmware image.
type Desc struct {
	// SecureVersion is the anti-rollback counter of the image.
	SecureVersion uint32
	// Version is the application version string, e.g. "1.4.2".
	Version string
	// Project is the project name the image was built from.
	Project string
	// Time and Date record when the image was built.
	Time string
	Date string
}

// Parse extracts the descriptor from the head of a firmware image.
func Parse(img []byte) (*Desc, error) {
	if len(img) == 0 || img[0] != flash.ImageMagic {
		return nil, fmt.Errorf("not a firmware image (bad magic)")
	}
	if len(img) < descOffset+descLen {
		return nil, fmt.Errorf("image too short for descriptor: %d bytes", len(img))
	}
	b := img[descOffset : descOffset+descLen]
	if binary.LittleEndian.Uint32(b[0:4]) != descMagic {
		return nil, fmt.Errorf("bad descriptor magic 0x%08x", binary.LittleEndian.Uint32(b[0:4]))
	}
	return &Desc{
		SecureVersion: binary.LittleEndian.Uint32(b[4:8]),
		Version:       cstr(b[16:48]),
		Project:       cstr(b[48:80]),
		Time:          cstr(b[80:96]),
		Date:          cstr(b[96:112]),
	}, nil
}

// Encode serializes the descriptor into img at the descriptor offset,
// which must already exist. Used to build test and tool images.
func (d *Desc) Encode(img []byte) error {
	if len(img) < descOffset+descLen {
		return fmt.Errorf("image too short for descriptor: %d bytes", len(img))
	}
	b := img[descOffset : descOffset+descLen]
	binary.LittleEndian.PutUint32(b[0:4], descMagic)
	binary.LittleEndian.PutUint32(b[4:8], d.SecureVersion)
	putCstr(b[16:48], d.Version)
	putCstr(b[48:80], d.Project)
	putCstr(b[80:96], d.Time)
	putCstr(b[96:112], d.Date)
	return nil
}

// Semver returns the parsed application version. Leading "v" prefixes are
// tolerated.
func (d *Desc) Semver() (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(d.Version, "v"))
	if err != nil {
		return nil, fmt.Errorf("version %q: %v", d.Version, err)
	}
	return v, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putCstr(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
}
