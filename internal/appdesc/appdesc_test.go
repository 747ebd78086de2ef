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

package appdesc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/embedded-dev/ota-backend/internal/flash"
)

func testImage(t *testing.T, d *Desc) []byte {
	t.Helper()
	img := make([]byte, 256)
	img[0] = flash.ImageMagic
	if err := d.Encode(img); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return img
}

func TestParseRoundTrip(t *testing.T) {
	want := &Desc{
		SecureVersion: 3,
		Version:       "1.4.2",
		Project:       "sensor-node",
		Time:          "10:31:05",
		Date:          "Mar 12 2025",
	}
	img := testImage(t, want)

	got, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	valid := testImage(t, &Desc{Version: "1.0.0"})

	noDescMagic := make([]byte, 256)
	copy(noDescMagic, valid)
	noDescMagic[descOffset] = 0

	badImgMagic := make([]byte, 256)
	copy(badImgMagic, valid)
	badImgMagic[0] = 0

	for _, test := range []struct {
		name string
		img  []byte
	}{
		{name: "empty", img: nil},
		{name: "bad image magic", img: badImgMagic},
		{name: "truncated", img: valid[:descOffset+4]},
		{name: "bad descriptor magic", img: noDescMagic},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse(test.img); err == nil {
				t.Fatal("Parse succeeded on invalid image")
			}
		})
	}
}

func TestSemver(t *testing.T) {
	for _, test := range []struct {
		version string
		want    string
		wantErr bool
	}{
		{version: "1.4.2", want: "1.4.2"},
		{version: "v2.0.0", want: "2.0.0"},
		{version: "nightly", wantErr: true},
	} {
		t.Run(test.version, func(t *testing.T) {
			d := &Desc{Version: test.version}
			v, err := d.Semver()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Semver() = %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if got := v.String(); got != test.want {
				t.Fatalf("Semver() = %s, want %s", got, test.want)
			}
		})
	}
}
