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
	"bytes"
	"errors"
	"testing"
)

// testImg returns n bytes starting with the image header magic.
func testImg(n int) []byte {
	b := make([]byte, n)
	b[0] = ImageMagic
	for i := 1; i < n; i++ {
		b[i] = byte(i % 251)
	}
	return b
}

func TestTransactionRoundTrip(t *testing.T) {
	img := testImg(1500)

	for _, test := range []struct {
		name   string
		chunks []int
	}{
		{name: "single write", chunks: []int{1500}},
		{name: "block sized", chunks: []int{512, 512, 476}},
		{name: "unaligned", chunks: []int{1, 7, 700, 792}},
		{name: "byte at a time head", chunks: []int{1, 1, 1, 1497}},
	} {
		t.Run(test.name, func(t *testing.T) {
			table, _ := memTable(t)
			p := table.Find(RoleBoot, "ota_0")

			txn, err := Begin(p, len(img))
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			off := 0
			for _, n := range test.chunks {
				if err := txn.Write(img[off : off+n]); err != nil {
					t.Fatalf("Write at %d: %v", off, err)
				}
				off += n
			}
			if err := txn.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			got := make([]byte, len(img))
			if err := p.ReadAt(0, got); err != nil {
				t.Fatalf("ReadAt: %v", err)
			}
			if !bytes.Equal(got, img) {
				t.Fatal("read-back differs from written image")
			}
		})
	}
}

func TestBeginRejectsOversizedImage(t *testing.T) {
	table, _ := memTable(t)
	p := table.Find(RoleBoot, "ota_0")

	// Leave a marker to prove nothing was erased.
	if err := p.WriteAt(0, []byte{0xAB}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, err := Begin(p, p.Size()+1); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Begin = %v, want ErrNoSpace", err)
	}
	if _, err := Begin(p, 0); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Begin(0) = %v, want ErrNoSpace", err)
	}

	got := make([]byte, 1)
	if err := p.ReadAt(0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatal("failed Begin erased the partition")
	}
}

func TestWriteRejectsBadMagic(t *testing.T) {
	table, _ := memTable(t)
	p := table.Find(RoleBoot, "ota_0")

	txn, err := Begin(p, 64)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Write(make([]byte, 16)); !errors.Is(err, ErrValidate) {
		t.Fatalf("Write = %v, want ErrValidate", err)
	}
}

func TestWriteEnforcesDeclaredSize(t *testing.T) {
	table, _ := memTable(t)
	p := table.Find(RoleBoot, "ota_0")

	txn, err := Begin(p, 64)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Write(testImg(65)); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("oversized Write = %v, want ErrNoSpace", err)
	}
	// The failed write must not have consumed any of the budget.
	if err := txn.Write(testImg(64)); err != nil {
		t.Fatalf("Write after failed overrun: %v", err)
	}
	if err := txn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseRejectsShortImage(t *testing.T) {
	table, _ := memTable(t)
	p := table.Find(RoleBoot, "ota_0")

	txn, err := Begin(p, 64)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Write(testImg(32)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := txn.Close(); !errors.Is(err, ErrValidate) {
		t.Fatalf("Close = %v, want ErrValidate", err)
	}
}

func TestTransactionClosed(t *testing.T) {
	table, _ := memTable(t)
	p := table.Find(RoleBoot, "ota_0")

	txn, err := Begin(p, 64)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Write(testImg(64)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := txn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := txn.Write([]byte{ImageMagic}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after Close = %v, want ErrClosed", err)
	}
	if err := txn.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
	// Abort after Close is a no-op.
	txn.Abort()
}

func TestAbortIsIdempotent(t *testing.T) {
	table, _ := memTable(t)
	p := table.Find(RoleBoot, "ota_0")

	txn, err := Begin(p, 64)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	txn.Abort()
	txn.Abort()

	if err := txn.Write([]byte{ImageMagic}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after Abort = %v, want ErrClosed", err)
	}
}
