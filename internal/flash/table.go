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
	"encoding/binary"
	"fmt"

	"github.com/boguslaw-wojcik/crc32a"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// bootRecordMagic identifies a valid boot-select record.
const bootRecordMagic = 0xB001C0DE

// bootRecordLen is the encoded size of a boot-select record: magic (4),
// sequence (4), label (MaxLabelLen), CRC32/A over the preceding bytes (4).
const bootRecordLen = 4 + 4 + MaxLabelLen + 4

// Layout describes the partition table geometry as loaded from
// configuration.
type Layout struct {
	// Partitions lists the partitions in device order.
	Partitions []LayoutPartition `yaml:"partitions"`
}

// LayoutPartition describes a single partition within a Layout.
type LayoutPartition struct {
	Label string `yaml:"label"`
	Role  string `yaml:"role"`
	// Start is the address of the first block of the partition.
	Start uint `yaml:"start"`
	// Blocks is the number of blocks covered by the partition.
	Blocks uint `yaml:"blocks"`
}

// Table provides lookup over the partitions of a single device, and owns
// the boot-select region used to durably record the next boot target.
//
// Great care must be taken if the layout is changed once data has been
// written under a previous layout.
type Table struct {
	dev   Device
	parts []*Partition
	sel   *Partition // boot-select region, nil if the layout has none
}

// LoadLayout parses a YAML layout document and opens a partition table for
// the given device.
func LoadLayout(dev Device, doc []byte) (*Table, error) {
	var l Layout
	if err := yaml.Unmarshal(doc, &l); err != nil {
		return nil, fmt.Errorf("failed to parse layout: %v", err)
	}
	return NewTable(dev, l)
}

// NewTable validates a layout against the device geometry and returns a
// partition table for it.
func NewTable(dev Device, l Layout) (*Table, error) {
	t := &Table{dev: dev}
	seen := make(map[string]bool)
	next := uint(0)

	for _, lp := range l.Partitions {
		if lp.Label == "" || len(lp.Label) > MaxLabelLen {
			return nil, fmt.Errorf("invalid partition label %q", lp.Label)
		}
		if seen[lp.Label] {
			return nil, fmt.Errorf("duplicate partition label %q", lp.Label)
		}
		seen[lp.Label] = true

		var role Role
		switch lp.Role {
		case "boot":
			role = RoleBoot
		case "data":
			role = RoleData
		case "bootselect":
			role = RoleBootSelect
		default:
			return nil, fmt.Errorf("partition %q: unknown role %q", lp.Label, lp.Role)
		}

		if lp.Blocks == 0 {
			return nil, fmt.Errorf("partition %q: zero length", lp.Label)
		}
		if lp.Start < next {
			return nil, fmt.Errorf("partition %q: overlaps previous partition (start %d < %d)", lp.Label, lp.Start, next)
		}
		if end := lp.Start + lp.Blocks; end > dev.NumBlocks() {
			return nil, fmt.Errorf("partition %q: extends past device (%d > %d blocks)", lp.Label, end, dev.NumBlocks())
		}
		next = lp.Start + lp.Blocks

		p := &Partition{
			dev:    dev,
			label:  lp.Label,
			role:   role,
			start:  lp.Start,
			length: lp.Blocks,
		}

		if role == RoleBootSelect {
			if t.sel != nil {
				return nil, fmt.Errorf("multiple bootselect partitions (%q, %q)", t.sel.label, lp.Label)
			}
			if p.length < 2 {
				return nil, fmt.Errorf("%w: partition %q needs at least 2 blocks", ErrBootSelect, lp.Label)
			}
			t.sel = p
		}

		t.parts = append(t.parts, p)
	}

	return t, nil
}

// Partitions returns all partitions in device order.
func (t *Table) Partitions() []*Partition {
	return t.parts
}

// Find returns the first partition with the given role, or the partition
// with the given role and label when label is non-empty. Returns nil if no
// partition matches.
func (t *Table) Find(role Role, label string) *Partition {
	for _, p := range t.parts {
		if p.role != role {
			continue
		}
		if label == "" || p.label == label {
			return p
		}
	}
	return nil
}

// BootTarget returns the partition the most recent valid boot-select record
// points at, or nil if no valid record exists.
func (t *Table) BootTarget() *Partition {
	label, _, ok := t.readBootRecord()
	if !ok {
		return nil
	}
	return t.Find(RoleBoot, label)
}

// NextUpdate returns the next inactive boot-capable partition, rotating
// through the boot slots relative to the current boot target, or nil if no
// inactive slot exists.
func (t *Table) NextUpdate() *Partition {
	var boot []*Partition
	for _, p := range t.parts {
		if p.role == RoleBoot {
			boot = append(boot, p)
		}
	}
	if len(boot) == 0 {
		return nil
	}

	cur := t.BootTarget()
	if cur == nil {
		return boot[0]
	}
	for i, p := range boot {
		if p == cur {
			next := boot[(i+1)%len(boot)]
			if next == cur {
				// Single slot which is already active.
				return nil
			}
			return next
		}
	}
	// Current record points outside the boot slots, start over.
	return boot[0]
}

// SetBootTarget durably designates p as the partition to boot from next.
// The record is written to whichever of the two boot-select slots does not
// hold the current record, so a torn write can never lose the previous
// target.
func (t *Table) SetBootTarget(p *Partition) error {
	if t.sel == nil {
		return fmt.Errorf("%w: layout has no bootselect partition", ErrBootSelect)
	}
	if p == nil || p.role != RoleBoot {
		return fmt.Errorf("%w: not a boot partition", ErrBootSelect)
	}

	_, seq, _ := t.readBootRecord()
	seq++
	// Odd sequence numbers live in slot 1, even in slot 0, so consecutive
	// records never share a slot.
	slot := int(seq % 2)

	rec := encodeBootRecord(p.label, seq)
	bs := int(t.sel.dev.BlockSize())
	if err := t.sel.Erase(slot*bs, bs); err != nil {
		return err
	}
	if err := t.sel.WriteAt(slot*bs, rec); err != nil {
		return err
	}

	klog.Infof("boot target set to %q (seq %d, slot %d)", p.label, seq, slot)
	return nil
}

// readBootRecord scans both boot-select slots and returns the label and
// sequence number of the newest valid record.
func (t *Table) readBootRecord() (label string, seq uint32, ok bool) {
	if t.sel == nil {
		return "", 0, false
	}
	bs := int(t.sel.dev.BlockSize())
	for slot := 0; slot < 2; slot++ {
		b := make([]byte, bootRecordLen)
		if err := t.sel.ReadAt(slot*bs, b); err != nil {
			klog.Warningf("failed to read boot-select slot %d: %v", slot, err)
			continue
		}
		l, s, valid := decodeBootRecord(b)
		if !valid {
			continue
		}
		if !ok || s > seq {
			label, seq, ok = l, s, true
		}
	}
	return label, seq, ok
}

func encodeBootRecord(label string, seq uint32) []byte {
	b := make([]byte, bootRecordLen)
	binary.LittleEndian.PutUint32(b[0:4], bootRecordMagic)
	binary.LittleEndian.PutUint32(b[4:8], seq)
	copy(b[8:8+MaxLabelLen], label)
	binary.LittleEndian.PutUint32(b[8+MaxLabelLen:], crc32a.Checksum(b[:8+MaxLabelLen]))
	return b
}

func decodeBootRecord(b []byte) (label string, seq uint32, ok bool) {
	if len(b) < bootRecordLen {
		return "", 0, false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != bootRecordMagic {
		return "", 0, false
	}
	if binary.LittleEndian.Uint32(b[8+MaxLabelLen:]) != crc32a.Checksum(b[:8+MaxLabelLen]) {
		return "", 0, false
	}
	seq = binary.LittleEndian.Uint32(b[4:8])
	raw := b[8 : 8+MaxLabelLen]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n]), seq, true
}
