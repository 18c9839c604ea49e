// Copyright 2026 The gVisor Authors.
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

package hik

import (
	"encoding/binary"
	"fmt"
)

// IRQRouteFlags qualify a persisted IRQ route.
type IRQRouteFlags uint32

// IRQRoutePresent marks a populated entry.
const IRQRoutePresent IRQRouteFlags = 1 << 0

// IRQRouteEntry is one entry of the persisted IRQ routing table.
type IRQRouteEntry struct {
	TargetDomain uint32
	HandlerPC    uint64
	EndpointCap  uint32
	Flags        IRQRouteFlags
}

// IRQRouteEntrySize is the encoded size of an IRQRouteEntry: four fields in
// declaration order, little endian, no padding.
const IRQRouteEntrySize = 4 + 8 + 4 + 4

// IRQTableSize is the encoded size of a full routing table.
const IRQTableSize = NumIRQVectors * IRQRouteEntrySize

// EncodeIRQTable encodes a full routing table.
func EncodeIRQTable(t *[NumIRQVectors]IRQRouteEntry) []byte {
	le := binary.LittleEndian
	b := make([]byte, IRQTableSize)
	for i := range t {
		e := &t[i]
		off := i * IRQRouteEntrySize
		le.PutUint32(b[off:], e.TargetDomain)
		le.PutUint64(b[off+4:], e.HandlerPC)
		le.PutUint32(b[off+12:], e.EndpointCap)
		le.PutUint32(b[off+16:], uint32(e.Flags))
	}
	return b
}

// DecodeIRQTable decodes a full routing table.
func DecodeIRQTable(b []byte) (*[NumIRQVectors]IRQRouteEntry, error) {
	if len(b) != IRQTableSize {
		return nil, fmt.Errorf("irq table is %d bytes, want %d", len(b), IRQTableSize)
	}
	le := binary.LittleEndian
	var t [NumIRQVectors]IRQRouteEntry
	for i := range t {
		off := i * IRQRouteEntrySize
		t[i] = IRQRouteEntry{
			TargetDomain: le.Uint32(b[off:]),
			HandlerPC:    le.Uint64(b[off+4:]),
			EndpointCap:  le.Uint32(b[off+12:]),
			Flags:        IRQRouteFlags(le.Uint32(b[off+16:])),
		}
	}
	return &t, nil
}
