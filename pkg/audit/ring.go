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

// Package audit implements the kernel audit log: a fixed-capacity ring of
// audit records with overwrite-on-full and a monotonic sequence number.
//
// The kernel is the only producer. Push never blocks and never takes a
// lock, including when it notifies watchers. Readers may run concurrently with the producer; a slot that is
// overwritten while being read is skipped.
package audit

import (
	"fmt"
	"io"
	"math/bits"
	"sync/atomic"

	"hik.dev/hik/pkg/abi/hik"
)

// HighWaterPercent is the fill level at which Push reports a high-water
// crossing, once per lap of the ring.
const HighWaterPercent = 90

// Ring is a lock-free single-producer audit ring.
type Ring struct {
	mask  uint64
	slots []atomic.Pointer[hik.AuditRecord]

	// head is the sequence number of the next record.
	head atomic.Uint64

	watchers multiWatcher
}

// NewRing returns a ring holding entries records. entries must be a non-zero
// power of two.
func NewRing(entries int) (*Ring, error) {
	if entries <= 0 || bits.OnesCount(uint(entries)) != 1 {
		return nil, fmt.Errorf("audit ring size %d is not a power of two", entries)
	}
	return &Ring{
		mask:  uint64(entries - 1),
		slots: make([]atomic.Pointer[hik.AuditRecord], entries),
	}, nil
}

// Cap returns the capacity of the ring.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Pushed returns the number of records pushed since creation.
func (r *Ring) Pushed() uint64 {
	return r.head.Load()
}

// Len returns the number of records currently held.
func (r *Ring) Len() int {
	if n := r.head.Load(); n < uint64(len(r.slots)) {
		return int(n)
	}
	return len(r.slots)
}

// Overwritten returns the number of records lost to wrap-around.
func (r *Ring) Overwritten() uint64 {
	if n := r.head.Load(); n > uint64(len(r.slots)) {
		return n - uint64(len(r.slots))
	}
	return 0
}

// Usage returns the fill level of the ring as a percentage.
func (r *Ring) Usage() int {
	return r.Len() * 100 / len(r.slots)
}

// Push appends rec, overwriting the oldest record when full. It assigns and
// returns the record's sequence number. highWater is true when this push
// crossed HighWaterPercent of the current lap.
func (r *Ring) Push(rec hik.AuditRecord) (seq uint32, highWater bool) {
	n := r.head.Load()
	rec.Sequence = uint32(n)
	p := new(hik.AuditRecord)
	*p = rec
	r.slots[n&r.mask].Store(p)
	r.head.Store(n + 1)

	size := uint64(len(r.slots))
	mark := size * HighWaterPercent / 100
	if mark == 0 {
		mark = 1
	}
	highWater = (n&r.mask)+1 == mark

	r.watchers.notify(rec)
	return rec.Sequence, highWater
}

// load returns the record with sequence seq if it is still held.
func (r *Ring) load(seq uint64) (hik.AuditRecord, bool) {
	p := r.slots[seq&r.mask].Load()
	if p == nil || p.Sequence != uint32(seq) {
		return hik.AuditRecord{}, false
	}
	return *p, true
}

// Snapshot returns the held records, oldest first.
func (r *Ring) Snapshot() []hik.AuditRecord {
	head := r.head.Load()
	var start uint64
	if head > uint64(len(r.slots)) {
		start = head - uint64(len(r.slots))
	}
	return r.collect(start, head)
}

// Since returns held records with sequence numbers at or after seq, oldest
// first.
func (r *Ring) Since(seq uint64) []hik.AuditRecord {
	head := r.head.Load()
	start := seq
	if head > uint64(len(r.slots)) && start < head-uint64(len(r.slots)) {
		start = head - uint64(len(r.slots))
	}
	return r.collect(start, head)
}

func (r *Ring) collect(start, end uint64) []hik.AuditRecord {
	if start >= end {
		return nil
	}
	out := make([]hik.AuditRecord, 0, end-start)
	for s := start; s < end; s++ {
		if rec, ok := r.load(s); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of held records matching kind and, if domain is
// non-nil, that domain.
func (r *Ring) Count(kind hik.AuditKind, domain *hik.DomainID) int {
	n := 0
	for _, rec := range r.Snapshot() {
		if rec.Kind == kind && (domain == nil || rec.Domain == *domain) {
			n++
		}
	}
	return n
}

// AddWatcher registers w to be notified of every subsequent record.
func (r *Ring) AddWatcher(w Watcher) {
	r.watchers.add(w)
}

// Watchers returns the number of watchers that have not hung up.
func (r *Ring) Watchers() int {
	return r.watchers.count()
}

// WriteTo writes the held records to w as fixed-size binary records.
func (r *Ring) WriteTo(w io.Writer) (int64, error) {
	var total int64
	buf := make([]byte, hik.AuditRecordSize)
	for _, rec := range r.Snapshot() {
		rec.MarshalTo(buf)
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadRecords decodes a stream written by WriteTo.
func ReadRecords(b []byte) ([]hik.AuditRecord, error) {
	if len(b)%hik.AuditRecordSize != 0 {
		return nil, fmt.Errorf("audit stream length %d is not a multiple of %d", len(b), hik.AuditRecordSize)
	}
	out := make([]hik.AuditRecord, len(b)/hik.AuditRecordSize)
	for i := range out {
		if err := out[i].UnmarshalBinary(b[i*hik.AuditRecordSize : (i+1)*hik.AuditRecordSize]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
