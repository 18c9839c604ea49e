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

// Package pfa implements the physical frame allocator. It owns every frame
// of usable RAM and is the only component that changes frame ownership.
//
// Frames are tracked per region by a flat bitmap plus per-frame ownership
// metadata. Allocation is a linear first-fit scan in ascending address
// order. Freed runs are not coalesced into larger metadata; callers free
// exactly the count they allocated.
package pfa

import (
	"fmt"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/bitmap"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
	"hik.dev/hik/pkg/log"
)

// Class is the usage class of a frame.
type Class uint8

// Frame classes.
const (
	ClassFree Class = iota
	ClassReserved
	ClassCore
	ClassPrivileged
	ClassApplication
	ClassShared
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassFree:
		return "free"
	case ClassReserved:
		return "reserved"
	case ClassCore:
		return "core"
	case ClassPrivileged:
		return "privileged"
	case ClassApplication:
		return "application"
	case ClassShared:
		return "shared"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// DefaultMaxFrames is the frame limit used when none is configured (4 GiB).
const DefaultMaxFrames = 1 << 20

// Accountant charges memory to domains. The domain manager implements it.
type Accountant interface {
	// CheckMemoryQuota returns an error if charging bytes to d would
	// exceed its quota.
	CheckMemoryQuota(d hik.DomainID, bytes uint64) error

	// ChargeMemory adds delta bytes to d's usage. A negative delta
	// credits.
	ChargeMemory(d hik.DomainID, delta int64)
}

// FrameInfo describes one frame.
type FrameInfo struct {
	Addr      hikarch.PhysAddr
	Owner     hik.DomainID
	Class     Class
	Allocated bool
}

// Run is a maximal run of contiguous frames sharing allocation state, owner
// and class.
type Run struct {
	Base      hikarch.PhysAddr
	Count     uint64
	Owner     hik.DomainID
	Class     Class
	Allocated bool
}

// End returns the first address past the run.
func (r Run) End() hikarch.PhysAddr {
	return r.Base + hikarch.PhysAddr(r.Count*hikarch.PageSize)
}

// Stats is a snapshot of frame accounting.
type Stats struct {
	Total   uint64
	Free    uint64
	ByOwner map[hik.DomainID]uint64
}

// region is a contiguous span of managed frames.
type region struct {
	base  hikarch.PhysAddr
	used  bitmap.Bitmap
	owner []hik.DomainID
	class []Class
}

func (r *region) frames() uint64 {
	return uint64(r.used.Size())
}

func (r *region) end() hikarch.PhysAddr {
	return r.base + hikarch.PhysAddr(r.frames()*hikarch.PageSize)
}

func (r *region) contains(a hikarch.PhysAddr) bool {
	return a >= r.base && a < r.end()
}

func (r *region) index(a hikarch.PhysAddr) uint32 {
	return uint32((a - r.base) >> hikarch.PageShift)
}

// Allocator is the frame allocator. It is not safe for concurrent use; the
// kernel serializes calls.
type Allocator struct {
	regions   []*region
	maxFrames uint64
	total     uint64
	free      uint64

	acct  Accountant
	audit audit.Sink
}

// New returns an empty allocator that will manage at most maxFrames frames.
func New(maxFrames uint64, sink audit.Sink) *Allocator {
	if maxFrames == 0 {
		maxFrames = DefaultMaxFrames
	}
	if sink == nil {
		sink = audit.Discard
	}
	return &Allocator{maxFrames: maxFrames, audit: sink}
}

// SetAccountant installs the quota accountant. Until one is installed no
// quota is enforced.
func (a *Allocator) SetAccountant(acct Accountant) {
	a.acct = acct
}

// AddRegion incorporates a boot-reported usable region.
func (a *Allocator) AddRegion(base hikarch.PhysAddr, size uint64) error {
	if !base.IsPageAligned() || size == 0 || size&hikarch.PageMask != 0 || hikarch.AddOverflows(uint64(base), size) {
		return fmt.Errorf("%w: base %v size %#x", hikerr.ErrInvalidRegion, base, size)
	}
	n := size >> hikarch.PageShift
	if a.total+n > a.maxFrames {
		return fmt.Errorf("%w: %d frames exceeds limit of %d", hikerr.ErrInvalidRegion, a.total+n, a.maxFrames)
	}
	end := base + hikarch.PhysAddr(size)
	for _, r := range a.regions {
		if base < r.end() && r.base < end {
			return fmt.Errorf("%w: [%v, %v) overlaps [%v, %v)", hikerr.ErrInvalidRegion, base, end, r.base, r.end())
		}
	}

	nr := &region{
		base:  base,
		used:  bitmap.New(uint32(n)),
		owner: make([]hik.DomainID, n),
		class: make([]Class, n),
	}
	a.regions = append(a.regions, nr)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].base < a.regions[j].base })
	a.mergeAdjacent()
	a.total += n
	a.free += n
	log.Debugf("pfa: added region [%v, %v), %d frames", base, end, n)
	return nil
}

// mergeAdjacent joins regions that touch.
func (a *Allocator) mergeAdjacent() {
	merged := a.regions[:1]
	for _, r := range a.regions[1:] {
		last := merged[len(merged)-1]
		if last.end() != r.base {
			merged = append(merged, r)
			continue
		}
		n := last.frames() + r.frames()
		m := &region{
			base:  last.base,
			used:  bitmap.New(uint32(n)),
			owner: append(append(make([]hik.DomainID, 0, n), last.owner...), r.owner...),
			class: append(append(make([]Class, 0, n), last.class...), r.class...),
		}
		off := uint32(last.frames())
		for _, i := range last.used.ToSlice() {
			m.used.Add(i)
		}
		for _, i := range r.used.ToSlice() {
			m.used.Add(off + i)
		}
		merged[len(merged)-1] = m
	}
	a.regions = merged
}

// find returns the start of a free run of n frames: the lowest one, or the
// highest one when top is set.
func (r *region) find(n uint32, top bool) (uint32, bool) {
	if top {
		return r.used.FindLastZeroRun(n)
	}
	return r.used.FindZeroRun(0, n)
}

// Alloc finds a run of count free frames, marks them (owner, class) and
// charges them to owner. Core frames are taken top-down and every other
// class first-fit from the bottom.
func (a *Allocator) Alloc(owner hik.DomainID, count uint64, class Class) (hikarch.PhysAddr, error) {
	if count == 0 || class == ClassFree || class == ClassReserved || class > ClassShared {
		return 0, hikerr.ErrInvalidParam
	}
	bytes := count * hikarch.PageSize
	if a.acct != nil {
		if err := a.acct.CheckMemoryQuota(owner, bytes); err != nil {
			a.audit.Record(hik.AuditResourceExhausted, owner, hik.InvalidCap, 0, false, bytes)
			return 0, err
		}
	}
	for i := range a.regions {
		r := a.regions[i]
		if class == ClassCore {
			r = a.regions[len(a.regions)-1-i]
		}
		if count > r.frames() {
			continue
		}
		start, ok := r.find(uint32(count), class == ClassCore)
		if !ok {
			continue
		}
		r.used.SetRange(start, start+uint32(count))
		for i := start; i < start+uint32(count); i++ {
			r.owner[i] = owner
			r.class[i] = class
		}
		a.free -= count
		if a.acct != nil {
			a.acct.ChargeMemory(owner, int64(bytes))
		}
		addr := r.base + hikarch.FrameAddr(uint64(start))
		a.audit.Record(hik.AuditPmmAlloc, owner, hik.InvalidCap, 0, true, uint64(addr), count, uint64(class))
		return addr, nil
	}
	a.audit.Record(hik.AuditResourceExhausted, owner, hik.InvalidCap, 0, false, bytes)
	return 0, hikerr.ErrNoMemory
}

func (a *Allocator) regionFor(addr hikarch.PhysAddr) *region {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].end() > addr })
	if i < len(a.regions) && a.regions[i].contains(addr) {
		return a.regions[i]
	}
	return nil
}

// Free returns count frames starting at base to the free pool, crediting
// each frame's owner. All frames must be allocated.
func (a *Allocator) Free(base hikarch.PhysAddr, count uint64) error {
	if !base.IsPageAligned() {
		return hikerr.ErrMisaligned
	}
	if count == 0 {
		return hikerr.ErrInvalidParam
	}
	r := a.regionFor(base)
	if r == nil {
		return fmt.Errorf("%w: %v is not managed", hikerr.ErrNotAllocated, base)
	}
	start := r.index(base)
	if uint64(start)+count > r.frames() {
		return fmt.Errorf("%w: run of %d at %v leaves its region", hikerr.ErrNotAllocated, count, base)
	}
	end := start + uint32(count)
	if got := r.used.CountRange(start, end); uint64(got) != count {
		return fmt.Errorf("%w: %d of %d frames at %v are free", hikerr.ErrNotAllocated, count-uint64(got), count, base)
	}
	credits := make(map[hik.DomainID]int64)
	for i := start; i < end; i++ {
		credits[r.owner[i]] += hikarch.PageSize
		r.owner[i] = hik.CoreDomain
		r.class[i] = ClassFree
	}
	r.used.ClearRange(start, end)
	a.free += count
	for d, bytes := range credits {
		if a.acct != nil {
			a.acct.ChargeMemory(d, -bytes)
		}
		a.audit.Record(hik.AuditPmmFree, d, hik.InvalidCap, 0, true, uint64(base), uint64(bytes)/hikarch.PageSize)
	}
	return nil
}

// FreeOwnedBy frees every frame owned by d and returns how many were freed.
func (a *Allocator) FreeOwnedBy(d hik.DomainID) uint64 {
	var freed uint64
	for _, run := range a.Runs() {
		if !run.Allocated || run.Owner != d {
			continue
		}
		if err := a.Free(run.Base, run.Count); err != nil {
			// Runs come from the allocator itself.
			panic(fmt.Sprintf("pfa: freeing owned run %+v: %v", run, err))
		}
		freed += run.Count
	}
	return freed
}

// Query returns the state of the frame containing addr.
func (a *Allocator) Query(addr hikarch.PhysAddr) (FrameInfo, error) {
	r := a.regionFor(addr)
	if r == nil {
		return FrameInfo{}, fmt.Errorf("%w: %v is not managed", hikerr.ErrNotFound, addr)
	}
	i := r.index(addr)
	return FrameInfo{
		Addr:      r.base + hikarch.FrameAddr(uint64(i)),
		Owner:     r.owner[i],
		Class:     r.class[i],
		Allocated: r.used.IsSet(i),
	}, nil
}

// Runs returns every run of frames in ascending address order.
func (a *Allocator) Runs() []Run {
	var runs []Run
	for _, r := range a.regions {
		n := uint32(r.frames())
		for i := uint32(0); i < n; {
			j := i + 1
			for j < n && r.used.IsSet(j) == r.used.IsSet(i) && r.owner[j] == r.owner[i] && r.class[j] == r.class[i] {
				j++
			}
			runs = append(runs, Run{
				Base:      r.base + hikarch.FrameAddr(uint64(i)),
				Count:     uint64(j - i),
				Owner:     r.owner[i],
				Class:     r.class[i],
				Allocated: r.used.IsSet(i),
			})
			i = j
		}
	}
	return runs
}

// OwnedBy returns the allocated runs owned by d.
func (a *Allocator) OwnedBy(d hik.DomainID) []Run {
	var runs []Run
	for _, run := range a.Runs() {
		if run.Allocated && run.Owner == d {
			runs = append(runs, run)
		}
	}
	return runs
}

// Stats returns frame accounting totals.
func (a *Allocator) Stats() Stats {
	s := Stats{Total: a.total, Free: a.free, ByOwner: make(map[hik.DomainID]uint64)}
	for _, r := range a.regions {
		for _, i := range r.used.ToSlice() {
			s.ByOwner[r.owner[i]]++
		}
	}
	return s
}

// Total returns the number of managed frames.
func (a *Allocator) Total() uint64 {
	return a.total
}

// FreeFrames returns the number of free frames.
func (a *Allocator) FreeFrames() uint64 {
	return a.free
}
