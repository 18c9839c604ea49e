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

// Package asm implements per-domain address spaces.
//
// On MMU targets each address space is a 4-level translation tree whose
// tables live in frames taken from the frame allocator (owner Core-0, class
// Core). On MMU-less targets an address space is a static table of up to
// MaxMPUSlots identity regions; its root frame holds the table.
//
// Both forms keep an ordered index of mappings, used to reject overlapping
// maps before any table is touched.
package asm

import (
	"fmt"

	"github.com/google/btree"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/cleanup"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hikarch"
)

// Translation selects the translation hardware.
type Translation uint8

// Translation kinds.
const (
	MMU Translation = iota
	MPU
)

// String implements fmt.Stringer.String.
func (t Translation) String() string {
	switch t {
	case MMU:
		return "mmu"
	case MPU:
		return "mpu"
	default:
		return fmt.Sprintf("Translation(%d)", uint8(t))
	}
}

// ParseTranslation is the inverse of Translation.String.
func ParseTranslation(s string) (Translation, error) {
	switch s {
	case "mmu":
		return MMU, nil
	case "mpu":
		return MPU, nil
	}
	return 0, fmt.Errorf("unknown translation %q", s)
}

const (
	// MaxMPUSlots is the number of regions an MPU address space holds.
	MaxMPUSlots = 8

	// VirtBits is the width of a virtual address on MMU targets.
	VirtBits = 48

	levels       = 4
	levelBits    = 9
	levelEntries = 1 << levelBits
)

// Perms are access permissions on a mapping.
type Perms uint8

// Permission bits.
const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExecute
)

// SupersetOf returns true if p includes every bit of o.
func (p Perms) SupersetOf(o Perms) bool {
	return p&o == o
}

// String implements fmt.Stringer.String.
func (p Perms) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Mode controls whether a mapping is reachable from user mode.
type Mode uint8

// Mapping modes.
const (
	ModeUser Mode = iota
	ModeKernel
	ModeIdentity
)

// UserAccessible returns whether the user-accessible bit is set for m.
func (m Mode) UserAccessible() bool {
	return m == ModeUser
}

// Handle names an address space. Zero is never a valid handle.
type Handle uint32

// Mapping is one contiguous mapping.
type Mapping struct {
	Virt  hikarch.VirtAddr
	Phys  hikarch.PhysAddr
	Size  uint64
	Perms Perms
	Mode  Mode
}

// End returns the first virtual address past the mapping.
func (m Mapping) End() hikarch.VirtAddr {
	return m.Virt + hikarch.VirtAddr(m.Size)
}

// PhysEnd returns the first physical address past the mapping.
func (m Mapping) PhysEnd() hikarch.PhysAddr {
	return m.Phys + hikarch.PhysAddr(m.Size)
}

func mappingLess(a, b Mapping) bool {
	return a.Virt < b.Virt
}

// FrameSource supplies frames for translation tables.
type FrameSource interface {
	Alloc(owner hik.DomainID, count uint64, class pfa.Class) (hikarch.PhysAddr, error)
	Free(base hikarch.PhysAddr, count uint64) error
}

// pte is a leaf entry.
type pte struct {
	phys  hikarch.PhysAddr
	perms Perms
	mode  Mode
}

// table is one level of the translation tree. Level 0 tables hold leaves.
type table struct {
	frame    hikarch.PhysAddr
	children map[uint16]*table
	leaves   map[uint16]pte
}

func newTable(frame hikarch.PhysAddr, level int) *table {
	t := &table{frame: frame}
	if level == 0 {
		t.leaves = make(map[uint16]pte)
	} else {
		t.children = make(map[uint16]*table)
	}
	return t
}

func index(v hikarch.VirtAddr, level int) uint16 {
	return uint16((uint64(v) >> (hikarch.PageShift + level*levelBits)) & (levelEntries - 1))
}

// AddressSpace is one domain's address space.
type AddressSpace struct {
	handle Handle
	domain hik.DomainID
	root   *table
	tables int

	// index holds every mapping, keyed by virtual start.
	index *btree.BTreeG[Mapping]
}

// Domain returns the domain the address space belongs to.
func (as *AddressSpace) Domain() hik.DomainID {
	return as.domain
}

// Root returns the physical address of the root table.
func (as *AddressSpace) Root() hikarch.PhysAddr {
	return as.root.frame
}

// Manager owns every address space.
type Manager struct {
	kind   Translation
	frames FrameSource
	hal    hal.HAL
	audit  audit.Sink

	spaces map[Handle]*AddressSpace
	next   Handle
}

// NewManager returns a Manager using the given translation kind.
func NewManager(kind Translation, frames FrameSource, h hal.HAL, sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.Discard
	}
	return &Manager{
		kind:   kind,
		frames: frames,
		hal:    h,
		audit:  sink,
		spaces: make(map[Handle]*AddressSpace),
		next:   1,
	}
}

// Kind returns the translation kind.
func (m *Manager) Kind() Translation {
	return m.kind
}

// Create allocates an address space for domain with a fresh root.
func (m *Manager) Create(domain hik.DomainID) (Handle, error) {
	frame, err := m.frames.Alloc(hik.CoreDomain, 1, pfa.ClassCore)
	if err != nil {
		return 0, err
	}
	as := &AddressSpace{
		handle: m.next,
		domain: domain,
		root:   newTable(frame, levels-1),
		tables: 1,
		index:  btree.NewG[Mapping](8, mappingLess),
	}
	m.spaces[as.handle] = as
	m.next++
	return as.handle, nil
}

// Get returns the address space for h.
func (m *Manager) Get(h Handle) (*AddressSpace, error) {
	as, ok := m.spaces[h]
	if !ok {
		return nil, fmt.Errorf("%w: address space %d", hikerr.ErrNotFound, h)
	}
	return as, nil
}

// Destroy frees every table of h, including the root.
func (m *Manager) Destroy(h Handle) error {
	as, err := m.Get(h)
	if err != nil {
		return err
	}
	var walk func(t *table)
	walk = func(t *table) {
		for _, c := range t.children {
			walk(c)
		}
		if err := m.frames.Free(t.frame, 1); err != nil {
			panic(fmt.Sprintf("asm: freeing table frame %v: %v", t.frame, err))
		}
	}
	walk(as.root)
	delete(m.spaces, h)
	return nil
}

// overlapping returns the mappings intersecting [start, end).
func (as *AddressSpace) overlapping(start, end hikarch.VirtAddr) []Mapping {
	var out []Mapping
	as.index.DescendLessOrEqual(Mapping{Virt: start}, func(item Mapping) bool {
		if item.End() > start {
			out = append(out, item)
		}
		return false
	})
	as.index.AscendRange(Mapping{Virt: start + 1}, Mapping{Virt: end}, func(item Mapping) bool {
		out = append(out, item)
		return true
	})
	return out
}

func (m *Manager) checkRange(virt hikarch.VirtAddr, size uint64) (uint64, error) {
	if !virt.IsPageAligned() {
		return 0, hikerr.ErrMisaligned
	}
	if size == 0 {
		return 0, hikerr.ErrInvalidParam
	}
	size, ok := hikarch.RoundUp(size, uint64(hikarch.PageSize))
	if !ok || hikarch.AddOverflows(uint64(virt), size) {
		return 0, hikerr.ErrInvalidParam
	}
	if m.kind == MMU && uint64(virt)+size > 1<<VirtBits {
		return 0, fmt.Errorf("%w: range ends past %d-bit address space", hikerr.ErrInvalidParam, VirtBits)
	}
	return size, nil
}

// Map maps [virt, virt+size) to phys. size is rounded up to whole pages.
// It fails with ErrOverlap if any page in the range is already mapped, and
// leaves no trace on failure.
func (m *Manager) Map(h Handle, virt hikarch.VirtAddr, phys hikarch.PhysAddr, size uint64, perms Perms, mode Mode) error {
	as, err := m.Get(h)
	if err != nil {
		return err
	}
	if !phys.IsPageAligned() {
		return hikerr.ErrMisaligned
	}
	size, err = m.checkRange(virt, size)
	if err != nil {
		return err
	}
	if hikarch.AddOverflows(uint64(phys), size) {
		return hikerr.ErrInvalidParam
	}
	if len(as.overlapping(virt, virt+hikarch.VirtAddr(size))) != 0 {
		return fmt.Errorf("%w: [%v, %v)", hikerr.ErrOverlap, virt, virt+hikarch.VirtAddr(size))
	}
	mp := Mapping{Virt: virt, Phys: phys, Size: size, Perms: perms, Mode: mode}

	switch m.kind {
	case MPU:
		if uint64(virt) != uint64(phys) {
			return fmt.Errorf("%w: mpu regions are identity mapped", hikerr.ErrInvalidParam)
		}
		if as.index.Len() >= MaxMPUSlots {
			return hikerr.ErrNoSlots
		}
	case MMU:
		if err := m.mapPages(as, mp); err != nil {
			return err
		}
	}
	as.index.ReplaceOrInsert(mp)
	m.audit.Record(hik.AuditPagetableMap, as.domain, hik.InvalidCap, 0, true, uint64(virt), uint64(phys), size, uint64(perms))
	return nil
}

// mapPages writes leaves for mp, allocating intermediate tables on demand.
// Tables allocated by a failed call are released.
func (m *Manager) mapPages(as *AddressSpace, mp Mapping) error {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	var written []hikarch.VirtAddr
	cu.Add(func() {
		for _, v := range written {
			// Leaves in tables released above are already gone.
			if leaf, _ := as.walk(v, false, nil); leaf != nil {
				delete(leaf.leaves, index(v, 0))
			}
		}
	})

	for off := uint64(0); off < mp.Size; off += hikarch.PageSize {
		v := mp.Virt + hikarch.VirtAddr(off)
		leaf, err := as.walk(v, true, func(parent *table, idx uint16, level int) (*table, error) {
			frame, err := m.frames.Alloc(hik.CoreDomain, 1, pfa.ClassCore)
			if err != nil {
				return nil, err
			}
			t := newTable(frame, level)
			parent.children[idx] = t
			as.tables++
			cu.Add(func() {
				delete(parent.children, idx)
				as.tables--
				m.frames.Free(frame, 1)
			})
			return t, nil
		})
		if err != nil {
			return err
		}
		leaf.leaves[index(v, 0)] = pte{phys: mp.Phys + hikarch.PhysAddr(off), perms: mp.Perms, mode: mp.Mode}
		written = append(written, v)
	}
	cu.Release()
	return nil
}

type allocTable func(parent *table, idx uint16, level int) (*table, error)

// walk returns the level 0 table for v. With create set, missing tables are
// obtained from alloc; otherwise a missing table yields nil.
func (as *AddressSpace) walk(v hikarch.VirtAddr, create bool, alloc allocTable) (*table, error) {
	t := as.root
	for level := levels - 1; level > 0; level-- {
		idx := index(v, level)
		next, ok := t.children[idx]
		if !ok {
			if !create {
				return nil, nil
			}
			var err error
			if next, err = alloc(t, idx, level-1); err != nil {
				return nil, err
			}
		}
		t = next
	}
	return t, nil
}

// Unmap removes every mapped page in [virt, virt+size). Mappings that
// straddle the range boundaries are split. It returns ErrUnmapped if
// nothing in the range was mapped.
func (m *Manager) Unmap(h Handle, virt hikarch.VirtAddr, size uint64) error {
	as, err := m.Get(h)
	if err != nil {
		return err
	}
	size, err = m.checkRange(virt, size)
	if err != nil {
		return err
	}
	end := virt + hikarch.VirtAddr(size)
	hits := as.overlapping(virt, end)
	if len(hits) == 0 {
		return fmt.Errorf("%w: [%v, %v)", hikerr.ErrUnmapped, virt, end)
	}
	// A range strictly inside one MPU region splits it in two.
	if m.kind == MPU && len(hits) == 1 && hits[0].Virt < virt && hits[0].End() > end && as.index.Len() >= MaxMPUSlots {
		return hikerr.ErrNoSlots
	}
	for _, mp := range hits {
		as.index.Delete(mp)
		lo, hi := mp.Virt, mp.End()
		if lo < virt {
			head := mp
			head.Size = uint64(virt - lo)
			as.index.ReplaceOrInsert(head)
			lo = virt
		}
		if hi > end {
			tail := mp
			tail.Virt = end
			tail.Phys = mp.Phys + hikarch.PhysAddr(end-mp.Virt)
			tail.Size = uint64(hi - end)
			as.index.ReplaceOrInsert(tail)
			hi = end
		}
		if m.kind == MMU {
			for v := lo; v < hi; v += hikarch.PageSize {
				if leaf, _ := as.walk(v, false, nil); leaf != nil {
					delete(leaf.leaves, index(v, 0))
				}
			}
		}
	}
	m.audit.Record(hik.AuditPagetableUnmap, as.domain, hik.InvalidCap, 0, true, uint64(virt), size)
	return nil
}

// SetRights changes the permissions of [virt, virt+size). Every page in the
// range must be mapped.
func (m *Manager) SetRights(h Handle, virt hikarch.VirtAddr, size uint64, perms Perms) error {
	as, err := m.Get(h)
	if err != nil {
		return err
	}
	size, err = m.checkRange(virt, size)
	if err != nil {
		return err
	}
	end := virt + hikarch.VirtAddr(size)
	hits := as.overlapping(virt, end)
	covered := virt
	for _, mp := range hits {
		if mp.Virt > covered {
			break
		}
		covered = mp.End()
	}
	if covered < end {
		return fmt.Errorf("%w: %v", hikerr.ErrUnmapped, covered)
	}
	if m.kind == MPU {
		extra := 0
		if hits[0].Virt < virt {
			extra++
		}
		if last := hits[len(hits)-1]; last.End() > end {
			extra++
		}
		if as.index.Len()+extra > MaxMPUSlots {
			return hikerr.ErrNoSlots
		}
	}
	for _, mp := range hits {
		as.index.Delete(mp)
		lo, hi := mp.Virt, mp.End()
		if lo < virt {
			head := mp
			head.Size = uint64(virt - lo)
			as.index.ReplaceOrInsert(head)
			lo = virt
		}
		if hi > end {
			tail := mp
			tail.Virt = end
			tail.Phys = mp.Phys + hikarch.PhysAddr(end-mp.Virt)
			tail.Size = uint64(hi - end)
			as.index.ReplaceOrInsert(tail)
			hi = end
		}
		mid := mp
		mid.Virt = lo
		mid.Phys = mp.Phys + hikarch.PhysAddr(lo-mp.Virt)
		mid.Size = uint64(hi - lo)
		mid.Perms = perms
		as.index.ReplaceOrInsert(mid)
		if m.kind == MMU {
			for v := lo; v < hi; v += hikarch.PageSize {
				leaf, _ := as.walk(v, false, nil)
				e := leaf.leaves[index(v, 0)]
				e.perms = perms
				leaf.leaves[index(v, 0)] = e
			}
		}
	}
	return nil
}

// Lookup returns the mapping containing virt.
func (m *Manager) Lookup(h Handle, virt hikarch.VirtAddr) (Mapping, error) {
	as, err := m.Get(h)
	if err != nil {
		return Mapping{}, err
	}
	var (
		found Mapping
		ok    bool
	)
	as.index.DescendLessOrEqual(Mapping{Virt: virt}, func(item Mapping) bool {
		found, ok = item, item.End() > virt
		return false
	})
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %v", hikerr.ErrUnmapped, virt)
	}
	return found, nil
}

// Translate returns the physical address virt maps to. On MMU targets the
// translation tree is walked; on MPU targets the region table is searched.
func (m *Manager) Translate(h Handle, virt hikarch.VirtAddr) (hikarch.PhysAddr, error) {
	if m.kind == MPU {
		mp, err := m.Lookup(h, virt)
		if err != nil {
			return 0, err
		}
		return mp.Phys + hikarch.PhysAddr(virt-mp.Virt), nil
	}
	as, err := m.Get(h)
	if err != nil {
		return 0, err
	}
	leaf, _ := as.walk(virt, false, nil)
	if leaf == nil {
		return 0, fmt.Errorf("%w: %v", hikerr.ErrUnmapped, virt)
	}
	e, ok := leaf.leaves[index(virt, 0)]
	if !ok {
		return 0, fmt.Errorf("%w: %v", hikerr.ErrUnmapped, virt)
	}
	return e.phys + hikarch.PhysAddr(virt&hikarch.PageMask), nil
}

// CheckAccess returns nil if virt is mapped with every permission in want
// and, for user accesses, is user accessible. This is the range check an
// access fault is judged by.
func (m *Manager) CheckAccess(h Handle, virt hikarch.VirtAddr, want Perms, user bool) error {
	mp, err := m.Lookup(h, virt)
	if err != nil {
		return err
	}
	if !mp.Perms.SupersetOf(want) || (user && !mp.Mode.UserAccessible()) {
		return fmt.Errorf("%w: %v access to %v mapped %v", hikerr.ErrPermission, want, virt, mp.Perms)
	}
	return nil
}

// SwitchTo installs h's root in the CPU.
func (m *Manager) SwitchTo(h Handle) error {
	as, err := m.Get(h)
	if err != nil {
		return err
	}
	m.hal.MemoryBarrier()
	m.hal.SwitchAddressSpace(as.Root())
	return nil
}

// Mappings returns h's mappings in ascending virtual order.
func (m *Manager) Mappings(h Handle) ([]Mapping, error) {
	as, err := m.Get(h)
	if err != nil {
		return nil, err
	}
	out := make([]Mapping, 0, as.index.Len())
	as.index.Ascend(func(item Mapping) bool {
		out = append(out, item)
		return true
	})
	return out, nil
}

// Tables returns the number of translation tables backing h.
func (m *Manager) Tables(h Handle) (int, error) {
	as, err := m.Get(h)
	if err != nil {
		return 0, err
	}
	return as.tables, nil
}

// Len returns the number of live address spaces.
func (m *Manager) Len() int {
	return len(m.spaces)
}
