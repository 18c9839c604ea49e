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

package kernel

import (
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/core/sched"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
	"hik.dev/hik/pkg/log"
)

// grant records a mapping made through a capability. It lives as long as
// the capability, the mapping domain and the frames behind it.
type grant struct {
	domain hik.DomainID
	cap    hik.CapID
	virt   hikarch.VirtAddr
	phys   hikarch.PhysAddr
	size   uint64
}

func permRights(p asm.Perms) capability.Rights {
	var r capability.Rights
	if p&asm.PermRead != 0 {
		r |= capability.RightRead
	}
	if p&asm.PermWrite != 0 {
		r |= capability.RightWrite
	}
	if p&asm.PermExecute != 0 {
		r |= capability.RightExecute
	}
	return r
}

// AllocFrames allocates count contiguous frames charged to d.
func (k *Kernel) AllocFrames(d hik.DomainID, count uint64) (hikarch.PhysAddr, error) {
	var base hikarch.PhysAddr
	err := k.op(func() error {
		var err error
		base, err = k.frames.Alloc(d, count, k.domains.FrameClass(d))
		return err
	})
	return base, err
}

// FreeFrames returns frames to the allocator. Kernel frames and thread
// stacks cannot be freed this way. Mappings of the freed frames are
// removed.
func (k *Kernel) FreeFrames(base hikarch.PhysAddr, count uint64) error {
	return k.op(func() error {
		if err := k.checkFreeable(base, count); err != nil {
			return err
		}
		if err := k.frames.Free(base, count); err != nil {
			return err
		}
		k.sweep()
		return nil
	})
}

func (k *Kernel) checkFreeable(base hikarch.PhysAddr, count uint64) error {
	end := base + hikarch.FrameAddr(count)
	for a := base; a < end; a += hikarch.PageSize {
		fi, err := k.frames.Query(a)
		if err != nil {
			return err
		}
		if fi.Allocated && fi.Class == pfa.ClassCore {
			return fmt.Errorf("%w: frame %v belongs to the kernel", hikerr.ErrPermission, a)
		}
	}
	for _, th := range k.sched.Threads() {
		if th.ID == hik.IdleThread {
			continue
		}
		stackEnd := th.Stack + hikarch.FrameAddr(sched.StackFrames)
		if th.Stack < end && base < stackEnd {
			return fmt.Errorf("%w: frames [%v, %v) hold the stack of thread %d", hikerr.ErrBusy, base, end, th.ID)
		}
	}
	return nil
}

// Map maps the memory named by id at virt in d's address space. d must
// hold id with the rights perms needs. Memory that is neither d's own nor
// shared cannot be mapped.
func (k *Kernel) Map(d hik.DomainID, id hik.CapID, virt hikarch.VirtAddr, perms asm.Perms) error {
	return k.op(func() error {
		return k.mapCap(d, id, virt, perms)
	})
}

func (k *Kernel) mapCap(d hik.DomainID, id hik.CapID, virt hikarch.VirtAddr, perms asm.Perms) error {
	if err := k.caps.Check(d, id, permRights(perms)); err != nil {
		return err
	}
	payload, _, err := k.caps.Resolve(id)
	if err != nil {
		return err
	}
	var (
		base hikarch.PhysAddr
		size uint64
	)
	switch p := payload.(type) {
	case capability.MemoryPayload:
		base, size = p.Base, p.Size
		if err := k.checkExclusive(d, base, size); err != nil {
			return err
		}
	case capability.MMIOPayload:
		base, size = p.Base, p.Size
	default:
		return fmt.Errorf("%w: cap %d names no memory", hikerr.ErrWrongKind, id)
	}
	dom, err := k.domains.Get(d)
	if err != nil {
		return err
	}
	if err := k.spaces.Map(dom.AddressSpace, virt, base, size, perms, asm.ModeUser); err != nil {
		return err
	}
	size, _ = hikarch.RoundUp(size, hikarch.PageSize)
	k.grants = append(k.grants, grant{domain: d, cap: id, virt: virt, phys: base, size: size})
	return nil
}

// checkExclusive fails if [base, base+size) holds a frame that another
// domain owns and does not share, or a free frame.
func (k *Kernel) checkExclusive(d hik.DomainID, base hikarch.PhysAddr, size uint64) error {
	for off := uint64(0); off < size; off += hikarch.PageSize {
		fi, err := k.frames.Query(base + hikarch.PhysAddr(off))
		if err != nil {
			// Not managed RAM.
			continue
		}
		switch {
		case !fi.Allocated:
			return fmt.Errorf("%w: frame %v", hikerr.ErrNotAllocated, fi.Addr)
		case fi.Class == pfa.ClassShared || fi.Owner == d:
		default:
			k.audit.Record(hik.AuditSecurityViolation, d, hik.InvalidCap, 0, false, uint64(fi.Addr), uint64(fi.Owner))
			return fmt.Errorf("%w: frame %v belongs to domain %d", hikerr.ErrPermission, fi.Addr, fi.Owner)
		}
	}
	return nil
}

// Unmap removes the mappings of [virt, virt+size) in d.
func (k *Kernel) Unmap(d hik.DomainID, virt hikarch.VirtAddr, size uint64) error {
	return k.op(func() error {
		dom, err := k.domains.Get(d)
		if err != nil {
			return err
		}
		if err := k.spaces.Unmap(dom.AddressSpace, virt, size); err != nil {
			return err
		}
		end := virt + hikarch.VirtAddr(size)
		kept := k.grants[:0]
		for _, g := range k.grants {
			if g.domain == d && g.virt >= virt && g.virt+hikarch.VirtAddr(g.size) <= end {
				continue
			}
			kept = append(kept, g)
		}
		k.grants = kept
		return nil
	})
}

// SetMappingRights changes the permissions of [virt, virt+size) in d.
// Narrowing needs no authority. Widening needs a capability held by d
// with the grant right and the new rights over the mapped memory.
func (k *Kernel) SetMappingRights(d hik.DomainID, id hik.CapID, virt hikarch.VirtAddr, size uint64, perms asm.Perms) error {
	return k.op(func() error {
		dom, err := k.domains.Get(d)
		if err != nil {
			return err
		}
		ms, err := k.spaces.Mappings(dom.AddressSpace)
		if err != nil {
			return err
		}
		end, _ := hikarch.RoundUp(virt+hikarch.VirtAddr(size), hikarch.PageSize)
		var widened []asm.Mapping
		for _, m := range ms {
			if m.Virt < end && virt < m.End() && !m.Perms.SupersetOf(perms) {
				widened = append(widened, m)
			}
		}
		if len(widened) > 0 {
			if err := k.caps.Check(d, id, capability.RightGrant|permRights(perms)); err != nil {
				return err
			}
			payload, _, err := k.caps.Resolve(id)
			if err != nil {
				return err
			}
			mem, ok := payload.(capability.MemoryPayload)
			if !ok {
				return fmt.Errorf("%w: cap %d names no memory", hikerr.ErrPermission, id)
			}
			// Each widened mapping may be backed by different frames.
			for _, m := range widened {
				lo, hi := max(virt, m.Virt), min(end, m.End())
				phys := m.Phys + hikarch.PhysAddr(lo-m.Virt)
				if !mem.Contains(phys, uint64(hi-lo)) {
					return fmt.Errorf("%w: cap %d does not cover %v+%#x mapped at %v", hikerr.ErrPermission, id, phys, uint64(hi-lo), lo)
				}
			}
		}
		return k.spaces.SetRights(dom.AddressSpace, virt, size, perms)
	})
}

// allocShared allocates shared frames for d and a capability naming them.
func (k *Kernel) allocShared(d hik.DomainID, size uint64) (hik.CapID, error) {
	if size == 0 {
		return hik.InvalidCap, fmt.Errorf("%w: empty shared region", hikerr.ErrInvalidParam)
	}
	count := hikarch.PagesFor(size)
	if count == 0 {
		return hik.InvalidCap, hikerr.ErrInvalidParam
	}
	base, err := k.frames.Alloc(d, count, pfa.ClassShared)
	if err != nil {
		return hik.InvalidCap, err
	}
	rights := capability.RightRead | capability.RightWrite | capability.RightGrant | capability.RightRevoke
	id, err := k.caps.CreateMemory(d, base, count*hikarch.PageSize, rights)
	if err != nil {
		if ferr := k.frames.Free(base, count); ferr != nil {
			log.Warningf("kernel: releasing shared frames %v: %v", base, ferr)
		}
		return hik.InvalidCap, err
	}
	return id, nil
}

// AllocShared allocates at least size bytes of shared memory charged to d
// and returns a capability for it.
func (k *Kernel) AllocShared(d hik.DomainID, size uint64) (hik.CapID, error) {
	var id hik.CapID
	err := k.op(func() error {
		var err error
		id, err = k.allocShared(d, size)
		return err
	})
	return id, err
}

// sweep removes mappings whose authority is gone: the capability was
// revoked, the domain destroyed, or the frames freed or handed to another
// domain. Interrupt routes whose endpoint left the target domain are
// cleared as well.
func (k *Kernel) sweep() {
	k.irq.Prune()

	kept := k.grants[:0]
	for _, g := range k.grants {
		if !k.stale(g) {
			kept = append(kept, g)
			continue
		}
		dom, err := k.domains.Get(g.domain)
		if err != nil || !dom.State.Active() {
			continue
		}
		if err := k.spaces.Unmap(dom.AddressSpace, g.virt, g.size); err != nil && !hikerr.Equals(hikerr.ErrUnmapped, err) {
			log.Warningf("kernel: unmapping %v+%#x from domain %d: %v", g.virt, g.size, g.domain, err)
			continue
		}
		log.Debugf("kernel: unmapped %v+%#x from domain %d", g.virt, g.size, g.domain)
	}
	k.grants = kept
}

func (k *Kernel) stale(g grant) bool {
	if !k.domains.IsActive(g.domain) {
		return true
	}
	c, err := k.caps.Get(g.cap)
	if err != nil || c.Revoked() {
		return true
	}
	for off := uint64(0); off < g.size; off += hikarch.PageSize {
		fi, err := k.frames.Query(g.phys + hikarch.PhysAddr(off))
		if err != nil {
			continue
		}
		if !fi.Allocated || (fi.Class != pfa.ClassShared && fi.Owner != g.domain) {
			return true
		}
	}
	return false
}

// Mappings returns the mappings of d's address space in address order.
func (k *Kernel) Mappings(d hik.DomainID) ([]asm.Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	dom, err := k.domains.Get(d)
	if err != nil {
		return nil, err
	}
	return k.spaces.Mappings(dom.AddressSpace)
}
