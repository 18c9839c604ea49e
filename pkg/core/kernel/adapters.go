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
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/fvm"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hikarch"
)

// The adapters below give subsystems the narrow views of each other they
// are built against. All of them run with k.mu held.

// activator switches the MMU to a domain's address space.
type activator struct{ k *Kernel }

// Activate implements sched.Activator.Activate and irq.Activator.Activate.
func (a activator) Activate(d hik.DomainID) error {
	dom, err := a.k.domains.Get(d)
	if err != nil {
		return err
	}
	return a.k.spaces.SwitchTo(dom.AddressSpace)
}

// threads exposes scheduler thread state to the cross-domain switch.
type threads struct{ k *Kernel }

// Context implements xds.Threads.Context.
func (t threads) Context(id hik.ThreadID) (*hal.Context, error) {
	return t.k.sched.Context(id)
}

// Executing implements xds.Threads.Executing.
func (t threads) Executing(id hik.ThreadID) (hik.DomainID, error) {
	return t.k.sched.Executing(id)
}

// SetExecuting implements xds.Threads.SetExecuting.
func (t threads) SetExecuting(id hik.ThreadID, d hik.DomainID) error {
	return t.k.sched.SetExecuting(id, d)
}

// reaper tears down the per-domain state owned by other subsystems when a
// domain is destroyed.
type reaper struct{ k *Kernel }

// HasRunningThread implements domain.Reaper.HasRunningThread.
func (r reaper) HasRunningThread(d hik.DomainID) bool {
	return r.k.sched.HasRunning(d)
}

// ReapDomain implements domain.Reaper.ReapDomain.
func (r reaper) ReapDomain(d hik.DomainID) {
	k := r.k
	k.xds.UnwindDomain(d)
	for _, t := range k.sched.ThreadsOf(d) {
		k.xds.Drop(t)
	}
	k.sched.TerminateDomain(d)
	k.irq.UnregisterDomain(d)
	k.supervisor.Forget(d)
	delete(k.priorities, d)
}

// view is what the monitor sees of the kernel.
type view struct{ k *Kernel }

// ForEachCap implements fvm.View.ForEachCap.
func (v view) ForEachCap(fn func(c *capability.Capability)) { v.k.caps.ForEach(fn) }

// CapDomains implements fvm.View.CapDomains.
func (v view) CapDomains() []hik.DomainID { return v.k.caps.Domains() }

// CapCount implements fvm.View.CapCount.
func (v view) CapCount(d hik.DomainID) int { return v.k.caps.Count(d) }

// CapLedger implements fvm.View.CapLedger.
func (v view) CapLedger(d hik.DomainID) capability.Ledger { return v.k.caps.Ledger(d) }

// FrameStats implements fvm.View.FrameStats.
func (v view) FrameStats() pfa.Stats { return v.k.frames.Stats() }

// Domains implements fvm.View.Domains.
func (v view) Domains() []domain.Domain {
	ids := v.k.domains.IDs()
	out := make([]domain.Domain, 0, len(ids))
	for _, id := range ids {
		if dom, err := v.k.domains.Get(id); err == nil {
			out = append(out, dom)
		}
	}
	return out
}

// Routes implements fvm.View.Routes.
func (v view) Routes() []fvm.Route {
	routes := v.k.irq.Routes()
	out := make([]fvm.Route, 0, len(routes))
	for vec, rt := range routes {
		out = append(out, fvm.Route{Vector: vec, Domain: rt.Domain, Endpoint: rt.Endpoint})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vector < out[j].Vector })
	return out
}

// Regions implements fvm.View.Regions. A domain reaches the frames it owns
// and whatever its address space maps. A mapped range counts as shared
// only if every allocated frame in it is a shared frame.
func (v view) Regions(d hik.DomainID) []fvm.Region {
	k := v.k
	var out []fvm.Region
	for _, r := range k.frames.OwnedBy(d) {
		out = append(out, fvm.Region{
			Base:   r.Base,
			Size:   r.Count * hikarch.PageSize,
			Shared: r.Class == pfa.ClassShared,
		})
	}
	dom, err := k.domains.Get(d)
	if err != nil {
		return out
	}
	ms, err := k.spaces.Mappings(dom.AddressSpace)
	if err != nil {
		return out
	}
	for _, m := range ms {
		out = append(out, fvm.Region{
			Base:   m.Phys,
			Size:   m.Size,
			Shared: k.sharedRange(m.Phys, m.Size),
		})
	}
	return out
}

// sharedRange returns whether every allocated frame of [base, base+size)
// is a shared frame. Frames outside managed RAM, such as device registers,
// do not count.
func (k *Kernel) sharedRange(base hikarch.PhysAddr, size uint64) bool {
	for off := uint64(0); off < size; off += hikarch.PageSize {
		fi, err := k.frames.Query(base + hikarch.PhysAddr(off))
		if err != nil {
			continue
		}
		if fi.Allocated && fi.Class != pfa.ClassShared {
			return false
		}
	}
	return true
}
