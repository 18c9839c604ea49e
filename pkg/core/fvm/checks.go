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

package fvm

import (
	"fmt"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/hikarch"
)

// Region is a physical range a domain can reach.
type Region struct {
	Base   hikarch.PhysAddr
	Size   uint64
	Shared bool
}

// End returns the first address past r.
func (r Region) End() hikarch.PhysAddr {
	return r.Base + hikarch.PhysAddr(r.Size)
}

// Route is a populated interrupt route.
type Route struct {
	Vector   uint8
	Domain   hik.DomainID
	Endpoint hik.CapID
}

// View is the kernel state read by the monitor.
type View interface {
	// ForEachCap calls fn with every capability, revoked ones included.
	ForEachCap(fn func(c *capability.Capability))

	// CapDomains returns every domain that has had a capability space.
	CapDomains() []hik.DomainID

	// CapCount returns the size of d's capability space.
	CapCount(d hik.DomainID) int

	// CapLedger returns d's capability ledger.
	CapLedger(d hik.DomainID) capability.Ledger

	// Domains returns every domain record.
	Domains() []domain.Domain

	// FrameStats returns the frame allocator totals.
	FrameStats() pfa.Stats

	// Regions returns the memory d can reach.
	Regions(d hik.DomainID) []Region

	// Routes returns every populated interrupt route.
	Routes() []Route
}

func (m *Monitor) evaluate(id InvariantID) error {
	switch id {
	case CapIntegrity:
		return checkCapIntegrity(m.view)
	case QuotaBound:
		return checkQuotaBound(m.view)
	case CPUBudget:
		return checkCPUBudget(m.view)
	case MemoryIsolation:
		return checkIsolation(m.view)
	case FrameConservation:
		return checkFrames(m.view)
	case RightsMonotone:
		return m.checkMonotone()
	case RouteLive:
		return checkRoutes(m.view)
	default:
		return fmt.Errorf("unknown invariant %d", id)
	}
}

func activeDomains(v View) map[hik.DomainID]domain.Domain {
	out := make(map[hik.DomainID]domain.Domain)
	for _, d := range v.Domains() {
		if d.State.Active() || d.State == domain.StateInit {
			out[d.ID] = d
		}
	}
	return out
}

func checkCapIntegrity(v View) error {
	caps := make(map[hik.CapID]*capability.Capability)
	v.ForEachCap(func(c *capability.Capability) { caps[c.ID] = c })
	active := activeDomains(v)

	var err error
	v.ForEachCap(func(c *capability.Capability) {
		if err != nil || c.Revoked() {
			return
		}
		if _, ok := active[c.Owner]; !ok {
			err = fmt.Errorf("cap %d is live but its owner %d is not active", c.ID, c.Owner)
			return
		}
		parent := c.Parent()
		if parent == hik.InvalidCap {
			return
		}
		p, ok := caps[parent]
		switch {
		case !ok:
			err = fmt.Errorf("cap %d derives from missing cap %d", c.ID, parent)
		case p.Revoked():
			err = fmt.Errorf("cap %d derives from revoked cap %d", c.ID, parent)
		case !c.Rights.SubsetOf(p.Rights):
			err = fmt.Errorf("cap %d rights %v exceed parent %d rights %v", c.ID, c.Rights, parent, p.Rights)
		}
	})
	if err != nil {
		return err
	}
	for _, d := range v.CapDomains() {
		l := v.CapLedger(d)
		if n := v.CapCount(d); uint64(n) != l.Expected() {
			return fmt.Errorf("domain %d holds %d caps, ledger %+v predicts %d", d, n, l, l.Expected())
		}
	}
	return nil
}

func checkQuotaBound(v View) error {
	owned := v.FrameStats().ByOwner
	for _, d := range v.Domains() {
		if !d.State.Active() || d.ID == hik.CoreDomain {
			continue
		}
		q, u := d.Quota, d.Usage
		if u.MemoryUsed > q.MaxMemory || u.ThreadCount > q.MaxThreads || u.CapCount > q.MaxCaps {
			return fmt.Errorf("domain %d usage %+v exceeds quota %+v", d.ID, u, q)
		}
		if want := owned[d.ID] * hikarch.PageSize; u.MemoryUsed != want {
			return fmt.Errorf("domain %d is charged %d bytes but owns %d", d.ID, u.MemoryUsed, want)
		}
		if n := v.CapCount(d.ID); uint32(n) != u.CapCount {
			return fmt.Errorf("domain %d is charged %d caps but holds %d", d.ID, u.CapCount, n)
		}
	}
	return nil
}

func checkCPUBudget(v View) error {
	total := 0
	for _, d := range v.Domains() {
		if d.State.Active() {
			total += int(d.Quota.CPUPercent)
		}
	}
	if total > 100 {
		return fmt.Errorf("active domains reserve %d%% of the cpu", total)
	}
	return nil
}

type ownedRegion struct {
	Region
	domain hik.DomainID
}

func checkIsolation(v View) error {
	var all []ownedRegion
	for _, d := range v.Domains() {
		if !d.State.Active() {
			continue
		}
		for _, r := range v.Regions(d.ID) {
			if !r.Shared && r.Size > 0 {
				all = append(all, ownedRegion{r, d.ID})
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Base < all[j].Base })
	for i := 1; i < len(all); i++ {
		for j := i - 1; j >= 0; j-- {
			prev := all[j]
			if prev.End() <= all[i].Base {
				continue
			}
			if prev.domain != all[i].domain {
				return fmt.Errorf("domains %d and %d both reach [%v, %v)", prev.domain, all[i].domain, all[i].Base, min(prev.End(), all[i].End()))
			}
		}
	}
	return nil
}

// VerifyDomainIsolation returns an error if active domains d1 and d2 can
// reach the same private memory.
func VerifyDomainIsolation(v View, d1, d2 hik.DomainID) error {
	if d1 == d2 {
		return nil
	}
	for _, a := range v.Regions(d1) {
		if a.Shared {
			continue
		}
		for _, b := range v.Regions(d2) {
			if b.Shared {
				continue
			}
			if a.Base < b.End() && b.Base < a.End() {
				return fmt.Errorf("domains %d and %d overlap at [%v, %v) and [%v, %v)", d1, d2, a.Base, a.End(), b.Base, b.End())
			}
		}
	}
	return nil
}

func checkFrames(v View) error {
	s := v.FrameStats()
	sum := s.Free
	for _, n := range s.ByOwner {
		sum += n
	}
	if sum != s.Total {
		return fmt.Errorf("free %d + owned %d != total %d", s.Free, sum-s.Free, s.Total)
	}
	return nil
}

func checkRoutes(v View) error {
	caps := make(map[hik.CapID]*capability.Capability)
	v.ForEachCap(func(c *capability.Capability) { caps[c.ID] = c })
	for _, r := range v.Routes() {
		c, ok := caps[r.Endpoint]
		switch {
		case !ok:
			return fmt.Errorf("vector %d is guarded by missing cap %d", r.Vector, r.Endpoint)
		case c.Revoked():
			return fmt.Errorf("vector %d is guarded by revoked cap %d", r.Vector, r.Endpoint)
		case c.Owner != r.Domain:
			return fmt.Errorf("vector %d routes to domain %d but cap %d is owned by %d", r.Vector, r.Domain, r.Endpoint, c.Owner)
		}
	}
	return nil
}

func (m *Monitor) checkMonotone() error {
	var err error
	seen := make(map[hik.CapID]capability.Rights, len(m.rights))
	m.view.ForEachCap(func(c *capability.Capability) {
		seen[c.ID] = c.Rights
		if prev, ok := m.rights[c.ID]; ok && err == nil && !c.Rights.SubsetOf(prev) {
			err = fmt.Errorf("cap %d rights grew from %v to %v", c.ID, prev, c.Rights)
		}
	})
	if err == nil {
		m.rights = seen
	}
	return err
}
