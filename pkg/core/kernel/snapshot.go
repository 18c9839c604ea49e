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
	"io"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/fvm"
)

// DomainState is a domain as reported by Snapshot.
type DomainState struct {
	ID       hik.DomainID   `json:"id"`
	Name     string         `json:"name,omitempty"`
	Kind     string         `json:"kind"`
	State    string         `json:"state"`
	Parent   *hik.DomainID  `json:"parent,omitempty"`
	Quota    domain.Quota   `json:"quota"`
	Usage    domain.Usage   `json:"usage"`
	Threads  []hik.ThreadID `json:"threads,omitempty"`
	Restarts int            `json:"restarts,omitempty"`
}

// ThreadState is a thread as reported by Snapshot.
type ThreadState struct {
	ID        hik.ThreadID `json:"id"`
	Domain    hik.DomainID `json:"domain"`
	Executing hik.DomainID `json:"executing"`
	State     string       `json:"state"`
	Priority  string       `json:"priority"`
	PC        uint64       `json:"pc"`
	CallDepth int          `json:"call_depth,omitempty"`
}

// CapState is a capability as reported by Snapshot.
type CapState struct {
	ID      hik.CapID    `json:"id"`
	Kind    string       `json:"kind"`
	Owner   hik.DomainID `json:"owner"`
	Rights  string       `json:"rights"`
	Revoked bool         `json:"revoked,omitempty"`
	Parent  hik.CapID    `json:"parent,omitempty"`
}

// FrameState summarizes the frame allocator.
type FrameState struct {
	Total   uint64                  `json:"total"`
	Free    uint64                  `json:"free"`
	ByOwner map[hik.DomainID]uint64 `json:"by_owner"`
}

// RouteState is an IRQ route as reported by Snapshot.
type RouteState struct {
	Vector    uint8        `json:"vector"`
	Domain    hik.DomainID `json:"domain"`
	HandlerPC uint64       `json:"handler_pc"`
	Delivered uint64       `json:"delivered"`
}

// MonitorState summarizes the invariant monitor.
type MonitorState struct {
	State         string `json:"state"`
	Runs          uint64 `json:"runs"`
	Coverage      int    `json:"coverage"`
	LastViolation string `json:"last_violation,omitempty"`
}

// AuditState summarizes the audit ring.
type AuditState struct {
	Records     uint64 `json:"records"`
	Overwritten uint64 `json:"overwritten"`
	Usage       int    `json:"usage_percent"`
}

// Snapshot is a consistent, serializable view of the kernel.
type Snapshot struct {
	Ticks      uint64        `json:"ticks"`
	Halted     bool          `json:"halted"`
	HaltReason string        `json:"halt_reason,omitempty"`
	Current    hik.ThreadID  `json:"current"`
	Domains    []DomainState `json:"domains"`
	Threads    []ThreadState `json:"threads"`
	Caps       []CapState    `json:"caps"`
	Frames     FrameState    `json:"frames"`
	Routes     []RouteState  `json:"routes,omitempty"`
	Monitor    MonitorState  `json:"monitor"`
	Audit      AuditState    `json:"audit"`
}

// Snapshot returns the current state of the kernel. It works on a halted
// kernel too.
func (k *Kernel) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := Snapshot{
		Ticks:      k.ticks,
		Halted:     k.halted,
		HaltReason: k.haltReason,
		Current:    k.sched.Current(),
	}
	for _, id := range k.domains.IDs() {
		dom, err := k.domains.Get(id)
		if err != nil {
			continue
		}
		ds := DomainState{
			ID:       dom.ID,
			Name:     dom.Name,
			Kind:     dom.Kind.String(),
			State:    dom.State.String(),
			Quota:    dom.Quota,
			Usage:    dom.Usage,
			Threads:  dom.Threads,
			Restarts: k.supervisor.Restarts(id),
		}
		if dom.HasParent {
			p := dom.Parent
			ds.Parent = &p
		}
		s.Domains = append(s.Domains, ds)
	}
	for _, th := range k.sched.Threads() {
		s.Threads = append(s.Threads, ThreadState{
			ID:        th.ID,
			Domain:    th.Domain,
			Executing: th.Executing,
			State:     th.State.String(),
			Priority:  th.Priority.String(),
			PC:        th.Context.PC,
			CallDepth: k.xds.Depth(th.ID),
		})
	}
	k.caps.ForEach(func(c *capability.Capability) {
		s.Caps = append(s.Caps, CapState{
			ID:      c.ID,
			Kind:    c.Kind.String(),
			Owner:   c.Owner,
			Rights:  c.Rights.String(),
			Revoked: c.Revoked(),
			Parent:  c.Parent(),
		})
	})
	sort.Slice(s.Caps, func(i, j int) bool { return s.Caps[i].ID < s.Caps[j].ID })

	st := k.frames.Stats()
	s.Frames = FrameState{Total: st.Total, Free: st.Free, ByOwner: st.ByOwner}

	for v, rt := range k.irq.Routes() {
		s.Routes = append(s.Routes, RouteState{Vector: v, Domain: rt.Domain, HandlerPC: rt.HandlerPC, Delivered: k.irq.Count(v)})
	}
	sort.Slice(s.Routes, func(i, j int) bool { return s.Routes[i].Vector < s.Routes[j].Vector })

	s.Monitor = MonitorState{
		State:    k.monitor.State().String(),
		Runs:     k.monitor.Runs(),
		Coverage: k.monitor.Coverage(),
	}
	if v := k.monitor.LastViolation(); v != nil {
		s.Monitor.LastViolation = v.Error()
	}
	s.Audit = AuditState{
		Records:     k.ring.Pushed(),
		Overwritten: k.ring.Overwritten(),
		Usage:       k.ring.Usage(),
	}
	return s
}

// Audit returns the audit records in the ring, oldest first.
func (k *Kernel) Audit() []hik.AuditRecord {
	return k.ring.Snapshot()
}

// AuditRing returns the audit ring. Readers need not hold the kernel
// lock.
func (k *Kernel) AuditRing() *audit.Ring {
	return k.ring
}

// checkpoints ties each invariant to the proof step it asserts at run time.
var checkpoints = []struct {
	theorem   string
	invariant fvm.InvariantID
	step      string
}{
	{"capability-safety", fvm.CapIntegrity, "derive never widens rights"},
	{"capability-safety", fvm.RightsMonotone, "rights of a live capability never grow"},
	{"domain-isolation", fvm.MemoryIsolation, "private regions of distinct domains are disjoint"},
	{"resource-accounting", fvm.QuotaBound, "usage stays within quota"},
	{"resource-accounting", fvm.CPUBudget, "cpu shares sum to at most 100"},
	{"memory-conservation", fvm.FrameConservation, "free plus owned frames equal the total"},
	{"interrupt-safety", fvm.RouteLive, "routes are guarded by endpoints their domain holds"},
}

func (k *Kernel) registerCheckpoints() error {
	for _, c := range checkpoints {
		if _, err := k.monitor.RegisterCheckpoint(c.theorem, c.invariant, c.step); err != nil {
			return err
		}
	}
	return nil
}

// VerifyCheckpoints re-evaluates every proof checkpoint and returns them
// with their results.
func (k *Kernel) VerifyCheckpoints() []fvm.Checkpoint {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, cp := range k.monitor.Checkpoints() {
		k.monitor.VerifyCheckpoint(cp.ID)
	}
	return k.monitor.Checkpoints()
}

// WriteInvariantReport writes the monitor's text report.
func (k *Kernel) WriteInvariantReport(w io.Writer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.monitor.WriteReport(w)
}

// VerifyIsolation checks that d1 and d2 share no private memory.
func (k *Kernel) VerifyIsolation(d1, d2 hik.DomainID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.monitor.VerifyDomainIsolation(d1, d2)
}

// CheckInvariants runs the monitor now. A violation panics the kernel.
func (k *Kernel) CheckInvariants() error {
	return k.op(func() error { return nil })
}
