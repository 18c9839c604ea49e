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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
)

// fakeView is a consistent little system: domain 1 owns two frames and one
// capability, domain 2 one derived capability it was given.
type fakeView struct {
	caps    []*capability.Capability
	ledgers map[hik.DomainID]capability.Ledger
	counts  map[hik.DomainID]int
	domains []domain.Domain
	frames  pfa.Stats
	regions map[hik.DomainID][]Region
	routes  []Route
}

func newFakeView() *fakeView {
	quota := domain.Quota{MaxMemory: 4 * hikarch.PageSize, MaxThreads: 1, MaxCaps: 2, CPUPercent: 30}
	return &fakeView{
		caps: []*capability.Capability{
			{ID: 1, Kind: capability.KindMemory, Owner: 1, Rights: capability.RightRead | capability.RightWrite},
			{ID: 2, Kind: capability.KindDerived, Owner: 2, Rights: capability.RightRead, Payload: capability.DerivedPayload{Parent: 1, Mask: capability.RightRead}},
		},
		ledgers: map[hik.DomainID]capability.Ledger{
			1: {Created: 2, TransferredOut: 1},
			2: {TransferredIn: 1},
		},
		counts: map[hik.DomainID]int{1: 1, 2: 1},
		domains: []domain.Domain{
			{ID: 0, Kind: domain.KindCore, State: domain.StateRunning, Quota: domain.Unlimited},
			{ID: 1, State: domain.StateRunning, Quota: quota, Usage: domain.Usage{MemoryUsed: 2 * hikarch.PageSize, CapCount: 1}},
			{ID: 2, State: domain.StateReady, Quota: quota, Usage: domain.Usage{CapCount: 1}},
		},
		frames: pfa.Stats{Total: 10, Free: 7, ByOwner: map[hik.DomainID]uint64{0: 1, 1: 2}},
		regions: map[hik.DomainID][]Region{
			1: {{Base: 0x100000, Size: 2 * hikarch.PageSize}},
			2: {{Base: 0x200000, Size: hikarch.PageSize}},
		},
		routes: []Route{{Vector: 32, Domain: 1, Endpoint: 1}},
	}
}

func (v *fakeView) ForEachCap(fn func(c *capability.Capability)) {
	for _, c := range v.caps {
		fn(c)
	}
}
func (v *fakeView) CapDomains() []hik.DomainID                 { return []hik.DomainID{1, 2} }
func (v *fakeView) CapCount(d hik.DomainID) int                { return v.counts[d] }
func (v *fakeView) CapLedger(d hik.DomainID) capability.Ledger { return v.ledgers[d] }
func (v *fakeView) Domains() []domain.Domain                   { return v.domains }
func (v *fakeView) FrameStats() pfa.Stats                      { return v.frames }
func (v *fakeView) Regions(d hik.DomainID) []Region            { return v.regions[d] }
func (v *fakeView) Routes() []Route                            { return v.routes }

func newMonitor(v View) (*Monitor, *[]*Violation) {
	var seen []*Violation
	m := New(v, func() uint64 { return 7 }, func(vio *Violation) { seen = append(seen, vio) })
	return m, &seen
}

func TestOrder(t *testing.T) {
	order, err := Order()
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	want := []InvariantID{CapIntegrity, CPUBudget, FrameConservation, QuotaBound, MemoryIsolation, RightsMonotone, RouteLive}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	pos := make(map[InvariantID]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range DAG() {
		if pos[e.From] >= pos[e.To] {
			t.Errorf("%v evaluated after dependent %v", e.From, e.To)
		}
	}
}

func TestStateTable(t *testing.T) {
	for _, tc := range []struct {
		from  State
		event Event
		want  State
		ok    bool
	}{
		{StateIdle, EventStart, StateChecking, true},
		{StateChecking, EventPass, StateIdle, true},
		{StateChecking, EventFail, StateViolated, true},
		{StateViolated, EventRecover, StateRecovering, true},
		{StateRecovering, EventPass, StateIdle, true},
		{StateRecovering, EventFail, StateViolated, true},
		{StateViolated, EventReset, StateIdle, true},
		{StateIdle, EventPass, 0, false},
		{StateViolated, EventStart, 0, false},
		{StateChecking, EventStart, 0, false},
	} {
		got, ok := Next(tc.from, tc.event)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("Next(%v, %v) = %v, %v; want %v, %v", tc.from, tc.event, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCheckAllPasses(t *testing.T) {
	m, seen := newMonitor(newFakeView())
	if err := m.CheckAll(); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if m.State() != StateIdle || len(*seen) != 0 || m.Coverage() != 100 {
		t.Errorf("state %v violations %v coverage %d", m.State(), *seen, m.Coverage())
	}
	for id := InvariantID(0); int(id) < NumInvariants; id++ {
		if c := m.Counters(id); c != (Counters{Checks: 1, Passes: 1}) {
			t.Errorf("counters %v = %+v", id, c)
		}
	}
}

func TestViolations(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(v *fakeView)
		want   InvariantID
	}{
		{"derived rights exceed parent", func(v *fakeView) { v.caps[1].Rights |= capability.RightExecute }, CapIntegrity},
		{"revoked parent", func(v *fakeView) { v.caps[0].Flags |= capability.FlagRevoked }, CapIntegrity},
		{"ledger drift", func(v *fakeView) { v.counts[2] = 2 }, CapIntegrity},
		{"memory over quota", func(v *fakeView) {
			v.domains[1].Usage.MemoryUsed = 5 * hikarch.PageSize
			v.frames.ByOwner[1] = 5
			v.frames.Free = 4
		}, QuotaBound},
		{"charge mismatch", func(v *fakeView) { v.domains[1].Usage.MemoryUsed = hikarch.PageSize }, QuotaBound},
		{"cpu budget", func(v *fakeView) { v.domains[2].Quota.CPUPercent = 80 }, CPUBudget},
		{"overlap", func(v *fakeView) { v.regions[2] = []Region{{Base: 0x101000, Size: hikarch.PageSize}} }, MemoryIsolation},
		{"frames", func(v *fakeView) { v.frames.Free = 6 }, FrameConservation},
		{"route to foreign endpoint", func(v *fakeView) { v.routes[0].Domain = 2 }, RouteLive},
		{"route to missing endpoint", func(v *fakeView) { v.routes[0].Endpoint = 9 }, RouteLive},
		{"route to revoked endpoint", func(v *fakeView) {
			v.caps = v.caps[:1]
			v.caps[0].Flags |= capability.FlagRevoked
			v.ledgers[1] = capability.Ledger{Created: 1, Revoked: 1}
			v.counts[1] = 0
			v.ledgers[2] = capability.Ledger{}
			v.counts[2] = 0
			v.domains[1].Usage.CapCount = 0
			v.domains[2].Usage.CapCount = 0
		}, RouteLive},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := newFakeView()
			tc.mutate(v)
			m, seen := newMonitor(v)
			err := m.CheckAll()
			var vio *Violation
			if !errors.As(err, &vio) {
				t.Fatalf("CheckAll = %v, want a violation", err)
			}
			if vio.Invariant != tc.want {
				t.Errorf("violated %v (%s), want %v", vio.Invariant, vio.Detail, tc.want)
			}
			if m.State() != StateViolated || len(*seen) != 1 || m.LastViolation() != vio {
				t.Errorf("state %v, %d reports", m.State(), len(*seen))
			}
			if hikerr.ToStatus(err) != hik.StatusGeneric {
				t.Errorf("status = %v", hikerr.ToStatus(err))
			}
			if err := m.CheckAll(); hikerr.ToStatus(err) != hik.StatusInvalidState {
				t.Errorf("CheckAll while violated = %v", err)
			}
		})
	}
}

func TestSkippedDependents(t *testing.T) {
	v := newFakeView()
	v.frames.Free = 6
	m, _ := newMonitor(v)
	m.CheckAll()
	for _, id := range []InvariantID{QuotaBound, MemoryIsolation} {
		if c := m.Counters(id); c.Skipped != 1 || c.Checks != 0 {
			t.Errorf("counters %v = %+v, want skipped", id, c)
		}
	}
}

func TestShareAllowed(t *testing.T) {
	v := newFakeView()
	v.regions[2] = append(v.regions[2], Region{Base: 0x100000, Size: hikarch.PageSize, Shared: true})
	m, _ := newMonitor(v)
	if err := m.CheckAll(); err != nil {
		t.Errorf("CheckAll with shared region: %v", err)
	}
	if err := m.VerifyDomainIsolation(1, 2); err != nil {
		t.Errorf("VerifyDomainIsolation: %v", err)
	}
	v.regions[2] = append(v.regions[2], Region{Base: 0x100000, Size: hikarch.PageSize})
	if err := m.VerifyDomainIsolation(1, 2); err == nil {
		t.Errorf("VerifyDomainIsolation missed a private overlap")
	}
}

func TestRecover(t *testing.T) {
	v := newFakeView()
	v.frames.Free = 6
	m, _ := newMonitor(v)
	if err := m.CheckAll(); err == nil {
		t.Fatalf("CheckAll passed")
	}
	v.frames.Free = 7
	if err := m.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %v, want idle", m.State())
	}
	if err := m.Recover(); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Recover while idle = %v", err)
	}
}

func TestRightsMonotone(t *testing.T) {
	v := newFakeView()
	m, _ := newMonitor(v)
	if err := m.CheckAll(); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	v.caps[0].Rights |= capability.RightExecute
	err := m.Check(RightsMonotone)
	var vio *Violation
	if !errors.As(err, &vio) || vio.Invariant != RightsMonotone {
		t.Errorf("Check(RightsMonotone) = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("Check changed state to %v", m.State())
	}
}

func TestAtomicity(t *testing.T) {
	for _, tc := range []struct {
		sysno     hik.Sysno
		pre, post Counts
		ok        bool
	}{
		{hik.SysCapDerive, Counts{Caps: 3}, Counts{Caps: 4}, true},
		{hik.SysCapDerive, Counts{Caps: 3}, Counts{Caps: 5}, false},
		{hik.SysCapTransfer, Counts{Caps: 3}, Counts{Caps: 3}, true},
		{hik.SysCapRevoke, Counts{Caps: 3}, Counts{Caps: 0}, true},
		{hik.SysCapRevoke, Counts{Caps: 3}, Counts{Caps: 4}, false},
		{hik.SysThreadCreate, Counts{Threads: 1, Frames: 4}, Counts{Threads: 2, Frames: 6}, true},
		{hik.SysThreadYield, Counts{Threads: 1}, Counts{Threads: 2}, false},
		{hik.SysDomainCreate, Counts{Domains: 2, Frames: 3}, Counts{Domains: 3, Frames: 5}, true},
		{hik.Sysno(99), Counts{}, Counts{}, false},
	} {
		err := VerifySyscallAtomicity(tc.sysno, tc.pre, tc.post)
		if (err == nil) != tc.ok {
			t.Errorf("VerifySyscallAtomicity(%v, %+v, %+v) = %v, want ok=%v", tc.sysno, tc.pre, tc.post, err, tc.ok)
		}
	}
	m, _ := newMonitor(newFakeView())
	m.VerifySyscallAtomicity(hik.SysThreadYield, Counts{}, Counts{Caps: 1})
	if c := m.AtomicityCounters(); c.Checks != 1 || c.Failures != 1 {
		t.Errorf("atomicity counters = %+v", c)
	}
}

func TestCheckpointsAndReport(t *testing.T) {
	m, _ := newMonitor(newFakeView())
	id, err := m.RegisterCheckpoint("frames are conserved", FrameConservation, "alloc")
	if err != nil {
		t.Fatalf("RegisterCheckpoint: %v", err)
	}
	if _, err := m.RegisterCheckpoint("bogus", InvariantID(40), ""); hikerr.ToStatus(err) != hik.StatusInvalidParam {
		t.Errorf("RegisterCheckpoint(bad invariant) = %v", err)
	}
	if err := m.VerifyCheckpoint(id); err != nil {
		t.Fatalf("VerifyCheckpoint: %v", err)
	}
	if err := m.VerifyCheckpoint(9); hikerr.ToStatus(err) != hik.StatusNotFound {
		t.Errorf("VerifyCheckpoint(9) = %v", err)
	}
	want := []Checkpoint{{ID: 1, Theorem: "frames are conserved", Invariant: FrameConservation, Step: "alloc", Verified: true, VerifiedAt: 7, Holds: true}}
	if diff := cmp.Diff(want, m.Checkpoints()); diff != "" {
		t.Errorf("checkpoints mismatch (-want +got):\n%s", diff)
	}

	m.CheckAll()
	var buf bytes.Buffer
	if err := m.WriteReport(&buf); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	for _, s := range []string{"state: idle", "coverage: 100%", "P-I1", "checkpoint 1: frames are conserved", "holds"} {
		if !strings.Contains(buf.String(), s) {
			t.Errorf("report lacks %q:\n%s", s, buf.String())
		}
	}
	buf.Reset()
	if err := WriteDOT(&buf); err != nil {
		t.Fatalf("WriteDOT: %v", err)
	}
	if !strings.Contains(buf.String(), `"C-I1" -> "D-I1";`) {
		t.Errorf("DOT lacks edge:\n%s", buf.String())
	}
}
