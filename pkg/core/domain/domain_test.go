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

package domain

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal/sim"
	"hik.dev/hik/pkg/hikarch"
)

type fakeReaper struct {
	running map[hik.DomainID]bool
	reaped  []hik.DomainID
}

func (r *fakeReaper) HasRunningThread(d hik.DomainID) bool { return r.running[d] }
func (r *fakeReaper) ReapDomain(d hik.DomainID)            { r.reaped = append(r.reaped, d) }

type fixture struct {
	m      *Manager
	frames *pfa.Allocator
	spaces *asm.Manager
	caps   *capability.Table
	reaper *fakeReaper
	ring   *audit.Ring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ring, err := audit.NewRing(256)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	sink := audit.NewLog(ring, func() uint64 { return 0 })
	frames := pfa.New(0, sink)
	if err := frames.AddRegion(0x200000, 256*hikarch.PageSize); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	spaces := asm.NewManager(asm.MMU, frames, sim.New(nil), sink)
	caps := capability.NewTable(0, sink)
	f := &fixture{
		m:      NewManager(frames, spaces, caps, sink),
		frames: frames,
		spaces: spaces,
		caps:   caps,
		reaper: &fakeReaper{running: map[hik.DomainID]bool{}},
		ring:   ring,
	}
	f.m.SetReaper(f.reaper)
	if _, err := f.m.Create(KindCore, nil, Unlimited, Options{Name: "core"}); err != nil {
		t.Fatalf("Create(core): %v", err)
	}
	return f
}

func (f *fixture) create(t *testing.T, kind Kind, q Quota) hik.DomainID {
	t.Helper()
	core := hik.CoreDomain
	d, err := f.m.Create(kind, &core, q, Options{})
	if err != nil {
		t.Fatalf("Create(%v): %v", kind, err)
	}
	return d
}

var smallQuota = Quota{MaxMemory: 4 * hikarch.PageSize, MaxThreads: 2, MaxCaps: 4, CPUPercent: 10}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, KindApplication, smallQuota)
	if d != 1 {
		t.Errorf("first domain id = %d, want 1", d)
	}
	got, err := f.m.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateReady || got.Kind != KindApplication || !got.HasParent || got.Parent != hik.CoreDomain {
		t.Errorf("Get(%d) = %+v", d, got)
	}
	if _, err := f.spaces.Get(got.AddressSpace); err != nil {
		t.Errorf("address space: %v", err)
	}
	if _, err := f.caps.Handle(d, 1); err != nil {
		t.Errorf("Handle after create: %v", err)
	}
	if info, err := f.frames.Query(got.ControlFrame); err != nil || !info.Allocated || info.Owner != hik.CoreDomain {
		t.Errorf("control frame %v = %+v, %v", got.ControlFrame, info, err)
	}
	if n := f.ring.Count(hik.AuditDomainCreate, &d); n != 1 {
		t.Errorf("DomainCreate records for %d = %d, want 1", d, n)
	}
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)
	core := hik.CoreDomain
	missing := hik.DomainID(42)
	for _, tc := range []struct {
		name   string
		kind   Kind
		parent *hik.DomainID
		quota  Quota
		want   hik.Status
	}{
		{"second core", KindCore, nil, Unlimited, hik.StatusInvalidParam},
		{"cpu over 100", KindApplication, &core, Quota{CPUPercent: 101}, hik.StatusInvalidParam},
		{"missing parent", KindApplication, &missing, smallQuota, hik.StatusNotFound},
		{"bad kind", Kind(9), &core, smallQuota, hik.StatusInvalidParam},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.m.Create(tc.kind, tc.parent, tc.quota, Options{})
			if got := hikerr.ToStatus(err); got != tc.want {
				t.Errorf("Create = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCPUBudget(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, KindApplication, Quota{MaxMemory: hikarch.PageSize, CPUPercent: 60})
	core := hik.CoreDomain
	if _, err := f.m.Create(KindApplication, &core, Quota{CPUPercent: 41}, Options{}); !errors.Is(err, hikerr.ErrCPUBudget) {
		t.Fatalf("Create over budget = %v, want %v", err, hikerr.ErrCPUBudget)
	}
	f.create(t, KindApplication, Quota{CPUPercent: 40})
	if got := f.m.CPUInUse(); got != 100 {
		t.Errorf("CPUInUse = %d, want 100", got)
	}
	if err := f.m.Destroy(a); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	f.create(t, KindApplication, Quota{CPUPercent: 60})
}

func TestTransitions(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, KindApplication, smallQuota)

	if err := f.m.Resume(d); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Resume(ready) = %v, want InvalidState", err)
	}
	if err := f.m.Suspend(d); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Suspend(ready) = %v, want InvalidState", err)
	}
	if err := f.m.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.m.Suspend(d); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := f.m.Suspend(d); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Suspend(suspended) = %v, want InvalidState", err)
	}
	if err := f.m.Resume(d); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s, _ := f.m.State(d); s != StateRunning {
		t.Errorf("State = %v, want running", s)
	}
	if err := f.m.Destroy(d); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := f.m.Destroy(d); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Destroy(terminated) = %v, want InvalidState", err)
	}
	if err := f.m.Start(d); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Start(terminated) = %v, want InvalidState", err)
	}
}

func TestLegal(t *testing.T) {
	states := []State{StateInit, StateReady, StateRunning, StateSuspended, StateTerminated}
	want := map[[2]State]bool{
		{StateInit, StateReady}:           true,
		{StateReady, StateRunning}:        true,
		{StateReady, StateTerminated}:     true,
		{StateRunning, StateSuspended}:    true,
		{StateRunning, StateTerminated}:   true,
		{StateSuspended, StateRunning}:    true,
		{StateSuspended, StateTerminated}: true,
	}
	for _, from := range states {
		for _, to := range states {
			if got := legal(from, to); got != want[[2]State{from, to}] {
				t.Errorf("legal(%v, %v) = %t", from, to, got)
			}
		}
	}
}

func TestDestroyReleasesResources(t *testing.T) {
	f := newFixture(t)
	free := f.frames.FreeFrames()
	d := f.create(t, KindApplication, smallQuota)
	dom, _ := f.m.Get(d)

	if _, err := f.frames.Alloc(d, 2, pfa.ClassApplication); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c, err := f.caps.CreateMemory(d, 0x200000, hikarch.PageSize, capability.RightRead)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := f.spaces.Map(dom.AddressSpace, 0x400000, 0x200000, hikarch.PageSize, asm.PermRead, asm.ModeUser); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got, _ := f.m.Get(d); got.Usage.MemoryUsed != 2*hikarch.PageSize || got.Usage.CapCount != 1 {
		t.Errorf("usage = %+v", got.Usage)
	}

	if err := f.m.Destroy(d); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := f.frames.FreeFrames(); got != free {
		t.Errorf("free frames after destroy = %d, want %d", got, free)
	}
	if got, _ := f.caps.Get(c); !got.Revoked() {
		t.Errorf("cap %d not revoked", c)
	}
	if _, err := f.spaces.Get(dom.AddressSpace); err == nil {
		t.Errorf("address space %d survived", dom.AddressSpace)
	}
	if diff := cmp.Diff([]hik.DomainID{d}, f.reaper.reaped); diff != "" {
		t.Errorf("reaped mismatch (-want +got):\n%s", diff)
	}
	if got := f.m.Active(); !cmp.Equal(got, []hik.DomainID{hik.CoreDomain}) {
		t.Errorf("Active = %v", got)
	}
	if got := f.m.Counters(); got != (Counters{Created: 2, Destroyed: 1}) {
		t.Errorf("Counters = %+v", got)
	}
}

func TestDestroyGuards(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Destroy(hik.CoreDomain); hikerr.ToStatus(err) != hik.StatusPermission {
		t.Errorf("Destroy(core) = %v, want Permission", err)
	}
	d := f.create(t, KindApplication, smallQuota)
	f.reaper.running[d] = true
	if err := f.m.Destroy(d); hikerr.ToStatus(err) != hik.StatusBusy {
		t.Errorf("Destroy(running) = %v, want Busy", err)
	}
	if s, _ := f.m.State(d); s != StateReady {
		t.Errorf("State after refused destroy = %v", s)
	}
	if err := f.m.Destroy(77); hikerr.ToStatus(err) != hik.StatusNotFound {
		t.Errorf("Destroy(77) = %v, want NotFound", err)
	}
}

func TestQuotas(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, KindApplication, smallQuota)

	if _, err := f.frames.Alloc(d, 5, pfa.ClassApplication); !errors.Is(err, hikerr.ErrQuotaExceeded) {
		t.Errorf("Alloc over memory quota = %v", err)
	}
	if _, err := f.frames.Alloc(d, 4, pfa.ClassApplication); err != nil {
		t.Errorf("Alloc at memory quota: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := f.caps.CreateIRQ(d, uint8(i)); err != nil {
			t.Fatalf("CreateIRQ %d: %v", i, err)
		}
	}
	if _, err := f.caps.CreateIRQ(d, 9); !errors.Is(err, hikerr.ErrQuotaExceeded) {
		t.Errorf("CreateIRQ over cap quota = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.m.CheckThreadQuota(d); err != nil {
			t.Fatalf("CheckThreadQuota %d: %v", i, err)
		}
		f.m.ChargeThread(d, 1)
	}
	if err := f.m.CheckThreadQuota(d); !errors.Is(err, hikerr.ErrQuotaExceeded) {
		t.Errorf("CheckThreadQuota over quota = %v", err)
	}
	if !f.m.IsActive(d) || f.m.IsActive(5) {
		t.Errorf("IsActive wrong")
	}
}

func TestPrivilege(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, KindPrivileged, smallQuota)
	a := f.create(t, KindApplication, smallQuota)
	for _, tc := range []struct {
		d    hik.DomainID
		want bool
	}{
		{hik.CoreDomain, true},
		{p, true},
		{a, false},
		{99, false},
	} {
		if got := f.m.IsPrivileged(tc.d); got != tc.want {
			t.Errorf("IsPrivileged(%d) = %v, want %v", tc.d, got, tc.want)
		}
	}
}

func TestThreadsAndFaultHandler(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, KindApplication, smallQuota)
	f.m.AttachThread(d, 3)
	f.m.AttachThread(d, 4)
	f.m.DetachThread(d, 3)
	if err := f.m.SetFaultHandler(d, 7, 0x1000); err != nil {
		t.Fatalf("SetFaultHandler: %v", err)
	}
	got, _ := f.m.Get(d)
	if diff := cmp.Diff([]hik.ThreadID{4}, got.Threads); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&FaultHandler{Endpoint: 7, PC: 0x1000}, got.FaultHandler); diff != "" {
		t.Errorf("fault handler mismatch (-want +got):\n%s", diff)
	}
	if err := f.m.SetFaultHandler(d, hik.InvalidCap, 0); err != nil {
		t.Fatalf("SetFaultHandler(clear): %v", err)
	}
	if got, _ := f.m.Get(d); got.FaultHandler != nil {
		t.Errorf("fault handler not cleared")
	}
}

func TestRunnableAndFrameClass(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, KindPrivileged, smallQuota)
	a := f.create(t, KindApplication, smallQuota)
	if err := f.m.Start(a); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.m.Runnable(p) || !f.m.Runnable(a) {
		t.Errorf("ready and running domains must be runnable")
	}
	if err := f.m.Suspend(a); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if f.m.Runnable(a) {
		t.Errorf("suspended domain is runnable")
	}
	for d, want := range map[hik.DomainID]pfa.Class{
		hik.CoreDomain: pfa.ClassCore,
		p:              pfa.ClassPrivileged,
		a:              pfa.ClassApplication,
	} {
		if got := f.m.FrameClass(d); got != want {
			t.Errorf("FrameClass(%d) = %v, want %v", d, got, want)
		}
	}
}
