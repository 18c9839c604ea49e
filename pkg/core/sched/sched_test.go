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

package sched

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal/sim"
	"hik.dev/hik/pkg/hikarch"
)

type fakeDomains struct {
	quota     map[hik.DomainID]int
	count     map[hik.DomainID]int
	suspended map[hik.DomainID]bool
	attached  map[hik.DomainID][]hik.ThreadID
}

func newFakeDomains() *fakeDomains {
	return &fakeDomains{
		quota:     map[hik.DomainID]int{},
		count:     map[hik.DomainID]int{},
		suspended: map[hik.DomainID]bool{},
		attached:  map[hik.DomainID][]hik.ThreadID{},
	}
}

func (f *fakeDomains) CheckThreadQuota(d hik.DomainID) error {
	if q, ok := f.quota[d]; ok && f.count[d] >= q {
		return hikerr.ErrQuotaExceeded
	}
	return nil
}

func (f *fakeDomains) ChargeThread(d hik.DomainID, delta int) { f.count[d] += delta }

func (f *fakeDomains) AttachThread(d hik.DomainID, t hik.ThreadID) {
	f.attached[d] = append(f.attached[d], t)
}

func (f *fakeDomains) DetachThread(d hik.DomainID, t hik.ThreadID) {
	ts := f.attached[d]
	for i, id := range ts {
		if id == t {
			f.attached[d] = append(ts[:i], ts[i+1:]...)
			return
		}
	}
}

func (f *fakeDomains) Runnable(d hik.DomainID) bool          { return !f.suspended[d] }
func (f *fakeDomains) FrameClass(hik.DomainID) pfa.Class     { return pfa.ClassApplication }

type activations []hik.DomainID

func (a *activations) Activate(d hik.DomainID) error {
	*a = append(*a, d)
	return nil
}

type fixture struct {
	s       *Scheduler
	cpu     *sim.CPU
	clock   *sim.ManualClock
	frames  *pfa.Allocator
	domains *fakeDomains
	spaces  *activations
}

func newFixture(t *testing.T, slice uint32) *fixture {
	t.Helper()
	frames := pfa.New(0, nil)
	if err := frames.AddRegion(0x100000, 64*hikarch.PageSize); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	clock := &sim.ManualClock{}
	cpu := sim.New(clock)
	f := &fixture{cpu: cpu, clock: clock, frames: frames, domains: newFakeDomains(), spaces: &activations{}}
	f.s = New(cpu, frames, f.domains, f.spaces, nil, slice)
	return f
}

func (f *fixture) create(t *testing.T, d hik.DomainID, prio hik.Priority) hik.ThreadID {
	t.Helper()
	id, err := f.s.Create(d, 0x1000*uint64(d+1), prio)
	if err != nil {
		t.Fatalf("Create(%d, %v): %v", d, prio, err)
	}
	return id
}

func TestCreate(t *testing.T) {
	f := newFixture(t, 0)
	free := f.frames.FreeFrames()
	id := f.create(t, 1, hik.PriorityNormal)
	th, err := f.s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if th.State != StateReady || th.Context.PC != 0x2000 || th.TimeSlice != DefaultTimeSlice {
		t.Errorf("thread = %+v", th)
	}
	if th.Context.SP != uint64(th.Stack)+StackFrames*hikarch.PageSize {
		t.Errorf("SP = %#x, stack %v", th.Context.SP, th.Stack)
	}
	if got := f.frames.FreeFrames(); got != free-StackFrames {
		t.Errorf("free frames = %d, want %d", got, free-StackFrames)
	}
	if f.domains.count[1] != 1 || !cmp.Equal(f.domains.attached[1], []hik.ThreadID{id}) {
		t.Errorf("domain bookkeeping: count %d attached %v", f.domains.count[1], f.domains.attached[1])
	}
	if _, err := f.s.Create(1, 0, hik.Priority(9)); hikerr.ToStatus(err) != hik.StatusInvalidParam {
		t.Errorf("Create(bad priority) = %v", err)
	}
	f.domains.quota[2] = 0
	if _, err := f.s.Create(2, 0, hik.PriorityNormal); !errors.Is(err, hikerr.ErrQuotaExceeded) {
		t.Errorf("Create over quota = %v", err)
	}
	if got := f.frames.FreeFrames(); got != free-StackFrames {
		t.Errorf("failed create leaked frames: %d free", got)
	}
}

func TestPriorityAndFIFO(t *testing.T) {
	f := newFixture(t, 0)
	low := f.create(t, 1, hik.PriorityLow)
	a := f.create(t, 1, hik.PriorityNormal)
	b := f.create(t, 2, hik.PriorityNormal)
	c := f.create(t, 3, hik.PriorityNormal)

	var order []hik.ThreadID
	f.s.Yield()
	for i := 0; i < 4; i++ {
		order = append(order, f.s.Current())
		if err := f.s.Block(f.s.Current(), Wait{Reason: WaitSleep}); err != nil {
			t.Fatalf("Block: %v", err)
		}
	}
	if diff := cmp.Diff([]hik.ThreadID{a, b, c, low}, order); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
	if f.s.Current() != hik.IdleThread {
		t.Errorf("Current = %d, want idle", f.s.Current())
	}
}

func TestRoundRobinOnSliceExpiry(t *testing.T) {
	f := newFixture(t, 2)
	a := f.create(t, 1, hik.PriorityNormal)
	b := f.create(t, 2, hik.PriorityNormal)

	f.s.Tick()
	if f.s.Current() != a {
		t.Fatalf("Current = %d, want %d", f.s.Current(), a)
	}
	var got []hik.ThreadID
	for i := 0; i < 6; i++ {
		f.s.Tick()
		got = append(got, f.s.Current())
	}
	want := []hik.ThreadID{a, b, b, a, a, b}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tick schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockWakeup(t *testing.T) {
	f := newFixture(t, 0)
	a := f.create(t, 1, hik.PriorityNormal)
	if err := f.s.Wakeup(a); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Wakeup(ready) = %v, want InvalidState", err)
	}
	if err := f.s.Block(a, Wait{Reason: WaitIPC}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := f.s.Block(a, Wait{Reason: WaitIPC}); hikerr.ToStatus(err) != hik.StatusInvalidState {
		t.Errorf("Block(blocked) = %v, want InvalidState", err)
	}
	if q := f.s.Queue(hik.PriorityNormal); len(q) != 0 {
		t.Errorf("blocked thread still queued: %v", q)
	}
	if err := f.s.Wakeup(a); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	// Waking a thread preempts the idle thread.
	if f.s.Current() != a {
		t.Errorf("Current = %d, want %d", f.s.Current(), a)
	}
	if th, _ := f.s.Get(a); th.Woken != WakeSignal {
		t.Errorf("Woken = %v, want signal", th.Woken)
	}
}

func TestDeadline(t *testing.T) {
	f := newFixture(t, 0)
	a := f.create(t, 1, hik.PriorityNormal)
	if err := f.s.Block(a, Wait{Reason: WaitSleep, Deadline: 10}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if th, _ := f.s.Get(a); th.State != StateWaiting {
		t.Errorf("State = %v, want waiting", th.State)
	}
	f.clock.Advance(9)
	f.s.Tick()
	if th, _ := f.s.Get(a); th.State != StateWaiting {
		t.Errorf("woken early: %v", th.State)
	}
	f.clock.Advance(1)
	f.s.Tick()
	th, _ := f.s.Get(a)
	if th.State != StateRunning || th.Woken != WakeTimeout {
		t.Errorf("after deadline: state %v woken %v", th.State, th.Woken)
	}
}

func TestPreemption(t *testing.T) {
	f := newFixture(t, 0)
	low := f.create(t, 1, hik.PriorityLow)
	hi := f.create(t, 2, hik.PriorityRealtime)
	if err := f.s.Block(hi, Wait{Reason: WaitIRQ}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	f.s.Yield()
	if f.s.Current() != low {
		t.Fatalf("Current = %d, want %d", f.s.Current(), low)
	}
	if err := f.s.Wakeup(hi); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	if f.s.Current() != hi {
		t.Errorf("Current = %d, want %d", f.s.Current(), hi)
	}
	if diff := cmp.Diff([]hik.ThreadID{low}, f.s.Queue(hik.PriorityLow)); diff != "" {
		t.Errorf("preempted thread not at head (-want +got):\n%s", diff)
	}
}

func TestSuspendedDomainSkipped(t *testing.T) {
	f := newFixture(t, 0)
	a := f.create(t, 1, hik.PriorityNormal)
	b := f.create(t, 2, hik.PriorityNormal)
	f.domains.suspended[1] = true
	f.s.Yield()
	if f.s.Current() != b {
		t.Fatalf("Current = %d, want %d", f.s.Current(), b)
	}
	if diff := cmp.Diff([]hik.ThreadID{a}, f.s.Queue(hik.PriorityNormal)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	f.domains.suspended[1] = false
	f.s.Yield()
	if f.s.Current() != a {
		t.Errorf("Current after resume = %d, want %d", f.s.Current(), a)
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, 0)
	free := f.frames.FreeFrames()
	a := f.create(t, 1, hik.PriorityNormal)
	w := f.create(t, 2, hik.PriorityNormal)
	if err := f.s.Block(w, Wait{Reason: WaitDomainExit, Key: 1}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	f.s.Yield()
	if f.s.Current() != a {
		t.Fatalf("Current = %d, want %d", f.s.Current(), a)
	}
	if err := f.s.Terminate(a); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if f.s.Current() != w {
		t.Errorf("waiter not dispatched: current %d", f.s.Current())
	}
	if _, err := f.s.Get(a); hikerr.ToStatus(err) != hik.StatusNotFound {
		t.Errorf("Get(terminated) = %v", err)
	}
	if err := f.s.Terminate(hik.IdleThread); hikerr.ToStatus(err) != hik.StatusPermission {
		t.Errorf("Terminate(idle) = %v", err)
	}
	if n := f.s.TerminateDomain(2); n != 1 {
		t.Errorf("TerminateDomain = %d, want 1", n)
	}
	if got := f.frames.FreeFrames(); got != free {
		t.Errorf("free frames = %d, want %d", got, free)
	}
	if f.s.Len() != 0 || f.s.Current() != hik.IdleThread {
		t.Errorf("Len %d current %d", f.s.Len(), f.s.Current())
	}
}

func TestActivationOnSwitch(t *testing.T) {
	f := newFixture(t, 0)
	a := f.create(t, 1, hik.PriorityNormal)
	f.create(t, 2, hik.PriorityNormal)
	f.s.Yield()
	f.s.Yield()
	if diff := cmp.Diff(activations{1, 2}, *f.spaces); diff != "" {
		t.Errorf("activations mismatch (-want +got):\n%s", diff)
	}
	if err := f.s.SetExecuting(f.s.Current(), 1); err != nil {
		t.Fatalf("SetExecuting: %v", err)
	}
	if !f.s.HasRunning(1) || !f.s.HasRunning(2) || f.s.HasRunning(3) {
		t.Errorf("HasRunning wrong")
	}
	if got := f.s.Switches(); got != 2 {
		t.Errorf("Switches = %d, want 2", got)
	}
	if err := f.s.Run(a); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.s.Current() != a {
		t.Errorf("Current = %d, want %d", f.s.Current(), a)
	}
}
