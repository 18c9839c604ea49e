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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/sched"
	"hik.dev/hik/pkg/core/supervisor"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hal/sim"
	"hik.dev/hik/pkg/hikarch"
)

const (
	ramBase = 0x100000
	ramSize = 4 << 20
)

func bootInfo(cmdline string) *hik.BootInfo {
	return &hik.BootInfo{
		Magic:   hik.BootMagic,
		Version: hik.BootVersion,
		MemoryMap: []hik.MemoryRegion{
			{Base: 0, Length: ramBase, Type: hik.MemoryReserved},
			{Base: ramBase, Length: ramSize, Type: hik.MemoryUsable},
		},
		CommandLine: cmdline,
	}
}

type fixture struct {
	k     *Kernel
	cpu   *sim.CPU
	clock *sim.ManualClock
}

// newFixture boots a kernel whose only usable RAM starts at ramBase.
func newFixture(t *testing.T, mutate func(*Args)) *fixture {
	t.Helper()
	clock := &sim.ManualClock{}
	cpu := sim.New(clock)
	args := Args{BootInfo: bootInfo("")}
	if mutate != nil {
		mutate(&args)
	}
	k, err := New(cpu, args)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{k: k, cpu: cpu, clock: clock}
}

var testQuota = domain.Quota{MaxMemory: 1 << 20, MaxThreads: 4, MaxCaps: 4, CPUPercent: 10}

func (f *fixture) domain(t *testing.T, kind domain.Kind, q domain.Quota, entry uint64) hik.DomainID {
	t.Helper()
	d, err := f.k.CreateDomain(hik.CoreDomain, kind, q, domain.Options{Entry: entry})
	if err != nil {
		t.Fatalf("CreateDomain(%v): %v", kind, err)
	}
	return d
}

func (f *fixture) thread(t *testing.T, d hik.DomainID, entry uint64) hik.ThreadID {
	t.Helper()
	th, err := f.k.CreateThread(d, entry, hik.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateThread(%d): %v", d, err)
	}
	return th
}

func (f *fixture) checkHealthy(t *testing.T) {
	t.Helper()
	if halted, why := f.k.Halted(); halted {
		t.Fatalf("kernel halted: %s", why)
	}
	if err := f.k.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func wantStatus(t *testing.T, op string, err error, want hik.Status) {
	t.Helper()
	if got := hikerr.ToStatus(err); got != want {
		t.Errorf("%s = %v (%v), want %v", op, got, err, want)
	}
}

func TestBoot(t *testing.T) {
	f := newFixture(t, nil)
	s := f.k.Snapshot()
	var got []string
	for _, d := range s.Domains {
		got = append(got, d.Name+"/"+d.Kind+"/"+d.State)
	}
	want := []string{"core/core/running", "app/application/ready"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("domains mismatch (-want +got):\n%s", diff)
	}
	if s.Monitor.Runs == 0 {
		t.Errorf("monitor never ran at boot")
	}
	if s.Frames.Total != ramSize/hikarch.PageSize {
		t.Errorf("frames total = %d, want %d", s.Frames.Total, ramSize/hikarch.PageSize)
	}
	if s.Current != hik.IdleThread {
		t.Errorf("current = %d, want idle", s.Current)
	}
	if !f.cpu.InterruptsEnabled() {
		t.Errorf("interrupts left masked after boot")
	}
	f.checkHealthy(t)
}

func TestBootRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Args)
		want   hik.Status
	}{
		{
			name:   "no boot info",
			mutate: func(a *Args) { a.BootInfo = nil },
			want:   hik.StatusInvalidParam,
		},
		{
			name:   "bad magic",
			mutate: func(a *Args) { a.BootInfo.Magic = 0xdeadbeef },
			want:   hik.StatusInvalidParam,
		},
		{
			name: "unknown module",
			mutate: func(a *Args) {
				a.Services = []DomainConfig{{Name: "net", Module: "net.hikmod", Quota: testQuota}}
			},
			want: hik.StatusNotFound,
		},
		{
			name: "route to unknown service",
			mutate: func(a *Args) {
				a.Routes = []RouteConfig{{Vector: 33, Domain: "disk", HandlerPC: 0x5000}}
			},
			want: hik.StatusNotFound,
		},
		{
			name: "cpu budget",
			mutate: func(a *Args) {
				a.Services = []DomainConfig{{Name: "hog", Quota: domain.Quota{MaxMemory: 1 << 20, MaxThreads: 1, MaxCaps: 1, CPUPercent: 90}}}
			},
			want: hik.StatusQuotaExceeded,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := Args{BootInfo: bootInfo("")}
			tc.mutate(&args)
			_, err := New(sim.New(nil), args)
			if err == nil {
				t.Fatalf("New succeeded, want %v", tc.want)
			}
			wantStatus(t, "New", err, tc.want)
		})
	}
}

func TestBootServices(t *testing.T) {
	mutate := func(a *Args) {
		a.Modules = []Module{{Name: "net.hikmod", Entry: 0x5000}}
		a.Services = []DomainConfig{{Name: "net", Module: "net.hikmod", Quota: testQuota, Priority: hik.PriorityHigh}}
		a.Routes = []RouteConfig{{Vector: 33, Domain: "net", HandlerPC: 0x5100, Tag: 7}}
	}
	f := newFixture(t, mutate)
	net, ok := f.k.DomainNamed("net")
	if !ok {
		t.Fatalf("service net not created")
	}
	dom, err := f.k.Domain(net)
	if err != nil {
		t.Fatalf("Domain: %v", err)
	}
	if dom.Kind != domain.KindPrivileged || dom.State != domain.StateRunning || len(dom.Threads) != 1 {
		t.Errorf("net = %v %v with %d threads, want running privileged with 1 thread", dom.Kind, dom.State, len(dom.Threads))
	}
	th, err := f.k.Thread(dom.Threads[0])
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if th.Context.PC != 0x5000 || th.Priority != hik.PriorityHigh {
		t.Errorf("main thread at %#x priority %v, want 0x5000 high", th.Context.PC, th.Priority)
	}
	rt, ok := f.k.IRQRoutes()[33]
	if !ok || rt.Domain != net || rt.HandlerPC != 0x5100 {
		t.Errorf("route 33 = %+v (present %t), want domain %d pc 0x5100", rt, ok, net)
	}
	f.checkHealthy(t)

	t.Run("recovery", func(t *testing.T) {
		f := newFixture(t, func(a *Args) {
			mutate(a)
			a.BootInfo.CommandLine = "recovery"
		})
		if _, ok := f.k.DomainNamed("net"); ok {
			t.Errorf("service created in recovery boot")
		}
		if len(f.k.IRQRoutes()) != 0 {
			t.Errorf("routes installed in recovery boot: %v", f.k.IRQRoutes())
		}
	})
}

func TestMemLimit(t *testing.T) {
	f := newFixture(t, func(a *Args) { a.BootInfo.CommandLine = "mem=1M" })
	if got, want := f.k.Snapshot().Frames.Total, uint64(256); got != want {
		t.Errorf("frames with mem=1M = %d, want %d", got, want)
	}
}

func TestCapabilityTransferRevoke(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	d2 := f.domain(t, domain.KindApplication, testQuota, 0)

	c1, err := f.k.CreateMemoryCap(d1, 0x1000, 0x1000, capability.RightRead|capability.RightWrite)
	if err != nil {
		t.Fatalf("CreateMemoryCap: %v", err)
	}
	if err := f.k.Transfer(d1, d2, c1); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	wantStatus(t, "Check(d1)", f.k.Check(d1, c1, capability.RightRead), hik.StatusPermission)
	wantStatus(t, "Check(d2)", f.k.Check(d2, c1, capability.RightRead), hik.StatusSuccess)
	if err := f.k.Revoke(c1); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	wantStatus(t, "Check(d2) after revoke", f.k.Check(d2, c1, capability.RightRead), hik.StatusCapRevoked)
	f.checkHealthy(t)
}

func TestDeriveSubset(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	c1, err := f.k.CreateMemoryCap(d1, 0x1000, 0x1000, capability.RightRead|capability.RightWrite|capability.RightExecute)
	if err != nil {
		t.Fatalf("CreateMemoryCap: %v", err)
	}
	c2, err := f.k.Derive(d1, c1, capability.RightRead)
	if err != nil {
		t.Fatalf("Derive(R): %v", err)
	}
	_, err = f.k.Derive(d1, c2, capability.RightWrite)
	wantStatus(t, "Derive(c2, W)", err, hik.StatusInvalidParam)
	f.checkHealthy(t)
}

func TestMemoryIsolation(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	d2 := f.domain(t, domain.KindApplication, testQuota, 0)

	a1, err := f.k.AllocFrames(d1, 2)
	if err != nil || a1 != 0x100000 {
		t.Fatalf("AllocFrames(d1, 2) = %v, %v, want 0x100000", a1, err)
	}
	a2, err := f.k.AllocFrames(d2, 2)
	if err != nil || a2 != 0x102000 {
		t.Fatalf("AllocFrames(d2, 2) = %v, %v, want 0x102000", a2, err)
	}
	if err := f.k.VerifyIsolation(d1, d2); err != nil {
		t.Errorf("VerifyIsolation: %v", err)
	}
	if err := f.k.FreeFrames(a1, 2); err != nil {
		t.Fatalf("FreeFrames: %v", err)
	}
	a3, err := f.k.AllocFrames(d2, 2)
	if err != nil || a3 != 0x100000 {
		t.Errorf("AllocFrames(d2, 2) after free = %v, %v, want 0x100000", a3, err)
	}
	f.checkHealthy(t)
}

func TestMapForeignFrames(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	d2 := f.domain(t, domain.KindApplication, testQuota, 0)
	base, err := f.k.AllocFrames(d1, 2)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	c, err := f.k.CreateMemoryCap(d2, base, 2*hikarch.PageSize, capability.RightRead|capability.RightWrite)
	if err != nil {
		t.Fatalf("CreateMemoryCap: %v", err)
	}
	wantStatus(t, "Map(d2, d1's frames)", f.k.Map(d2, c, 0x400000, asm.PermRead), hik.StatusPermission)
	viol := d2
	if n := f.k.AuditRing().Count(hik.AuditSecurityViolation, &viol); n != 1 {
		t.Errorf("security violations recorded = %d, want 1", n)
	}

	own, err := f.k.CreateMemoryCap(d1, base, 2*hikarch.PageSize, capability.RightRead)
	if err != nil {
		t.Fatalf("CreateMemoryCap: %v", err)
	}
	wantStatus(t, "Map(d1, RW) with a read-only cap", f.k.Map(d1, own, 0x400000, asm.PermRead|asm.PermWrite), hik.StatusPermission)
	if err := f.k.Map(d1, own, 0x400000, asm.PermRead); err != nil {
		t.Errorf("Map(d1, own frames): %v", err)
	}
	f.checkHealthy(t)
}

func TestWidenSpansMappings(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	base, err := f.k.AllocFrames(d1, 3)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	// grant covers the first two frames. The pages at 0x400000 and
	// 0x401000 map the first and the third.
	grant, err := f.k.CreateMemoryCap(d1, base, 2*hikarch.PageSize, capability.RightRead|capability.RightWrite|capability.RightGrant)
	if err != nil {
		t.Fatalf("CreateMemoryCap: %v", err)
	}
	for i, off := range []uint64{0, 2 * hikarch.PageSize} {
		c, err := f.k.CreateMemoryCap(d1, base+hikarch.PhysAddr(off), hikarch.PageSize, capability.RightRead)
		if err != nil {
			t.Fatalf("CreateMemoryCap(%d): %v", i, err)
		}
		if err := f.k.Map(d1, c, hikarch.VirtAddr(0x400000+i*hikarch.PageSize), asm.PermRead); err != nil {
			t.Fatalf("Map(%d): %v", i, err)
		}
	}

	wantStatus(t, "SetMappingRights(both pages, RW)", f.k.SetMappingRights(d1, grant, 0x400000, 2*hikarch.PageSize, asm.PermRead|asm.PermWrite), hik.StatusPermission)
	ms, err := f.k.Mappings(d1)
	if err != nil {
		t.Fatalf("Mappings: %v", err)
	}
	for _, m := range ms {
		if m.Perms != asm.PermRead {
			t.Errorf("mapping %v+%#x has %v after a refused widening", m.Virt, m.Size, m.Perms)
		}
	}
	if err := f.k.SetMappingRights(d1, grant, 0x400000, hikarch.PageSize, asm.PermRead|asm.PermWrite); err != nil {
		t.Errorf("widening the covered page: %v", err)
	}
	f.checkHealthy(t)
}

func TestSharedMemory(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	d2 := f.domain(t, domain.KindApplication, testQuota, 0)

	c, err := f.k.AllocShared(d1, 3*hikarch.PageSize-1)
	if err != nil {
		t.Fatalf("AllocShared: %v", err)
	}
	ro, err := f.k.Derive(d1, c, capability.RightRead)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if err := f.k.Transfer(d1, d2, ro); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := f.k.Map(d1, c, 0x400000, asm.PermRead|asm.PermWrite); err != nil {
		t.Fatalf("Map(d1): %v", err)
	}
	if err := f.k.Map(d2, ro, 0x800000, asm.PermRead); err != nil {
		t.Fatalf("Map(d2): %v", err)
	}
	ms, err := f.k.Mappings(d2)
	if err != nil || len(ms) != 1 || ms[0].Size != 3*hikarch.PageSize {
		t.Fatalf("Mappings(d2) = %+v, %v, want one 3 page mapping", ms, err)
	}
	if err := f.k.VerifyIsolation(d1, d2); err != nil {
		t.Errorf("VerifyIsolation with shared memory: %v", err)
	}

	// Widening d2's mapping needs a grant capability it does not have.
	wantStatus(t, "SetMappingRights(d2, RW)", f.k.SetMappingRights(d2, ro, 0x800000, hikarch.PageSize, asm.PermRead|asm.PermWrite), hik.StatusPermission)
	if err := f.k.SetMappingRights(d1, hik.InvalidCap, 0x400000, hikarch.PageSize, asm.PermRead); err != nil {
		t.Errorf("narrowing d1's mapping: %v", err)
	}
	if err := f.k.SetMappingRights(d1, c, 0x400000, hikarch.PageSize, asm.PermRead|asm.PermWrite); err != nil {
		t.Errorf("widening d1's mapping with its grant cap: %v", err)
	}

	// Revoking the parent takes the derived capability and its mapping.
	if err := f.k.Revoke(c); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	for _, d := range []hik.DomainID{d1, d2} {
		if ms, err := f.k.Mappings(d); err != nil || len(ms) != 0 {
			t.Errorf("Mappings(%d) after revoke = %+v, %v, want none", d, ms, err)
		}
	}
	f.checkHealthy(t)
}

func TestFreeFramesRefused(t *testing.T) {
	f := newFixture(t, nil)
	top := hikarch.PhysAddr(ramBase + ramSize - hikarch.PageSize)
	wantStatus(t, "FreeFrames(kernel frame)", f.k.FreeFrames(top, 1), hik.StatusPermission)

	app := f.k.Application()
	th := f.thread(t, app, 0x1000)
	rec, err := f.k.Thread(th)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	wantStatus(t, "FreeFrames(stack)", f.k.FreeFrames(rec.Stack, 1), hik.StatusBusy)
	f.checkHealthy(t)
}

func TestCallReturn(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	d2 := f.domain(t, domain.KindApplication, testQuota, 0x2000)
	t1 := f.thread(t, d1, 0x1000)
	ep, err := f.k.CreateEndpoint(d1, d2, 9)
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	if err := f.k.Call(t1, ep, []uint64{1, 2}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	th, _ := f.k.Thread(t1)
	if th.Executing != d2 || th.Context.PC != 0x2000 || th.Context.Regs[0] != 9 || th.Context.Regs[1] != 1 {
		t.Errorf("callee context = in %d pc %#x regs %v, want in %d pc 0x2000 tag 9 arg 1", th.Executing, th.Context.PC, th.Context.Regs[:3], d2)
	}
	if got := f.k.CallDepth(t1); got != 1 {
		t.Errorf("CallDepth = %d, want 1", got)
	}

	if err := f.k.Return(t1, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}
	th, _ = f.k.Thread(t1)
	if th.Executing != d1 || th.Context.PC != 0x1000 || th.Context.Regs[hik.RegSysno] != uint64(hik.StatusSuccess) || th.Context.Regs[hik.RegResult] != 42 {
		t.Errorf("caller context = in %d pc %#x regs %v, want in %d pc 0x1000 status 0 result 42", th.Executing, th.Context.PC, th.Context.Regs[:2], d1)
	}
	if got := f.k.CallDepth(t1); got != 0 {
		t.Errorf("CallDepth after return = %d, want 0", got)
	}
	f.checkHealthy(t)
}

func TestQuotaExceeded(t *testing.T) {
	f := newFixture(t, nil)
	q := testQuota
	q.MaxMemory = 8 << 10
	d := f.domain(t, domain.KindApplication, q, 0)
	before := f.k.Snapshot().Frames.Free

	_, err := f.k.AllocFrames(d, 3)
	wantStatus(t, "AllocFrames(3)", err, hik.StatusQuotaExceeded)
	dom, _ := f.k.Domain(d)
	if dom.Usage.MemoryUsed != 0 {
		t.Errorf("memory charged = %d, want 0", dom.Usage.MemoryUsed)
	}
	if after := f.k.Snapshot().Frames.Free; after != before {
		t.Errorf("free frames %d -> %d, want unchanged", before, after)
	}
	f.checkHealthy(t)
}

func TestIRQDispatch(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	ep, err := f.k.CreateEndpoint(d1, d1, 5)
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	var runs int
	var got hal.Context
	f.cpu.SetHook(0x3000, func(ctx *hal.Context) {
		runs++
		got = *ctx
	})

	wantStatus(t, "RegisterIRQ by an application", f.k.RegisterIRQ(d1, 32, d1, 0x3000, ep), hik.StatusPermission)
	if err := f.k.RegisterIRQ(hik.CoreDomain, 32, d1, 0x3000, ep); err != nil {
		t.Fatalf("RegisterIRQ: %v", err)
	}
	if err := f.k.RaiseIRQ(32); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}
	if runs != 1 {
		t.Errorf("handler ran %d times, want 1", runs)
	}
	if got.Regs[0] != 32 || got.Regs[1] != 5 {
		t.Errorf("handler saw vector %d tag %d, want 32 and 5", got.Regs[0], got.Regs[1])
	}
	var irqs []hik.AuditRecord
	for _, rec := range f.k.Audit() {
		if rec.Kind == hik.AuditIrq {
			irqs = append(irqs, rec)
		}
	}
	if len(irqs) != 1 || irqs[0].Domain != d1 || irqs[0].Data[0] != 32 || irqs[0].Result != hik.AuditSuccess {
		t.Errorf("irq audit records = %+v, want one for vector 32 in domain %d", irqs, d1)
	}
	if diff := cmp.Diff([]uint8{32}, f.cpu.Acked()); diff != "" {
		t.Errorf("acked vectors mismatch (-want +got):\n%s", diff)
	}

	wantStatus(t, "RaiseIRQ(unrouted)", f.k.RaiseIRQ(40), hik.StatusNotFound)
	if got := f.cpu.Acked(); len(got) != 2 || got[1] != 40 {
		t.Errorf("spurious vector not acked: %v", got)
	}
	f.checkHealthy(t)
}

func TestIRQRouteFollowsEndpoint(t *testing.T) {
	for _, tc := range []struct {
		name string
		// route is the capability guarding vector 40 in d1.
		route func(f *fixture, ep hik.CapID) (hik.CapID, error)
		// drop takes the endpoint away from d1.
		drop func(f *fixture, d1, d2 hik.DomainID, ep hik.CapID) error
		keep bool
	}{
		{
			name:  "held",
			route: func(_ *fixture, ep hik.CapID) (hik.CapID, error) { return ep, nil },
			drop:  func(*fixture, hik.DomainID, hik.DomainID, hik.CapID) error { return nil },
			keep:  true,
		},
		{
			name:  "transfer",
			route: func(_ *fixture, ep hik.CapID) (hik.CapID, error) { return ep, nil },
			drop: func(f *fixture, d1, d2 hik.DomainID, ep hik.CapID) error {
				return f.k.Transfer(d1, d2, ep)
			},
		},
		{
			name:  "revoke",
			route: func(_ *fixture, ep hik.CapID) (hik.CapID, error) { return ep, nil },
			drop: func(f *fixture, _, _ hik.DomainID, ep hik.CapID) error {
				return f.k.Revoke(ep)
			},
		},
		{
			name: "revoke parent of derived endpoint",
			route: func(f *fixture, ep hik.CapID) (hik.CapID, error) {
				d, err := f.k.Capability(ep)
				if err != nil {
					return 0, err
				}
				return f.k.Derive(d.Owner, ep, capability.RightRead)
			},
			drop: func(f *fixture, _, _ hik.DomainID, ep hik.CapID) error {
				return f.k.Revoke(ep)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			d1 := f.domain(t, domain.KindApplication, testQuota, 0)
			d2 := f.domain(t, domain.KindApplication, testQuota, 0)
			ep, err := f.k.CreateEndpoint(d1, d1, 1)
			if err != nil {
				t.Fatalf("CreateEndpoint: %v", err)
			}
			guard, err := tc.route(f, ep)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if err := f.k.RegisterIRQ(hik.CoreDomain, 40, d1, 0x3000, guard); err != nil {
				t.Fatalf("RegisterIRQ: %v", err)
			}
			if err := tc.drop(f, d1, d2, ep); err != nil {
				t.Fatalf("drop: %v", err)
			}
			f.checkHealthy(t)
			if _, ok := f.k.IRQRoutes()[40]; ok != tc.keep {
				t.Errorf("vector 40 routed = %t, want %t", ok, tc.keep)
			}
			if !tc.keep {
				wantStatus(t, "RaiseIRQ(40)", f.k.RaiseIRQ(40), hik.StatusNotFound)
			}
		})
	}
}

// testSyscalls is a small table used to drive the syscall gate.
var testSyscalls = &SyscallTable{
	Table: map[hik.Sysno]Syscall{
		hik.SysThreadYield: {
			Name: "yield",
			Fn: func(t *Task, args SyscallArguments) (uint64, *SyscallControl, error) {
				t.Yield()
				return args[0].Uint64() + 1, nil, nil
			},
		},
		hik.SysShmemAlloc: {
			Name: "shmem_alloc",
			Fn: func(t *Task, args SyscallArguments) (uint64, *SyscallControl, error) {
				id, err := t.AllocShared(args[0].Uint64())
				if err != nil {
					return 0, nil, err
				}
				h, err := t.Handle(id)
				return h, nil, err
			},
		},
		// Creates a capability where the table allows none.
		hik.SysCapTransfer: {
			Name: "broken_transfer",
			Fn: func(t *Task, args SyscallArguments) (uint64, *SyscallControl, error) {
				_, err := t.AllocShared(hikarch.PageSize)
				return 0, nil, err
			},
		},
	},
}

func TestSyscallGate(t *testing.T) {
	f := newFixture(t, func(a *Args) { a.Syscalls = testSyscalls })
	app := f.k.Application()

	wantStatus(t, "Syscall from idle", f.k.Syscall(), hik.StatusInvalidState)

	th := f.thread(t, app, 0x1000)
	if err := f.k.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if cur := f.k.Current(); cur != th {
		t.Fatalf("current = %d, want %d", cur, th)
	}
	regs := f.cpu.Regs()
	if regs.PC != 0x1000 {
		t.Errorf("live pc = %#x, want 0x1000", regs.PC)
	}

	regs.Regs[hik.RegSysno] = uint64(hik.SysThreadYield)
	regs.Regs[hik.RegArg0] = 41
	if err := f.k.Syscall(); err != nil {
		t.Fatalf("Syscall(yield): %v", err)
	}
	regs = f.cpu.Regs()
	if regs.Regs[hik.RegSysno] != 0 || regs.Regs[hik.RegResult] != 42 {
		t.Errorf("yield returned status %d result %d, want 0 and 42", regs.Regs[hik.RegSysno], regs.Regs[hik.RegResult])
	}

	regs.Regs[hik.RegSysno] = uint64(hik.SysShmemAlloc)
	regs.Regs[hik.RegArg0] = hikarch.PageSize
	if err := f.k.Syscall(); err != nil {
		t.Fatalf("Syscall(shmem_alloc): %v", err)
	}
	h := f.cpu.Regs().Regs[hik.RegResult]
	snap := f.k.Snapshot()
	last := snap.Caps[len(snap.Caps)-1]
	if want, err := f.k.HandleFor(app, last.ID); err != nil || h != want {
		t.Errorf("shmem_alloc handle = %#x, want %#x (%v)", h, want, err)
	}

	regs = f.cpu.Regs()
	regs.Regs[hik.RegSysno] = 99
	wantStatus(t, "Syscall(99)", f.k.Syscall(), hik.StatusNotSupported)
	if got := f.cpu.Regs().Regs[hik.RegSysno]; got != uint64(hik.StatusNotSupported) {
		t.Errorf("status register = %d, want %d", got, hik.StatusNotSupported)
	}

	dom := app
	if n := f.k.AuditRing().Count(hik.AuditSyscall, &dom); n != 3 {
		t.Errorf("syscall audit records = %d, want 3", n)
	}
	m := f.k.Metrics()
	if m["/kernel/syscalls{ThreadYield}"] != 1 || m["/kernel/syscalls{unknown}"] != 1 {
		t.Errorf("syscall metrics = %v", m)
	}
	f.checkHealthy(t)
}

func TestSyscallAtomicityPanics(t *testing.T) {
	f := newFixture(t, func(a *Args) { a.Syscalls = testSyscalls })
	app := f.k.Application()
	f.thread(t, app, 0x1000)
	if err := f.k.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	f.cpu.Regs().Regs[hik.RegSysno] = uint64(hik.SysCapTransfer)
	wantStatus(t, "Syscall(broken transfer)", f.k.Syscall(), hik.StatusGeneric)

	if halted, _ := f.k.Halted(); !halted {
		t.Fatalf("kernel not halted")
	}
	if halted, _ := f.cpu.Halted(); !halted {
		t.Errorf("cpu not halted")
	}
	dom, _ := f.k.Domain(app)
	if dom.State != domain.StateSuspended {
		t.Errorf("application domain is %v after panic, want suspended", dom.State)
	}
	if n := f.k.AuditRing().Count(hik.AuditPanic, nil); n != 1 {
		t.Errorf("panic records = %d, want 1", n)
	}
	_, err := f.k.CreateDomain(hik.CoreDomain, domain.KindApplication, testQuota, domain.Options{})
	if !hikerr.Equals(hikerr.ErrHalted, err) {
		t.Errorf("CreateDomain after panic = %v, want ErrHalted", err)
	}
}

func TestFault(t *testing.T) {
	t.Run("terminates thread", func(t *testing.T) {
		f := newFixture(t, nil)
		app := f.k.Application()
		th := f.thread(t, app, 0x1000)
		if err := f.k.Schedule(); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if err := f.k.Fault(hik.FaultPage, 0xdead000); err != nil {
			t.Fatalf("Fault: %v", err)
		}
		if _, err := f.k.Thread(th); !hikerr.Equals(hikerr.ErrNotFound, err) {
			t.Errorf("faulting thread still exists: %v", err)
		}
		if n := f.k.AuditRing().Count(hik.AuditException, &app); n != 1 {
			t.Errorf("exception records = %d, want 1", n)
		}
		f.checkHealthy(t)
	})

	t.Run("handler upcall", func(t *testing.T) {
		f := newFixture(t, nil)
		d1 := f.domain(t, domain.KindApplication, testQuota, 0)
		pager := f.domain(t, domain.KindApplication, testQuota, 0x7000)
		th := f.thread(t, d1, 0x1000)
		ep, err := f.k.CreateEndpoint(d1, pager, 3)
		if err != nil {
			t.Fatalf("CreateEndpoint: %v", err)
		}
		if err := f.k.SetFaultHandler(d1, ep, 0x7100); err != nil {
			t.Fatalf("SetFaultHandler: %v", err)
		}
		if err := f.k.Schedule(); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if err := f.k.Fault(hik.FaultPage, 0x40_0000); err != nil {
			t.Fatalf("Fault: %v", err)
		}
		rec, err := f.k.Thread(th)
		if err != nil {
			t.Fatalf("Thread: %v", err)
		}
		if rec.Executing != pager || rec.Context.PC != 0x7100 {
			t.Errorf("thread in %d at %#x, want in %d at 0x7100", rec.Executing, rec.Context.PC, pager)
		}
		want := []uint64{3, uint64(hik.FaultPage), 0x40_0000}
		if diff := cmp.Diff(want, rec.Context.Regs[:3]); diff != "" {
			t.Errorf("handler registers mismatch (-want +got):\n%s", diff)
		}
		if pc := f.cpu.Regs().PC; pc != 0x7100 {
			t.Errorf("live pc = %#x, want 0x7100", pc)
		}
		f.checkHealthy(t)
	})

	t.Run("idle panics", func(t *testing.T) {
		f := newFixture(t, nil)
		if err := f.k.Fault(hik.FaultIllegalInstruction, 0); !hikerr.Equals(hikerr.ErrHalted, err) {
			t.Errorf("Fault in idle = %v, want ErrHalted", err)
		}
		if halted, _ := f.k.Halted(); !halted {
			t.Errorf("kernel not halted")
		}
	})
}

func TestServiceRestart(t *testing.T) {
	f := newFixture(t, func(a *Args) {
		a.Services = []DomainConfig{{Name: "svc", Entry: 0x5000, Quota: testQuota}}
		a.Routes = []RouteConfig{{Vector: 40, Domain: "svc", HandlerPC: 0x5100}}
		a.Restart = supervisor.Policy{
			MaxRestarts:  1,
			Window:       1000,
			Tick:         time.Millisecond,
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		}
	})
	svc, _ := f.k.DomainNamed("svc")
	crash := func() {
		t.Helper()
		if err := f.k.Schedule(); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if cur, _ := f.k.Thread(f.k.Current()); cur.Domain != svc {
			t.Fatalf("current thread is in domain %d, want %d", cur.Domain, svc)
		}
		if err := f.k.Fault(hik.FaultDivide, 0x5010); err != nil {
			t.Fatalf("Fault: %v", err)
		}
	}

	crash()
	dom, _ := f.k.Domain(svc)
	if dom.State != domain.StateSuspended || len(dom.Threads) != 0 {
		t.Fatalf("crashed service is %v with %d threads, want suspended with none", dom.State, len(dom.Threads))
	}
	if n := f.k.AuditRing().Count(hik.AuditServiceCrash, &svc); n != 1 {
		t.Errorf("crash records = %d, want 1", n)
	}

	f.clock.Advance(2)
	if err := f.k.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	dom, _ = f.k.Domain(svc)
	if dom.State != domain.StateRunning || len(dom.Threads) != 1 {
		t.Fatalf("restarted service is %v with %d threads, want running with 1", dom.State, len(dom.Threads))
	}
	if n := f.k.AuditRing().Count(hik.AuditServiceRestart, &svc); n != 1 {
		t.Errorf("restart records = %d, want 1", n)
	}

	// The budget allows one restart; the second crash destroys the service.
	crash()
	dom, _ = f.k.Domain(svc)
	if dom.State != domain.StateTerminated {
		t.Errorf("service is %v after exhausting its budget, want terminated", dom.State)
	}
	if _, ok := f.k.IRQRoutes()[40]; ok {
		t.Errorf("route into destroyed service survived")
	}
	f.checkHealthy(t)
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, nil)
	app := f.k.Application()
	th := f.thread(t, app, 0x1000)
	if err := f.k.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := f.k.SuspendDomain(app); err != nil {
		t.Fatalf("SuspendDomain: %v", err)
	}
	if cur := f.k.Current(); cur != hik.IdleThread {
		t.Errorf("current after suspend = %d, want idle", cur)
	}
	wantStatus(t, "SuspendDomain(core)", f.k.SuspendDomain(hik.CoreDomain), hik.StatusPermission)
	if err := f.k.ResumeDomain(app); err != nil {
		t.Fatalf("ResumeDomain: %v", err)
	}
	if err := f.k.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if cur := f.k.Current(); cur != th {
		t.Errorf("current after resume = %d, want %d", cur, th)
	}
	f.checkHealthy(t)
}

func TestDestroyDomain(t *testing.T) {
	f := newFixture(t, nil)
	d1 := f.domain(t, domain.KindApplication, testQuota, 0)
	f.thread(t, d1, 0x1000)
	if _, err := f.k.AllocFrames(d1, 4); err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	before := f.k.Snapshot().Frames.Free

	wantStatus(t, "DestroyDomain by an application", f.k.DestroyDomain(f.k.Application(), d1), hik.StatusPermission)
	if err := f.k.DestroyDomain(hik.CoreDomain, d1); err != nil {
		t.Fatalf("DestroyDomain: %v", err)
	}
	dom, _ := f.k.Domain(d1)
	if dom.State != domain.StateTerminated {
		t.Errorf("destroyed domain is %v", dom.State)
	}
	// Four frames, a two frame stack, the control frame and the root table.
	if after := f.k.Snapshot().Frames.Free; after < before+6 {
		t.Errorf("free frames %d -> %d, want at least 6 returned", before, after)
	}
	wantStatus(t, "DestroyDomain(core)", f.k.DestroyDomain(hik.CoreDomain, hik.CoreDomain), hik.StatusPermission)
	f.checkHealthy(t)
}

func TestBlockDeadline(t *testing.T) {
	f := newFixture(t, nil)
	th := f.thread(t, f.k.Application(), 0x1000)
	if err := f.k.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := f.k.Block(th, sched.Wait{Reason: sched.WaitSleep, Deadline: 5}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if cur := f.k.Current(); cur != hik.IdleThread {
		t.Errorf("current while blocked = %d, want idle", cur)
	}
	f.clock.Advance(5)
	if err := f.k.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	rec, _ := f.k.Thread(th)
	if rec.State != sched.StateRunning || rec.Woken != sched.WakeTimeout {
		t.Errorf("thread is %v woken by %v, want running after a timeout", rec.State, rec.Woken)
	}
}

func TestReporting(t *testing.T) {
	f := newFixture(t, nil)
	b, err := json.Marshal(f.k.Snapshot())
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if !bytes.Contains(b, []byte(`"name":"app"`)) {
		t.Errorf("snapshot JSON lacks the application domain: %s", b)
	}

	var buf bytes.Buffer
	if err := f.k.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	for _, name := range []string{"hik_kernel_domains", "hik_memory_frames_free", "hik_kernel_syscalls"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}

	for _, cp := range f.k.VerifyCheckpoints() {
		if !cp.Verified || !cp.Holds {
			t.Errorf("checkpoint %d (%s: %s) verified %t holds %t", cp.ID, cp.Theorem, cp.Step, cp.Verified, cp.Holds)
		}
	}
	buf.Reset()
	if err := f.k.WriteInvariantReport(&buf); err != nil {
		t.Fatalf("WriteInvariantReport: %v", err)
	}
	if buf.Len() == 0 {
		t.Errorf("empty invariant report")
	}
}
