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

// Package kernel is the kernel-state record: every subsystem of the core,
// wired together at boot and driven through one lock with interrupts
// masked.
//
// Lock order and entry points:
//
//	Kernel.mu
//	  hal interrupt mask (hal.Critical)
//
// Operations come in two flavours. In-kernel operations (CreateDomain,
// Transfer, Map, ...) act on behalf of the named domain and leave CPU
// registers alone. Traps (Syscall, Tick, Fault, RaiseIRQ) are taken by the
// current thread: its registers are saved on entry and the registers of
// whichever thread is current on exit are restored after the lock is
// released. Every operation is followed by a full invariant check; a
// violation panics the kernel, after which every entry fails with
// hikerr.ErrHalted.
package kernel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/bootinfo"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/fvm"
	"hik.dev/hik/pkg/core/irq"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/core/sched"
	"hik.dev/hik/pkg/core/supervisor"
	"hik.dev/hik/pkg/core/xds"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/log"
	"hik.dev/hik/pkg/metric"
)

// DefaultAuditEntries is the audit ring size used when none is configured.
const DefaultAuditEntries = 4096

// DefaultApplicationQuota is the quota of the boot Application domain when
// none is configured.
var DefaultApplicationQuota = domain.Quota{
	MaxMemory:  4 << 20,
	MaxThreads: 8,
	MaxCaps:    64,
	CPUPercent: 20,
}

// Module is a module validated and placed in memory by the loader. The
// kernel never parses module bytes.
type Module struct {
	UUID     uuid.UUID
	Name     string
	Version  string
	CodeBase uint64
	CodeSize uint64
	DataBase uint64
	DataSize uint64
	Entry    uint64
	Metadata map[string]string
}

// DomainConfig describes a domain created at boot.
type DomainConfig struct {
	Name  string
	Quota domain.Quota

	// Entry is where the main thread starts. If Module is set, the entry
	// point of that module is used instead. A domain with neither gets no
	// main thread.
	Entry  uint64
	Module string

	// Priority of the main thread. Zero selects PriorityNormal.
	Priority hik.Priority
}

// RouteConfig is a static IRQ route installed at boot. An endpoint owned
// by the named domain is created for it.
type RouteConfig struct {
	Vector    uint8
	Domain    string
	HandlerPC uint64
	Tag       uint64
}

// Args are the boot arguments.
type Args struct {
	// BootInfo is the record handed over by the bootloader. Required.
	BootInfo *hik.BootInfo

	Translation  asm.Translation
	MaxFrames    uint64
	MaxCaps      int
	AuditEntries int
	TimeSlice    uint32
	Restart      supervisor.Policy

	// Syscalls is the syscall table. A nil table rejects every syscall.
	Syscalls *SyscallTable

	Modules     []Module
	Application DomainConfig
	Services    []DomainConfig
	Routes      []RouteConfig
}

// Kernel is the kernel-state record.
type Kernel struct {
	mu sync.Mutex

	hal     hal.HAL
	cmdline bootinfo.CommandLine

	ring  *audit.Ring
	audit *audit.Log

	frames     *pfa.Allocator
	spaces     *asm.Manager
	caps       *capability.Table
	domains    *domain.Manager
	xds        *xds.Switch
	sched      *sched.Scheduler
	irq        *irq.Router
	syscalls   *SyscallTable
	monitor    *fvm.Monitor
	supervisor *supervisor.Supervisor

	metrics      *metric.Registry
	syscallCount *metric.Uint64Metric

	modules map[string]Module
	names   map[string]hik.DomainID
	app     hik.DomainID

	// priorities holds the main thread priority of each domain, used when
	// a crashed service is restarted.
	priorities map[hik.DomainID]hik.Priority

	grants []grant

	// loaded is the thread whose registers are on the CPU. Operations
	// other than traps may switch threads without loading the new one.
	loaded hik.ThreadID

	ticks      uint64
	halted     bool
	haltReason string
}

// New boots a kernel on h. Subsystems are brought up in dependency order:
// frames, address spaces, capabilities, domains, the cross-domain switch,
// the scheduler, the interrupt router, the syscall gate and the monitor.
// Then the core domain's children are created and the static routes
// installed, and the invariants are checked once.
//
// Interrupts are masked for the whole boot. The returned kernel has not
// entered the scheduler; see Schedule.
func New(h hal.HAL, args Args) (*Kernel, error) {
	if err := bootinfo.Validate(args.BootInfo); err != nil {
		return nil, fmt.Errorf("boot info: %w", err)
	}
	cl := bootinfo.ParseCommandLine(args.BootInfo.CommandLine)
	switch {
	case cl.Debug:
		log.SetLevel(log.Debug)
	case cl.Quiet:
		log.SetLevel(log.Warning)
	}
	if cl.NoSMP || cl.MaxCPUs > 1 {
		log.Infof("kernel: uniprocessor core, ignoring maxcpus=%d nosmp=%t", cl.MaxCPUs, cl.NoSMP)
	}

	entries := args.AuditEntries
	if entries == 0 {
		entries = DefaultAuditEntries
	}
	ring, err := audit.NewRing(entries)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		hal:        h,
		cmdline:    cl,
		ring:       ring,
		audit:      audit.NewLog(ring, h.MonotonicNow),
		modules:    make(map[string]Module),
		names:      make(map[string]hik.DomainID),
		priorities: make(map[hik.DomainID]hik.Priority),
	}
	hal.Critical(h, func() {
		err = k.init(args)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("kernel: booted, %d domains, %d of %d frames free", len(k.domains.Active()), k.frames.FreeFrames(), k.frames.Total())
	return k, nil
}

func (k *Kernel) init(args Args) error {
	for _, m := range args.Modules {
		if _, ok := k.modules[m.Name]; ok {
			return fmt.Errorf("%w: duplicate module %q", hikerr.ErrInvalidParam, m.Name)
		}
		k.modules[m.Name] = m
	}

	k.frames = pfa.New(args.MaxFrames, k.audit)
	regions := bootinfo.UsableRegions(args.BootInfo, k.cmdline.MemLimit)
	if len(regions) == 0 {
		return fmt.Errorf("%w: no usable memory", hikerr.ErrNoMemory)
	}
	for _, r := range regions {
		if err := k.frames.AddRegion(r.Base, r.Size); err != nil {
			return err
		}
	}

	k.spaces = asm.NewManager(args.Translation, k.frames, k.hal, k.audit)
	k.caps = capability.NewTable(args.MaxCaps, k.audit)

	k.domains = domain.NewManager(k.frames, k.spaces, k.caps, k.audit)
	k.domains.SetReaper(reaper{k})
	core, err := k.domains.Create(domain.KindCore, nil, domain.Unlimited, domain.Options{Name: "core"})
	if err != nil {
		return fmt.Errorf("creating the core domain: %w", err)
	}
	if err := k.domains.Start(core); err != nil {
		return err
	}
	k.names["core"] = core

	k.xds = xds.New(k.caps, threads{k}, k.domains, k.audit)
	k.sched = sched.New(k.hal, k.frames, k.domains, activator{k}, k.audit, args.TimeSlice)
	k.irq = irq.New(k.hal, k.caps, k.domains, activator{k}, k.audit)

	k.syscalls = args.Syscalls
	if k.syscalls == nil {
		k.syscalls = &SyscallTable{}
	}

	k.monitor = fvm.New(view{k}, k.hal.MonotonicNow, k.onViolation)
	policy := args.Restart
	if policy.MaxRestarts == 0 || policy.Tick == 0 {
		policy = supervisor.DefaultPolicy
	}
	k.supervisor = supervisor.New(policy, k.hal.MonotonicNow)
	k.registerMetrics()
	if err := k.registerCheckpoints(); err != nil {
		return err
	}

	app := args.Application
	if app.Name == "" {
		app.Name = "app"
	}
	if app.Quota == (domain.Quota{}) {
		app.Quota = DefaultApplicationQuota
	}
	if k.app, err = k.bootDomain(domain.KindApplication, app); err != nil {
		return fmt.Errorf("creating application domain: %w", err)
	}
	if k.cmdline.Recovery {
		log.Infof("kernel: recovery boot, skipping %d services", len(args.Services))
	} else {
		for _, svc := range args.Services {
			if _, err := k.bootDomain(domain.KindPrivileged, svc); err != nil {
				return fmt.Errorf("creating service %q: %w", svc.Name, err)
			}
		}
	}
	for _, r := range args.Routes {
		if err := k.bootRoute(r); err != nil {
			return fmt.Errorf("routing vector %d: %w", r.Vector, err)
		}
	}

	if err := k.monitor.CheckAll(); err != nil {
		return fmt.Errorf("boot state: %w", err)
	}
	return nil
}

func (k *Kernel) bootDomain(kind domain.Kind, c DomainConfig) (hik.DomainID, error) {
	if _, ok := k.names[c.Name]; ok || c.Name == "" {
		return 0, fmt.Errorf("%w: domain name %q is empty or taken", hikerr.ErrInvalidParam, c.Name)
	}
	entry := c.Entry
	if c.Module != "" {
		m, ok := k.modules[c.Module]
		if !ok {
			return 0, fmt.Errorf("%w: module %q", hikerr.ErrNotFound, c.Module)
		}
		entry = m.Entry
	}
	core := hik.CoreDomain
	d, err := k.domains.Create(kind, &core, c.Quota, domain.Options{Name: c.Name, Entry: entry})
	if err != nil {
		return 0, err
	}
	k.names[c.Name] = d
	prio := c.Priority
	if prio == hik.PriorityIdle {
		prio = hik.PriorityNormal
	}
	k.priorities[d] = prio
	if entry != 0 {
		if _, err := k.createThread(d, entry, prio); err != nil {
			return 0, err
		}
	}
	log.Debugf("kernel: %v domain %q is %d, entry %#x", kind, c.Name, d, entry)
	return d, nil
}

func (k *Kernel) bootRoute(r RouteConfig) error {
	d, ok := k.names[r.Domain]
	if !ok {
		if k.cmdline.Recovery {
			log.Infof("kernel: recovery boot, vector %d to %q left unrouted", r.Vector, r.Domain)
			return nil
		}
		return fmt.Errorf("%w: domain %q", hikerr.ErrNotFound, r.Domain)
	}
	ep, err := k.caps.CreateEndpoint(d, d, r.Tag)
	if err != nil {
		return err
	}
	return k.irq.Register(hik.CoreDomain, r.Vector, d, r.HandlerPC, ep)
}

// op runs fn as one kernel operation.
func (k *Kernel) op(fn func() error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.opLocked(fn)
}

// opLocked runs fn with interrupts masked and checks the invariants after
// it. Preconditions: k.mu is held.
func (k *Kernel) opLocked(fn func() error) error {
	if k.halted {
		return k.haltedError()
	}
	var err error
	hal.Critical(k.hal, func() {
		err = fn()
		if !k.halted {
			k.verify()
		}
	})
	if k.halted {
		return k.haltedError()
	}
	return err
}

// trap runs fn as the kernel's response to an exception taken by the
// current thread. fn receives the current thread, whose registers have
// been saved to its context. The context of the thread that is current
// after fn is loaded once the lock is released.
func (k *Kernel) trap(fn func(cur hik.ThreadID) error) error {
	next, err := k.trapLocked(fn)
	if next != nil {
		k.hal.RestoreContext(next)
	}
	return err
}

func (k *Kernel) trapLocked(fn func(cur hik.ThreadID) error) (*hal.Context, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var next *hal.Context
	err := k.opLocked(func() error {
		cur := k.sched.Current()
		if ctx, err := k.sched.Context(cur); err == nil && cur != hik.IdleThread && cur == k.loaded {
			k.hal.SaveContext(ctx)
		}
		err := fn(cur)
		next = k.exitContext()
		k.loaded = k.sched.Current()
		return err
	})
	if k.halted {
		return nil, err
	}
	return next, err
}

// exitContext returns a copy of the current thread's context, or nil when
// the CPU is idle.
func (k *Kernel) exitContext() *hal.Context {
	cur := k.sched.Current()
	if cur == hik.IdleThread {
		return nil
	}
	ctx, err := k.sched.Context(cur)
	if err != nil {
		return nil
	}
	cp := *ctx
	return &cp
}

// verify runs the monitor over the current state.
func (k *Kernel) verify() {
	if err := k.monitor.CheckAll(); err != nil && !k.halted {
		k.panicLocked(err.Error())
	}
}

func (k *Kernel) onViolation(v *fvm.Violation) {
	k.audit.Record(hik.AuditMonitorAction, hik.CoreDomain, hik.InvalidCap, 0, false, uint64(v.Invariant))
	k.panicLocked(v.Error())
}

func (k *Kernel) haltedError() error {
	return fmt.Errorf("%w: %s", hikerr.ErrHalted, k.haltReason)
}

// Panic halts the kernel: every domain is suspended, a final Panic record
// is written and the CPU is stopped. It cannot be undone.
func (k *Kernel) Panic(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.panicLocked(reason)
}

// Preconditions: k.mu is held.
func (k *Kernel) panicLocked(reason string) {
	if k.halted {
		return
	}
	k.halted = true
	k.haltReason = reason
	for _, d := range k.domains.Active() {
		if d == hik.CoreDomain {
			continue
		}
		if st, _ := k.domains.State(d); st == domain.StateReady {
			k.domains.Start(d)
		}
		if st, _ := k.domains.State(d); st == domain.StateRunning {
			k.domains.Suspend(d)
		}
	}
	k.audit.Record(hik.AuditPanic, hik.CoreDomain, hik.InvalidCap, k.sched.Current(), false, k.ticks)
	log.Warningf("kernel: panic: %s", reason)
	k.hal.Halt(reason)
}

// Halted returns whether the kernel has panicked, and why.
func (k *Kernel) Halted() (bool, string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted, k.haltReason
}

// Schedule enters the scheduler: if the CPU is idle the first ready thread
// is dispatched and its context loaded.
func (k *Kernel) Schedule() error {
	return k.trap(func(cur hik.ThreadID) error {
		if cur == hik.IdleThread {
			k.sched.Yield()
		}
		return nil
	})
}
