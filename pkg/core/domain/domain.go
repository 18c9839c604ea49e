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

// Package domain implements the domain manager: the lifecycle of isolation
// domains and the quota accounting for the resources they hold.
//
// A domain moves through Init -> Ready -> Running <-> Suspended and ends in
// Terminated. Any other transition fails with InvalidState.
package domain

import (
	"fmt"
	"math"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/cleanup"
	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
	"hik.dev/hik/pkg/log"
)

// Kind is the privilege class of a domain.
type Kind uint8

// Domain kinds.
const (
	KindCore Kind = iota
	KindPrivileged
	KindApplication
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindCore:
		return "core"
	case KindPrivileged:
		return "privileged"
	case KindApplication:
		return "application"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// State is the lifecycle state of a domain.
type State uint8

// Domain states.
const (
	StateInit State = iota
	StateReady
	StateRunning
	StateSuspended
	StateTerminated
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Active returns whether a domain in state s holds resources.
func (s State) Active() bool {
	return s == StateReady || s == StateRunning || s == StateSuspended
}

// transitions lists every legal state change. A Ready domain that never
// ran may be destroyed directly.
var transitions = map[State][]State{
	StateInit:      {StateReady},
	StateReady:     {StateRunning, StateTerminated},
	StateRunning:   {StateSuspended, StateTerminated},
	StateSuspended: {StateRunning, StateTerminated},
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Quota bounds the resources of a domain.
type Quota struct {
	MaxMemory  uint64 `json:"max_memory"`
	MaxThreads uint32 `json:"max_threads"`
	MaxCaps    uint32 `json:"max_caps"`
	CPUPercent uint8  `json:"cpu_percent"`
}

// Unlimited is the quota of the core domain.
var Unlimited = Quota{MaxMemory: math.MaxUint64, MaxThreads: math.MaxUint32, MaxCaps: math.MaxUint32}

// Usage is what a domain currently holds.
type Usage struct {
	MemoryUsed  uint64 `json:"memory_used"`
	ThreadCount uint32 `json:"thread_count"`
	CapCount    uint32 `json:"cap_count"`
}

// FaultHandler is where faults in a domain are delivered.
type FaultHandler struct {
	Endpoint hik.CapID
	PC       uint64
}

// Options are the optional attributes of a new domain.
type Options struct {
	Name  string
	Entry uint64
}

// Domain is a domain record. Values returned by Manager are copies.
type Domain struct {
	ID           hik.DomainID
	Name         string
	Kind         Kind
	State        State
	Parent       hik.DomainID
	HasParent    bool
	AddressSpace asm.Handle
	ControlFrame hikarch.PhysAddr
	Entry        uint64
	Quota        Quota
	Usage        Usage
	Threads      []hik.ThreadID
	FaultHandler *FaultHandler
}

// Reaper releases the state other subsystems hold for a domain that is
// being destroyed.
type Reaper interface {
	// HasRunningThread returns whether a thread of d is on the CPU.
	HasRunningThread(d hik.DomainID) bool

	// ReapDomain terminates d's threads and drops its routes.
	ReapDomain(d hik.DomainID)
}

// Counters track domain conservation.
type Counters struct {
	Created   uint64
	Destroyed uint64
}

// Manager owns every domain record.
type Manager struct {
	domains map[hik.DomainID]*Domain
	next    hik.DomainID

	frames *pfa.Allocator
	spaces *asm.Manager
	caps   *capability.Table
	reaper Reaper
	audit  audit.Sink

	counters Counters
}

// NewManager returns a Manager and installs it as the accountant of frames
// and caps.
func NewManager(frames *pfa.Allocator, spaces *asm.Manager, caps *capability.Table, sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.Discard
	}
	m := &Manager{
		domains: make(map[hik.DomainID]*Domain),
		next:    hik.CoreDomain + 1,
		frames:  frames,
		spaces:  spaces,
		caps:    caps,
		audit:   sink,
	}
	frames.SetAccountant(m)
	caps.SetAccountant(m)
	return m
}

// SetReaper installs the reaper consulted by Destroy.
func (m *Manager) SetReaper(r Reaper) {
	m.reaper = r
}

func (m *Manager) lookup(d hik.DomainID) (*Domain, error) {
	dom, ok := m.domains[d]
	if !ok {
		return nil, fmt.Errorf("%w: domain %d", hikerr.ErrNotFound, d)
	}
	return dom, nil
}

func (m *Manager) cpuInUse() int {
	total := 0
	for _, dom := range m.domains {
		if dom.State.Active() {
			total += int(dom.Quota.CPUPercent)
		}
	}
	return total
}

// Create creates a domain. The core domain must be created first, with
// KindCore and no parent; no other domain may be KindCore.
func (m *Manager) Create(kind Kind, parent *hik.DomainID, quota Quota, opts Options) (hik.DomainID, error) {
	id, err := m.create(kind, parent, quota, opts)
	m.audit.Record(hik.AuditDomainCreate, id, hik.InvalidCap, 0, err == nil, uint64(kind), uint64(hikerr.ToStatus(err)))
	return id, err
}

func (m *Manager) create(kind Kind, parent *hik.DomainID, quota Quota, opts Options) (hik.DomainID, error) {
	_, haveCore := m.domains[hik.CoreDomain]
	if (kind == KindCore) == haveCore {
		return 0, fmt.Errorf("%w: the core domain is created exactly once, first", hikerr.ErrInvalidParam)
	}
	if kind > KindApplication || quota.CPUPercent > 100 {
		return 0, hikerr.ErrInvalidParam
	}
	if parent != nil {
		p, err := m.lookup(*parent)
		if err != nil {
			return 0, err
		}
		if !p.State.Active() {
			return 0, fmt.Errorf("%w: parent domain %d is %v", hikerr.ErrInvalidState, p.ID, p.State)
		}
	}
	if m.cpuInUse()+int(quota.CPUPercent) > 100 {
		return 0, hikerr.ErrCPUBudget
	}

	id := m.next
	if kind == KindCore {
		id = hik.CoreDomain
	}
	dom := &Domain{
		ID:    id,
		Name:  opts.Name,
		Kind:  kind,
		State: StateInit,
		Entry: opts.Entry,
		Quota: quota,
	}
	if parent != nil {
		dom.Parent, dom.HasParent = *parent, true
	}

	// The record is visible while resources are charged to it.
	m.domains[id] = dom
	cu := cleanup.Make(func() { delete(m.domains, id) })
	defer cu.Clean()

	ctrl, err := m.frames.Alloc(hik.CoreDomain, 1, pfa.ClassCore)
	if err != nil {
		return 0, err
	}
	cu.Add(func() { m.frames.Free(ctrl, 1) })
	dom.ControlFrame = ctrl

	h, err := m.spaces.Create(id)
	if err != nil {
		return 0, err
	}
	cu.Add(func() { m.spaces.Destroy(h) })
	dom.AddressSpace = h

	if err := m.caps.RegisterDomain(id); err != nil {
		return 0, err
	}

	cu.Release()
	if kind != KindCore {
		m.next++
	}
	dom.State = StateReady
	m.counters.Created++
	log.Debugf("domain: created %d (%v %q)", id, kind, opts.Name)
	return id, nil
}

func (m *Manager) transition(d hik.DomainID, to State) (*Domain, error) {
	dom, err := m.lookup(d)
	if err != nil {
		return nil, err
	}
	if !legal(dom.State, to) {
		return nil, fmt.Errorf("%w: domain %d %v -> %v", hikerr.ErrInvalidState, d, dom.State, to)
	}
	dom.State = to
	return dom, nil
}

// Start moves a Ready domain to Running.
func (m *Manager) Start(d hik.DomainID) error {
	_, err := m.transition(d, StateRunning)
	return err
}

// Suspend moves a Running domain to Suspended.
func (m *Manager) Suspend(d hik.DomainID) error {
	_, err := m.transition(d, StateSuspended)
	m.audit.Record(hik.AuditDomainSuspend, d, hik.InvalidCap, 0, err == nil)
	return err
}

// Resume moves a Suspended domain to Running.
func (m *Manager) Resume(d hik.DomainID) error {
	dom, err := m.lookup(d)
	if err == nil && dom.State != StateSuspended {
		err = fmt.Errorf("%w: domain %d is %v", hikerr.ErrInvalidState, d, dom.State)
	}
	if err == nil {
		_, err = m.transition(d, StateRunning)
	}
	m.audit.Record(hik.AuditDomainResume, d, hik.InvalidCap, 0, err == nil)
	return err
}

// Destroy tears down d: its capabilities are revoked, its threads and
// routes reaped, its frames and address space returned. d must have no
// thread on the CPU. The core domain cannot be destroyed.
func (m *Manager) Destroy(d hik.DomainID) error {
	err := m.destroy(d)
	m.audit.Record(hik.AuditDomainDestroy, d, hik.InvalidCap, 0, err == nil, uint64(hikerr.ToStatus(err)))
	return err
}

func (m *Manager) destroy(d hik.DomainID) error {
	if d == hik.CoreDomain {
		return fmt.Errorf("%w: the core domain cannot be destroyed", hikerr.ErrPermission)
	}
	dom, err := m.lookup(d)
	if err != nil {
		return err
	}
	if !legal(dom.State, StateTerminated) {
		return fmt.Errorf("%w: domain %d is %v", hikerr.ErrInvalidState, d, dom.State)
	}
	if m.reaper != nil && m.reaper.HasRunningThread(d) {
		return fmt.Errorf("%w: domain %d has a running thread", hikerr.ErrBusy, d)
	}

	revoked := m.caps.RevokeOwnedBy(d)
	if m.reaper != nil {
		m.reaper.ReapDomain(d)
	}
	freed := m.frames.FreeOwnedBy(d)
	if err := m.spaces.Destroy(dom.AddressSpace); err != nil {
		return err
	}
	if err := m.frames.Free(dom.ControlFrame, 1); err != nil {
		return err
	}
	m.caps.UnregisterDomain(d)
	dom.State = StateTerminated
	dom.Threads = nil
	m.counters.Destroyed++
	log.Debugf("domain: destroyed %d, revoked %d caps, freed %d frames", d, revoked, freed)
	return nil
}

// SetFaultHandler sets where faults in d are delivered. A zero endpoint
// clears it.
func (m *Manager) SetFaultHandler(d hik.DomainID, endpoint hik.CapID, pc uint64) error {
	dom, err := m.lookup(d)
	if err != nil {
		return err
	}
	if endpoint == hik.InvalidCap {
		dom.FaultHandler = nil
		return nil
	}
	dom.FaultHandler = &FaultHandler{Endpoint: endpoint, PC: pc}
	return nil
}

// AttachThread records t as a thread of d.
func (m *Manager) AttachThread(d hik.DomainID, t hik.ThreadID) {
	if dom, err := m.lookup(d); err == nil {
		dom.Threads = append(dom.Threads, t)
	}
}

// DetachThread forgets t as a thread of d.
func (m *Manager) DetachThread(d hik.DomainID, t hik.ThreadID) {
	dom, err := m.lookup(d)
	if err != nil {
		return
	}
	for i, id := range dom.Threads {
		if id == t {
			dom.Threads = append(dom.Threads[:i], dom.Threads[i+1:]...)
			return
		}
	}
}

// Get returns a copy of d's record.
func (m *Manager) Get(d hik.DomainID) (Domain, error) {
	dom, err := m.lookup(d)
	if err != nil {
		return Domain{}, err
	}
	cp := *dom
	cp.Threads = append([]hik.ThreadID(nil), dom.Threads...)
	if dom.FaultHandler != nil {
		fh := *dom.FaultHandler
		cp.FaultHandler = &fh
	}
	return cp, nil
}

// State returns d's state.
func (m *Manager) State(d hik.DomainID) (State, error) {
	dom, err := m.lookup(d)
	if err != nil {
		return 0, err
	}
	return dom.State, nil
}

// IDs returns every domain id, terminated ones included, in ascending
// order.
func (m *Manager) IDs() []hik.DomainID {
	ids := make([]hik.DomainID, 0, len(m.domains))
	for id := range m.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Active returns the ids of every active domain in ascending order.
func (m *Manager) Active() []hik.DomainID {
	var ids []hik.DomainID
	for _, id := range m.IDs() {
		if m.domains[id].State.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// CPUInUse returns the sum of CPU shares over active domains.
func (m *Manager) CPUInUse() int {
	return m.cpuInUse()
}

// Counters returns the creation and destruction counts.
func (m *Manager) Counters() Counters {
	return m.counters
}

// IsPrivileged returns whether d may perform privileged operations.
func (m *Manager) IsPrivileged(d hik.DomainID) bool {
	dom, err := m.lookup(d)
	return err == nil && dom.State.Active() && (dom.Kind == KindCore || dom.Kind == KindPrivileged)
}
