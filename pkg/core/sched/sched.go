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

// Package sched implements threads and the priority round-robin scheduler.
//
// There are hik.NumPriorities ready queues. The highest non-empty band runs
// first and each band is strictly FIFO. A thread whose domain is not
// runnable keeps its place in its band and is skipped.
//
// The scheduler only decides which thread is current. The kernel saves the
// CPU state into the current thread on entry and restores the (possibly
// different) current thread on exit.
package sched

import (
	"fmt"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/cleanup"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hikarch"
	"hik.dev/hik/pkg/ilist"
	"hik.dev/hik/pkg/log"
)

const (
	// DefaultTimeSlice is the number of ticks a thread runs before it is
	// requeued.
	DefaultTimeSlice = 100

	// StackFrames is the size of a thread stack in frames.
	StackFrames = 2
)

// FrameSource provides thread stacks.
type FrameSource interface {
	Alloc(owner hik.DomainID, count uint64, class pfa.Class) (hikarch.PhysAddr, error)
	Free(base hikarch.PhysAddr, count uint64) error
}

// Domains is the view of the domain manager used by the scheduler.
type Domains interface {
	CheckThreadQuota(d hik.DomainID) error
	ChargeThread(d hik.DomainID, delta int)
	AttachThread(d hik.DomainID, t hik.ThreadID)
	DetachThread(d hik.DomainID, t hik.ThreadID)
	Runnable(d hik.DomainID) bool
	FrameClass(d hik.DomainID) pfa.Class
}

// Activator makes a domain's address space current.
type Activator interface {
	Activate(d hik.DomainID) error
}

// Scheduler owns every thread. It is not safe for concurrent use.
type Scheduler struct {
	hal     hal.HAL
	frames  FrameSource
	domains Domains
	spaces  Activator
	audit   audit.Sink
	slice   uint32

	threads map[hik.ThreadID]*Thread
	next    hik.ThreadID
	ready   [hik.NumPriorities]queue
	idle    *Thread
	current *Thread

	switches uint64
}

// New returns a scheduler with only the idle thread, which is current.
func New(h hal.HAL, frames FrameSource, domains Domains, spaces Activator, sink audit.Sink, slice uint32) *Scheduler {
	if sink == nil {
		sink = audit.Discard
	}
	if slice == 0 {
		slice = DefaultTimeSlice
	}
	idle := &Thread{
		ID:        hik.IdleThread,
		Domain:    hik.CoreDomain,
		Executing: hik.CoreDomain,
		State:     StateRunning,
		Priority:  hik.PriorityIdle,
	}
	return &Scheduler{
		hal:     h,
		frames:  frames,
		domains: domains,
		spaces:  spaces,
		audit:   sink,
		slice:   slice,
		threads: map[hik.ThreadID]*Thread{hik.IdleThread: idle},
		next:    hik.IdleThread + 1,
		idle:    idle,
		current: idle,
	}
}

func (s *Scheduler) lookup(t hik.ThreadID) (*Thread, error) {
	th, ok := s.threads[t]
	if !ok {
		return nil, fmt.Errorf("%w: thread %d", hikerr.ErrNotFound, t)
	}
	return th, nil
}

// Create creates a Ready thread in domain d that starts at entry.
func (s *Scheduler) Create(d hik.DomainID, entry uint64, prio hik.Priority) (hik.ThreadID, error) {
	id, err := s.create(d, entry, prio)
	s.audit.Record(hik.AuditThreadCreate, d, hik.InvalidCap, id, err == nil, entry, uint64(prio))
	return id, err
}

func (s *Scheduler) create(d hik.DomainID, entry uint64, prio hik.Priority) (hik.ThreadID, error) {
	if !prio.Valid() {
		return 0, fmt.Errorf("%w: priority %d", hikerr.ErrInvalidParam, prio)
	}
	if err := s.domains.CheckThreadQuota(d); err != nil {
		return 0, err
	}
	stack, err := s.frames.Alloc(d, StackFrames, s.domains.FrameClass(d))
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { s.frames.Free(stack, StackFrames) })
	defer cu.Clean()

	th := &Thread{
		ID:        s.next,
		Domain:    d,
		Executing: d,
		Priority:  prio,
		Stack:     stack,
		TimeSlice: s.slice,
	}
	th.Context.PC = entry
	th.Context.SP = uint64(stack) + StackFrames*hikarch.PageSize

	cu.Release()
	s.next++
	s.threads[th.ID] = th
	s.domains.ChargeThread(d, 1)
	s.domains.AttachThread(d, th.ID)
	s.enqueue(th)
	return th.ID, nil
}

func (s *Scheduler) enqueue(th *Thread) {
	th.State = StateReady
	s.ready[th.Priority].PushBack(th)
}

// Terminate ends t. Its stack is freed and threads waiting for its domain
// are woken. If t is current another thread is dispatched.
func (s *Scheduler) Terminate(t hik.ThreadID) error {
	th, err := s.lookup(t)
	if err == nil && th == s.idle {
		err = fmt.Errorf("%w: the idle thread cannot be terminated", hikerr.ErrPermission)
	}
	if err != nil {
		s.audit.Record(hik.AuditThreadDestroy, hik.CoreDomain, hik.InvalidCap, t, false)
		return err
	}
	s.terminate(th)
	return nil
}

func (s *Scheduler) terminate(th *Thread) {
	if th.State == StateReady {
		s.ready[th.Priority].Remove(th)
	}
	th.State = StateTerminated
	th.Wait = Wait{}
	if err := s.frames.Free(th.Stack, StackFrames); err != nil {
		panic(fmt.Sprintf("sched: freeing stack of thread %d: %v", th.ID, err))
	}
	delete(s.threads, th.ID)
	s.domains.ChargeThread(th.Domain, -1)
	s.domains.DetachThread(th.Domain, th.ID)
	s.audit.Record(hik.AuditThreadDestroy, th.Domain, hik.InvalidCap, th.ID, true)

	for _, w := range s.sorted() {
		if (w.State == StateBlocked || w.State == StateWaiting) && w.Wait.Reason == WaitDomainExit && w.Wait.Key == uint64(th.Domain) {
			s.wake(w, WakeSignal)
		}
	}
	if th == s.current {
		s.dispatch()
	}
}

// TerminateDomain terminates every thread owned by d and returns how many
// there were.
func (s *Scheduler) TerminateDomain(d hik.DomainID) int {
	n := 0
	for _, th := range s.sorted() {
		if th.Domain == d && th != s.idle {
			s.terminate(th)
			n++
		}
	}
	return n
}

// Yield moves the current thread to the tail of its band and dispatches.
func (s *Scheduler) Yield() {
	if cur := s.current; cur != s.idle {
		cur.TimeSlice = s.slice
		s.enqueue(cur)
	}
	s.dispatch()
}

// Block blocks t. A zero deadline waits until Wakeup.
func (s *Scheduler) Block(t hik.ThreadID, w Wait) error {
	th, err := s.lookup(t)
	if err != nil {
		return err
	}
	if th == s.idle || (th.State != StateReady && th.State != StateRunning) {
		return fmt.Errorf("%w: thread %d is %v", hikerr.ErrInvalidState, t, th.State)
	}
	if th.State == StateReady {
		s.ready[th.Priority].Remove(th)
	}
	th.State = StateBlocked
	if w.Deadline != 0 {
		th.State = StateWaiting
	}
	th.Wait = w
	th.Woken = WakeNone
	if th == s.current {
		s.dispatch()
	}
	return nil
}

// Wakeup makes a blocked thread Ready. A woken thread of higher priority
// than the current one preempts it.
func (s *Scheduler) Wakeup(t hik.ThreadID) error {
	th, err := s.lookup(t)
	if err != nil {
		return err
	}
	if th.State != StateBlocked && th.State != StateWaiting {
		return fmt.Errorf("%w: thread %d is %v", hikerr.ErrInvalidState, t, th.State)
	}
	s.wake(th, WakeSignal)
	s.preempt()
	return nil
}

func (s *Scheduler) wake(th *Thread, why WakeReason) {
	th.Wait = Wait{}
	th.Woken = why
	s.enqueue(th)
}

// Tick advances the scheduler by one timer interrupt: expired waiters are
// woken with WakeTimeout and the current thread's slice is charged.
func (s *Scheduler) Tick() {
	now := s.hal.MonotonicNow()
	for _, th := range s.sorted() {
		if th.State == StateWaiting && th.Wait.Deadline <= now {
			s.wake(th, WakeTimeout)
		}
	}

	cur := s.current
	if cur == s.idle {
		s.dispatch()
		return
	}
	if !s.domains.Runnable(cur.Executing) {
		s.enqueue(cur)
		s.dispatch()
		return
	}
	if cur.TimeSlice > 0 {
		cur.TimeSlice--
	}
	if cur.TimeSlice == 0 {
		cur.TimeSlice = s.slice
		s.enqueue(cur)
		s.dispatch()
		return
	}
	s.preempt()
}

// preempt requeues the current thread at the head of its band if a higher
// band has a runnable thread.
func (s *Scheduler) preempt() {
	cur := s.current
	lo := int(cur.Priority)
	if cur == s.idle {
		lo = -1
	}
	for p := hik.NumPriorities - 1; p > lo; p-- {
		if s.first(hik.Priority(p)) != nil {
			if cur != s.idle {
				cur.State = StateReady
				s.ready[cur.Priority].PushFront(cur)
			}
			s.dispatch()
			return
		}
	}
}

// first returns the first thread of band p whose domain is runnable.
func (s *Scheduler) first(p hik.Priority) *Thread {
	for th := s.ready[p].Front(); th != nil; th = th.Next() {
		if s.domains.Runnable(th.Executing) {
			return th
		}
	}
	return nil
}

// pickNext removes and returns the next thread to run, or the idle thread.
func (s *Scheduler) pickNext() *Thread {
	for p := hik.NumPriorities - 1; p >= 0; p-- {
		if th := s.first(hik.Priority(p)); th != nil {
			s.ready[p].Remove(th)
			return th
		}
	}
	return s.idle
}

// dispatch makes the next thread current. The previous current thread must
// already be requeued, blocked or gone.
func (s *Scheduler) dispatch() {
	prev := s.current
	next := s.pickNext()
	s.switchTo(prev, next)
}

func (s *Scheduler) switchTo(prev, next *Thread) {
	next.State = StateRunning
	next.LastRun = s.hal.MonotonicNow()
	s.current = next
	if prev == next {
		return
	}
	if err := s.spaces.Activate(next.Executing); err != nil {
		log.Warningf("sched: activating domain %d for thread %d: %v", next.Executing, next.ID, err)
	}
	s.switches++
	var from hik.ThreadID
	if prev != nil {
		from = prev.ID
	}
	s.audit.Record(hik.AuditThreadSwitch, next.Executing, hik.InvalidCap, next.ID, true, uint64(from))
}

// Run switches to t, which must be Ready. The current thread is requeued at
// the head of its band. It is used to run a handler immediately.
func (s *Scheduler) Run(t hik.ThreadID) error {
	th, err := s.lookup(t)
	if err != nil {
		return err
	}
	if th.State != StateReady {
		return fmt.Errorf("%w: thread %d is %v", hikerr.ErrInvalidState, t, th.State)
	}
	cur := s.current
	if cur != s.idle {
		cur.State = StateReady
		s.ready[cur.Priority].PushFront(cur)
	}
	s.ready[th.Priority].Remove(th)
	s.switchTo(cur, th)
	return nil
}

// Current returns the current thread id.
func (s *Scheduler) Current() hik.ThreadID {
	return s.current.ID
}

// Context returns the saved context of t. The pointer stays valid until t
// terminates.
func (s *Scheduler) Context(t hik.ThreadID) (*hal.Context, error) {
	th, err := s.lookup(t)
	if err != nil {
		return nil, err
	}
	return &th.Context, nil
}

// Executing returns the domain t is running in.
func (s *Scheduler) Executing(t hik.ThreadID) (hik.DomainID, error) {
	th, err := s.lookup(t)
	if err != nil {
		return 0, err
	}
	return th.Executing, nil
}

// SetExecuting moves t into domain d. If t is current, d's address space
// is activated.
func (s *Scheduler) SetExecuting(t hik.ThreadID, d hik.DomainID) error {
	th, err := s.lookup(t)
	if err != nil {
		return err
	}
	th.Executing = d
	if th == s.current {
		return s.spaces.Activate(d)
	}
	return nil
}

// Get returns a copy of t.
func (s *Scheduler) Get(t hik.ThreadID) (Thread, error) {
	th, err := s.lookup(t)
	if err != nil {
		return Thread{}, err
	}
	cp := *th
	cp.Entry = ilist.Entry[Thread]{}
	return cp, nil
}

// sorted returns every live thread, idle included, ordered by id.
func (s *Scheduler) sorted() []*Thread {
	ths := make([]*Thread, 0, len(s.threads))
	for _, th := range s.threads {
		ths = append(ths, th)
	}
	sort.Slice(ths, func(i, j int) bool { return ths[i].ID < ths[j].ID })
	return ths
}

// Threads returns copies of every live thread ordered by id.
func (s *Scheduler) Threads() []Thread {
	var out []Thread
	for _, th := range s.sorted() {
		cp := *th
		cp.Entry = ilist.Entry[Thread]{}
		out = append(out, cp)
	}
	return out
}

// ThreadsOf returns the ids of d's threads.
func (s *Scheduler) ThreadsOf(d hik.DomainID) []hik.ThreadID {
	var ids []hik.ThreadID
	for _, th := range s.sorted() {
		if th.Domain == d && th != s.idle {
			ids = append(ids, th.ID)
		}
	}
	return ids
}

// HasRunning returns whether the current thread belongs to or executes in d.
func (s *Scheduler) HasRunning(d hik.DomainID) bool {
	cur := s.current
	return cur != s.idle && (cur.Domain == d || cur.Executing == d)
}

// Queue returns the ids in band p in dispatch order.
func (s *Scheduler) Queue(p hik.Priority) []hik.ThreadID {
	var ids []hik.ThreadID
	for th := s.ready[p].Front(); th != nil; th = th.Next() {
		ids = append(ids, th.ID)
	}
	return ids
}

// Switches returns the number of context switches.
func (s *Scheduler) Switches() uint64 {
	return s.switches
}

// Len returns the number of threads, the idle thread excluded.
func (s *Scheduler) Len() int {
	return len(s.threads) - 1
}
