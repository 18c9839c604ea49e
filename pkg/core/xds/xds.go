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

// Package xds implements the cross-domain switch: the only way a thread
// runs code in another domain.
//
// Every thread has a bounded stack of call frames. A call saves the
// caller's context in a new frame, moves the thread into the callee domain
// and starts it at the callee entry point with the tag in Regs[0] and the
// arguments in Regs[1:]. A return pops the frame and resumes the caller
// with StatusSuccess in Regs[0] and the result in Regs[1].
package xds

import (
	"fmt"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal"
)

// MaxArgs is the number of argument registers passed to a callee.
const MaxArgs = hik.NumArgs

// Frame is a domain call stack entry.
type Frame struct {
	Caller   hik.DomainID
	Callee   hik.DomainID
	Endpoint hik.CapID
	Tag      uint64
	Context  hal.Context
}

// Caps is the view of the capability table used by the switch.
type Caps interface {
	Check(domain hik.DomainID, id hik.CapID, required capability.Rights) error
	Resolve(id hik.CapID) (capability.Payload, capability.Rights, error)
}

// Threads is the view of the scheduler used by the switch.
type Threads interface {
	Context(t hik.ThreadID) (*hal.Context, error)
	Executing(t hik.ThreadID) (hik.DomainID, error)
	SetExecuting(t hik.ThreadID, d hik.DomainID) error
}

// Domains is the view of the domain manager used by the switch.
type Domains interface {
	EntryPoint(d hik.DomainID) (uint64, error)
}

// Stats counts switch operations.
type Stats struct {
	Calls   uint64
	Returns uint64
	Unwinds uint64
}

// Switch holds the call stacks of every thread.
type Switch struct {
	caps    Caps
	threads Threads
	domains Domains
	audit   audit.Sink

	stacks map[hik.ThreadID][]Frame
	stats  Stats
}

// New returns a Switch with empty call stacks.
func New(caps Caps, threads Threads, domains Domains, sink audit.Sink) *Switch {
	if sink == nil {
		sink = audit.Discard
	}
	return &Switch{
		caps:    caps,
		threads: threads,
		domains: domains,
		audit:   sink,
		stacks:  make(map[hik.ThreadID][]Frame),
	}
}

// Call moves thread t from its current domain into to through endpoint.
// On failure nothing changes.
func (x *Switch) Call(t hik.ThreadID, to hik.DomainID, endpoint hik.CapID, tag uint64, args []uint64) error {
	pc, err := x.domains.EntryPoint(to)
	if err != nil {
		return err
	}
	return x.Upcall(t, to, endpoint, tag, pc, args)
}

// Upcall is Call with an explicit start PC in the callee, used to run
// fault and interrupt handlers.
func (x *Switch) Upcall(t hik.ThreadID, to hik.DomainID, endpoint hik.CapID, tag, pc uint64, args []uint64) error {
	from, err := x.threads.Executing(t)
	if err != nil {
		return err
	}
	err = x.call(t, from, to, endpoint, tag, pc, args)
	x.audit.Record(hik.AuditIpcCall, from, endpoint, t, err == nil, uint64(to), tag, uint64(hikerr.ToStatus(err)))
	return err
}

func (x *Switch) call(t hik.ThreadID, from, to hik.DomainID, endpoint hik.CapID, tag, pc uint64, args []uint64) error {
	if len(args) > MaxArgs {
		return fmt.Errorf("%w: %d arguments", hikerr.ErrInvalidParam, len(args))
	}
	if err := x.caps.Check(from, endpoint, 0); err != nil {
		return err
	}
	payload, _, err := x.caps.Resolve(endpoint)
	if err != nil {
		return err
	}
	ep, ok := payload.(capability.EndpointPayload)
	if !ok {
		return fmt.Errorf("%w: cap %d is not an endpoint", hikerr.ErrWrongKind, endpoint)
	}
	if ep.Target != to {
		return fmt.Errorf("%w: endpoint %d targets domain %d, not %d", hikerr.ErrInvalidParam, endpoint, ep.Target, to)
	}
	stack := x.stacks[t]
	if len(stack) >= hik.MaxCallDepth {
		return hikerr.ErrStackOverflow
	}
	ctx, err := x.threads.Context(t)
	if err != nil {
		return err
	}

	// The frame is pushed only once the caller's context is in it.
	frame := Frame{Caller: from, Callee: to, Endpoint: endpoint, Tag: tag, Context: *ctx}
	x.stacks[t] = append(stack, frame)
	if err := x.threads.SetExecuting(t, to); err != nil {
		x.stacks[t] = stack
		x.threads.SetExecuting(t, from)
		return err
	}

	fresh := hal.Context{PC: pc, SP: ctx.SP}
	fresh.Regs[hik.RegSysno] = tag
	copy(fresh.Regs[hik.RegArg0:], args)
	*ctx = fresh
	x.stats.Calls++
	return nil
}

// Return pops t's top frame and resumes the caller with result. It returns
// ErrStackEmpty if t is not inside a call.
func (x *Switch) Return(t hik.ThreadID, result uint64) error {
	frame, err := x.resume(t, hik.StatusSuccess, result)
	if err == nil {
		x.stats.Returns++
	}
	x.audit.Record(hik.AuditIpcReturn, frame.Callee, frame.Endpoint, t, err == nil, uint64(frame.Caller), result)
	return err
}

// Unwind pops t's top frame and resumes the caller with
// ErrCallerTerminated, as when the callee faults with no handler.
func (x *Switch) Unwind(t hik.ThreadID) error {
	_, err := x.resume(t, hikerr.ToStatus(hikerr.ErrCallerTerminated), 0)
	if err == nil {
		x.stats.Unwinds++
	}
	return err
}

func (x *Switch) resume(t hik.ThreadID, status hik.Status, result uint64) (Frame, error) {
	stack := x.stacks[t]
	if len(stack) == 0 {
		return Frame{}, hikerr.ErrStackEmpty
	}
	frame := stack[len(stack)-1]
	if err := x.restore(t, frame, status, result); err != nil {
		return Frame{}, err
	}
	x.pop(t, len(stack)-1)
	return frame, nil
}

func (x *Switch) restore(t hik.ThreadID, frame Frame, status hik.Status, result uint64) error {
	ctx, err := x.threads.Context(t)
	if err != nil {
		return err
	}
	*ctx = frame.Context
	ctx.Regs[hik.RegSysno] = uint64(status)
	ctx.Regs[hik.RegResult] = result
	return x.threads.SetExecuting(t, frame.Caller)
}

func (x *Switch) pop(t hik.ThreadID, depth int) {
	if depth == 0 {
		delete(x.stacks, t)
		return
	}
	x.stacks[t] = x.stacks[t][:depth]
}

// UnwindDomain resumes every thread that is inside a call into d at the
// frame that entered d. The caller sees ErrCallerTerminated. It returns
// the threads that were unwound.
func (x *Switch) UnwindDomain(d hik.DomainID) []hik.ThreadID {
	var unwound []hik.ThreadID
	for _, t := range x.threadIDs() {
		stack := x.stacks[t]
		for i, frame := range stack {
			if frame.Callee != d || frame.Caller == d {
				continue
			}
			if err := x.restore(t, frame, hikerr.ToStatus(hikerr.ErrCallerTerminated), 0); err != nil {
				break
			}
			x.pop(t, i)
			x.stats.Unwinds++
			unwound = append(unwound, t)
			break
		}
	}
	return unwound
}

// Drop discards t's call stack. It is used when t terminates.
func (x *Switch) Drop(t hik.ThreadID) {
	delete(x.stacks, t)
}

// Depth returns the number of frames on t's stack.
func (x *Switch) Depth(t hik.ThreadID) int {
	return len(x.stacks[t])
}

// Frames returns a copy of t's stack, oldest first.
func (x *Switch) Frames(t hik.ThreadID) []Frame {
	return append([]Frame(nil), x.stacks[t]...)
}

// Stats returns the operation counters.
func (x *Switch) Stats() Stats {
	return x.stats
}

func (x *Switch) threadIDs() []hik.ThreadID {
	ids := make([]hik.ThreadID, 0, len(x.stacks))
	for t := range x.stacks {
		ids = append(ids, t)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
