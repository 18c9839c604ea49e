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
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hikarch"
	"hik.dev/hik/pkg/ilist"
)

// State is the scheduling state of a thread.
type State uint8

// Thread states. A Waiting thread is Blocked with a deadline.
const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateWaiting
	StateTerminated
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateWaiting:
		return "waiting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// WaitReason says what a blocked thread waits for.
type WaitReason uint8

// Wait reasons.
const (
	WaitNone WaitReason = iota
	WaitIPC
	WaitIRQ
	WaitSleep

	// WaitDomainExit waits for a thread of the domain named by the wait
	// key to terminate.
	WaitDomainExit
)

// String implements fmt.Stringer.String.
func (r WaitReason) String() string {
	switch r {
	case WaitNone:
		return "none"
	case WaitIPC:
		return "ipc"
	case WaitIRQ:
		return "irq"
	case WaitSleep:
		return "sleep"
	case WaitDomainExit:
		return "domain-exit"
	default:
		return fmt.Sprintf("WaitReason(%d)", uint8(r))
	}
}

// WakeReason says why a thread last left the blocked state.
type WakeReason uint8

// Wake reasons.
const (
	WakeNone WakeReason = iota
	WakeSignal
	WakeTimeout
)

// Wait describes why and until when a thread is blocked.
type Wait struct {
	Reason WaitReason
	Key    uint64

	// Deadline is a monotonic tick; zero waits forever.
	Deadline uint64
}

// Thread is a schedulable context.
type Thread struct {
	ilist.Entry[Thread]

	ID       hik.ThreadID
	Domain   hik.DomainID
	State    State
	Priority hik.Priority

	// Executing is the domain whose code the thread runs. It differs from
	// Domain while the thread is inside a cross-domain call.
	Executing hik.DomainID

	Stack     hikarch.PhysAddr
	Context   hal.Context
	TimeSlice uint32
	LastRun   uint64
	Wait      Wait
	Woken     WakeReason
}

type queue = ilist.List[Thread, *Thread]
