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

import "fmt"

// State is the monitor state.
type State uint8

// Monitor states.
const (
	StateIdle State = iota
	StateChecking
	StateViolated
	StateRecovering
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateViolated:
		return "violated"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Event drives the monitor state machine.
type Event uint8

// Events.
const (
	EventStart Event = iota
	EventPass
	EventFail
	EventRecover
	EventReset
)

// String implements fmt.Stringer.String.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPass:
		return "pass"
	case EventFail:
		return "fail"
	case EventRecover:
		return "recover"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

type transition struct {
	from  State
	event Event
}

// transitions is the complete transition table. Pairs that are absent are
// illegal.
var transitions = map[transition]State{
	{StateIdle, EventStart}:       StateChecking,
	{StateChecking, EventPass}:    StateIdle,
	{StateChecking, EventFail}:    StateViolated,
	{StateViolated, EventRecover}: StateRecovering,
	{StateRecovering, EventPass}:  StateIdle,
	{StateRecovering, EventFail}:  StateViolated,
	{StateViolated, EventReset}:   StateIdle,
	{StateRecovering, EventReset}: StateIdle,
}

// Next returns the state that event leads to from s.
func Next(s State, event Event) (State, bool) {
	next, ok := transitions[transition{s, event}]
	return next, ok
}
