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

// Package fvm implements the runtime formal-verification monitor: a set of
// named invariants over kernel state, evaluated in dependency order after
// every mutating operation.
//
// A failed invariant moves the monitor to Violated and reports the
// violation. The kernel treats that as a Core-0 fault and panics.
package fvm

import (
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/log"
)

// Violation describes a failed invariant.
type Violation struct {
	Invariant InvariantID
	Detail    string
	Time      uint64
}

// Error implements error.Error.
func (v *Violation) Error() string {
	return fmt.Sprintf("invariant %v (%s) violated: %s", v.Invariant, Invariants[v.Invariant].Name, v.Detail)
}

// Unwrap makes a Violation report as hikerr.ErrGeneric.
func (v *Violation) Unwrap() error {
	return hikerr.ErrGeneric
}

// Counters are per-invariant evaluation counts.
type Counters struct {
	Checks   uint64
	Passes   uint64
	Failures uint64
	Skipped  uint64
}

// Monitor evaluates invariants over a View.
type Monitor struct {
	view        View
	now         func() uint64
	onViolation func(*Violation)

	order     []InvariantID
	state     State
	counters  [NumInvariants]Counters
	atomicity Counters
	runs      uint64
	last      *Violation

	rights      map[hik.CapID]capability.Rights
	checkpoints []Checkpoint
}

// New returns an Idle monitor. onViolation, if not nil, is called after
// the monitor enters Violated.
func New(view View, now func() uint64, onViolation func(*Violation)) *Monitor {
	order, err := Order()
	if err != nil {
		panic(fmt.Sprintf("fvm: %v", err))
	}
	return &Monitor{
		view:        view,
		now:         now,
		onViolation: onViolation,
		order:       order,
		rights:      make(map[hik.CapID]capability.Rights),
	}
}

func (m *Monitor) fire(e Event) error {
	next, ok := Next(m.state, e)
	if !ok {
		return fmt.Errorf("%w: monitor cannot %v while %v", hikerr.ErrInvalidState, e, m.state)
	}
	m.state = next
	return nil
}

// CheckAll evaluates every invariant in dependency order. An invariant
// whose dependency failed is skipped. It returns the first violation.
func (m *Monitor) CheckAll() error {
	if err := m.fire(EventStart); err != nil {
		return err
	}
	return m.run()
}

func (m *Monitor) run() error {
	m.runs++
	var first *Violation
	failed := make(map[InvariantID]bool)
	for _, id := range m.order {
		c := &m.counters[id]
		if dependencyFailed(id, failed) {
			c.Skipped++
			failed[id] = true
			continue
		}
		c.Checks++
		if err := m.evaluate(id); err != nil {
			c.Failures++
			failed[id] = true
			if first == nil {
				first = &Violation{Invariant: id, Detail: err.Error(), Time: m.now()}
			}
			continue
		}
		c.Passes++
	}
	if first == nil {
		return m.fire(EventPass)
	}
	m.last = first
	if err := m.fire(EventFail); err != nil {
		return err
	}
	log.Warningf("fvm: %v", first)
	if m.onViolation != nil {
		m.onViolation(first)
	}
	return first
}

func dependencyFailed(id InvariantID, failed map[InvariantID]bool) bool {
	for _, dep := range Invariants[id].DependsOn {
		if failed[dep] {
			return true
		}
	}
	return false
}

// Recover re-evaluates every invariant after a violation. The monitor
// returns to Idle if they all hold.
func (m *Monitor) Recover() error {
	if err := m.fire(EventRecover); err != nil {
		return err
	}
	return m.run()
}

// Reset forces a Violated or Recovering monitor back to Idle.
func (m *Monitor) Reset() error {
	return m.fire(EventReset)
}

// Check evaluates a single invariant without changing the monitor state.
func (m *Monitor) Check(id InvariantID) error {
	if int(id) >= NumInvariants {
		return fmt.Errorf("%w: invariant %d", hikerr.ErrInvalidParam, id)
	}
	c := &m.counters[id]
	c.Checks++
	if err := m.evaluate(id); err != nil {
		c.Failures++
		return &Violation{Invariant: id, Detail: err.Error(), Time: m.now()}
	}
	c.Passes++
	return nil
}

// VerifyDomainIsolation checks that d1 and d2 share no private memory.
func (m *Monitor) VerifyDomainIsolation(d1, d2 hik.DomainID) error {
	if err := VerifyDomainIsolation(m.view, d1, d2); err != nil {
		return &Violation{Invariant: MemoryIsolation, Detail: err.Error(), Time: m.now()}
	}
	return nil
}

// State returns the monitor state.
func (m *Monitor) State() State {
	return m.state
}

// Counters returns the counters of id.
func (m *Monitor) Counters(id InvariantID) Counters {
	return m.counters[id]
}

// Runs returns how many times all invariants were evaluated.
func (m *Monitor) Runs() uint64 {
	return m.runs
}

// LastViolation returns the most recent violation, or nil.
func (m *Monitor) LastViolation() *Violation {
	return m.last
}

// Coverage returns the percentage of invariants evaluated at least once.
func (m *Monitor) Coverage() int {
	n := 0
	for _, c := range m.counters {
		if c.Checks > 0 {
			n++
		}
	}
	return n * 100 / NumInvariants
}

// Order returns the evaluation order.
func (m *Monitor) Order() []InvariantID {
	return append([]InvariantID(nil), m.order...)
}
