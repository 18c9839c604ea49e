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

// Package supervisor decides what happens to a service domain that
// crashed: restart it after a backoff delay, or destroy it once it has
// used up its restart budget.
package supervisor

import (
	"sort"
	"time"

	"github.com/cenkalti/backoff"

	"hik.dev/hik/pkg/abi/hik"
)

// Policy configures restart supervision. Windows and delays are measured
// in monotonic ticks of length Tick.
type Policy struct {
	// MaxRestarts is the number of restarts allowed within Window.
	MaxRestarts int

	// Window is the length of the restart budget window in ticks.
	Window uint64

	// Tick is the duration of one monotonic tick.
	Tick time.Duration

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy allows 3 restarts per 10 seconds with 1ms ticks.
var DefaultPolicy = Policy{
	MaxRestarts:  3,
	Window:       10_000,
	Tick:         time.Millisecond,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
}

// Decision is the outcome of a crash.
type Decision uint8

// Decisions.
const (
	Restart Decision = iota
	Destroy
)

// String implements fmt.Stringer.String.
func (d Decision) String() string {
	if d == Restart {
		return "restart"
	}
	return "destroy"
}

// tickClock adapts a tick counter to backoff.Clock.
type tickClock struct {
	now  func() uint64
	tick time.Duration
}

// Now implements backoff.Clock.Now.
func (c tickClock) Now() time.Time {
	return time.Unix(0, 0).Add(time.Duration(c.now()) * c.tick)
}

type record struct {
	crashes  []uint64
	restarts int
	delay    *backoff.ExponentialBackOff
	due      uint64
	pending  bool
}

// Supervisor tracks crashes per domain. It is not safe for concurrent use.
type Supervisor struct {
	policy  Policy
	clock   tickClock
	records map[hik.DomainID]*record
}

// New returns a Supervisor reading time from now.
func New(policy Policy, now func() uint64) *Supervisor {
	if policy.Tick == 0 {
		policy.Tick = DefaultPolicy.Tick
	}
	if policy.Multiplier == 0 {
		policy.Multiplier = DefaultPolicy.Multiplier
	}
	return &Supervisor{
		policy:  policy,
		clock:   tickClock{now: now, tick: policy.Tick},
		records: make(map[hik.DomainID]*record),
	}
}

func (s *Supervisor) record(d hik.DomainID) *record {
	r, ok := s.records[d]
	if !ok {
		r = &record{
			delay: &backoff.ExponentialBackOff{
				InitialInterval: s.policy.InitialDelay,
				Multiplier:      s.policy.Multiplier,
				MaxInterval:     s.policy.MaxDelay,
				Clock:           s.clock,
			},
		}
		r.delay.Reset()
		s.records[d] = r
	}
	return r
}

// Crash reports a crash of d. On Restart, due is the tick at which the
// restart should happen. On Destroy the domain is forgotten.
func (s *Supervisor) Crash(d hik.DomainID) (decision Decision, due uint64) {
	now := s.clock.now()
	r := s.record(d)

	kept := r.crashes[:0]
	for _, t := range r.crashes {
		if s.policy.Window == 0 || now-t < s.policy.Window {
			kept = append(kept, t)
		}
	}
	r.crashes = kept
	if len(r.crashes) >= s.policy.MaxRestarts {
		delete(s.records, d)
		return Destroy, 0
	}
	r.crashes = append(r.crashes, now)

	delay := r.delay.NextBackOff()
	ticks := uint64(delay / s.policy.Tick)
	r.due = now + ticks
	r.pending = true
	return Restart, r.due
}

// Due returns the domains whose restart is due at now, in id order, and
// marks them restarted.
func (s *Supervisor) Due(now uint64) []hik.DomainID {
	var ds []hik.DomainID
	for d, r := range s.records {
		if r.pending && r.due <= now {
			r.pending = false
			r.restarts++
			ds = append(ds, d)
		}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	return ds
}

// Pending returns whether d has a restart scheduled.
func (s *Supervisor) Pending(d hik.DomainID) bool {
	r, ok := s.records[d]
	return ok && r.pending
}

// Restarts returns how many times d has been restarted.
func (s *Supervisor) Restarts(d hik.DomainID) int {
	if r, ok := s.records[d]; ok {
		return r.restarts
	}
	return 0
}

// Forget drops all state for d.
func (s *Supervisor) Forget(d hik.DomainID) {
	delete(s.records, d)
}
