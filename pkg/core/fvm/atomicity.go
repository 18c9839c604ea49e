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

import (
	"fmt"
	"math"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/errors/hikerr"
)

// Counts is a snapshot of the resources a syscall may change.
type Counts struct {
	Caps    int64
	Frames  int64
	Threads int64
	Domains int64
}

// Range is an inclusive bound on a delta.
type Range struct {
	Min int64
	Max int64
}

// Contains returns whether v is within r.
func (r Range) Contains(v int64) bool {
	return r.Min <= v && v <= r.Max
}

// Deltas bounds the change of each resource across one syscall.
type Deltas struct {
	Caps    Range
	Frames  Range
	Threads Range
	Domains Range
}

var (
	none      = Range{}
	grow      = Range{0, math.MaxInt64}
	shrink    = Range{math.MinInt64, 0}
	createOne = Range{0, 1}
)

// Atomicity lists the allowed deltas of every syscall. A failed syscall
// changes nothing, so every range includes zero.
var Atomicity = map[hik.Sysno]Deltas{
	hik.SysIpcCall:       {Caps: none, Frames: none, Threads: none, Domains: none},
	hik.SysCapTransfer:   {Caps: none, Frames: none, Threads: none, Domains: none},
	hik.SysCapDerive:     {Caps: createOne, Frames: none, Threads: none, Domains: none},
	hik.SysCapRevoke:     {Caps: shrink, Frames: none, Threads: none, Domains: none},
	hik.SysDomainCreate:  {Caps: none, Frames: grow, Threads: none, Domains: createOne},
	hik.SysDomainDestroy: {Caps: shrink, Frames: shrink, Threads: shrink, Domains: Range{-1, 0}},
	hik.SysThreadCreate:  {Caps: none, Frames: Range{0, 2}, Threads: createOne, Domains: none},
	hik.SysThreadYield:   {Caps: none, Frames: none, Threads: none, Domains: none},
	hik.SysShmemAlloc:    {Caps: createOne, Frames: grow, Threads: none, Domains: none},
	hik.SysShmemMap:      {Caps: none, Frames: grow, Threads: none, Domains: none},
	hik.SysIpcReturn:     {Caps: none, Frames: Range{math.MinInt64, 0}, Threads: Range{-1, 0}, Domains: none},
}

// VerifySyscallAtomicity checks that the change from pre to post is one
// syscall may make.
func VerifySyscallAtomicity(sysno hik.Sysno, pre, post Counts) error {
	d, ok := Atomicity[sysno]
	if !ok {
		return fmt.Errorf("no atomicity entry for syscall %v", sysno)
	}
	for _, c := range []struct {
		name  string
		r     Range
		delta int64
	}{
		{"caps", d.Caps, post.Caps - pre.Caps},
		{"frames", d.Frames, post.Frames - pre.Frames},
		{"threads", d.Threads, post.Threads - pre.Threads},
		{"domains", d.Domains, post.Domains - pre.Domains},
	} {
		if !c.r.Contains(c.delta) {
			return fmt.Errorf("syscall %v changed %s by %d, allowed [%d, %d]", sysno, c.name, c.delta, c.r.Min, c.r.Max)
		}
	}
	return nil
}

// VerifySyscallAtomicity is VerifySyscallAtomicity with the outcome
// counted by the monitor.
func (m *Monitor) VerifySyscallAtomicity(sysno hik.Sysno, pre, post Counts) error {
	m.atomicity.Checks++
	if err := VerifySyscallAtomicity(sysno, pre, post); err != nil {
		m.atomicity.Failures++
		return fmt.Errorf("%w: %v", hikerr.ErrGeneric, err)
	}
	m.atomicity.Passes++
	return nil
}

// AtomicityCounters returns the atomicity check counts.
func (m *Monitor) AtomicityCounters() Counters {
	return m.atomicity
}
