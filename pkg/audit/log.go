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

package audit

import (
	"hik.dev/hik/pkg/abi/hik"
)

// Sink records audit events. Kernel subsystems emit through a Sink after
// their state change is complete.
type Sink interface {
	Record(kind hik.AuditKind, domain hik.DomainID, cap hik.CapID, thread hik.ThreadID, ok bool, data ...uint64)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

// Record implements Sink.Record.
func (discard) Record(hik.AuditKind, hik.DomainID, hik.CapID, hik.ThreadID, bool, ...uint64) {}

// Log stamps events with a monotonic time and pushes them to a Ring.
type Log struct {
	ring *Ring
	now  func() uint64
}

var _ Sink = (*Log)(nil)

// NewLog returns a Log writing to ring and stamping events with now.
func NewLog(ring *Ring, now func() uint64) *Log {
	return &Log{ring: ring, now: now}
}

// Ring returns the underlying ring.
func (l *Log) Ring() *Ring {
	return l.ring
}

// Record implements Sink.Record. At most four data words are kept.
//
// When the ring fills past HighWaterPercent a MonitorAction record carrying
// the usage percentage follows, once per lap.
func (l *Log) Record(kind hik.AuditKind, domain hik.DomainID, cap hik.CapID, thread hik.ThreadID, ok bool, data ...uint64) {
	rec := hik.AuditRecord{
		Timestamp: l.now(),
		Kind:      kind,
		Domain:    domain,
		Cap:       cap,
		Thread:    thread,
		Result:    hik.AuditFailure,
	}
	if ok {
		rec.Result = hik.AuditSuccess
	}
	copy(rec.Data[:], data)
	if _, highWater := l.ring.Push(rec); highWater {
		l.ring.Push(hik.AuditRecord{
			Timestamp: rec.Timestamp,
			Kind:      hik.AuditMonitorAction,
			Domain:    hik.CoreDomain,
			Result:    hik.AuditSuccess,
			Data:      [4]uint64{uint64(l.ring.Usage()), l.ring.Overwritten()},
		})
	}
}
