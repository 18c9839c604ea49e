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

// Package hik contains the stable ABI of the HIK core: identifiers, syscall
// numbers, status codes, audit records, IRQ route entries and the boot-info
// contract consumed from the bootloader.
package hik

import "fmt"

// DomainID identifies an isolation domain.
type DomainID uint32

// CoreDomain is the Core-0 domain. It always exists.
const CoreDomain DomainID = 0

// CapID identifies an entry in the global capability table.
type CapID uint32

// InvalidCap is never allocated.
const InvalidCap CapID = 0

// ThreadID identifies a thread. IdleThread is the pseudo-thread that "runs"
// when no ready thread exists.
type ThreadID uint32

// IdleThread is never allocated to a real thread.
const IdleThread ThreadID = 0

// Priority is a scheduler band. Higher values run first.
type Priority uint8

// Priority bands.
const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	// NumPriorities is the number of scheduler bands.
	NumPriorities = int(PriorityRealtime) + 1
)

// Valid returns true if p names a scheduler band.
func (p Priority) Valid() bool {
	return int(p) < NumPriorities
}

// String implements fmt.Stringer.String.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// NumIRQVectors is the size of the static IRQ routing table.
const NumIRQVectors = 256

// MaxCallDepth is the depth limit of a thread's domain call stack.
const MaxCallDepth = 16
