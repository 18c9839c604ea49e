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

package capability

import (
	"fmt"
	"strings"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/hikarch"
)

// Kind is the type tag of a capability.
type Kind uint8

// Capability kinds.
const (
	KindMemory Kind = iota + 1
	KindMMIO
	KindIRQ
	KindEndpoint
	KindDerived
	KindService
)

var kindNames = map[Kind]string{
	KindMemory:   "memory",
	KindMMIO:     "mmio",
	KindIRQ:      "irq",
	KindEndpoint: "endpoint",
	KindDerived:  "derived",
	KindService:  "service",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Rights is a set of access rights.
type Rights uint16

// Rights bits.
const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightDevice
	RightGrant
	RightRevoke

	// AllRights is every defined right.
	AllRights = RightRead | RightWrite | RightExecute | RightDevice | RightGrant | RightRevoke

	// MMIORights are the fixed rights of MMIO capabilities.
	MMIORights = RightRead | RightWrite | RightDevice

	// EndpointRights are the rights of a new endpoint.
	EndpointRights = RightRead | RightWrite | RightGrant
)

// SubsetOf returns true if every right in r is also in o.
func (r Rights) SubsetOf(o Rights) bool {
	return r&^o == 0
}

// Valid returns true if r only holds defined rights.
func (r Rights) Valid() bool {
	return r.SubsetOf(AllRights)
}

// String implements fmt.Stringer.String.
func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		bit  Rights
		name string
	}{
		{RightRead, "R"}, {RightWrite, "W"}, {RightExecute, "X"},
		{RightDevice, "D"}, {RightGrant, "G"}, {RightRevoke, "V"},
	} {
		if r&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "")
}

// Flags qualify a capability.
type Flags uint8

// Capability flags.
const (
	FlagRevoked Flags = 1 << iota
	FlagImmutable
)

// Payload is the kind-specific body of a capability. The concrete type
// always matches the capability's Kind.
type Payload interface {
	kind() Kind
}

// MemoryPayload names a physical memory range.
type MemoryPayload struct {
	Base hikarch.PhysAddr
	Size uint64
}

func (MemoryPayload) kind() Kind { return KindMemory }

// Contains returns true if [base, base+size) lies inside the payload.
func (p MemoryPayload) Contains(base hikarch.PhysAddr, size uint64) bool {
	return base >= p.Base && uint64(base-p.Base)+size <= p.Size
}

// MMIOPayload names a device register range.
type MMIOPayload struct {
	Base hikarch.PhysAddr
	Size uint64
}

func (MMIOPayload) kind() Kind { return KindMMIO }

// IRQPayload names an interrupt vector.
type IRQPayload struct {
	Vector uint8
}

func (IRQPayload) kind() Kind { return KindIRQ }

// EndpointPayload names a cross-domain call target.
type EndpointPayload struct {
	Target hik.DomainID
	Tag    uint64
}

func (EndpointPayload) kind() Kind { return KindEndpoint }

// DerivedPayload links a derived capability to its parent.
type DerivedPayload struct {
	Parent hik.CapID
	Mask   Rights
}

func (DerivedPayload) kind() Kind { return KindDerived }

// ServicePayload names a privileged service domain.
type ServicePayload struct {
	Service hik.DomainID
	Name    string
}

func (ServicePayload) kind() Kind { return KindService }

// Capability is a table entry. Values returned by Table are copies.
type Capability struct {
	ID       hik.CapID
	Kind     Kind
	Owner    hik.DomainID
	Rights   Rights
	Payload  Payload
	RefCount uint32
	Flags    Flags

	children []hik.CapID
}

// Revoked returns whether the capability has been revoked.
func (c *Capability) Revoked() bool {
	return c.Flags&FlagRevoked != 0
}

// Immutable returns whether the capability may not be transferred.
func (c *Capability) Immutable() bool {
	return c.Flags&FlagImmutable != 0
}

// Parent returns the parent of a derived capability, or InvalidCap.
func (c *Capability) Parent() hik.CapID {
	if d, ok := c.Payload.(DerivedPayload); ok {
		return d.Parent
	}
	return hik.InvalidCap
}

// Children returns the capabilities derived from c.
func (c *Capability) Children() []hik.CapID {
	return append([]hik.CapID(nil), c.children...)
}

// String implements fmt.Stringer.String.
func (c *Capability) String() string {
	return fmt.Sprintf("cap %d (%v, owner %d, rights %v, refs %d, flags %#x)", c.ID, c.Kind, c.Owner, c.Rights, c.RefCount, uint8(c.Flags))
}

// Ledger counts capability movements for one domain. For every domain the
// size of its capability space equals
// Created + TransferredIn - TransferredOut - Revoked.
type Ledger struct {
	Created        uint64
	TransferredIn  uint64
	TransferredOut uint64
	Revoked        uint64
}

// Expected returns the capability count the ledger predicts.
func (l Ledger) Expected() uint64 {
	return l.Created + l.TransferredIn - l.TransferredOut - l.Revoked
}
