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

package kernel

import (
	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/hikarch"
)

// CreateMemoryCap creates a capability for [base, base+size) owned by
// owner.
func (k *Kernel) CreateMemoryCap(owner hik.DomainID, base hikarch.PhysAddr, size uint64, rights capability.Rights) (hik.CapID, error) {
	var id hik.CapID
	err := k.op(func() error {
		var err error
		id, err = k.caps.CreateMemory(owner, base, size, rights)
		return err
	})
	return id, err
}

// CreateMMIOCap creates a device register capability owned by owner.
func (k *Kernel) CreateMMIOCap(owner hik.DomainID, base hikarch.PhysAddr, size uint64) (hik.CapID, error) {
	var id hik.CapID
	err := k.op(func() error {
		var err error
		id, err = k.caps.CreateMMIO(owner, base, size)
		return err
	})
	return id, err
}

// CreateIRQCap creates a capability for vector owned by owner.
func (k *Kernel) CreateIRQCap(owner hik.DomainID, vector uint8) (hik.CapID, error) {
	var id hik.CapID
	err := k.op(func() error {
		var err error
		id, err = k.caps.CreateIRQ(owner, vector)
		return err
	})
	return id, err
}

// CreateEndpoint creates an endpoint into target owned by owner. Calls
// through it carry tag.
func (k *Kernel) CreateEndpoint(owner, target hik.DomainID, tag uint64) (hik.CapID, error) {
	var id hik.CapID
	err := k.op(func() error {
		var err error
		id, err = k.caps.CreateEndpoint(owner, target, tag)
		return err
	})
	return id, err
}

// Transfer moves id from one domain to another. Interrupt routes guarded
// by id in from are cleared.
func (k *Kernel) Transfer(from, to hik.DomainID, id hik.CapID) error {
	return k.op(func() error {
		if err := k.caps.Transfer(from, to, id); err != nil {
			return err
		}
		k.sweep()
		return nil
	})
}

// Derive creates a capability owned by owner with a subset of parent's
// rights.
func (k *Kernel) Derive(owner hik.DomainID, parent hik.CapID, rights capability.Rights) (hik.CapID, error) {
	var id hik.CapID
	err := k.op(func() error {
		var err error
		id, err = k.caps.Derive(owner, parent, rights)
		return err
	})
	return id, err
}

// Revoke revokes id and everything derived from it, with the core's
// authority. Mappings made through revoked capabilities and interrupt
// routes guarded by them are removed.
func (k *Kernel) Revoke(id hik.CapID) error {
	return k.op(func() error {
		if err := k.caps.Revoke(id); err != nil {
			return err
		}
		k.sweep()
		return nil
	})
}

// Check verifies that d holds id with at least rights.
func (k *Kernel) Check(d hik.DomainID, id hik.CapID, rights capability.Rights) error {
	return k.op(func() error {
		return k.caps.Check(d, id, rights)
	})
}

// Capability returns a copy of id's table entry.
func (k *Kernel) Capability(id hik.CapID) (capability.Capability, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.caps.Get(id)
}

// HandleFor returns d's handle for id, the form in which capabilities
// cross the syscall boundary.
func (k *Kernel) HandleFor(d hik.DomainID, id hik.CapID) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.caps.Handle(d, id)
}
