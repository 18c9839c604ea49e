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
	"hik.dev/hik/pkg/core/irq"
)

// RegisterIRQ routes vector to handlerPC in domain d through endpoint ep,
// which d must hold. caller must be privileged.
func (k *Kernel) RegisterIRQ(caller hik.DomainID, vector uint8, d hik.DomainID, handlerPC uint64, ep hik.CapID) error {
	return k.op(func() error {
		return k.irq.Register(caller, vector, d, handlerPC, ep)
	})
}

// UnregisterIRQ clears the route of vector.
func (k *Kernel) UnregisterIRQ(caller hik.DomainID, vector uint8) error {
	return k.op(func() error {
		return k.irq.Unregister(caller, vector)
	})
}

// RaiseIRQ delivers vector as if the device had raised it. The handler
// context is loaded with interrupts masked and the kernel lock held, so a
// handler must not enter the kernel; it signals work by other means and
// the interrupted thread resumes afterwards.
func (k *Kernel) RaiseIRQ(vector uint8) error {
	return k.trap(func(cur hik.ThreadID) error {
		interrupted := hik.CoreDomain
		if cur != hik.IdleThread {
			if d, err := k.sched.Executing(cur); err == nil {
				interrupted = d
			}
		}
		return k.irq.Dispatch(vector, interrupted)
	})
}

// IRQCount returns how many times vector was delivered.
func (k *Kernel) IRQCount(vector uint8) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.irq.Count(vector)
}

// IRQRoutes returns the populated routes.
func (k *Kernel) IRQRoutes() map[uint8]irq.Route {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.irq.Routes()
}

// IRQTable returns the route table in its persisted form.
func (k *Kernel) IRQTable() *[hik.NumIRQVectors]hik.IRQRouteEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.irq.Export()
}

// ImportIRQTable installs the routes of a persisted table on behalf of
// caller, which must be privileged.
func (k *Kernel) ImportIRQTable(caller hik.DomainID, t *[hik.NumIRQVectors]hik.IRQRouteEntry) error {
	return k.op(func() error {
		return k.irq.Import(caller, t)
	})
}
