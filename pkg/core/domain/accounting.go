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

package domain

import (
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/pfa"
	"hik.dev/hik/pkg/errors/hikerr"
)

var (
	_ pfa.Accountant        = (*Manager)(nil)
	_ capability.Accountant = (*Manager)(nil)
)

// accountable returns d if resources may still be charged to it.
func (m *Manager) accountable(d hik.DomainID) (*Domain, error) {
	dom, err := m.lookup(d)
	if err != nil {
		return nil, err
	}
	if dom.State == StateTerminated {
		return nil, fmt.Errorf("%w: domain %d is %v", hikerr.ErrInvalidState, d, dom.State)
	}
	return dom, nil
}

// CheckMemoryQuota implements pfa.Accountant.CheckMemoryQuota.
func (m *Manager) CheckMemoryQuota(d hik.DomainID, bytes uint64) error {
	dom, err := m.accountable(d)
	if err != nil {
		return err
	}
	if bytes > dom.Quota.MaxMemory-dom.Usage.MemoryUsed {
		return fmt.Errorf("%w: domain %d memory %d + %d > %d", hikerr.ErrQuotaExceeded, d, dom.Usage.MemoryUsed, bytes, dom.Quota.MaxMemory)
	}
	return nil
}

// ChargeMemory implements pfa.Accountant.ChargeMemory.
func (m *Manager) ChargeMemory(d hik.DomainID, delta int64) {
	if dom, ok := m.domains[d]; ok {
		dom.Usage.MemoryUsed = uint64(int64(dom.Usage.MemoryUsed) + delta)
	}
}

// CheckCapQuota implements capability.Accountant.CheckCapQuota.
func (m *Manager) CheckCapQuota(d hik.DomainID) error {
	dom, err := m.accountable(d)
	if err != nil {
		return err
	}
	if dom.Usage.CapCount >= dom.Quota.MaxCaps {
		m.audit.Record(hik.AuditResourceExhausted, d, hik.InvalidCap, 0, false, uint64(dom.Usage.CapCount))
		return fmt.Errorf("%w: domain %d holds %d caps", hikerr.ErrQuotaExceeded, d, dom.Usage.CapCount)
	}
	return nil
}

// ChargeCap implements capability.Accountant.ChargeCap.
func (m *Manager) ChargeCap(d hik.DomainID, delta int) {
	if dom, ok := m.domains[d]; ok {
		dom.Usage.CapCount = uint32(int(dom.Usage.CapCount) + delta)
	}
}

// IsActive implements capability.Accountant.IsActive.
func (m *Manager) IsActive(d hik.DomainID) bool {
	_, err := m.accountable(d)
	return err == nil
}

// CheckThreadQuota returns an error if d may not create another thread.
func (m *Manager) CheckThreadQuota(d hik.DomainID) error {
	dom, err := m.accountable(d)
	if err != nil {
		return err
	}
	if dom.Usage.ThreadCount >= dom.Quota.MaxThreads {
		m.audit.Record(hik.AuditResourceExhausted, d, hik.InvalidCap, 0, false, uint64(dom.Usage.ThreadCount))
		return fmt.Errorf("%w: domain %d has %d threads", hikerr.ErrQuotaExceeded, d, dom.Usage.ThreadCount)
	}
	return nil
}

// ChargeThread adjusts d's thread count by delta.
func (m *Manager) ChargeThread(d hik.DomainID, delta int) {
	if dom, ok := m.domains[d]; ok {
		dom.Usage.ThreadCount = uint32(int(dom.Usage.ThreadCount) + delta)
	}
}

// Runnable returns whether threads of d may be dispatched.
func (m *Manager) Runnable(d hik.DomainID) bool {
	dom, ok := m.domains[d]
	return ok && (dom.State == StateReady || dom.State == StateRunning)
}

// FrameClass returns the class of frames allocated on behalf of d.
func (m *Manager) FrameClass(d hik.DomainID) pfa.Class {
	dom, ok := m.domains[d]
	if !ok {
		return pfa.ClassApplication
	}
	switch dom.Kind {
	case KindCore:
		return pfa.ClassCore
	case KindPrivileged:
		return pfa.ClassPrivileged
	default:
		return pfa.ClassApplication
	}
}

// EntryPoint returns the PC at which calls into d start.
func (m *Manager) EntryPoint(d hik.DomainID) (uint64, error) {
	dom, err := m.lookup(d)
	if err != nil {
		return 0, err
	}
	if !dom.State.Active() {
		return 0, fmt.Errorf("%w: domain %d is %v", hikerr.ErrNotFound, d, dom.State)
	}
	return dom.Entry, nil
}
