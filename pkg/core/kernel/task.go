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
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
)

// Task is the thread a syscall is being handled for. Its methods are the
// kernel services syscall implementations are built from; they run with
// the kernel lock held and act with the authority of the domain the
// thread is executing in.
type Task struct {
	k      *Kernel
	thread hik.ThreadID
	domain hik.DomainID
}

// ThreadID returns the calling thread.
func (t *Task) ThreadID() hik.ThreadID { return t.thread }

// DomainID returns the domain the calling thread executes in.
func (t *Task) DomainID() hik.DomainID { return t.domain }

// Privileged returns whether the calling domain is privileged.
func (t *Task) Privileged() bool { return t.k.domains.IsPrivileged(t.domain) }

// ResolveHandle returns the capability named by a handle of the calling
// domain.
func (t *Task) ResolveHandle(h uint64) (hik.CapID, error) {
	return t.k.caps.ResolveHandle(t.domain, h)
}

// Handle returns the calling domain's handle for id.
func (t *Task) Handle(id hik.CapID) (uint64, error) {
	return t.k.caps.Handle(t.domain, id)
}

// Call enters the domain targeted by endpoint ep. On success the thread's
// registers are those of the callee.
func (t *Task) Call(ep hik.CapID, args []uint64) error {
	return t.k.call(t.thread, ep, args)
}

// Return resumes the caller of the innermost call with result. A thread
// returning with no call to return from exits.
func (t *Task) Return(result uint64) error {
	err := t.k.xds.Return(t.thread, result)
	if hikerr.Equals(hikerr.ErrStackEmpty, err) {
		return t.k.terminateThread(t.thread)
	}
	return err
}

// TransferCap moves id to domain to and returns the recipient's handle
// for it.
func (t *Task) TransferCap(id hik.CapID, to hik.DomainID) (uint64, error) {
	if err := t.k.caps.Transfer(t.domain, to, id); err != nil {
		return 0, err
	}
	t.k.sweep()
	return t.k.caps.Handle(to, id)
}

// DeriveCap derives a capability with rights from id.
func (t *Task) DeriveCap(id hik.CapID, rights capability.Rights) (hik.CapID, error) {
	return t.k.caps.Derive(t.domain, id, rights)
}

// RevokeCap revokes id and everything derived from it. The calling domain
// must own id or a revocable ancestor of it.
func (t *Task) RevokeCap(id hik.CapID) error {
	if err := t.k.caps.RevokeBy(t.domain, id); err != nil {
		return err
	}
	t.k.sweep()
	return nil
}

// CreateDomain creates a child of the calling domain, which must be
// privileged.
func (t *Task) CreateDomain(kind domain.Kind, quota domain.Quota, entry uint64) (hik.DomainID, error) {
	if !t.Privileged() {
		return 0, fmt.Errorf("%w: domain %d creating a domain", hikerr.ErrNotPrivileged, t.domain)
	}
	return t.k.createDomain(t.domain, kind, quota, domain.Options{Entry: entry})
}

// DestroyDomain destroys d. The calling domain must be privileged.
func (t *Task) DestroyDomain(d hik.DomainID) error {
	if !t.Privileged() {
		return fmt.Errorf("%w: domain %d destroying domain %d", hikerr.ErrNotPrivileged, t.domain, d)
	}
	return t.k.destroyDomain(d)
}

// CreateThread creates a thread in d, which must be the calling domain or
// one of its children.
func (t *Task) CreateThread(d hik.DomainID, entry uint64, prio hik.Priority) (hik.ThreadID, error) {
	if d != t.domain {
		dom, err := t.k.domains.Get(d)
		if err != nil {
			return 0, err
		}
		if !dom.HasParent || dom.Parent != t.domain {
			return 0, fmt.Errorf("%w: domain %d is not a child of %d", hikerr.ErrPermission, d, t.domain)
		}
	}
	return t.k.createThread(d, entry, prio)
}

// Yield gives up the rest of the calling thread's time slice.
func (t *Task) Yield() {
	t.k.sched.Yield()
}

// AllocShared allocates shared memory of at least size bytes, charged to
// the calling domain, and returns a capability for it.
func (t *Task) AllocShared(size uint64) (hik.CapID, error) {
	return t.k.allocShared(t.domain, size)
}

// MapCap maps the memory named by id at virt in the calling domain.
func (t *Task) MapCap(id hik.CapID, virt hikarch.VirtAddr, perms asm.Perms) error {
	return t.k.mapCap(t.domain, id, virt, perms)
}
