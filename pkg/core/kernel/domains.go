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
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/supervisor"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/log"
)

// CreateDomain creates a domain as a child of parent, which must be
// privileged.
func (k *Kernel) CreateDomain(parent hik.DomainID, kind domain.Kind, quota domain.Quota, opts domain.Options) (hik.DomainID, error) {
	var id hik.DomainID
	err := k.op(func() error {
		if !k.domains.IsPrivileged(parent) {
			return fmt.Errorf("%w: domain %d creating a domain", hikerr.ErrNotPrivileged, parent)
		}
		var err error
		id, err = k.createDomain(parent, kind, quota, opts)
		return err
	})
	return id, err
}

func (k *Kernel) createDomain(parent hik.DomainID, kind domain.Kind, quota domain.Quota, opts domain.Options) (hik.DomainID, error) {
	if kind == domain.KindCore {
		return 0, fmt.Errorf("%w: there is one core domain", hikerr.ErrInvalidParam)
	}
	if kind == domain.KindPrivileged && !k.domains.IsPrivileged(parent) {
		return 0, hikerr.ErrNotPrivileged
	}
	d, err := k.domains.Create(kind, &parent, quota, opts)
	if err != nil {
		return 0, err
	}
	k.priorities[d] = hik.PriorityNormal
	return d, nil
}

// DestroyDomain destroys d on behalf of caller, which must be privileged.
// d must not have a thread on the CPU.
func (k *Kernel) DestroyDomain(caller, d hik.DomainID) error {
	return k.op(func() error {
		if !k.domains.IsPrivileged(caller) {
			return fmt.Errorf("%w: domain %d destroying domain %d", hikerr.ErrNotPrivileged, caller, d)
		}
		return k.destroyDomain(d)
	})
}

func (k *Kernel) destroyDomain(d hik.DomainID) error {
	if err := k.domains.Destroy(d); err != nil {
		return err
	}
	k.sweep()
	return nil
}

// SuspendDomain stops d's threads from being scheduled. If the current
// thread runs in d, another thread is dispatched.
func (k *Kernel) SuspendDomain(d hik.DomainID) error {
	return k.op(func() error {
		if d == hik.CoreDomain {
			return fmt.Errorf("%w: the core domain cannot be suspended", hikerr.ErrPermission)
		}
		if err := k.domains.Suspend(d); err != nil {
			return err
		}
		if k.sched.HasRunning(d) {
			k.sched.Yield()
		}
		return nil
	})
}

// ResumeDomain lets a suspended domain run again.
func (k *Kernel) ResumeDomain(d hik.DomainID) error {
	return k.op(func() error {
		return k.domains.Resume(d)
	})
}

// SetFaultHandler makes faults in d upcalls through ep, starting at pc. ep
// must be an endpoint owned by d. A zero ep clears the handler.
func (k *Kernel) SetFaultHandler(d hik.DomainID, ep hik.CapID, pc uint64) error {
	return k.op(func() error {
		if ep != hik.InvalidCap {
			if err := k.caps.Check(d, ep, 0); err != nil {
				return err
			}
			payload, _, err := k.caps.Resolve(ep)
			if err != nil {
				return err
			}
			if _, ok := payload.(capability.EndpointPayload); !ok {
				return fmt.Errorf("%w: cap %d is not an endpoint", hikerr.ErrWrongKind, ep)
			}
		}
		return k.domains.SetFaultHandler(d, ep, pc)
	})
}

// Domain returns a copy of d's record.
func (k *Kernel) Domain(d hik.DomainID) (domain.Domain, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.domains.Get(d)
}

// Application returns the Application domain created at boot.
func (k *Kernel) Application() hik.DomainID {
	return k.app
}

// DomainNamed returns the boot domain with the given name.
func (k *Kernel) DomainNamed(name string) (hik.DomainID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.names[name]
	return d, ok && k.domains.IsActive(d)
}

// crash handles a fault in privileged domain d that nothing handled. The
// supervisor decides whether d is restarted later or destroyed now.
func (k *Kernel) crash(d hik.DomainID) {
	decision, due := k.supervisor.Crash(d)
	k.audit.Record(hik.AuditServiceCrash, d, hik.InvalidCap, 0, false, uint64(decision), uint64(k.supervisor.Restarts(d)))
	switch decision {
	case supervisor.Restart:
		log.Infof("kernel: service %d crashed, restart due at %d", d, due)
		k.xds.UnwindDomain(d)
		for _, t := range k.sched.ThreadsOf(d) {
			k.xds.Drop(t)
		}
		k.sched.TerminateDomain(d)
		if st, _ := k.domains.State(d); st == domain.StateReady {
			k.domains.Start(d)
		}
		if err := k.domains.Suspend(d); err != nil {
			log.Warningf("kernel: suspending crashed service %d: %v", d, err)
		}
	default:
		log.Warningf("kernel: service %d exhausted its restart budget, destroying it", d)
		if err := k.destroyDomain(d); err != nil {
			log.Warningf("kernel: destroying service %d: %v", d, err)
		}
	}
}

// restart brings a crashed service back with a fresh main thread.
func (k *Kernel) restart(d hik.DomainID) {
	if st, err := k.domains.State(d); err != nil || st != domain.StateSuspended {
		return
	}
	if err := k.domains.Resume(d); err != nil {
		log.Warningf("kernel: resuming service %d: %v", d, err)
		return
	}
	entry, err := k.domains.EntryPoint(d)
	if err != nil || entry == 0 {
		k.audit.Record(hik.AuditServiceRestart, d, hik.InvalidCap, 0, false)
		return
	}
	t, err := k.createThread(d, entry, k.priorities[d])
	k.audit.Record(hik.AuditServiceRestart, d, hik.InvalidCap, t, err == nil, uint64(k.supervisor.Restarts(d)))
	if err != nil {
		log.Warningf("kernel: restarting service %d: %v", d, err)
		return
	}
	log.Infof("kernel: service %d restarted as thread %d", d, t)
}
