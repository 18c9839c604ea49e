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
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/log"
)

// Fault handles a synchronous exception of kind at addr taken by the
// current thread.
//
// If the faulting domain has a fault handler, the fault is delivered as an
// upcall into the handler's domain with the kind and address as arguments;
// returning from it retries the faulting instruction. Otherwise a thread
// inside a cross-domain call is returned to its caller with
// ErrCallerTerminated, and any other thread is terminated. A privileged
// service that loses a thread this way has crashed and is handed to the
// supervisor. A fault in the core itself panics the kernel.
func (k *Kernel) Fault(kind hik.FaultKind, addr uint64) error {
	return k.trap(func(cur hik.ThreadID) error {
		if !kind.Valid() {
			return fmt.Errorf("%w: fault kind %d", hikerr.ErrInvalidParam, kind)
		}
		if cur == hik.IdleThread {
			k.panicLocked(fmt.Sprintf("%v at %#x in the idle thread", kind, addr))
			return nil
		}
		d, err := k.sched.Executing(cur)
		if err != nil {
			return err
		}
		k.audit.Record(hik.AuditException, d, hik.InvalidCap, cur, false, uint64(kind), addr)
		if d == hik.CoreDomain {
			k.panicLocked(fmt.Sprintf("%v at %#x in the core domain", kind, addr))
			return nil
		}
		log.Debugf("kernel: thread %d in domain %d: %v at %#x", cur, d, kind, addr)

		dom, err := k.domains.Get(d)
		if err != nil {
			return err
		}
		if fh := dom.FaultHandler; fh != nil {
			err := k.upcall(cur, fh.Endpoint, fh.PC, kind, addr)
			if err == nil {
				return nil
			}
			log.Warningf("kernel: delivering %v in domain %d: %v", kind, d, err)
		}

		if k.xds.Depth(cur) > 0 {
			if err := k.xds.Unwind(cur); err != nil {
				return err
			}
		} else if err := k.terminateThread(cur); err != nil {
			return err
		}
		if k.domains.IsPrivileged(d) {
			k.crash(d)
		}
		return nil
	})
}

func (k *Kernel) upcall(t hik.ThreadID, ep hik.CapID, pc uint64, kind hik.FaultKind, addr uint64) error {
	payload, _, err := k.caps.Resolve(ep)
	if err != nil {
		return err
	}
	target, ok := payload.(capability.EndpointPayload)
	if !ok {
		return hikerr.ErrWrongKind
	}
	return k.xds.Upcall(t, target.Target, ep, target.Tag, pc, []uint64{uint64(kind), addr})
}
