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
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/sched"
	"hik.dev/hik/pkg/log"
)

// CreateThread creates a thread in d starting at entry. A domain that has
// not started yet starts with its first thread.
func (k *Kernel) CreateThread(d hik.DomainID, entry uint64, prio hik.Priority) (hik.ThreadID, error) {
	var t hik.ThreadID
	err := k.op(func() error {
		var err error
		t, err = k.createThread(d, entry, prio)
		return err
	})
	return t, err
}

func (k *Kernel) createThread(d hik.DomainID, entry uint64, prio hik.Priority) (hik.ThreadID, error) {
	t, err := k.sched.Create(d, entry, prio)
	if err != nil {
		return 0, err
	}
	if st, _ := k.domains.State(d); st == domain.StateReady {
		if err := k.domains.Start(d); err != nil {
			log.Warningf("kernel: starting domain %d: %v", d, err)
		}
	}
	return t, nil
}

// TerminateThread ends t, discarding any calls it is inside.
func (k *Kernel) TerminateThread(t hik.ThreadID) error {
	return k.op(func() error {
		return k.terminateThread(t)
	})
}

func (k *Kernel) terminateThread(t hik.ThreadID) error {
	if _, err := k.sched.Get(t); err != nil {
		return err
	}
	k.xds.Drop(t)
	return k.sched.Terminate(t)
}

// Yield requeues the current thread and dispatches the next one.
func (k *Kernel) Yield() error {
	return k.trap(func(hik.ThreadID) error {
		k.sched.Yield()
		return nil
	})
}

// Block blocks t until Wakeup or, with a non-zero deadline, until a tick
// at or after it.
func (k *Kernel) Block(t hik.ThreadID, w sched.Wait) error {
	return k.trap(func(hik.ThreadID) error {
		return k.sched.Block(t, w)
	})
}

// Wakeup makes a blocked thread ready.
func (k *Kernel) Wakeup(t hik.ThreadID) error {
	return k.trap(func(hik.ThreadID) error {
		return k.sched.Wakeup(t)
	})
}

// Tick handles a timer interrupt: waiters whose deadline passed are woken,
// the current thread is charged, and crashed services whose restart is
// due are restarted.
func (k *Kernel) Tick() error {
	return k.trap(func(hik.ThreadID) error {
		k.ticks++
		for _, d := range k.supervisor.Due(k.hal.MonotonicNow()) {
			k.restart(d)
		}
		k.sched.Tick()
		return nil
	})
}

// Current returns the thread on the CPU.
func (k *Kernel) Current() hik.ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Current()
}

// Thread returns a copy of t's record.
func (k *Kernel) Thread(t hik.ThreadID) (sched.Thread, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Get(t)
}

// CallDepth returns the number of cross-domain calls t is inside.
func (k *Kernel) CallDepth(t hik.ThreadID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.xds.Depth(t)
}
