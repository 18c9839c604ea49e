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

package hik

import (
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/kernel"
	"hik.dev/hik/pkg/errors/hikerr"
)

// DomainCreate implements the DomainCreate syscall. The caller must be
// privileged.
//
//	a0: kind, 1 for Privileged or 2 for Application
//	a1: memory quota in bytes
//	a2: thread quota in the high 32 bits, capability quota in the low 32
//	a3: CPU share in percent
//	a4: entry point
//
// The result is the new domain's ID.
func DomainCreate(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	kind := domain.Kind(args[0].Uint64())
	if kind != domain.KindPrivileged && kind != domain.KindApplication {
		return 0, nil, fmt.Errorf("%w: domain kind %d", hikerr.ErrInvalidParam, args[0].Uint64())
	}
	cpu := args[3].Uint64()
	if cpu > 100 {
		return 0, nil, fmt.Errorf("%w: cpu share %d%%", hikerr.ErrInvalidParam, cpu)
	}
	quota := domain.Quota{
		MaxMemory:  args[1].Uint64(),
		MaxThreads: uint32(args[2].Uint64() >> 32),
		MaxCaps:    args[2].Uint(),
		CPUPercent: uint8(cpu),
	}
	d, err := t.CreateDomain(kind, quota, args[4].Uint64())
	return uint64(d), nil, err
}

// DomainDestroy implements the DomainDestroy syscall. The caller must be
// privileged.
//
//	a0: domain to destroy
func DomainDestroy(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	return 0, nil, t.DestroyDomain(hik.DomainID(args[0].Uint()))
}

// ThreadCreate implements the ThreadCreate syscall.
//
//	a0: domain, the caller's own or a child
//	a1: entry point
//	a2: priority
//
// The result is the new thread's ID.
func ThreadCreate(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	prio := hik.Priority(args[2].Uint64())
	if !prio.Valid() || prio == hik.PriorityIdle {
		return 0, nil, fmt.Errorf("%w: priority %d", hikerr.ErrInvalidParam, args[2].Uint64())
	}
	th, err := t.CreateThread(hik.DomainID(args[0].Uint()), args[1].Uint64(), prio)
	return uint64(th), nil, err
}

// ThreadYield implements the ThreadYield syscall.
func ThreadYield(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	t.Yield()
	return 0, nil, nil
}
