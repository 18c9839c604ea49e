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

	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/kernel"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
)

// ShmemAlloc implements the ShmemAlloc syscall.
//
//	a0: size in bytes, rounded up to whole pages
//
// The result is a handle for a memory capability over the new region with
// read, write, grant and revoke rights.
func ShmemAlloc(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	id, err := t.AllocShared(args[0].Uint64())
	if err != nil {
		return 0, nil, err
	}
	h, err := t.Handle(id)
	return h, nil, err
}

// ShmemMap implements the ShmemMap syscall.
//
//	a0: handle of a memory capability
//	a1: page-aligned virtual address
//	a2: permissions, a combination of read (1), write (2) and execute (4)
func ShmemMap(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	id, err := t.ResolveHandle(args[0].Uint64())
	if err != nil {
		return 0, nil, err
	}
	perms := args[2].Uint64()
	if perms == 0 || perms&^uint64(asm.PermRead|asm.PermWrite|asm.PermExecute) != 0 {
		return 0, nil, fmt.Errorf("%w: permissions %#x", hikerr.ErrInvalidParam, perms)
	}
	return 0, nil, t.MapCap(id, hikarch.VirtAddr(args[1].Uint64()), asm.Perms(perms))
}
