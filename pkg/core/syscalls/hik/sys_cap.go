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
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/kernel"
	"hik.dev/hik/pkg/errors/hikerr"
)

// CapTransfer implements the CapTransfer syscall.
//
//	a0: handle of the capability to move
//	a1: recipient domain
//
// The result is the recipient's handle for the capability.
func CapTransfer(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	id, err := t.ResolveHandle(args[0].Uint64())
	if err != nil {
		return 0, nil, err
	}
	h, err := t.TransferCap(id, hik.DomainID(args[1].Uint()))
	return h, nil, err
}

// CapDerive implements the CapDerive syscall.
//
//	a0: handle of the parent capability
//	a1: rights of the new capability, a subset of the parent's
func CapDerive(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	id, err := t.ResolveHandle(args[0].Uint64())
	if err != nil {
		return 0, nil, err
	}
	rights := args[1].Uint64()
	if rights > uint64(capability.AllRights) || !capability.Rights(rights).Valid() {
		return 0, nil, fmt.Errorf("%w: rights %#x", hikerr.ErrInvalidParam, rights)
	}
	child, err := t.DeriveCap(id, capability.Rights(rights))
	if err != nil {
		return 0, nil, err
	}
	h, err := t.Handle(child)
	return h, nil, err
}

// CapRevoke implements the CapRevoke syscall.
//
//	a0: handle of the capability to revoke
func CapRevoke(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	id, err := t.ResolveHandle(args[0].Uint64())
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, t.RevokeCap(id)
}
