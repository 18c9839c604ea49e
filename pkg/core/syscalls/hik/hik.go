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

// Package hik provides the syscall table of the core.
//
// Capabilities cross the syscall boundary as handles minted for the calling
// domain; see capability.Table.Handle. Syscalls that produce a capability
// return the caller's handle for it in the result register.
package hik

import (
	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/kernel"
)

// Table is the syscall table. Numbers 0 through 9 are stable; IpcReturn is
// an extension.
var Table = &kernel.SyscallTable{
	Table: map[hik.Sysno]kernel.Syscall{
		hik.SysIpcCall:       {Name: "ipc_call", Fn: IpcCall},
		hik.SysCapTransfer:   {Name: "cap_transfer", Fn: CapTransfer},
		hik.SysCapDerive:     {Name: "cap_derive", Fn: CapDerive},
		hik.SysCapRevoke:     {Name: "cap_revoke", Fn: CapRevoke},
		hik.SysDomainCreate:  {Name: "domain_create", Fn: DomainCreate},
		hik.SysDomainDestroy: {Name: "domain_destroy", Fn: DomainDestroy},
		hik.SysThreadCreate:  {Name: "thread_create", Fn: ThreadCreate},
		hik.SysThreadYield:   {Name: "thread_yield", Fn: ThreadYield},
		hik.SysShmemAlloc:    {Name: "shmem_alloc", Fn: ShmemAlloc},
		hik.SysShmemMap:      {Name: "shmem_map", Fn: ShmemMap},
		hik.SysIpcReturn:     {Name: "ipc_return", Fn: IpcReturn},
	},
}
