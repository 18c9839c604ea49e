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

import "fmt"

// Sysno is a syscall number. Numbers 0 through 9 are stable.
type Sysno uint32

// Syscall numbers.
const (
	SysIpcCall       Sysno = 0
	SysCapTransfer   Sysno = 1
	SysCapDerive     Sysno = 2
	SysCapRevoke     Sysno = 3
	SysDomainCreate  Sysno = 4
	SysDomainDestroy Sysno = 5
	SysThreadCreate  Sysno = 6
	SysThreadYield   Sysno = 7
	SysShmemAlloc    Sysno = 8
	SysShmemMap      Sysno = 9

	// SysIpcReturn returns from the innermost cross-domain call.
	SysIpcReturn Sysno = 10

	// NumSyscalls is one more than the largest syscall number.
	NumSyscalls = int(SysIpcReturn) + 1
)

var sysnoNames = [...]string{
	SysIpcCall:       "IpcCall",
	SysCapTransfer:   "CapTransfer",
	SysCapDerive:     "CapDerive",
	SysCapRevoke:     "CapRevoke",
	SysDomainCreate:  "DomainCreate",
	SysDomainDestroy: "DomainDestroy",
	SysThreadCreate:  "ThreadCreate",
	SysThreadYield:   "ThreadYield",
	SysShmemAlloc:    "ShmemAlloc",
	SysShmemMap:      "ShmemMap",
	SysIpcReturn:     "IpcReturn",
}

// String implements fmt.Stringer.String.
func (s Sysno) String() string {
	if int(s) < len(sysnoNames) {
		return sysnoNames[s]
	}
	return fmt.Sprintf("Sysno(%d)", uint32(s))
}

// Register assignments for the syscall ABI. The syscall number is passed in
// RegSysno, which also receives the status on return. Arguments follow in
// RegArg0 onwards; RegResult carries a secondary result (a new handle, a
// domain or thread id, or an IPC return value).
const (
	RegSysno  = 0
	RegArg0   = 1
	RegResult = 1
	NumArgs   = 6
)
