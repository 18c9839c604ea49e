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
	"hik.dev/hik/pkg/core/kernel"
)

// IpcCall implements the IpcCall syscall.
//
//	a0: handle of an endpoint
//	a1..a5: arguments passed to the callee
//
// On success the thread continues in the target domain at its entry point
// with the endpoint tag in the status register and the arguments after it.
// When the callee returns, the caller sees the callee's status and result.
func IpcCall(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	ep, err := t.ResolveHandle(args[0].Uint64())
	if err != nil {
		return 0, nil, err
	}
	var in [len(args) - 1]uint64
	for i := range in {
		in[i] = args[i+1].Uint64()
	}
	if err := t.Call(ep, in[:]); err != nil {
		return 0, nil, err
	}
	return 0, kernel.CtrlIgnoreReturn, nil
}

// IpcReturn implements the IpcReturn syscall.
//
//	a0: result for the caller
//
// The caller of the innermost call resumes with a success status and the
// result. A thread with no call to return from exits.
func IpcReturn(t *kernel.Task, args kernel.SyscallArguments) (uint64, *kernel.SyscallControl, error) {
	if err := t.Return(args[0].Uint64()); err != nil {
		return 0, nil, err
	}
	return 0, kernel.CtrlIgnoreReturn, nil
}
