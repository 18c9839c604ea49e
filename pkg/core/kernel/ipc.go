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
)

// Call moves thread t into the domain targeted by endpoint ep. The
// thread's registers are saved in a new call frame and replaced by a fresh
// context at the callee's entry point, with the endpoint tag in
// Regs[RegSysno] and args from Regs[RegArg0].
func (k *Kernel) Call(t hik.ThreadID, ep hik.CapID, args []uint64) error {
	return k.op(func() error {
		return k.call(t, ep, args)
	})
}

func (k *Kernel) call(t hik.ThreadID, ep hik.CapID, args []uint64) error {
	payload, _, err := k.caps.Resolve(ep)
	if err != nil {
		return err
	}
	target, ok := payload.(capability.EndpointPayload)
	if !ok {
		return fmt.Errorf("%w: cap %d is not an endpoint", hikerr.ErrWrongKind, ep)
	}
	return k.xds.Call(t, target.Target, ep, target.Tag, args)
}

// Return resumes the caller of t's innermost call with a success status
// and result.
func (k *Kernel) Return(t hik.ThreadID, result uint64) error {
	return k.op(func() error {
		return k.xds.Return(t, result)
	})
}
