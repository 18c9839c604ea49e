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

// Package hal defines the surface between the kernel core and the CPU it runs
// on. A new target is added by implementing HAL; the core never branches on
// the target.
package hal

import (
	"fmt"

	"hik.dev/hik/pkg/hikarch"
)

// NumRegs is the number of general purpose registers in a Context.
const NumRegs = 16

// Context is an architectural register file as saved on kernel entry.
type Context struct {
	Regs  [NumRegs]uint64
	PC    uint64
	SP    uint64
	Flags uint64
}

// String implements fmt.Stringer.String.
func (c *Context) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x r0=%#x r1=%#x", c.PC, c.SP, c.Regs[0], c.Regs[1])
}

// HAL is the set of architecture primitives the core relies on.
//
// Atomic compare-and-swap is provided by sync/atomic on every target and is
// not part of this interface.
type HAL interface {
	// SaveContext copies the interrupted CPU state into ctx.
	SaveContext(ctx *Context)

	// RestoreContext loads ctx into the CPU. Control reaches ctx.PC when
	// the kernel exits.
	RestoreContext(ctx *Context)

	// MemoryBarrier orders all prior memory accesses before later ones.
	MemoryBarrier()

	// DisableInterrupts masks interrupts and returns whether they were
	// enabled before.
	DisableInterrupts() bool

	// RestoreInterrupts unmasks interrupts if enabled is true.
	RestoreInterrupts(enabled bool)

	// AckIRQ signals end of interrupt for vector.
	AckIRQ(vector uint8)

	// SwitchAddressSpace writes the translation root register and
	// flushes the TLB.
	SwitchAddressSpace(root hikarch.PhysAddr)

	// MonotonicNow returns a non-decreasing tick count.
	MonotonicNow() uint64

	// Halt stops the CPU. On hosted targets it returns.
	Halt(reason string)
}

// Critical runs fn with interrupts masked.
func Critical(h HAL, fn func()) {
	enabled := h.DisableInterrupts()
	defer h.RestoreInterrupts(enabled)
	fn()
}
