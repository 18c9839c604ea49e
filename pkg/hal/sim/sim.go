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

// Package sim is a hosted HAL target. It models one CPU: a live register
// file, the interrupt flag, the translation root and a monotonic clock. It
// records the side effects the kernel asks for so tests can observe them.
package sim

import (
	"sync"

	"golang.org/x/sys/unix"

	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hikarch"
	"hik.dev/hik/pkg/log"
)

// Hook runs when control reaches its PC. It sees the live register file and
// must not re-enter the kernel.
type Hook func(cpu *hal.Context)

// Clock is the source for MonotonicNow.
type Clock interface {
	Now() uint64
}

// ManualClock is a Clock advanced explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// Now implements Clock.Now.
func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d ticks.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// HostClock reads the host's CLOCK_MONOTONIC in nanoseconds.
type HostClock struct{}

// Now implements Clock.Now.
func (HostClock) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		log.Warningf("sim: clock_gettime failed: %v", err)
		return 0
	}
	return uint64(ts.Nano())
}

// CPU implements hal.HAL.
type CPU struct {
	mu sync.Mutex

	live       hal.Context
	irqEnabled bool
	root       hikarch.PhysAddr
	clock      Clock

	barriers int
	switches int
	acked    []uint8
	restores []uint64
	hooks    map[uint64]Hook
	inHook   bool

	halted     bool
	haltReason string
}

var _ hal.HAL = (*CPU)(nil)

// New returns a CPU with interrupts enabled and the given clock. A nil clock
// selects a ManualClock.
func New(clock Clock) *CPU {
	if clock == nil {
		clock = &ManualClock{}
	}
	return &CPU{
		irqEnabled: true,
		clock:      clock,
		hooks:      make(map[uint64]Hook),
	}
}

// Regs returns the live register file. Callers stand in for user code: they
// set syscall arguments here before trapping into the kernel and read
// results after.
func (c *CPU) Regs() *hal.Context {
	return &c.live
}

// SetHook installs fn at pc, replacing any previous hook.
func (c *CPU) SetHook(pc uint64, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[pc] = fn
}

// SaveContext implements hal.HAL.SaveContext.
func (c *CPU) SaveContext(ctx *hal.Context) {
	*ctx = c.live
}

// RestoreContext implements hal.HAL.RestoreContext.
func (c *CPU) RestoreContext(ctx *hal.Context) {
	c.mu.Lock()
	c.live = *ctx
	c.restores = append(c.restores, ctx.PC)
	hook, ok := c.hooks[ctx.PC]
	if !ok || c.inHook {
		c.mu.Unlock()
		return
	}
	c.inHook = true
	c.mu.Unlock()

	hook(&c.live)

	c.mu.Lock()
	c.inHook = false
	c.mu.Unlock()
}

// MemoryBarrier implements hal.HAL.MemoryBarrier.
func (c *CPU) MemoryBarrier() {
	c.mu.Lock()
	c.barriers++
	c.mu.Unlock()
}

// DisableInterrupts implements hal.HAL.DisableInterrupts.
func (c *CPU) DisableInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.irqEnabled
	c.irqEnabled = false
	return was
}

// RestoreInterrupts implements hal.HAL.RestoreInterrupts.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.irqEnabled = true
	}
}

// AckIRQ implements hal.HAL.AckIRQ.
func (c *CPU) AckIRQ(vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, vector)
}

// SwitchAddressSpace implements hal.HAL.SwitchAddressSpace.
func (c *CPU) SwitchAddressSpace(root hikarch.PhysAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
	c.switches++
}

// MonotonicNow implements hal.HAL.MonotonicNow.
func (c *CPU) MonotonicNow() uint64 {
	return c.clock.Now()
}

// Halt implements hal.HAL.Halt.
func (c *CPU) Halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.halted {
		log.Warningf("sim: cpu halted: %s", reason)
	}
	c.halted = true
	c.haltReason = reason
	c.irqEnabled = false
}

// InterruptsEnabled returns the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irqEnabled
}

// Root returns the current translation root.
func (c *CPU) Root() hikarch.PhysAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Acked returns the vectors acknowledged so far, in order.
func (c *CPU) Acked() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.acked...)
}

// Restores returns the PCs of every restored context, in order.
func (c *CPU) Restores() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.restores...)
}

// Halted returns whether Halt was called, and its reason.
func (c *CPU) Halted() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted, c.haltReason
}

// Stats returns the barrier and address space switch counts.
func (c *CPU) Stats() (barriers, switches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barriers, c.switches
}
