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

package scenario

import (
	"fmt"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/hikarch"
)

func init() {
	Register(Scenario{Name: "S1", Description: "capability create, transfer and revoke", Run: capTransferRevoke})
	Register(Scenario{Name: "S2", Description: "derived rights are a subset", Run: deriveSubset})
	Register(Scenario{Name: "S3", Description: "memory isolation and frame reuse", Run: memoryIsolation})
	Register(Scenario{Name: "S4", Description: "cross-domain call returns to the caller", Run: callReturn})
	Register(Scenario{Name: "S5", Description: "memory quota exceeded", Run: quotaExceeded})
	Register(Scenario{Name: "S6", Description: "IRQ dispatch to a domain handler", Run: irqDispatch})
}

var quota = domain.Quota{MaxMemory: 1 << 20, MaxThreads: 4, MaxCaps: 4, CPUPercent: 10}

const rw = capability.RightRead | capability.RightWrite

func capTransferRevoke(e *Env) error {
	d1, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	d2, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	c1, err := e.K.CreateMemoryCap(d1, 0x1000, 0x1000, rw)
	if err != nil {
		return fmt.Errorf("create_memory: %w", err)
	}
	if err := e.K.Transfer(d1, d2, c1); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := expect("check(D1, c1, R)", e.K.Check(d1, c1, capability.RightRead), hik.StatusPermission); err != nil {
		return err
	}
	if err := expect("check(D2, c1, R)", e.K.Check(d2, c1, capability.RightRead), hik.StatusSuccess); err != nil {
		return err
	}
	if err := e.K.Revoke(c1); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	return expect("check(D2, c1, R) after revoke", e.K.Check(d2, c1, capability.RightRead), hik.StatusCapRevoked)
}

func deriveSubset(e *Env) error {
	d1, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	c1, err := e.K.CreateMemoryCap(d1, 0x1000, 0x1000, rw|capability.RightExecute)
	if err != nil {
		return fmt.Errorf("create_memory: %w", err)
	}
	c2, err := e.K.Derive(d1, c1, capability.RightRead)
	if err != nil {
		return fmt.Errorf("derive(c1, R): %w", err)
	}
	_, err = e.K.Derive(d1, c2, capability.RightWrite)
	return expect("derive(c2, W)", err, hik.StatusInvalidParam)
}

func memoryIsolation(e *Env) error {
	d1, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	d2, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	a1, err := e.K.AllocFrames(d1, 2)
	if err != nil || a1 != RAMBase {
		return fmt.Errorf("alloc(D1, 2) = %v, %v, want %#x", a1, err, RAMBase)
	}
	a2, err := e.K.AllocFrames(d2, 2)
	if want := hikarch.PhysAddr(RAMBase + 2*hikarch.PageSize); err != nil || a2 != want {
		return fmt.Errorf("alloc(D2, 2) = %v, %v, want %v", a2, err, want)
	}
	if err := e.K.VerifyIsolation(d1, d2); err != nil {
		return err
	}
	if err := e.K.FreeFrames(a1, 2); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	a3, err := e.K.AllocFrames(d2, 2)
	if err != nil || a3 != RAMBase {
		return fmt.Errorf("alloc(D2, 2) after free = %v, %v, want %#x", a3, err, RAMBase)
	}
	return nil
}

func callReturn(e *Env) error {
	const (
		callerPC = 0x1000
		calleePC = 0x2000
	)
	d1, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	d2, err := e.Domain(quota, calleePC)
	if err != nil {
		return err
	}
	th, err := e.Run(d1, callerPC)
	if err != nil {
		return err
	}
	ep, err := e.K.CreateEndpoint(d1, d2, 1)
	if err != nil {
		return fmt.Errorf("create_endpoint: %w", err)
	}
	h, err := e.K.HandleFor(d1, ep)
	if err != nil {
		return err
	}

	if _, _, err := e.Syscall(hik.SysIpcCall, h); err != nil {
		return err
	}
	if pc := e.CPU.Regs().PC; pc != calleePC {
		return fmt.Errorf("call resumed at %#x, want the callee entry %#x", pc, calleePC)
	}
	if d := e.K.CallDepth(th); d != 1 {
		return fmt.Errorf("call depth = %d in the callee, want 1", d)
	}

	status, result, err := e.Syscall(hik.SysIpcReturn, 42)
	if err != nil {
		return err
	}
	if status != hik.StatusSuccess || result != 42 {
		return fmt.Errorf("caller resumed with %v, %d, want Success, 42", status, result)
	}
	if pc := e.CPU.Regs().PC; pc != callerPC {
		return fmt.Errorf("return resumed at %#x, want %#x", pc, callerPC)
	}
	if d := e.K.CallDepth(th); d != 0 {
		return fmt.Errorf("call depth = %d after return, want 0", d)
	}
	return nil
}

func quotaExceeded(e *Env) error {
	q := quota
	q.MaxMemory = 8 << 10
	d, err := e.Domain(q, 0)
	if err != nil {
		return err
	}
	before := e.K.Snapshot().Frames.Free
	_, err = e.K.AllocFrames(d, 3)
	if err := expect("alloc(3 frames)", err, hik.StatusQuotaExceeded); err != nil {
		return err
	}
	dom, err := e.K.Domain(d)
	if err != nil {
		return err
	}
	if dom.Usage.MemoryUsed != 0 {
		return fmt.Errorf("%d bytes charged after a refused allocation", dom.Usage.MemoryUsed)
	}
	if after := e.K.Snapshot().Frames.Free; after != before {
		return fmt.Errorf("free frames went from %d to %d", before, after)
	}
	return nil
}

func irqDispatch(e *Env) error {
	const (
		vector    = 32
		handlerPC = 0x3000
	)
	d1, err := e.Domain(quota, 0)
	if err != nil {
		return err
	}
	ep, err := e.K.CreateEndpoint(d1, d1, 1)
	if err != nil {
		return fmt.Errorf("create_endpoint: %w", err)
	}
	runs := 0
	e.CPU.SetHook(handlerPC, func(ctx *hal.Context) {
		if ctx.Regs[0] == vector {
			runs++
		}
	})
	if err := e.K.RegisterIRQ(hik.CoreDomain, vector, d1, handlerPC, ep); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := e.K.RaiseIRQ(vector); err != nil {
		return fmt.Errorf("raise: %w", err)
	}
	if runs != 1 {
		return fmt.Errorf("handler ran %d times, want 1", runs)
	}
	var irqs []hik.AuditRecord
	for _, rec := range e.K.Audit() {
		if rec.Kind == hik.AuditIrq {
			irqs = append(irqs, rec)
		}
	}
	if len(irqs) != 1 || irqs[0].Domain != d1 || irqs[0].Data[0] != vector || irqs[0].Result != hik.AuditSuccess {
		return fmt.Errorf("irq audit records = %+v, want one Irq(vector=%d, domain=%d, result=ok)", irqs, vector, d1)
	}
	return nil
}
