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
	"hik.dev/hik/pkg/core/fvm"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/log"
)

// SyscallArgument is an argument register.
type SyscallArgument struct {
	Value uint64
}

// Uint64 returns the argument as a uint64.
func (a SyscallArgument) Uint64() uint64 {
	return a.Value
}

// Uint returns the low 32 bits of the argument.
func (a SyscallArgument) Uint() uint32 {
	return uint32(a.Value)
}

// Int returns the argument as an int.
func (a SyscallArgument) Int() int {
	return int(a.Value)
}

// SyscallArguments are the argument registers of a syscall.
type SyscallArguments [hik.NumArgs]SyscallArgument

// SyscallControl is returned by a syscall that changes control flow.
type SyscallControl struct {
	ignoreReturn bool
}

// CtrlIgnoreReturn tells the gate the handler has already set up the
// registers the caller resumes with.
var CtrlIgnoreReturn = &SyscallControl{ignoreReturn: true}

// SyscallFn is a syscall implementation. It runs with the kernel lock held
// and interrupts masked. The returned value is written to the secondary
// result register.
type SyscallFn func(t *Task, args SyscallArguments) (uint64, *SyscallControl, error)

// Syscall is one syscall table entry.
type Syscall struct {
	Name string
	Fn   SyscallFn
}

// SyscallTable maps syscall numbers to implementations.
type SyscallTable struct {
	Table map[hik.Sysno]Syscall

	// Missing is called for numbers with no entry. If nil, they fail with
	// hikerr.ErrBadSyscall.
	Missing func(t *Task, sysno hik.Sysno, args SyscallArguments) (uint64, error)
}

// Lookup returns the entry for sysno.
func (s *SyscallTable) Lookup(sysno hik.Sysno) (Syscall, bool) {
	sc, ok := s.Table[sysno]
	return sc, ok && sc.Fn != nil
}

func (s *SyscallTable) call(t *Task, sysno hik.Sysno, args SyscallArguments) (uint64, *SyscallControl, error) {
	if sc, ok := s.Lookup(sysno); ok {
		return sc.Fn(t, args)
	}
	if s.Missing != nil {
		ret, err := s.Missing(t, sysno, args)
		return ret, nil, err
	}
	return 0, nil, fmt.Errorf("%w: %v", hikerr.ErrBadSyscall, sysno)
}

// counts samples the quantities the atomicity table constrains.
func (k *Kernel) counts() fvm.Counts {
	st := k.frames.Stats()
	return fvm.Counts{
		Caps:    int64(k.caps.Live()),
		Frames:  int64(st.Total - st.Free),
		Threads: int64(k.sched.Len()),
		Domains: int64(len(k.domains.Active())),
	}
}

// Syscall handles a syscall trap taken by the current thread. The syscall
// number is in Regs[RegSysno] and the arguments follow it. On return the
// caller's Regs[RegSysno] holds the status and Regs[RegResult] the
// secondary result; the error, if any, is the one the status was made
// from. A syscall from the idle thread fails with ErrInvalidState.
//
// Each syscall is audited and its effect on the kernel's object counts is
// checked against the atomicity table; a syscall that breaks it panics the
// kernel.
func (k *Kernel) Syscall() error {
	return k.trap(func(cur hik.ThreadID) error {
		if cur == hik.IdleThread {
			return fmt.Errorf("%w: syscall with no current thread", hikerr.ErrInvalidState)
		}
		ctx, err := k.sched.Context(cur)
		if err != nil {
			return err
		}
		dom, err := k.sched.Executing(cur)
		if err != nil {
			return err
		}
		sysno := hik.Sysno(ctx.Regs[hik.RegSysno])
		var args SyscallArguments
		for i := range args {
			args[i].Value = ctx.Regs[hik.RegArg0+i]
		}

		pre := k.counts()
		t := &Task{k: k, thread: cur, domain: dom}
		ret, ctl, err := k.syscalls.call(t, sysno, args)
		status := hikerr.ToStatus(err)
		k.audit.Record(hik.AuditSyscall, dom, hik.InvalidCap, cur, err == nil, uint64(sysno), uint64(status))
		k.syscallCount.Increment(syscallField(sysno))
		if err != nil {
			log.Debugf("kernel: thread %d syscall %v: %v", cur, sysno, err)
		}

		if ctl == nil || !ctl.ignoreReturn {
			if ctx, cerr := k.sched.Context(cur); cerr == nil {
				ctx.Regs[hik.RegSysno] = uint64(status)
				ctx.Regs[hik.RegResult] = ret
			}
		}
		if int(sysno) < hik.NumSyscalls {
			if aerr := k.monitor.VerifySyscallAtomicity(sysno, pre, k.counts()); aerr != nil {
				k.panicLocked(aerr.Error())
			}
		}
		return err
	})
}

func syscallField(sysno hik.Sysno) string {
	if int(sysno) < hik.NumSyscalls {
		return sysno.String()
	}
	return "unknown"
}
