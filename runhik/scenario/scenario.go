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

// Package scenario contains end-to-end runs of the core against a simulated
// machine. Each scenario boots its own kernel, drives it through the kernel
// API or the syscall gate, and checks what user code would observe.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/kernel"
	syscalls "hik.dev/hik/pkg/core/syscalls/hik"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal/sim"
	"hik.dev/hik/pkg/log"
)

// RAMBase is the first usable address of the scenario machine.
const RAMBase = 0x100000

// RAMSize is the usable RAM of the scenario machine.
const RAMSize = 16 << 20

// Machine returns boot arguments for the scenario machine. Usable RAM starts
// at RAMBase and the application domain has no threads. Callers may set the
// fields that do not describe the machine.
func Machine() kernel.Args {
	return kernel.Args{
		Syscalls: syscalls.Table,
		BootInfo: &hik.BootInfo{
			Magic:   hik.BootMagic,
			Version: hik.BootVersion,
			MemoryMap: []hik.MemoryRegion{
				{Base: 0, Length: RAMBase, Type: hik.MemoryReserved},
				{Base: RAMBase, Length: RAMSize, Type: hik.MemoryUsable},
			},
		},
	}
}

// Env is a booted kernel and the simulated CPU it runs on.
type Env struct {
	K     *kernel.Kernel
	CPU   *sim.CPU
	Clock *sim.ManualClock
}

// NewEnv boots a kernel with args on a fresh CPU.
func NewEnv(args kernel.Args) (*Env, error) {
	clock := &sim.ManualClock{}
	cpu := sim.New(clock)
	k, err := kernel.New(cpu, args)
	if err != nil {
		return nil, err
	}
	return &Env{K: k, CPU: cpu, Clock: clock}, nil
}

// Domain creates an application domain child of Core.
func (e *Env) Domain(q domain.Quota, entry uint64) (hik.DomainID, error) {
	return e.K.CreateDomain(hik.CoreDomain, domain.KindApplication, q, domain.Options{Entry: entry})
}

// Run creates a thread in d and makes it current.
func (e *Env) Run(d hik.DomainID, entry uint64) (hik.ThreadID, error) {
	th, err := e.K.CreateThread(d, entry, hik.PriorityNormal)
	if err != nil {
		return 0, err
	}
	if err := e.K.Schedule(); err != nil {
		return 0, err
	}
	if cur := e.K.Current(); cur != th {
		return 0, fmt.Errorf("current thread is %d, want %d", cur, th)
	}
	return th, nil
}

// Syscall traps into the kernel from the current thread with sysno and
// args, and returns the status and result registers it resumes with.
func (e *Env) Syscall(sysno hik.Sysno, args ...uint64) (hik.Status, uint64, error) {
	regs := e.CPU.Regs()
	regs.Regs = [len(regs.Regs)]uint64{}
	regs.Regs[hik.RegSysno] = uint64(sysno)
	copy(regs.Regs[hik.RegArg0:], args)
	if err := e.K.Syscall(); err != nil && hikerr.Equals(hikerr.ErrHalted, err) {
		return 0, 0, err
	}
	if err := e.Healthy(); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", sysno, err)
	}
	regs = e.CPU.Regs()
	return hik.Status(regs.Regs[hik.RegSysno]), regs.Regs[hik.RegResult], nil
}

// Healthy fails if the kernel halted or an invariant does not hold.
func (e *Env) Healthy() error {
	if halted, why := e.K.Halted(); halted {
		return fmt.Errorf("kernel halted: %s", why)
	}
	return e.K.CheckInvariants()
}

// expect fails unless err carries status want.
func expect(op string, err error, want hik.Status) error {
	if got := hikerr.ToStatus(err); got != want {
		return fmt.Errorf("%s = %v (%v), want %v", op, got, err, want)
	}
	return nil
}

// Scenario is one end-to-end run.
type Scenario struct {
	Name        string
	Description string
	Run         func(e *Env) error
}

var (
	mu        sync.Mutex
	scenarios = make(map[string]Scenario)
)

// Register adds s to the set of known scenarios. It panics on a duplicate
// name.
func Register(s Scenario) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := scenarios[s.Name]; ok {
		panic(fmt.Sprintf("duplicate scenario %q", s.Name))
	}
	scenarios[s.Name] = s
}

// All returns every scenario ordered by name.
func All() []Scenario {
	mu.Lock()
	defer mu.Unlock()
	all := make([]Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Lookup returns the scenarios named in names. "all" selects every
// scenario. Names are case-insensitive.
func Lookup(names []string) ([]Scenario, error) {
	var out []Scenario
	for _, name := range names {
		if strings.EqualFold(name, "all") {
			return All(), nil
		}
		mu.Lock()
		s, ok := scenarios[strings.ToUpper(name)]
		mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Audit    int           `json:"audit_records"`
}

// RunOne boots a kernel with args and runs s on it.
func RunOne(s Scenario, args kernel.Args) Result {
	start := time.Now()
	res := Result{Name: s.Name}
	env, err := NewEnv(args)
	if err == nil {
		err = s.Run(env)
		if err == nil {
			err = env.Healthy()
		}
		res.Audit = len(env.K.Audit())
	}
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		log.Warningf("scenario %s failed: %v", s.Name, err)
	} else {
		res.Passed = true
		log.Infof("scenario %s passed in %v", s.Name, res.Duration)
	}
	return res
}

// Run runs every scenario in list, each against a kernel booted with the
// arguments returned by newArgs. With parallel set the kernels run
// concurrently. Results are in the order of list.
func Run(ctx context.Context, list []Scenario, newArgs func() kernel.Args, parallel bool) ([]Result, error) {
	results := make([]Result, len(list))
	g, ctx := errgroup.WithContext(ctx)
	if !parallel {
		g.SetLimit(1)
	}
	for i, s := range list {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = RunOne(s, newArgs())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
