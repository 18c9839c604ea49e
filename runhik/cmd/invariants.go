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

package cmd

import (
	"context"
	"flag"
	"io"

	"github.com/google/subcommands"

	"hik.dev/hik/pkg/core/fvm"
	"hik.dev/hik/runhik/cmd/util"
	"hik.dev/hik/runhik/config"
)

// Invariants implements subcommands.Command for the "invariants" command.
type Invariants struct {
	bootConfig string
	irqs       vectorFlags

	// dot prints the invariant dependency graph and exits.
	dot bool

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Invariants) Name() string {
	return "invariants"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Invariants) Synopsis() string {
	return "run a kernel and report on its invariant monitor"
}

// Usage implements subcommands.Command.Usage.
func (*Invariants) Usage() string {
	return `invariants [flags] - boots and runs a kernel, verifies every proof checkpoint and prints the monitor report
invariants --dot - prints the invariant dependency graph in Graphviz format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Invariants) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.bootConfig, "boot-config", "", "YAML boot configuration. Overrides the global --boot-config.")
	f.Var(&i.irqs, "irq", "IRQ vector to raise after boot. May be repeated.")
	f.BoolVar(&i.dot, "dot", false, "print the dependency graph instead of running a kernel.")
}

// Execute implements subcommands.Command.Execute.
func (i *Invariants) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := stdout(i.stdout)

	if i.dot {
		if err := fvm.WriteDOT(out); err != nil {
			return util.Errorf("writing graph: %v", err)
		}
		return subcommands.ExitSuccess
	}

	env, runErr := bootAndRun(conf, i.bootConfig, i.irqs)
	if env == nil {
		return util.Errorf("boot failed: %v", runErr)
	}
	failed := 0
	for _, cp := range env.K.VerifyCheckpoints() {
		if !cp.Holds {
			failed++
		}
	}
	if err := env.K.WriteInvariantReport(out); err != nil {
		return util.Errorf("writing report: %v", err)
	}
	if runErr != nil {
		return util.Errorf("run failed: %v", runErr)
	}
	if failed > 0 {
		return util.Errorf("%d proof checkpoints do not hold", failed)
	}
	return subcommands.ExitSuccess
}
