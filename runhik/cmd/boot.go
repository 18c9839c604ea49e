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
	"encoding/json"
	"flag"
	"io"

	"github.com/google/subcommands"

	"hik.dev/hik/runhik/cmd/util"
	"hik.dev/hik/runhik/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// bootConfig is the YAML boot configuration. It overrides the
	// global --boot-config.
	bootConfig string

	// irqs are raised after boot, before the first tick.
	irqs vectorFlags

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a simulated kernel, run it and print its state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [--boot-config=<boot.yaml>] [--irq=<vector>]... - boots a kernel on the simulated machine, runs --ticks timer ticks and prints the kernel state as JSON
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.bootConfig, "boot-config", "", "YAML boot configuration. Overrides the global --boot-config.")
	f.Var(&b.irqs, "irq", "IRQ vector to raise after boot. May be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	env, runErr := bootAndRun(conf, b.bootConfig, b.irqs)
	if env == nil {
		return util.Errorf("boot failed: %v", runErr)
	}
	enc := json.NewEncoder(stdout(b.stdout))
	enc.SetIndent("", "  ")
	if err := enc.Encode(env.K.Snapshot()); err != nil {
		return util.Errorf("writing state: %v", err)
	}
	if runErr != nil {
		return util.Errorf("run failed: %v", runErr)
	}
	return subcommands.ExitSuccess
}
