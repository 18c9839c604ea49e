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

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	bootConfig string
	irqs       vectorFlags
	format     string

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a kernel and export its metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [--format=prometheus|json] - boots and runs a kernel, then writes its metrics
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.bootConfig, "boot-config", "", "YAML boot configuration. Overrides the global --boot-config.")
	f.Var(&m.irqs, "irq", "IRQ vector to raise after boot. May be repeated.")
	f.StringVar(&m.format, "format", "prometheus", "output format: prometheus or json.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || (m.format != "prometheus" && m.format != "json") {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	env, runErr := bootAndRun(conf, m.bootConfig, m.irqs)
	if env == nil {
		return util.Errorf("boot failed: %v", runErr)
	}
	out := stdout(m.stdout)
	var err error
	if m.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(env.K.Metrics())
	} else {
		err = env.K.WriteMetrics(out)
	}
	if err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	if runErr != nil {
		return util.Errorf("run failed: %v", runErr)
	}
	return subcommands.ExitSuccess
}
