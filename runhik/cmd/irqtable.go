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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/runhik/cmd/util"
	"hik.dev/hik/runhik/config"
)

// IRQTable implements subcommands.Command for the "irqtable" command.
type IRQTable struct {
	bootConfig string

	// out is the file the encoded routing table is written to.
	out string

	// in is an encoded routing table installed before the table is
	// printed.
	in string

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*IRQTable) Name() string {
	return "irqtable"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*IRQTable) Synopsis() string {
	return "save, load or print the IRQ routing table"
}

// Usage implements subcommands.Command.Usage.
func (*IRQTable) Usage() string {
	return `irqtable [--in=<file>] [--out=<file>] - boots a kernel, optionally installs a saved routing table, prints the routes and saves the table
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *IRQTable) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.bootConfig, "boot-config", "", "YAML boot configuration. Overrides the global --boot-config.")
	f.StringVar(&t.in, "in", "", "saved routing table to install after boot.")
	f.StringVar(&t.out, "out", "", "file to save the routing table to. Defaults to irq.bin in the root directory.")
}

// Execute implements subcommands.Command.Execute.
func (t *IRQTable) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	env, err := start(conf, t.bootConfig)
	if err != nil {
		return util.Errorf("boot failed: %v", err)
	}
	if t.in != "" {
		b, err := readFile(t.in)
		if err != nil {
			return util.Errorf("reading routing table: %v", err)
		}
		table, err := hik.DecodeIRQTable(b)
		if err != nil {
			return util.Errorf("decoding routing table: %v", err)
		}
		if err := env.K.ImportIRQTable(hik.CoreDomain, table); err != nil {
			return util.Errorf("installing routing table: %v", err)
		}
	}

	table := env.K.IRQTable()
	if err := printRoutes(stdout(t.stdout), table); err != nil {
		return util.Errorf("printing routes: %v", err)
	}
	path := outputPath(conf, t.out, "irq.bin")
	if err := writeFile(path, func(w io.Writer) error {
		_, err := w.Write(hik.EncodeIRQTable(table))
		return err
	}); err != nil {
		return util.Errorf("writing routing table: %v", err)
	}
	util.Infof("Saved the routing table to %q", path)
	return subcommands.ExitSuccess
}

func printRoutes(out io.Writer, table *[hik.NumIRQVectors]hik.IRQRouteEntry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "VECTOR\tDOMAIN\tHANDLER\tCAP\n")
	for v, e := range table {
		if e.Flags&hik.IRQRoutePresent == 0 {
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%#x\t%d\n", v, e.TargetDomain, e.HandlerPC, e.EndpointCap)
	}
	return w.Flush()
}
