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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"

	"hik.dev/hik/pkg/core/kernel"
	"hik.dev/hik/runhik/cmd/util"
	"hik.dev/hik/runhik/config"
	"hik.dev/hik/runhik/scenario"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	parallel bool
	format   string

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run end-to-end scenarios against fresh kernels"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [--parallel] [--format=text|json] <S1..S6|all>... - runs each named scenario on its own simulated machine and reports pass or fail
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.parallel, "parallel", false, "run the scenarios concurrently.")
	f.StringVar(&s.format, "format", "text", "output format: text or json.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.format != "text" && s.format != "json" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	names := f.Args()
	if len(names) == 0 {
		names = []string{"all"}
	}
	list, err := scenario.Lookup(names)
	if err != nil {
		return util.Errorf("%v", err)
	}
	newArgs := func() kernel.Args {
		args := scenario.Machine()
		applyConfig(&args, conf)
		return args
	}
	results, err := scenario.Run(ctx, list, newArgs, s.parallel)
	if err != nil {
		return util.Errorf("running scenarios: %v", err)
	}

	if err := s.report(results); err != nil {
		return util.Errorf("writing results: %v", err)
	}
	for _, r := range results {
		if !r.Passed {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func (s *Scenario) report(results []scenario.Result) error {
	out := stdout(s.stdout)
	if s.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "SCENARIO\tRESULT\tAUDIT\tDURATION\tERROR\n")
	for _, r := range results {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\n", r.Name, result, r.Audit, r.Duration, r.Error)
	}
	return w.Flush()
}
