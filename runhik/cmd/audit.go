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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/log"
	"hik.dev/hik/runhik/cmd/util"
	"hik.dev/hik/runhik/config"
)

// Audit implements subcommands.Command for the "audit" command.
type Audit struct {
	bootConfig string
	irqs       vectorFlags

	// out is the file the binary audit stream is written to.
	out string

	// in is an audit stream to print instead of running a kernel.
	in string

	// watch lists the record kinds logged as they happen.
	watch string

	// watchRate caps the number of records logged per second.
	watchRate float64

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Audit) Name() string {
	return "audit"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Audit) Synopsis() string {
	return "run a kernel and save or print its audit log"
}

// Usage implements subcommands.Command.Usage.
func (*Audit) Usage() string {
	return `audit [flags] - boots and runs a kernel, then writes its audit ring as binary records
audit --in=<file> - prints the records of a saved audit stream
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Audit) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.bootConfig, "boot-config", "", "YAML boot configuration. Overrides the global --boot-config.")
	f.Var(&a.irqs, "irq", "IRQ vector to raise after boot. May be repeated.")
	f.StringVar(&a.out, "out", "", "file to write the audit stream to. Defaults to audit.bin in the root directory.")
	f.StringVar(&a.in, "in", "", "audit stream to print.")
	f.StringVar(&a.watch, "watch", "", "comma separated audit kinds to log while the kernel runs.")
	f.Float64Var(&a.watchRate, "watch-rate", 100, "maximum number of watched records logged per second.")
}

// Execute implements subcommands.Command.Execute.
func (a *Audit) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if a.in != "" {
		b, err := readFile(a.in)
		if err != nil {
			return util.Errorf("reading audit stream: %v", err)
		}
		recs, err := audit.ReadRecords(b)
		if err != nil {
			return util.Errorf("decoding audit stream: %v", err)
		}
		if err := printRecords(stdout(a.stdout), recs); err != nil {
			return util.Errorf("printing records: %v", err)
		}
		return subcommands.ExitSuccess
	}

	kinds, err := parseKinds(a.watch)
	if err != nil {
		return util.Errorf("%v", err)
	}
	env, err := start(conf, a.bootConfig)
	if err != nil {
		return util.Errorf("boot failed: %v", err)
	}
	if len(kinds) > 0 {
		logger := audit.WatcherFunc(func(rec hik.AuditRecord) bool {
			log.Infof("audit: %s", formatRecord(rec))
			return false
		})
		env.K.AuditRing().AddWatcher(audit.KindFilter(audit.RateLimitedWatcher(logger, a.watchRate, int(a.watchRate)+1), kinds...))
	}
	runErr := drive(conf, env, a.irqs)

	path := outputPath(conf, a.out, "audit.bin")
	if err := writeFile(path, func(w io.Writer) error {
		_, err := env.K.AuditRing().WriteTo(w)
		return err
	}); err != nil {
		return util.Errorf("writing audit stream: %v", err)
	}
	util.Infof("Wrote %d audit records to %q", len(env.K.Audit()), path)
	if runErr != nil {
		return util.Errorf("run failed: %v", runErr)
	}
	return subcommands.ExitSuccess
}

func parseKinds(list string) ([]hik.AuditKind, error) {
	if list == "" {
		return nil, nil
	}
	var kinds []hik.AuditKind
	for _, name := range strings.Split(list, ",") {
		k, err := hik.ParseAuditKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func formatRecord(rec hik.AuditRecord) string {
	result := "ok"
	if rec.Result != hik.AuditSuccess {
		result = "fail"
	}
	return fmt.Sprintf("#%d t=%d %v domain=%d cap=%d thread=%d %s %#x", rec.Sequence, rec.Timestamp, rec.Kind, rec.Domain, rec.Cap, rec.Thread, result, rec.Data)
}

func printRecords(out io.Writer, recs []hik.AuditRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "SEQ\tTIME\tKIND\tDOMAIN\tCAP\tTHREAD\tRESULT\tDATA\n")
	for _, rec := range recs {
		result := "ok"
		if rec.Result != hik.AuditSuccess {
			result = "fail"
		}
		fmt.Fprintf(w, "%d\t%d\t%v\t%d\t%d\t%d\t%s\t%#x\n", rec.Sequence, rec.Timestamp, rec.Kind, rec.Domain, rec.Cap, rec.Thread, result, rec.Data)
	}
	return w.Flush()
}
