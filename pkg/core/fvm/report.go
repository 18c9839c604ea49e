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

package fvm

import (
	"fmt"
	"io"
	"strings"
)

// WriteReport writes a human readable summary of the monitor.
func (m *Monitor) WriteReport(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %v\n", m.state)
	fmt.Fprintf(&b, "runs: %d\n", m.runs)
	fmt.Fprintf(&b, "coverage: %d%%\n", m.Coverage())
	fmt.Fprintf(&b, "%-5s %-22s %8s %8s %8s %8s\n", "id", "name", "checks", "passes", "failures", "skipped")
	for _, id := range m.order {
		c := m.counters[id]
		fmt.Fprintf(&b, "%-5s %-22s %8d %8d %8d %8d\n", id, Invariants[id].Name, c.Checks, c.Passes, c.Failures, c.Skipped)
	}
	a := m.atomicity
	fmt.Fprintf(&b, "atomicity: %d checks, %d failures\n", a.Checks, a.Failures)
	if m.last != nil {
		fmt.Fprintf(&b, "last violation: %v at %d\n", m.last, m.last.Time)
	}
	for _, cp := range m.checkpoints {
		status := "unverified"
		if cp.Verified {
			status = "holds"
			if !cp.Holds {
				status = "fails"
			}
		}
		fmt.Fprintf(&b, "checkpoint %d: %s [%v] %s: %s\n", cp.ID, cp.Theorem, cp.Invariant, cp.Step, status)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteDOT writes the dependency DAG in Graphviz format.
func WriteDOT(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph invariants {\n")
	for _, s := range Invariants {
		fmt.Fprintf(&b, "  %q [label=\"%s\\n%s\"];\n", s.Tag, s.Tag, s.Name)
	}
	for _, e := range DAG() {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.From.String(), e.To.String())
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
