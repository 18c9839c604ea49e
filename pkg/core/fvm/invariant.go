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
	"sort"
)

// InvariantID names a runtime invariant.
type InvariantID uint8

// Invariants.
const (
	// CapIntegrity: derived rights are within a live parent's, owners
	// are active, and every capability space matches its ledger.
	CapIntegrity InvariantID = iota

	// QuotaBound: usage never exceeds quota and matches what the domain
	// actually holds.
	QuotaBound

	// CPUBudget: the CPU shares of active domains sum to at most 100.
	CPUBudget

	// MemoryIsolation: memory regions of distinct active domains are
	// disjoint unless shared.
	MemoryIsolation

	// FrameConservation: free frames plus owned frames equal the total.
	FrameConservation

	// RightsMonotone: the rights of a capability never grow.
	RightsMonotone

	// RouteLive: every interrupt route is guarded by a live endpoint owned
	// by the route's domain.
	RouteLive

	// NumInvariants is the number of invariants.
	NumInvariants = int(RouteLive) + 1
)

// Invariant describes an invariant.
type Invariant struct {
	ID          InvariantID
	Tag         string
	Name        string
	Expression  string
	Description string
	DependsOn   []InvariantID
}

// Invariants lists every invariant, indexed by id.
var Invariants = [NumInvariants]Invariant{
	CapIntegrity: {
		ID:          CapIntegrity,
		Tag:         "C-I1",
		Name:        "capability integrity",
		Expression:  "∀c derived from p: rights(c) ⊆ rights(p) ∧ ¬revoked(p); ∀d: |caps(d)| = created + in − out − revoked",
		Description: "Derivation respects parent rights, owners are active and capability spaces are conserved.",
	},
	QuotaBound: {
		ID:          QuotaBound,
		Tag:         "D-I1",
		Name:        "quota bound",
		Expression:  "∀d: memory_used ≤ max_memory ∧ thread_count ≤ max_threads ∧ |caps(d)| ≤ max_caps",
		Description: "Charged usage is what the domain holds and never exceeds its quota.",
		DependsOn:   []InvariantID{CapIntegrity, FrameConservation},
	},
	CPUBudget: {
		ID:          CPUBudget,
		Tag:         "D-I2",
		Name:        "cpu budget",
		Expression:  "Σ_{d active} cpu_percent(d) ≤ 100",
		Description: "Active domains never reserve more than the whole CPU.",
	},
	MemoryIsolation: {
		ID:          MemoryIsolation,
		Tag:         "D-I3",
		Name:        "memory isolation",
		Expression:  "∀ active d1 ≠ d2: regions(d1) ∩ regions(d2) ⊆ shared",
		Description: "No two active domains reach the same private memory.",
		DependsOn:   []InvariantID{FrameConservation},
	},
	FrameConservation: {
		ID:          FrameConservation,
		Tag:         "P-I1",
		Name:        "frame conservation",
		Expression:  "|free| + Σ_d |owned(d)| = |total|",
		Description: "Every frame is either free or owned by exactly one domain.",
	},
	RightsMonotone: {
		ID:          RightsMonotone,
		Tag:         "C-M",
		Name:        "rights monotonicity",
		Expression:  "∀c, t1 < t2: rights_t2(c) ⊆ rights_t1(c)",
		Description: "Capability rights can be narrowed by derivation but never widened.",
		DependsOn:   []InvariantID{CapIntegrity},
	},
	RouteLive: {
		ID:          RouteLive,
		Tag:         "R-I1",
		Name:        "route liveness",
		Expression:  "∀v: route(v) = ∅ ∨ (¬revoked(ep(v)) ∧ owner(ep(v)) = domain(v))",
		Description: "An interrupt is only ever routed through an endpoint its handler domain holds.",
		DependsOn:   []InvariantID{CapIntegrity},
	},
}

// String implements fmt.Stringer.String.
func (id InvariantID) String() string {
	if int(id) < NumInvariants {
		return Invariants[id].Tag
	}
	return fmt.Sprintf("InvariantID(%d)", uint8(id))
}

// Order returns the invariants in dependency order. Among invariants that
// are ready at the same time the lower id comes first.
func Order() ([]InvariantID, error) {
	indegree := make([]int, NumInvariants)
	dependents := make([][]InvariantID, NumInvariants)
	for _, s := range Invariants {
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	var ready, order []InvariantID
	for id := range Invariants {
		if indegree[id] == 0 {
			ready = append(ready, InvariantID(id))
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != NumInvariants {
		return nil, fmt.Errorf("invariant dependencies form a cycle")
	}
	return order, nil
}

// Edge is a dependency: From must hold for To to be meaningful.
type Edge struct {
	From InvariantID
	To   InvariantID
}

// DAG returns every dependency edge, ordered by To then From.
func DAG() []Edge {
	var edges []Edge
	for _, s := range Invariants {
		for _, dep := range s.DependsOn {
			edges = append(edges, Edge{From: dep, To: s.ID})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})
	return edges
}
