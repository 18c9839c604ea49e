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

package scenario

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/kernel"
)

func names(list []Scenario) []string {
	var n []string
	for _, s := range list {
		n = append(n, s.Name)
	}
	return n
}

func TestScenarios(t *testing.T) {
	for _, s := range All() {
		t.Run(s.Name, func(t *testing.T) {
			if res := RunOne(s, Machine()); !res.Passed {
				t.Errorf("%s (%s) failed: %s", s.Name, s.Description, res.Error)
			}
		})
	}
}

func TestScenariosMPU(t *testing.T) {
	for _, s := range All() {
		t.Run(s.Name, func(t *testing.T) {
			args := Machine()
			args.Translation = asm.MPU
			if res := RunOne(s, args); !res.Passed {
				t.Errorf("%s failed: %s", s.Name, res.Error)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want []string
	}{
		{args: []string{"all"}, want: []string{"S1", "S2", "S3", "S4", "S5", "S6"}},
		{args: []string{"s4", "S1"}, want: []string{"S4", "S1"}},
		{args: []string{"S2", "ALL"}, want: []string{"S1", "S2", "S3", "S4", "S5", "S6"}},
	} {
		got, err := Lookup(tc.args)
		if err != nil {
			t.Errorf("Lookup(%q): %v", tc.args, err)
			continue
		}
		if diff := cmp.Diff(tc.want, names(got)); diff != "" {
			t.Errorf("Lookup(%q) mismatch (-want +got):\n%s", tc.args, diff)
		}
	}
	if _, err := Lookup([]string{"S9"}); err == nil {
		t.Errorf("Lookup(S9) succeeded")
	}
}

func TestRun(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		results, err := Run(context.Background(), All(), Machine, parallel)
		if err != nil {
			t.Fatalf("Run(parallel=%t): %v", parallel, err)
		}
		var got []string
		for _, r := range results {
			if !r.Passed {
				t.Errorf("Run(parallel=%t): %s failed: %s", parallel, r.Name, r.Error)
			}
			if r.Audit == 0 {
				t.Errorf("Run(parallel=%t): %s left no audit records", parallel, r.Name)
			}
			got = append(got, r.Name)
		}
		if diff := cmp.Diff(names(All()), got); diff != "" {
			t.Errorf("Run(parallel=%t) order mismatch (-want +got):\n%s", parallel, diff)
		}
	}
}

func TestRunReportsFailure(t *testing.T) {
	failing := Scenario{
		Name: "fail",
		Run:  func(*Env) error { return errors.New("boom") },
	}
	res := RunOne(failing, Machine())
	if res.Passed || res.Error != "boom" {
		t.Errorf("RunOne = %+v, want a failure with error boom", res)
	}

	bad := func() kernel.Args {
		args := Machine()
		args.BootInfo = nil
		return args
	}
	results, err := Run(context.Background(), All()[:1], bad, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Passed {
		t.Errorf("%s passed on a kernel that cannot boot", results[0].Name)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, All(), Machine, false); !errors.Is(err, context.Canceled) {
		t.Errorf("Run with a cancelled context = %v, want %v", err, context.Canceled)
	}
}
