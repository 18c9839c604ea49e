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

package supervisor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/abi/hik"
)

type clock struct{ now uint64 }

func (c *clock) Now() uint64 { return c.now }

func TestRestartBudget(t *testing.T) {
	c := &clock{now: 100}
	s := New(DefaultPolicy, c.Now)
	var dues []uint64
	for i := 0; i < DefaultPolicy.MaxRestarts; i++ {
		d, due := s.Crash(1)
		if d != Restart {
			t.Fatalf("crash %d: %v, want restart", i, d)
		}
		dues = append(dues, due)
		c.now = due
		if got := s.Due(c.now); !cmp.Equal(got, []hik.DomainID{1}) {
			t.Fatalf("Due(%d) = %v", c.now, got)
		}
	}
	// Delays double: 10, 20, 40 ticks.
	if diff := cmp.Diff([]uint64{110, 130, 170}, dues); diff != "" {
		t.Errorf("due ticks mismatch (-want +got):\n%s", diff)
	}
	if got := s.Restarts(1); got != 3 {
		t.Errorf("Restarts = %d, want 3", got)
	}
	if d, _ := s.Crash(1); d != Destroy {
		t.Errorf("crash over budget: %v, want destroy", d)
	}
	if s.Restarts(1) != 0 || s.Pending(1) {
		t.Errorf("destroyed domain still tracked")
	}
}

func TestWindowExpiry(t *testing.T) {
	c := &clock{}
	p := DefaultPolicy
	p.MaxRestarts = 1
	p.Window = 1000
	s := New(p, c.Now)
	if d, _ := s.Crash(2); d != Restart {
		t.Fatalf("first crash: %v", d)
	}
	c.now = 1000
	if d, _ := s.Crash(2); d != Restart {
		t.Errorf("crash after the window: %v, want restart", d)
	}
	c.now = 1500
	if d, _ := s.Crash(2); d != Destroy {
		t.Errorf("second crash in window: %v, want destroy", d)
	}
}

func TestDueOrdering(t *testing.T) {
	c := &clock{}
	s := New(Policy{MaxRestarts: 3, Window: 100, Tick: time.Millisecond, InitialDelay: 5 * time.Millisecond, MaxDelay: time.Second}, c.Now)
	s.Crash(3)
	s.Crash(1)
	if got := s.Due(4); len(got) != 0 {
		t.Errorf("Due(4) = %v, want none", got)
	}
	if !s.Pending(3) {
		t.Errorf("restart of 3 not pending")
	}
	if diff := cmp.Diff([]hik.DomainID{1, 3}, s.Due(5)); diff != "" {
		t.Errorf("Due(5) mismatch (-want +got):\n%s", diff)
	}
	if got := s.Due(50); len(got) != 0 {
		t.Errorf("restarts delivered twice: %v", got)
	}
	s.Forget(3)
	if s.Pending(3) || s.Restarts(3) != 0 {
		t.Errorf("Forget left state")
	}
}
