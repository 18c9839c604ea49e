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

package audit

import (
	"testing"

	"hik.dev/hik/pkg/abi/hik"
)

func TestLogRecord(t *testing.T) {
	r, err := NewRing(8)
	if err != nil {
		t.Fatal(err)
	}
	now := uint64(100)
	l := NewLog(r, func() uint64 { return now })
	l.Record(hik.AuditCapDerive, 2, 5, 1, true, 7, 8, 9, 10, 11)
	now++
	l.Record(hik.AuditCapVerify, 3, 6, 0, false)

	recs := r.Snapshot()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if got := recs[0]; got.Timestamp != 100 || got.Result != hik.AuditSuccess || got.Data != [4]uint64{7, 8, 9, 10} {
		t.Errorf("first record = %+v", got)
	}
	if got := recs[1]; got.Timestamp != 101 || got.Result != hik.AuditFailure || got.Domain != 3 {
		t.Errorf("second record = %+v", got)
	}
}

func TestLogHighWater(t *testing.T) {
	r, err := NewRing(8)
	if err != nil {
		t.Fatal(err)
	}
	l := NewLog(r, func() uint64 { return 0 })
	for i := 0; i < 7; i++ {
		l.Record(hik.AuditSyscall, 1, 0, 0, true)
	}
	// 90% of 8 is 7 records: the seventh push is followed by one
	// monitor action.
	if n := r.Count(hik.AuditMonitorAction, nil); n != 1 {
		t.Errorf("got %d monitor actions, want 1", n)
	}
}
