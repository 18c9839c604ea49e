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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testEntry struct {
	Entry[testEntry]
	value int
}

type testList = List[testEntry, *testEntry]

func values(l *testList) []int {
	var v []int
	for e := l.Front(); e != nil; e = e.Next() {
		v = append(v, e.value)
	}
	return v
}

func TestPushPop(t *testing.T) {
	var l testList
	if !l.Empty() {
		t.Fatalf("zero List is not empty")
	}
	es := make([]testEntry, 4)
	for i := range es {
		es[i].value = i
	}
	l.PushBack(&es[1])
	l.PushBack(&es[2])
	l.PushFront(&es[0])
	l.PushBack(&es[3])
	if diff := cmp.Diff([]int{0, 1, 2, 3}, values(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
	if got := l.PopFront(); got != &es[0] {
		t.Errorf("PopFront() = %v, want element 0", got)
	}
	if got := l.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestRemove(t *testing.T) {
	for _, tc := range []struct {
		name   string
		remove []int
		want   []int
	}{
		{name: "head", remove: []int{0}, want: []int{1, 2}},
		{name: "middle", remove: []int{1}, want: []int{0, 2}},
		{name: "tail", remove: []int{2}, want: []int{0, 1}},
		{name: "all", remove: []int{1, 0, 2}, want: nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var l testList
			es := make([]testEntry, 3)
			for i := range es {
				es[i].value = i
				l.PushBack(&es[i])
			}
			for _, r := range tc.remove {
				l.Remove(&es[r])
			}
			if diff := cmp.Diff(tc.want, values(&l)); diff != "" {
				t.Errorf("list mismatch (-want +got):\n%s", diff)
			}
			if l.Len() != len(tc.want) {
				t.Errorf("Len() = %d, want %d", l.Len(), len(tc.want))
			}
			if len(tc.want) == 0 && (l.Front() != nil || l.Back() != nil) {
				t.Errorf("empty list has dangling head or tail")
			}
		})
	}
}
