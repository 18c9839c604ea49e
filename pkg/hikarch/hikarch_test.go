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

package hikarch

import (
	"math"
	"testing"
)

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		x        uint64
		down, up uint64
		upOK     bool
	}{
		{x: 0, down: 0, up: 0, upOK: true},
		{x: 1, down: 0, up: PageSize, upOK: true},
		{x: PageSize, down: PageSize, up: PageSize, upOK: true},
		{x: PageSize + 1, down: PageSize, up: 2 * PageSize, upOK: true},
		{x: math.MaxUint64, down: math.MaxUint64 &^ PageMask, upOK: false},
	} {
		if got := RoundDown(tc.x, PageSize); got != tc.down {
			t.Errorf("RoundDown(%#x) = %#x, want %#x", tc.x, got, tc.down)
		}
		got, ok := RoundUp(tc.x, PageSize)
		if ok != tc.upOK || (ok && got != tc.up) {
			t.Errorf("RoundUp(%#x) = %#x, %t, want %#x, %t", tc.x, got, ok, tc.up, tc.upOK)
		}
	}
}

func TestAddresses(t *testing.T) {
	a := PhysAddr(0x5000)
	if !a.IsPageAligned() || a.Frame() != 5 || FrameAddr(5) != a {
		t.Errorf("frame conversions broken for %v", a)
	}
	v := VirtAddr(0x40_0010)
	if v.IsPageAligned() || v.Page() != 0x400 || PageAddr(0x400) != VirtAddr(0x40_0000) {
		t.Errorf("page conversions broken for %v", v)
	}
	if got := PagesFor(uint32(PageSize + 1)); got != 2 {
		t.Errorf("PagesFor(PageSize+1) = %d, want 2", got)
	}
	if got := PagesFor(uint8(1)); got != 1 {
		t.Errorf("PagesFor(uint8(1)) = %d, want 1", got)
	}
	if got := PagesFor(uint64(3 * PageSize)); got != 3 {
		t.Errorf("PagesFor(3*PageSize) = %d, want 3", got)
	}
	if !AddOverflows(math.MaxUint64, 1) || AddOverflows(1, 1) {
		t.Errorf("AddOverflows wrong")
	}
}
