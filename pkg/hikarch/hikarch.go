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

// Package hikarch describes the address and page geometry of the machine the
// kernel manages.
package hikarch

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = 1 << PageShift

	// PageMask is the mask of the in-page offset.
	PageMask = PageSize - 1
)

// PhysAddr is a physical address.
type PhysAddr uint64

// VirtAddr is a virtual address inside a domain's address space.
type VirtAddr uint64

// String implements fmt.Stringer.String.
func (a PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// IsPageAligned returns true if a is aligned to a page boundary.
func (a PhysAddr) IsPageAligned() bool {
	return a&PageMask == 0
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v VirtAddr) IsPageAligned() bool {
	return v&PageMask == 0
}

// Frame returns the frame number of a.
func (a PhysAddr) Frame() uint64 {
	return uint64(a) >> PageShift
}

// Page returns the page number of v.
func (v VirtAddr) Page() uint64 {
	return uint64(v) >> PageShift
}

// FrameAddr returns the address of frame n.
func FrameAddr(n uint64) PhysAddr {
	return PhysAddr(n << PageShift)
}

// PageAddr returns the address of page n.
func PageAddr(n uint64) VirtAddr {
	return VirtAddr(n << PageShift)
}

// RoundDown returns x rounded down to a multiple of align, which must be a
// power of two.
func RoundDown[T constraints.Unsigned](x, align T) T {
	return x &^ (align - 1)
}

// RoundUp returns x rounded up to a multiple of align, which must be a power
// of two. ok is false on overflow.
func RoundUp[T constraints.Unsigned](x, align T) (r T, ok bool) {
	r = RoundDown(x+align-1, align)
	return r, r >= x
}

// PagesFor returns the number of pages needed to cover size bytes.
func PagesFor[T constraints.Unsigned](size T) T {
	return T((uint64(size) + PageMask) >> PageShift)
}

// AddOverflows returns true if start+length does not fit in uint64.
func AddOverflows(start, length uint64) bool {
	return start+length < start
}
