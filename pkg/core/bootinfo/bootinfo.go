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

// Package bootinfo validates the record handed over by the bootloader and
// extracts what the core needs from it: usable RAM and command line
// options.
package bootinfo

import (
	"fmt"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
)

// Validate rejects boot info the core cannot trust.
func Validate(bi *hik.BootInfo) error {
	if bi == nil {
		return fmt.Errorf("%w: no boot info", hikerr.ErrInvalidParam)
	}
	if bi.Magic != hik.BootMagic {
		return fmt.Errorf("%w: boot info magic %#08x, want %#08x", hikerr.ErrInvalidParam, bi.Magic, hik.BootMagic)
	}
	if bi.Version != hik.BootVersion {
		return fmt.Errorf("%w: boot info version %d, want %d", hikerr.ErrNotSupported, bi.Version, hik.BootVersion)
	}
	if len(bi.MemoryMap) == 0 {
		return fmt.Errorf("%w: empty memory map", hikerr.ErrInvalidParam)
	}
	for i, r := range bi.MemoryMap {
		if r.Length == 0 || hikarch.AddOverflows(r.Base, r.Length) {
			return fmt.Errorf("%w: memory map entry %d [%#x, +%#x)", hikerr.ErrInvalidRegion, i, r.Base, r.Length)
		}
		if r.Type < hik.MemoryUsable || r.Type > hik.MemoryModule {
			return fmt.Errorf("%w: memory map entry %d has type %v", hikerr.ErrInvalidParam, i, r.Type)
		}
	}
	usable := filter(bi.MemoryMap, hik.MemoryUsable)
	for i := 1; i < len(usable); i++ {
		if usable[i].Base < usable[i-1].End() {
			return fmt.Errorf("%w: usable regions [%#x, %#x) and [%#x, %#x) overlap", hikerr.ErrInvalidRegion,
				usable[i-1].Base, usable[i-1].End(), usable[i].Base, usable[i].End())
		}
	}
	for i, m := range bi.Modules {
		if m.Size == 0 || hikarch.AddOverflows(m.Base, m.Size) {
			return fmt.Errorf("%w: module %d (%q)", hikerr.ErrInvalidRegion, i, m.Name)
		}
	}
	return nil
}

// filter returns the regions of type t sorted by base.
func filter(regions []hik.MemoryRegion, t hik.MemoryType) []hik.MemoryRegion {
	var out []hik.MemoryRegion
	for _, r := range regions {
		if r.Type == t {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// Region is a page-aligned range of RAM.
type Region struct {
	Base hikarch.PhysAddr
	Size uint64
}

// UsableRegions returns the usable RAM of bi trimmed to whole pages, in
// address order. A non-zero limit caps the total size returned.
func UsableRegions(bi *hik.BootInfo, limit uint64) []Region {
	var out []Region
	var total uint64
	for _, r := range filter(bi.MemoryMap, hik.MemoryUsable) {
		base, ok := hikarch.RoundUp(r.Base, hikarch.PageSize)
		if !ok {
			continue
		}
		end := hikarch.RoundDown(r.End(), hikarch.PageSize)
		if end <= base {
			continue
		}
		size := end - base
		if limit != 0 {
			if total >= limit {
				break
			}
			if left := hikarch.RoundDown(limit-total, hikarch.PageSize); size > left {
				size = left
			}
		}
		if size == 0 {
			continue
		}
		out = append(out, Region{Base: hikarch.PhysAddr(base), Size: size})
		total += size
	}
	return out
}
