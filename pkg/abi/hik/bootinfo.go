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

package hik

import "fmt"

// BootMagic is the boot-info magic number, "HIK!" in memory order.
const BootMagic uint32 = 'H' | 'I'<<8 | 'K'<<16 | '!'<<24

// BootVersion is the only boot-info version this core accepts.
const BootVersion uint32 = 1

// MemoryType classifies a boot-reported memory region.
type MemoryType uint32

// Memory types.
const (
	MemoryUsable MemoryType = iota + 1
	MemoryReserved
	MemoryAcpiReclaim
	MemoryNvs
	MemoryUnusable
	MemoryBootloader
	MemoryKernel
	MemoryModule
)

var memoryTypeNames = map[MemoryType]string{
	MemoryUsable:      "usable",
	MemoryReserved:    "reserved",
	MemoryAcpiReclaim: "acpi-reclaim",
	MemoryNvs:         "nvs",
	MemoryUnusable:    "unusable",
	MemoryBootloader:  "bootloader",
	MemoryKernel:      "kernel",
	MemoryModule:      "module",
}

// String implements fmt.Stringer.String.
func (t MemoryType) String() string {
	if s, ok := memoryTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// ParseMemoryType is the inverse of MemoryType.String.
func ParseMemoryType(s string) (MemoryType, error) {
	for t, name := range memoryTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// MemoryRegion is one entry of the boot memory map.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Length
}

// PreloadedModule describes a module the bootloader placed in memory.
type PreloadedModule struct {
	Base uint64
	Size uint64
	Name string
}

// BootInfo is the record handed over by the bootloader.
type BootInfo struct {
	Magic       uint32
	Version     uint32
	MemoryMap   []MemoryRegion
	ACPIRoot    uint64 // Zero when absent.
	CommandLine string
	Modules     []PreloadedModule

	// Config is the opaque configuration blob. Parsing it is the job of an
	// external collaborator.
	Config []byte
}
