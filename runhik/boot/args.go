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

package boot

import (
	"strings"

	"github.com/google/uuid"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/domain"
	"hik.dev/hik/pkg/core/kernel"
)

// DefaultApplication is the name of the application domain when the
// configuration names none.
const DefaultApplication = "app"

// DefaultServiceQuota is the quota of a service that sets none.
var DefaultServiceQuota = domain.Quota{
	MaxMemory:  4 << 20,
	MaxThreads: 4,
	MaxCaps:    32,
	CPUPercent: 10,
}

func (q *Quota) quota(def domain.Quota) domain.Quota {
	if q == nil {
		return def
	}
	return domain.Quota{
		MaxMemory:  uint64(q.MaxMemory),
		MaxThreads: q.MaxThreads,
		MaxCaps:    q.MaxCaps,
		CPUPercent: q.CPUPercent,
	}
}

func (d *Domain) config(def domain.Quota) kernel.DomainConfig {
	return kernel.DomainConfig{
		Name:     d.Name,
		Quota:    d.Quota.quota(def),
		Entry:    d.Entry,
		Module:   d.Module,
		Priority: priorities[d.Priority],
	}
}

// BootInfo returns the record a bootloader would hand over for c. extra is
// appended to the command line.
func (c *Config) BootInfo(extra string) *hik.BootInfo {
	bi := &hik.BootInfo{
		Magic:       hik.BootMagic,
		Version:     hik.BootVersion,
		CommandLine: strings.TrimSpace(c.CommandLine + " " + extra),
	}
	for _, r := range c.Memory {
		// Validate checked the type.
		t, _ := hik.ParseMemoryType(r.Type)
		bi.MemoryMap = append(bi.MemoryMap, hik.MemoryRegion{Base: r.Base, Length: uint64(r.Length), Type: t})
	}
	for _, m := range c.Modules {
		bi.Modules = append(bi.Modules, hik.PreloadedModule{Base: m.Code.Base, Size: uint64(m.Code.Size), Name: m.Name})
	}
	return bi
}

// Args returns the kernel boot arguments for c. Settings that are not part
// of the boot configuration are left zero.
func (c *Config) Args(cmdline string) kernel.Args {
	args := kernel.Args{BootInfo: c.BootInfo(cmdline)}
	for _, m := range c.Modules {
		args.Modules = append(args.Modules, kernel.Module{
			// Validate checked the uuid.
			UUID:     uuid.MustParse(m.UUID),
			Name:     m.Name,
			Version:  m.Version,
			CodeBase: m.Code.Base,
			CodeSize: uint64(m.Code.Size),
			DataBase: m.Data.Base,
			DataSize: uint64(m.Data.Size),
			Entry:    m.Entry,
			Metadata: m.Metadata,
		})
	}
	if c.Application != nil {
		args.Application = c.Application.config(kernel.DefaultApplicationQuota)
	}
	for i := range c.Services {
		args.Services = append(args.Services, c.Services[i].config(DefaultServiceQuota))
	}
	for _, r := range c.Routes {
		args.Routes = append(args.Routes, kernel.RouteConfig{
			Vector:    r.Vector,
			Domain:    r.Domain,
			HandlerPC: r.HandlerPC,
			Tag:       r.Tag,
		})
	}
	return args
}
