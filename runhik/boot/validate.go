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
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"hik.dev/hik/pkg/abi/hik"
)

// CoreVersion is the module interface version implemented by this core.
// Modules requiring a newer one are rejected.
const CoreVersion = "v1.0.0"

var priorities = map[string]hik.Priority{
	"":         hik.PriorityNormal,
	"low":      hik.PriorityLow,
	"normal":   hik.PriorityNormal,
	"high":     hik.PriorityHigh,
	"realtime": hik.PriorityRealtime,
}

// Validate checks the parts of c the schema cannot express.
func (c *Config) Validate() error {
	for i, r := range c.Memory {
		if _, err := hik.ParseMemoryType(r.Type); err != nil {
			return fmt.Errorf("memory[%d]: %w", i, err)
		}
		if r.Base+uint64(r.Length) < r.Base {
			return fmt.Errorf("memory[%d]: region %#x+%#x wraps", i, r.Base, uint64(r.Length))
		}
	}

	modules := make(map[string]bool)
	ids := make(map[uuid.UUID]string)
	for _, m := range c.Modules {
		if modules[m.Name] {
			return fmt.Errorf("duplicate module %q", m.Name)
		}
		modules[m.Name] = true
		id, err := uuid.Parse(m.UUID)
		if err != nil {
			return fmt.Errorf("module %q: invalid uuid %q: %w", m.Name, m.UUID, err)
		}
		if other, ok := ids[id]; ok {
			return fmt.Errorf("module %q: uuid %v already used by %q", m.Name, id, other)
		}
		ids[id] = m.Name
		if !semver.IsValid(m.Version) {
			return fmt.Errorf("module %q: invalid version %q", m.Name, m.Version)
		}
		if req, ok := m.Metadata["requires"]; ok {
			if !semver.IsValid(req) {
				return fmt.Errorf("module %q: invalid required core version %q", m.Name, req)
			}
			if semver.Compare(req, CoreVersion) > 0 {
				return fmt.Errorf("module %q requires core %s, have %s", m.Name, req, CoreVersion)
			}
		}
		if m.Code.Size == 0 {
			return fmt.Errorf("module %q: empty code segment", m.Name)
		}
		if m.Entry < m.Code.Base || m.Entry >= m.Code.end() {
			return fmt.Errorf("module %q: entry %#x outside code [%#x, %#x)", m.Name, m.Entry, m.Code.Base, m.Code.end())
		}
		if m.Data.Size != 0 && m.Data.Base < m.Code.end() && m.Code.Base < m.Data.end() {
			return fmt.Errorf("module %q: code and data overlap", m.Name)
		}
	}

	domains := make(map[string]bool)
	check := func(d *Domain) error {
		if domains[d.Name] {
			return fmt.Errorf("duplicate domain %q", d.Name)
		}
		domains[d.Name] = true
		if d.Module != "" && !modules[d.Module] {
			return fmt.Errorf("domain %q: unknown module %q", d.Name, d.Module)
		}
		if d.Module != "" && d.Entry != 0 {
			return fmt.Errorf("domain %q: both module and entry set", d.Name)
		}
		if _, ok := priorities[d.Priority]; !ok {
			return fmt.Errorf("domain %q: invalid priority %q", d.Name, d.Priority)
		}
		if d.Quota != nil && d.Quota.CPUPercent > 100 {
			return fmt.Errorf("domain %q: cpu_percent %d above 100", d.Name, d.Quota.CPUPercent)
		}
		return nil
	}
	app := c.Application
	if app == nil {
		app = &Domain{Name: DefaultApplication}
	}
	if err := check(app); err != nil {
		return err
	}
	for i := range c.Services {
		if err := check(&c.Services[i]); err != nil {
			return err
		}
	}

	vectors := make(map[uint8]bool)
	for _, r := range c.Routes {
		if vectors[r.Vector] {
			return fmt.Errorf("vector %d routed twice", r.Vector)
		}
		vectors[r.Vector] = true
		if !domains[r.Domain] {
			return fmt.Errorf("vector %d: unknown domain %q", r.Vector, r.Domain)
		}
	}
	return nil
}
