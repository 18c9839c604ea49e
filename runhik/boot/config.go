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

// Package boot loads the boot configuration of a simulated machine: its
// memory map, the modules placed in memory by the loader, the domains
// created at boot and the static IRQ routes. The configuration is YAML and
// is checked against an embedded JSON schema before it is decoded.
package boot

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mohae/deepcopy"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"hik.dev/hik/pkg/core/bootinfo"
	"hik.dev/hik/pkg/log"
)

//go:embed schema.json
var schemaJSON []byte

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid boot config schema: %v", err))
	}
	return s
}()

// Size is a byte count written either as an integer or as a string with a
// K, M or G suffix.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("line %d: size must be an integer or a string", value.Line)
	}
	n, err := bootinfo.ParseSize(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

// Region is one entry of the memory map.
type Region struct {
	Base   uint64 `yaml:"base"`
	Length Size   `yaml:"length"`
	Type   string `yaml:"type"`
}

// Segment is a part of a module placed in memory.
type Segment struct {
	Base uint64 `yaml:"base"`
	Size Size   `yaml:"size"`
}

func (s Segment) end() uint64 {
	return s.Base + uint64(s.Size)
}

// Module describes a module placed in memory by the loader.
type Module struct {
	Name     string            `yaml:"name"`
	UUID     string            `yaml:"uuid"`
	Version  string            `yaml:"version"`
	Code     Segment           `yaml:"code"`
	Data     Segment           `yaml:"data,omitempty"`
	Entry    uint64            `yaml:"entry"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Quota bounds the resources of a domain.
type Quota struct {
	MaxMemory  Size   `yaml:"max_memory"`
	MaxThreads uint32 `yaml:"max_threads"`
	MaxCaps    uint32 `yaml:"max_caps"`
	CPUPercent uint8  `yaml:"cpu_percent"`
}

// Domain is a domain created at boot.
type Domain struct {
	Name     string `yaml:"name"`
	Entry    uint64 `yaml:"entry,omitempty"`
	Module   string `yaml:"module,omitempty"`
	Priority string `yaml:"priority,omitempty"`
	Quota    *Quota `yaml:"quota,omitempty"`
}

// Route is a static IRQ route.
type Route struct {
	Vector    uint8  `yaml:"vector"`
	Domain    string `yaml:"domain"`
	HandlerPC uint64 `yaml:"handler_pc"`
	Tag       uint64 `yaml:"tag,omitempty"`
}

// Config is a boot configuration.
type Config struct {
	CommandLine string   `yaml:"cmdline,omitempty"`
	Memory      []Region `yaml:"memory"`
	Modules     []Module `yaml:"modules,omitempty"`
	Application *Domain  `yaml:"application,omitempty"`
	Services    []Domain `yaml:"services,omitempty"`
	Routes      []Route  `yaml:"routes,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Load reads the boot configuration in path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open boot config: %w", err)
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("unable to decode %q: %w", path, err)
	}
	log.Infof("boot: loaded %q: %d modules, %d services, %d routes", path, len(c.Modules), len(c.Services), len(c.Routes))
	return c, nil
}

// Decode reads a boot configuration from r, checks it against the schema,
// decodes it strictly and validates it.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("checking schema: %w", err)
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("boot config does not match the schema: %s", strings.Join(msgs, "; "))
	}

	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

//go:embed default.yaml
var defaultYAML []byte

// Default returns the built-in boot configuration.
func Default() *Config {
	c, err := Decode(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in boot config: %v", err))
	}
	return c
}
