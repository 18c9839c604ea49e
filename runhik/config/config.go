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

// Package config provides basic infrastructure to set configuration settings
// for runhik. The configuration is set by flags to the command line. It may
// also be read from a TOML file named by --config, in which case flags given
// explicitly take precedence over the file.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mohae/deepcopy"

	"hik.dev/hik/pkg/core/asm"
	"hik.dev/hik/pkg/core/bootinfo"
	"hik.dev/hik/pkg/core/supervisor"
	"hik.dev/hik/pkg/log"
)

// Config holds configuration that is not part of the boot configuration.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and one with the TOML key.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// RootDir is the directory where output files are created by default.
	RootDir string `flag:"root" toml:"root"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format. Empty selects json when stderr is not a
	// terminal and text otherwise.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// ConfigFile is the TOML file the rest of the configuration was read
	// from, if any.
	ConfigFile string `flag:"config" toml:"-"`

	// BootConfig is the YAML boot configuration. Empty selects the built-in
	// configuration.
	BootConfig string `flag:"boot-config" toml:"boot_config"`

	// MemLimit caps the RAM handed to the frame allocator, as in the mem=
	// command line option.
	MemLimit string `flag:"mem-limit" toml:"mem_limit"`

	// FramesMax caps the number of frames the allocator manages.
	FramesMax uint64 `flag:"frames-max" toml:"frames_max"`

	// AuditEntries is the size of the audit ring.
	AuditEntries int `flag:"audit-entries" toml:"audit_entries"`

	// Translation selects the address translation scheme.
	Translation Translation `flag:"translation" toml:"translation"`

	// TimeSlice is the number of ticks a thread runs before it is requeued.
	TimeSlice uint `flag:"time-slice" toml:"time_slice"`

	// RestartLimit is the number of service restarts allowed within
	// RestartWindow.
	RestartLimit int `flag:"restart-limit" toml:"restart_limit"`

	// RestartWindow is the length of the restart budget window.
	RestartWindow time.Duration `flag:"restart-window" toml:"restart_window"`

	// Ticks is the number of timer ticks commands run the kernel for.
	Ticks uint64 `flag:"ticks" toml:"ticks"`
}

var logFormats = []string{"", "text", "json", "json-k8s", "logrus"}

func (c *Config) validate() error {
	found := false
	for _, f := range logFormats {
		if c.LogFormat == f {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format %q, must be one of %q", c.LogFormat, logFormats[1:])
	}
	if c.MemLimit != "" {
		if _, err := bootinfo.ParseSize(c.MemLimit); err != nil {
			return fmt.Errorf("invalid mem-limit: %w", err)
		}
	}
	if c.AuditEntries < 0 {
		return fmt.Errorf("audit-entries must be positive, got: %d", c.AuditEntries)
	}
	if c.RestartLimit < 0 {
		return fmt.Errorf("restart-limit must be positive, got: %d", c.RestartLimit)
	}
	if c.RestartWindow < 0 {
		return fmt.Errorf("restart-window must be positive, got: %v", c.RestartWindow)
	}
	if c.TimeSlice > 1<<32-1 {
		return fmt.Errorf("time-slice %d overflows", c.TimeSlice)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs every setting of the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}

// CommandLine returns the options of the configuration that travel on the
// kernel command line.
func (c *Config) CommandLine() string {
	var opts []string
	if c.Debug {
		opts = append(opts, "debug")
	}
	if c.MemLimit != "" {
		opts = append(opts, "mem="+c.MemLimit)
	}
	return strings.Join(opts, " ")
}

// RestartPolicy returns the service restart policy. Zero limits keep the
// supervisor defaults.
func (c *Config) RestartPolicy() supervisor.Policy {
	p := supervisor.DefaultPolicy
	if c.RestartLimit > 0 {
		p.MaxRestarts = c.RestartLimit
	}
	if c.RestartWindow > 0 {
		p.Window = uint64(c.RestartWindow / p.Tick)
	}
	return p
}

// Translation is the address translation scheme.
type Translation asm.Translation

const (
	// TranslationMMU uses 4-level translation trees.
	TranslationMMU = Translation(asm.MMU)

	// TranslationMPU uses fixed region tables.
	TranslationMPU = Translation(asm.MPU)
)

func translationPtr(t Translation) *Translation {
	return &t
}

// Set implements flag.Value and flag.Getter.
func (t *Translation) Set(v string) error {
	tr, err := asm.ParseTranslation(v)
	if err != nil {
		return fmt.Errorf("invalid translation %q, must be 'mmu' or 'mpu'", v)
	}
	*t = Translation(tr)
	return nil
}

// Get implements flag.Getter.
func (t *Translation) Get() any {
	return *t
}

// String implements flag.Value.
func (t Translation) String() string {
	return asm.Translation(t).String()
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML files.
func (t *Translation) UnmarshalText(b []byte) error {
	return t.Set(string(b))
}

// ASM returns the address space manager's translation kind.
func (t Translation) ASM() asm.Translation {
	return asm.Translation(t)
}
