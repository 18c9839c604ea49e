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

package bootinfo

import (
	"fmt"
	"strconv"
	"strings"

	"hik.dev/hik/pkg/log"
)

// Console is the console named on the command line.
type Console struct {
	Device string
	Baud   int

	// Port is the I/O port of a legacy serial device, zero otherwise.
	Port uint16
}

var serialPorts = map[string]uint16{
	"ttyS0": 0x3f8,
	"ttyS1": 0x2f8,
	"ttyS2": 0x3e8,
	"ttyS3": 0x2e8,
}

// DefaultBaud is the serial speed when console= names none.
const DefaultBaud = 115200

// CommandLine holds the recognized command line options.
type CommandLine struct {
	Debug    bool
	Quiet    bool
	Recovery bool
	NoAPIC   bool
	NoSMP    bool

	// MaxCPUs is zero when unset. The core is uniprocessor and only
	// records it.
	MaxCPUs int

	// MemLimit caps the RAM given to the frame allocator; zero when unset.
	MemLimit uint64

	Console *Console

	// Unknown lists options that were not recognized.
	Unknown []string
}

// ParseCommandLine parses a space separated command line. Unknown or
// malformed options are reported in Unknown and logged, never rejected.
func ParseCommandLine(s string) CommandLine {
	var cl CommandLine
	for _, opt := range strings.Fields(s) {
		if err := cl.apply(opt); err != nil {
			log.Warningf("bootinfo: ignoring command line option %q: %v", opt, err)
			cl.Unknown = append(cl.Unknown, opt)
		}
	}
	return cl
}

func (cl *CommandLine) apply(opt string) error {
	name, value, hasValue := strings.Cut(opt, "=")
	switch {
	case name == "debug" && !hasValue:
		cl.Debug = true
	case name == "quiet" && !hasValue:
		cl.Quiet = true
	case name == "recovery" && !hasValue:
		cl.Recovery = true
	case name == "noapic" && !hasValue:
		cl.NoAPIC = true
	case name == "nosmp" && !hasValue:
		cl.NoSMP = true
	case name == "maxcpus" && hasValue:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("bad cpu count %q", value)
		}
		cl.MaxCPUs = n
	case name == "mem" && hasValue:
		n, err := ParseSize(value)
		if err != nil {
			return err
		}
		cl.MemLimit = n
	case name == "console" && hasValue:
		c, err := parseConsole(value)
		if err != nil {
			return err
		}
		cl.Console = c
	default:
		return fmt.Errorf("unknown option")
	}
	return nil
}

// ParseSize parses NNN, NNNK, NNNM or NNNG into bytes.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	if n > ^uint64(0)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}

func parseConsole(s string) (*Console, error) {
	device, baud, hasBaud := strings.Cut(s, ",")
	if device == "" {
		return nil, fmt.Errorf("empty console device")
	}
	c := &Console{Device: device, Baud: DefaultBaud, Port: serialPorts[device]}
	if hasBaud {
		n, err := strconv.Atoi(baud)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad baud rate %q", baud)
		}
		c.Baud = n
	}
	return c, nil
}

// String formats cl back into command line syntax.
func (cl CommandLine) String() string {
	var opts []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{cl.Debug, "debug"},
		{cl.Quiet, "quiet"},
		{cl.Recovery, "recovery"},
		{cl.NoAPIC, "noapic"},
		{cl.NoSMP, "nosmp"},
	} {
		if f.set {
			opts = append(opts, f.name)
		}
	}
	if cl.MaxCPUs != 0 {
		opts = append(opts, fmt.Sprintf("maxcpus=%d", cl.MaxCPUs))
	}
	if cl.MemLimit != 0 {
		opts = append(opts, fmt.Sprintf("mem=%d", cl.MemLimit))
	}
	if cl.Console != nil {
		opts = append(opts, fmt.Sprintf("console=%s,%d", cl.Console.Device, cl.Console.Baud))
	}
	return strings.Join(opts, " ")
}
