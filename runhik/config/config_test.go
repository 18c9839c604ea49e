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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"hik.dev/hik/pkg/core/asm"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// "--root" is always set to something different than the default. Reset it
	// to make it easier to test that default values do not generate flags.
	c.RootDir = ""

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.Translation.ASM() != asm.MMU {
		t.Errorf("Translation=%v, want mmu", c.Translation)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, val := range map[string]string{
		"root":           "some-path",
		"debug":          "true",
		"translation":    "mpu",
		"restart-window": "2s",
		"frames-max":     "512",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Errorf("Flag set %q: %v", name, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "some-path"; c.RootDir != want {
		t.Errorf("RootDir=%v, want: %v", c.RootDir, want)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := TranslationMPU; c.Translation != want {
		t.Errorf("Translation=%v, want: %v", c.Translation, want)
	}
	if want := uint64(512); c.FramesMax != want {
		t.Errorf("FramesMax=%v, want: %v", c.FramesMax, want)
	}
	if got, want := c.RestartPolicy().Window, uint64(2000); got != want {
		t.Errorf("RestartPolicy().Window=%d, want: %d", got, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("root", "some-path")
	testFlags.Set("debug", "true")
	testFlags.Set("ticks", "100") // Matches default value.
	testFlags.Set("mem-limit", "16M")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	want := []string{"--root=some-path", "--debug=true", "--mem-limit=16M"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
		error string
	}{
		{
			name:  "translation",
			value: "paging",
			error: "invalid translation",
		},
		{
			name:  "restart-window",
			value: "soon",
			error: "parse error",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			if err := testFlags.Set(tc.name, tc.value); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("flagSet.Set(%q, %q): got: %v, want: %q", tc.name, tc.value, err, tc.error)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "mem limit",
			flags: map[string]string{"mem-limit": "lots"},
			error: "invalid mem-limit",
		},
		{
			name:  "audit entries",
			flags: map[string]string{"audit-entries": "-1"},
			error: "audit-entries",
		},
		{
			name:  "restart limit",
			flags: map[string]string{"restart-limit": "-2"},
			error: "restart-limit",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Fatalf("Flag set %q: %v", name, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags(): got: %v, want: %q", err, tc.error)
			}
		})
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runhik.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
root = "/from/file"
debug = true
translation = "mpu"
audit_entries = 128
restart_window = "5s"
`)
	testFlags := newFlags(t)
	testFlags.Set("config", path)
	// Explicit flags win over the file.
	testFlags.Set("audit-entries", "64")

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		RootDir:       "/from/file",
		Debug:         true,
		ConfigFile:    path,
		AuditEntries:  64,
		Translation:   TranslationMPU,
		TimeSlice:     100,
		RestartLimit:  3,
		RestartWindow: 5 * time.Second,
		Ticks:         100,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		error   string
	}{
		{
			name:    "unknown key",
			content: `platform = "kvm"`,
			error:   "unknown keys",
		},
		{
			name:    "bad translation",
			content: `translation = "paging"`,
			error:   "invalid translation",
		},
		{
			name:    "bad value",
			content: `log_format = "xml"`,
			error:   "invalid log format",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			testFlags.Set("config", writeConfigFile(t, tc.content))
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags(): got: %v, want: %q", err, tc.error)
			}
		})
	}

	testFlags := newFlags(t)
	testFlags.Set("config", filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := NewFromFlags(testFlags); err == nil {
		t.Errorf("NewFromFlags() with a missing config file succeeded")
	}
}

func TestClone(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("debug", "true")
	orig, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	clone := orig.Clone()
	if diff := cmp.Diff(orig, clone); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}
	clone.Debug = false
	if !orig.Debug {
		t.Errorf("changing the clone changed the original")
	}
}

func TestCommandLine(t *testing.T) {
	c := &Config{Debug: true, MemLimit: "8M"}
	if got, want := c.CommandLine(), "debug mem=8M"; got != want {
		t.Errorf("CommandLine() = %q, want %q", got, want)
	}
	if got := (&Config{}).CommandLine(); got != "" {
		t.Errorf("CommandLine() = %q, want empty", got)
	}
}
