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

// Package cmd holds implementations of the runhik commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"hik.dev/hik/pkg/core/kernel"
	syscalls "hik.dev/hik/pkg/core/syscalls/hik"
	"hik.dev/hik/pkg/log"
	"hik.dev/hik/runhik/boot"
	"hik.dev/hik/runhik/config"
	"hik.dev/hik/runhik/scenario"
)

// vectorFlags can be used with IRQ vector flags that appear multiple times.
type vectorFlags []uint8

// String implements flag.Value.
func (v *vectorFlags) String() string {
	return fmt.Sprintf("%v", []uint8(*v))
}

// Get implements flag.Getter.
func (v *vectorFlags) Get() any {
	return v
}

// Set implements flag.Value.
func (v *vectorFlags) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return fmt.Errorf("invalid vector: %v", err)
	}
	*v = append(*v, uint8(n))
	return nil
}

// loadBootConfig reads the boot configuration in path, or the one named by
// conf if path is empty, or the built-in one if neither is set.
func loadBootConfig(conf *config.Config, path string) (*boot.Config, error) {
	if path == "" {
		path = conf.BootConfig
	}
	if path == "" {
		log.Debugf("Using the built-in boot configuration")
		return boot.Default(), nil
	}
	return boot.Load(path)
}

// kernelArgs returns the boot arguments for bc with the machine settings of
// conf applied.
func kernelArgs(conf *config.Config, bc *boot.Config) kernel.Args {
	args := bc.Args(conf.CommandLine())
	applyConfig(&args, conf)
	return args
}

func applyConfig(args *kernel.Args, conf *config.Config) {
	args.Syscalls = syscalls.Table
	args.Translation = conf.Translation.ASM()
	args.MaxFrames = conf.FramesMax
	args.AuditEntries = conf.AuditEntries
	args.TimeSlice = uint32(conf.TimeSlice)
	args.Restart = conf.RestartPolicy()
}

// start loads the boot configuration and boots a kernel with it.
func start(conf *config.Config, path string) (*scenario.Env, error) {
	bc, err := loadBootConfig(conf, path)
	if err != nil {
		return nil, err
	}
	env, err := scenario.NewEnv(kernelArgs(conf, bc))
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	return env, nil
}

// drive raises vectors in order and then runs conf.Ticks timer ticks.
func drive(conf *config.Config, env *scenario.Env, vectors []uint8) error {
	for _, v := range vectors {
		if err := env.K.RaiseIRQ(v); err != nil {
			return fmt.Errorf("raising vector %d: %w", v, err)
		}
	}
	for i := uint64(0); i < conf.Ticks; i++ {
		env.Clock.Advance(1)
		if err := env.K.Tick(); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}
	log.Infof("Ran %d ticks, current thread %d", conf.Ticks, env.K.Current())
	return nil
}

// bootAndRun boots a kernel and drives it. The environment is returned even
// when driving fails so callers can report the state the kernel stopped in.
func bootAndRun(conf *config.Config, path string, vectors []uint8) (*scenario.Env, error) {
	env, err := start(conf, path)
	if err != nil {
		return nil, err
	}
	return env, drive(conf, env, vectors)
}

// outputPath returns path, or name inside the root directory if path is
// empty.
func outputPath(conf *config.Config, path, name string) string {
	if path != "" {
		return path
	}
	return filepath.Join(conf.RootDir, name)
}

// lockFile takes a file lock next to path. The returned function releases
// it.
func lockFile(path string) (func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0711); err != nil {
		return nil, fmt.Errorf("error creating directory %q: %v", dir, err)
	}
	f := path + ".lock"
	l := flock.New(f)
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", f, err)
	}
	return l.Unlock, nil
}

// writeFile writes path under its file lock. Readers never see a partial
// file: the data is written to a temporary file that replaces path.
func writeFile(path string, write func(io.Writer) error) error {
	unlock, err := lockFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warningf("Releasing lock on %q: %v", path, err)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readFile reads path under its file lock.
func readFile(path string) ([]byte, error) {
	unlock, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return os.ReadFile(path)
}

// stdout returns w, or os.Stdout if w is nil.
func stdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
