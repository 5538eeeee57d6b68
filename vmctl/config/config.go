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

// Package config holds vmctl's configuration: the size of physical memory,
// the virtual address layout, and logging options. A Config starts from
// Default, is overlaid by an optional TOML file, and then by flags.
package config

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/mm"
	"vmkernel.dev/vmkernel/pkg/refs"
)

// Address is a virtual address. It is written as a string in TOML files,
// usually in hex, since kernel addresses do not fit in a TOML integer.
type Address hostarch.Addr

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = Address(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// String implements flag.Value.String.
func (a *Address) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

// Set implements flag.Value.Set.
func (a *Address) Set(v string) error {
	return a.UnmarshalText([]byte(v))
}

// Config is the configuration of a vmctl run.
type Config struct {
	// Frames is the number of frames of physical memory.
	Frames uint64 `toml:"frames"`

	// UserLo and UserHi bound the user portion of every address space.
	UserLo Address `toml:"user_lo"`
	UserHi Address `toml:"user_hi"`

	// KernelLo and KernelHi bound the kernel address space.
	KernelLo Address `toml:"kernel_lo"`
	KernelHi Address `toml:"kernel_hi"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// ReferenceLeak is the reference leak checking mode, as accepted by
	// refs.LeakMode.Set.
	ReferenceLeak string `toml:"ref_leak_mode"`
}

// Default returns the default configuration.
func Default() *Config {
	l := mm.DefaultLayout
	return &Config{
		Frames:        4096,
		UserLo:        Address(l.UserLo),
		UserHi:        Address(l.UserHi),
		KernelLo:      Address(l.KernelLo),
		KernelHi:      Address(l.KernelHi),
		LogFormat:     "text",
		ReferenceLeak: refs.NoLeakChecking.String(),
	}
}

// Load reads the TOML file at path over a copy of the defaults. Keys that
// Config does not know are an error.
func Load(path string) (*Config, error) {
	c := deepcopy.Copy(Default()).(*Config)
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config %q: %v", path, undecoded)
	}
	return c, nil
}

// Layout returns the virtual address layout described by c.
func (c *Config) Layout() mm.Layout {
	return mm.Layout{
		UserLo:   hostarch.Addr(c.UserLo),
		UserHi:   hostarch.Addr(c.UserHi),
		KernelLo: hostarch.Addr(c.KernelLo),
		KernelHi: hostarch.Addr(c.KernelHi),
	}
}

// LeakMode returns the parsed reference leak mode.
func (c *Config) LeakMode() (refs.LeakMode, error) {
	var m refs.LeakMode
	if err := m.Set(c.ReferenceLeak); err != nil {
		return refs.NoLeakChecking, err
	}
	return m, nil
}

// Validate checks that c describes a machine that can boot.
func (c *Config) Validate() error {
	if c.Frames == 0 {
		return fmt.Errorf("frames must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.LogFormat)
	}
	if _, err := c.LeakMode(); err != nil {
		return err
	}
	if err := c.Layout().Check(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	return nil
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Config: frames=%d user=[%#x, %#x) kernel=[%#x, %#x) debug=%t log_format=%s ref_leak_mode=%s",
		c.Frames, uint64(c.UserLo), uint64(c.UserHi), uint64(c.KernelLo), uint64(c.KernelHi), c.Debug, c.LogFormat, c.ReferenceLeak)
}

// RegisterFlags registers the flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "path to a TOML configuration file.")
	flagSet.Uint64("frames", d.Frames, "number of frames of physical memory.")
	flagSet.Var(&d.UserLo, "user-lo", "lowest user address.")
	flagSet.Var(&d.UserHi, "user-hi", "end of the user address range.")
	flagSet.Var(&d.KernelLo, "kernel-lo", "lowest kernel address.")
	flagSet.Var(&d.KernelHi, "kernel-hi", "end of the kernel address range.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.String("ref-leak-mode", d.ReferenceLeak, "sets reference leak check mode: disabled (default), log-names, panic.")
}

// NewFromFlags creates a Config from the defaults, the file named by the
// "config" flag if any, and then every flag set explicitly on flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	var (
		c   *Config
		err error
	)
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if c, err = Load(path); err != nil {
			return nil, err
		}
	} else {
		c = deepcopy.Copy(Default()).(*Config)
	}

	flagSet.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "frames":
			c.Frames, err = strconv.ParseUint(v, 0, 64)
		case "user-lo":
			err = c.UserLo.Set(v)
		case "user-hi":
			err = c.UserHi.Set(v)
		case "kernel-lo":
			err = c.KernelLo.Set(v)
		case "kernel-hi":
			err = c.KernelHi.Set(v)
		case "debug":
			c.Debug, err = strconv.ParseBool(v)
		case "log-format":
			c.LogFormat = v
		case "ref-leak-mode":
			c.ReferenceLeak = v
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
