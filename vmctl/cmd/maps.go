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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"vmkernel.dev/vmkernel/pkg/boot"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/mm"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	fork bool
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "Create mappings in a new address space and print its maps."
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [options] <name:pages:perms[:shared][@addr]>... - Create mappings and print the resulting maps.

Perms are any of "rwx". Mappings are private unless ":shared" is given.
An @addr suffix requests a fixed address, e.g. "stack:8:rw@0x7ff000000000".
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.fork, "fork", false, "also fork the address space and print the child's maps.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var opts []mm.MMapOpts
	for _, arg := range f.Args() {
		o, err := parseMapping(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "maps: %v\n", err)
			return subcommands.ExitUsageError
		}
		opts = append(opts, o)
	}

	machine := bootFromArgs(args)
	status := subcommands.ExitSuccess
	if err := runMaps(ctx, machine, os.Stdout, opts, m.fork); err != nil {
		fmt.Fprintf(os.Stderr, "maps: %v\n", err)
		status = subcommands.ExitFailure
	}
	return shutdown(machine, status)
}

// parseMapping parses name:pages:perms[:shared][@addr].
func parseMapping(s string) (mm.MMapOpts, error) {
	var opts mm.MMapOpts
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		addr, err := strconv.ParseUint(s[i+1:], 0, 64)
		if err != nil {
			return opts, fmt.Errorf("mapping %q: invalid address: %w", s, err)
		}
		opts.Addr = hostarch.Addr(addr)
		opts.Flags |= mm.MapFixed
		s = s[:i]
	}
	fields := strings.Split(s, ":")
	if len(fields) < 3 || len(fields) > 4 {
		return opts, fmt.Errorf("mapping %q: want name:pages:perms[:shared]", s)
	}
	opts.Name = fields[0]
	pages, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil || pages == 0 {
		return opts, fmt.Errorf("mapping %q: invalid page count %q", s, fields[1])
	}
	opts.Length = pages * hostarch.PageSize
	for _, c := range fields[2] {
		switch c {
		case 'r':
			opts.Perms.Read = true
		case 'w':
			opts.Perms.Write = true
		case 'x':
			opts.Perms.Execute = true
		case '-':
		default:
			return opts, fmt.Errorf("mapping %q: invalid permission %q", s, c)
		}
	}
	opts.Flags |= mm.MapPrivate
	if len(fields) == 4 {
		if fields[3] != "shared" {
			return opts, fmt.Errorf("mapping %q: unknown option %q", s, fields[3])
		}
		opts.Flags = opts.Flags&^mm.MapPrivate | mm.MapShared
	}
	return opts, nil
}

func runMaps(ctx context.Context, m *boot.Machine, w io.Writer, opts []mm.MMapOpts, fork bool) error {
	as, err := m.NewSpace()
	if err != nil {
		return err
	}
	defer as.DecRef()
	for _, o := range opts {
		if _, err := as.MMap(ctx, o); err != nil {
			return fmt.Errorf("mmap %s: %w", o.Name, err)
		}
	}
	fmt.Fprint(w, as.MapsText())
	if !fork {
		return nil
	}
	child, err := as.Fork(ctx)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.DecRef()
	fmt.Fprintf(w, "\nchild %d:\n%s", child.ID(), child.MapsText())
	return nil
}
