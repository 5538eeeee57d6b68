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

	"github.com/google/subcommands"
	"vmkernel.dev/vmkernel/pkg/boot"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/memmap"
	"vmkernel.dev/vmkernel/pkg/mm"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	pages uint64
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "Map a heap, fork, and show copy-on-write at work."
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [options] - Map a heap, fork, and show copy-on-write at work.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&d.pages, "pages", 4, "heap size in pages.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	m := bootFromArgs(args)
	status := subcommands.ExitSuccess
	if err := runDemo(ctx, m, os.Stdout, d.pages); err != nil {
		log.Warningf("demo: %v", err)
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		status = subcommands.ExitFailure
	}
	return shutdown(m, status)
}

func runDemo(ctx context.Context, m *boot.Machine, w io.Writer, pages uint64) error {
	parent, err := m.NewSpace()
	if err != nil {
		return err
	}
	defer parent.DecRef()

	heap, err := parent.MMap(ctx, mm.MMapOpts{
		Name:   "[heap]",
		Length: pages * hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
		Flags:  mm.MapPrivate,
	})
	if err != nil {
		return fmt.Errorf("mapping heap: %w", err)
	}
	if _, err := parent.CopyOut(ctx, heap, []byte("parent")); err != nil {
		return fmt.Errorf("writing heap: %w", err)
	}

	motd := memmap.NewCachedFile(m.MemoryFile, "/etc/motd", []byte("hello from the page cache\n"), 0)
	defer motd.Close()
	text, err := parent.MMap(ctx, mm.MMapOpts{
		Length: hostarch.PageSize,
		Perms:  hostarch.Read,
		Flags:  mm.MapShared,
		File:   motd,
	})
	if err != nil {
		return fmt.Errorf("mapping %s: %w", motd.Name(), err)
	}

	child, err := parent.Fork(ctx)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.DecRef()
	if _, err := child.CopyOut(ctx, heap, []byte("child!")); err != nil {
		return fmt.Errorf("writing child heap: %w", err)
	}

	buf := make([]byte, len("parent"))
	for _, as := range []*mm.AddressSpace{parent, child} {
		if _, err := as.CopyIn(ctx, heap, buf); err != nil {
			return err
		}
		s, err := as.CopyInString(ctx, text, hostarch.PageSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "space %d: heap=%q motd=%q\n", as.ID(), buf, s)
	}

	fmt.Fprintf(w, "\nparent maps:\n%s", parent.MapsText())
	fmt.Fprintf(w, "\nvalid heap pointer: %t\n", parent.ValidatePointer(heap, 8, hostarch.Write))
	fmt.Fprintf(w, "writable motd pointer: %t\n", parent.ValidatePointer(text, 8, hostarch.Write))
	fmt.Fprintf(w, "null pointer: %t\n", parent.ValidatePointer(0, 8, hostarch.Read))

	if err := child.MUnmap(ctx, heap, pages*hostarch.PageSize); err != nil {
		return fmt.Errorf("unmapping child heap: %w", err)
	}
	fmt.Fprintf(w, "\nparent stats: %+v\nchild stats:  %+v\n", parent.Stats(), child.Stats())
	fmt.Fprintf(w, "frames in use: %d of %d\n", m.MemoryFile.FramesInUse(), m.MemoryFile.TotalFrames())
	return nil
}
