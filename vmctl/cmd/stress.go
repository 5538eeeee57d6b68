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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vmkernel.dev/vmkernel/pkg/boot"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/mm"
	"vmkernel.dev/vmkernel/pkg/prometheus"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

type stressOpts struct {
	workers int
	rounds  int
	pages   uint64
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "Fault, fork and unmap from many goroutines at once."
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [options] - Fault, fork and unmap from many goroutines at once.

Each worker owns an address space. Every round it maps a region, writes a
pattern to each page, forks, overwrites the pattern in the child, and checks
that the parent still sees its own data.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.workers, "workers", 4, "number of concurrent address spaces.")
	f.IntVar(&s.opts.rounds, "rounds", 16, "rounds per worker.")
	f.Uint64Var(&s.opts.pages, "pages", 8, "pages mapped per round.")
	f.BoolVar(&s.opts.metrics, "metrics", false, "print counters in Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.opts.workers <= 0 || s.opts.rounds <= 0 || s.opts.pages == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	m := bootFromArgs(args)
	status := subcommands.ExitSuccess
	if err := runStress(ctx, m, os.Stdout, s.opts); err != nil {
		fmt.Fprintf(os.Stderr, "stress: %v\n", err)
		status = subcommands.ExitFailure
	}
	return shutdown(m, status)
}

type stressTotals struct {
	forks atomic.Uint64

	mu    sync.Mutex
	stats mm.Stats
}

func (t *stressTotals) add(s mm.Stats) {
	t.mu.Lock()
	t.stats.Add(s)
	t.mu.Unlock()
}

func runStress(ctx context.Context, m *boot.Machine, w io.Writer, opts stressOpts) error {
	var totals stressTotals
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		worker := i
		g.Go(func() error {
			return stressWorker(ctx, m, worker, opts, &totals)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d workers x %d rounds in %v: %d forks, %d faults, %d copy-on-write\n",
		opts.workers, opts.rounds, time.Since(start).Round(time.Millisecond),
		totals.forks.Load(), totals.stats.Faults, totals.stats.CopyOnWrite)
	fmt.Fprintf(w, "frames in use: %d of %d\n", m.MemoryFile.FramesInUse(), m.MemoryFile.TotalFrames())
	if !opts.metrics {
		return nil
	}
	return prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("vmctl stress: %d workers, %d rounds, %d pages", opts.workers, opts.rounds, opts.pages),
		ExporterPrefix: "vm_",
	}, m.Snapshot(map[string]mm.Stats{"all": totals.stats}))
}

func stressWorker(ctx context.Context, m *boot.Machine, worker int, opts stressOpts, totals *stressTotals) error {
	as, err := m.NewSpace()
	if err != nil {
		return fmt.Errorf("worker %d: %w", worker, err)
	}
	defer func() {
		totals.add(as.Stats())
		as.DecRef()
	}()

	length := opts.pages * hostarch.PageSize
	for round := 0; round < opts.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, err := as.MMap(ctx, mm.MMapOpts{
			Name:   fmt.Sprintf("worker-%d", worker),
			Length: length,
			Perms:  hostarch.ReadWrite,
			Flags:  mm.MapPrivate,
		})
		if err != nil {
			return fmt.Errorf("worker %d round %d: %w", worker, round, err)
		}
		if err := stressRound(ctx, as, addr, worker, round, opts.pages, totals); err != nil {
			return fmt.Errorf("worker %d round %d: %w", worker, round, err)
		}
		if err := as.MUnmap(ctx, addr, length); err != nil {
			return fmt.Errorf("worker %d round %d: %w", worker, round, err)
		}
	}
	log.Debugf("Stress worker %d done", worker)
	return nil
}

func stressRound(ctx context.Context, as *mm.AddressSpace, addr hostarch.Addr, worker, round int, pages uint64, totals *stressTotals) error {
	pattern := func(who string, page uint64) []byte {
		return []byte(fmt.Sprintf("%s %d/%d/%d", who, worker, round, page))
	}
	for p := uint64(0); p < pages; p++ {
		if _, err := as.CopyOut(ctx, addr+hostarch.Addr(p*hostarch.PageSize), pattern("parent", p)); err != nil {
			return err
		}
	}

	child, err := as.Fork(ctx)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	totals.forks.Add(1)
	defer func() {
		totals.add(child.Stats())
		child.DecRef()
	}()

	for p := uint64(0); p < pages; p++ {
		va := addr + hostarch.Addr(p*hostarch.PageSize)
		if err := expect(ctx, child, va, pattern("parent", p)); err != nil {
			return fmt.Errorf("child before write: %w", err)
		}
		if _, err := child.CopyOut(ctx, va, pattern("child!", p)); err != nil {
			return err
		}
		if err := expect(ctx, as, va, pattern("parent", p)); err != nil {
			return fmt.Errorf("parent after child write: %w", err)
		}
	}
	return nil
}

func expect(ctx context.Context, as *mm.AddressSpace, va hostarch.Addr, want []byte) error {
	got := make([]byte, len(want))
	if _, err := as.CopyIn(ctx, va, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("address space %d at %v: got %q, want %q", as.ID(), va, got, want)
	}
	return nil
}
