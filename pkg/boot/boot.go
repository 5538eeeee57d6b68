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

// Package boot brings up the virtual memory subsystem: physical memory, the
// boot CPU, the kernel's page tables and the kernel address space.
//
// Boot runs once. The returned Machine carries the kernel address space to
// every address space created afterwards; there is no global kernel space.
package boot

import (
	"fmt"

	"vmkernel.dev/vmkernel/pkg/arch"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/mm"
	"vmkernel.dev/vmkernel/pkg/pagetables"
	"vmkernel.dev/vmkernel/pkg/physmem"
	"vmkernel.dev/vmkernel/pkg/refs"
	"vmkernel.dev/vmkernel/pkg/sync"
)

// Args configure Boot.
type Args struct {
	// Frames is the number of frames of physical memory.
	Frames uint64

	// Layout is the virtual address layout.
	Layout mm.Layout
}

// Machine is a booted machine.
type Machine struct {
	// MemoryFile is physical memory.
	MemoryFile *physmem.MemoryFile

	// CPU is the boot CPU. It is installed as the interrupt controller of
	// every IRQMutex.
	CPU *arch.CPU

	// Kernel is the kernel address space.
	Kernel *mm.AddressSpace
}

// Boot builds a Machine. The kernel's root table is the first frame
// allocated and is loaded on the CPU before Boot returns.
func Boot(args Args) (*Machine, error) {
	if err := args.Layout.Check(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	mf, err := physmem.NewMemoryFile(physmem.MemoryFileOpts{Frames: args.Frames})
	if err != nil {
		return nil, err
	}
	root, err := mf.Alloc()
	if err != nil {
		mf.Destroy()
		return nil, fmt.Errorf("allocating kernel root table: %w", err)
	}

	cpu := arch.NewCPU(0, mf)
	sync.SetInterruptController(cpu)

	kpt := pagetables.NewKernel(mf, cpu, root)
	kpt.SwitchTo()
	kernel, err := mm.NewKernelSpace(mf, kpt, args.Layout)
	if err != nil {
		sync.SetInterruptController(nil)
		mf.Destroy()
		return nil, err
	}
	log.Infof("Booted: %d frames, %d KiB pages, user [%v, %v), kernel [%v, %v)",
		args.Frames, hostarch.PageSize>>10, args.Layout.UserLo, args.Layout.UserHi, args.Layout.KernelLo, args.Layout.KernelHi)
	return &Machine{MemoryFile: mf, CPU: cpu, Kernel: kernel}, nil
}

// NewSpace returns a new user address space.
func (m *Machine) NewSpace() (*mm.AddressSpace, error) {
	return mm.New(m.Kernel)
}

// Shutdown checks for leaked references and releases physical memory. Every
// user address space must have been released. It returns the number of
// leaked objects found.
func (m *Machine) Shutdown() int {
	// The kernel space lives until shutdown and is not a leak.
	refs.Unregister(&m.Kernel.Refs)
	leaks := refs.DoLeakCheck()
	if n := m.MemoryFile.PagesInUse(); n != int64(m.Kernel.Stats().Resident) {
		log.Warningf("Shutdown with %d pages in use, %d of them kernel pages", n, m.Kernel.Stats().Resident)
	}
	sync.SetInterruptController(nil)
	if err := m.MemoryFile.Destroy(); err != nil {
		log.Warningf("Releasing physical memory: %v", err)
	}
	return leaks
}
