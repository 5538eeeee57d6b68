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

package boot

import (
	"context"
	"testing"

	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/mm"
	"vmkernel.dev/vmkernel/pkg/prometheus"
	"vmkernel.dev/vmkernel/pkg/refs"
)

func TestBoot(t *testing.T) {
	m, err := Boot(Args{Frames: 64, Layout: mm.DefaultLayout})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if got, want := m.CPU.ReadCR3(), m.Kernel.PageTables().Root(); got != want {
		t.Errorf("CR3 = %v, want kernel root %v", got, want)
	}
	if !m.Kernel.IsKernel() {
		t.Errorf("Kernel is not the kernel space")
	}

	as, err := m.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	if as.Kernel() != m.Kernel {
		t.Errorf("new space is not linked to the kernel space")
	}
	ctx := context.Background()
	addr, err := as.MMap(ctx, mm.MMapOpts{Name: "heap", Length: hostarch.PageSize, Perms: hostarch.ReadWrite, Flags: mm.MapPrivate})
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	as.Activate()
	if _, err := as.CopyOut(ctx, addr, []byte("booted")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	// Every lock taken above was released.
	if !m.CPU.InterruptsEnabled() {
		t.Errorf("interrupts disabled after balanced locking")
	}
	as.DecRef()
	if got := m.CPU.ReadCR3(); got != m.Kernel.PageTables().Root() {
		t.Errorf("CR3 = %v after releasing the active space, want kernel root", got)
	}
	if leaks := m.Shutdown(); leaks != 0 {
		t.Errorf("Shutdown found %d leaks", leaks)
	}
}

func TestBootLeakCheck(t *testing.T) {
	old := refs.GetLeakMode()
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(old)

	m, err := Boot(Args{Frames: 16, Layout: mm.DefaultLayout})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	as, err := m.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	// The kernel space is never released; only the user space leaks here.
	before := len(refs.Leaks())
	as.DecRef()
	if got := len(refs.Leaks()); got != before-1 {
		t.Errorf("%d live objects after release, want %d", got, before-1)
	}
	m.Shutdown()
}

func TestBootErrors(t *testing.T) {
	if _, err := Boot(Args{Frames: 0, Layout: mm.DefaultLayout}); err == nil {
		t.Errorf("Boot with no memory succeeded")
	}
	bad := mm.DefaultLayout
	bad.UserHi = bad.UserLo
	if _, err := Boot(Args{Frames: 16, Layout: bad}); err == nil {
		t.Errorf("Boot with an empty user range succeeded")
	}
}

func TestSnapshot(t *testing.T) {
	m, err := Boot(Args{Frames: 32, Layout: mm.DefaultLayout})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer m.Shutdown()
	as, err := m.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	defer as.DecRef()
	ctx := context.Background()
	addr, err := as.MMap(ctx, mm.MMapOpts{Length: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite, Flags: mm.MapPrivate})
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if err := as.HandleFault(ctx, addr, hostarch.Write); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}

	s := m.Snapshot(map[string]mm.Stats{"test": as.Stats()})
	got := make(map[string]int64)
	for _, d := range s.Data {
		got[d.Metric.Name] = d.Value
		if d.Metric.Type == prometheus.TypeCounter && d.Value < 0 {
			t.Errorf("%s is negative", d.Metric.Name)
		}
	}
	for name, want := range map[string]int64{
		"frames_total":     32,
		"pages_in_use":     1,
		"faults_total":     1,
		"anon_pages_total": 1,
		"areas":            1,
		"resident_pages":   1,
	} {
		if got[name] != want {
			t.Errorf("%s = %d, want %d", name, got[name], want)
		}
	}
}
