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

package mm

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmkernel.dev/vmkernel/pkg/arch"
	"vmkernel.dev/vmkernel/pkg/errors"
	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/memmap"
	"vmkernel.dev/vmkernel/pkg/pagetables"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

const page = hostarch.PageSize

type testMachine struct {
	mf     *physmem.MemoryFile
	cpu    *arch.CPU
	kernel *AddressSpace
}

func newTestMachine(t *testing.T, frames uint64) *testMachine {
	t.Helper()
	mf, err := physmem.NewMemoryFile(physmem.MemoryFileOpts{Frames: frames})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	root, err := mf.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	cpu := arch.NewCPU(0, mf)
	kpt := pagetables.NewKernel(mf, cpu, root)
	kpt.SwitchTo()
	kernel, err := NewKernelSpace(mf, kpt, DefaultLayout)
	if err != nil {
		t.Fatalf("NewKernelSpace failed: %v", err)
	}
	return &testMachine{mf: mf, cpu: cpu, kernel: kernel}
}

func (m *testMachine) newSpace(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := New(m.kernel)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return as
}

func mmap(t *testing.T, as *AddressSpace, opts MMapOpts) hostarch.Addr {
	t.Helper()
	addr, err := as.MMap(context.Background(), opts)
	if err != nil {
		t.Fatalf("MMap(%+v) failed: %v", opts, err)
	}
	return addr
}

func anon(name string, addr hostarch.Addr, pages uint64) MMapOpts {
	return MMapOpts{
		Name:   name,
		Addr:   addr,
		Length: pages * page,
		Perms:  hostarch.ReadWrite,
		Flags:  MapPrivate,
	}
}

func ranges(as *AddressSpace) []hostarch.AddrRange {
	var rs []hostarch.AddrRange
	for _, a := range as.Areas() {
		rs = append(rs, a.Range())
	}
	return rs
}

// checkNonOverlap fails the test if any two areas of as intersect or are out
// of order.
func checkNonOverlap(t *testing.T, as *AddressSpace) {
	t.Helper()
	rs := ranges(as)
	for i := range rs {
		if !rs[i].WellFormed() || rs[i].Length() == 0 || !rs[i].IsPageAligned() {
			t.Errorf("malformed area %v", rs[i])
		}
		if i > 0 && rs[i-1].End > rs[i].Start {
			t.Errorf("areas %v and %v overlap or are out of order", rs[i-1], rs[i])
		}
	}
}

func TestMMapIsLazy(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()

	before := m.mf.PagesInUse()
	addr := mmap(t, as, anon("heap", 0, 16))
	if got := m.mf.PagesInUse(); got != before {
		t.Errorf("PagesInUse = %d after mmap, want %d", got, before)
	}
	a := as.Lookup(addr)
	if a == nil {
		t.Fatalf("Lookup(%v) found nothing", addr)
	}
	if got := a.Resident(); got != 0 {
		t.Errorf("Resident = %d before any fault, want 0", got)
	}

	if err := as.HandleFault(context.Background(), addr+5*page+17, hostarch.Read); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	if got := a.Resident(); got != 1 {
		t.Errorf("Resident = %d after one fault, want 1", got)
	}
	if _, ok := a.PageAt(5); !ok {
		t.Errorf("page 5 not resolved")
	}
	if got := m.mf.PagesInUse(); got != before+1 {
		t.Errorf("PagesInUse = %d after one fault, want %d", got, before+1)
	}
}

func TestMMapDefaultsToTop(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()

	first := mmap(t, as, anon("a", 0, 2))
	second := mmap(t, as, anon("b", 0, 1))
	if want := DefaultLayout.UserHi - 2*page; first != want {
		t.Errorf("first mmap at %v, want %v", first, want)
	}
	if want := first - page; second != want {
		t.Errorf("second mmap at %v, want %v", second, want)
	}
}

func TestOverlappingHints(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()

	const hint = hostarch.Addr(0x10000000)
	first := mmap(t, as, anon("first", hint, 2))
	second := mmap(t, as, anon("second", hint+page, 2))
	if first != hint {
		t.Errorf("free hint not honored: got %v, want %v", first, hint)
	}
	if want := hint - 2*page; second != want {
		t.Errorf("colliding hint placed at %v, want %v", second, want)
	}
	want := []hostarch.AddrRange{
		{Start: hint - 2*page, End: hint},
		{Start: hint, End: hint + 2*page},
	}
	if diff := cmp.Diff(want, ranges(as)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
}

func TestFindHoleSkipsGaps(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()

	top := DefaultLayout.UserHi
	// [top-1, top) and [top-4, top-3) leave a two page gap between them.
	mmap(t, as, anon("top", top-page, 1))
	mmap(t, as, anon("low", top-4*page, 1))

	as.mu.Lock()
	two, ok2 := as.findHoleLocked(2*page, as.hi)
	three, ok3 := as.findHoleLocked(3*page, as.hi)
	as.mu.Unlock()
	if !ok2 || two != top-3*page {
		t.Errorf("findHole(2 pages) = %v, %t, want %v", two, ok2, top-3*page)
	}
	if !ok3 || three != top-7*page {
		t.Errorf("findHole(3 pages) = %v, %t, want %v", three, ok3, top-7*page)
	}
}

// emptyFile is a Mappable whose mmap hook produces no object.
type emptyFile struct{}

func (emptyFile) Name() string { return "empty" }

func (emptyFile) MMap(context.Context, memmap.MMapOpts) (memmap.VMObject, error) {
	return nil, nil
}

func TestMMapErrors(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()
	mmap(t, as, anon("existing", 0x20000000, 1))
	file := memmap.NewCachedFile(m.mf, "file", []byte("contents"), 0)
	defer file.Close()

	for _, tc := range []struct {
		name string
		opts MMapOpts
		want *errors.Error
	}{
		{
			name: "zero length",
			opts: MMapOpts{Perms: hostarch.Read, Flags: MapPrivate},
			want: linuxerr.EINVAL,
		},
		{
			name: "neither private nor shared",
			opts: MMapOpts{Length: page, Perms: hostarch.Read},
			want: linuxerr.EINVAL,
		},
		{
			name: "both private and shared",
			opts: MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapPrivate | MapShared},
			want: linuxerr.EINVAL,
		},
		{
			name: "unaligned hint",
			opts: MMapOpts{Addr: 0x10000001, Length: page, Perms: hostarch.Read, Flags: MapPrivate},
			want: linuxerr.EINVAL,
		},
		{
			name: "length overflow",
			opts: MMapOpts{Length: ^uint64(0), Perms: hostarch.Read, Flags: MapPrivate},
			want: linuxerr.ENOMEM,
		},
		{
			name: "larger than the address space",
			opts: MMapOpts{Length: uint64(hostarch.UserTop), Perms: hostarch.Read, Flags: MapPrivate},
			want: linuxerr.ENOMEM,
		},
		{
			name: "fixed collision",
			opts: MMapOpts{Addr: 0x20000000, Length: page, Perms: hostarch.Read, Flags: MapPrivate | MapFixed},
			want: linuxerr.EEXIST,
		},
		{
			name: "file without mmap hook",
			opts: MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapShared, File: memmap.UnmappableFile("pipe")},
			want: linuxerr.ENODEV,
		},
		{
			name: "unaligned file offset",
			opts: MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapShared, File: file, Offset: 12},
			want: linuxerr.EINVAL,
		},
		{
			name: "mmap hook returns no object",
			opts: MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapShared, File: emptyFile{}},
			want: linuxerr.ENODEV,
		},
		{
			name: "file offset past end",
			opts: MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapShared, File: file, Offset: 4 * page},
			want: linuxerr.ENODEV,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before, inUse := ranges(as), m.mf.PagesInUse()
			if _, err := as.MMap(context.Background(), tc.opts); !linuxerr.Equals(tc.want, err) {
				t.Errorf("MMap = %v, want %v", err, tc.want)
			}
			if diff := cmp.Diff(before, ranges(as)); diff != "" {
				t.Errorf("failed mmap changed areas (-before +after):\n%s", diff)
			}
			if got := m.mf.PagesInUse(); got != inUse {
				t.Errorf("PagesInUse = %d after failed mmap, want %d", got, inUse)
			}
		})
	}
}

func TestMMapHookError(t *testing.T) {
	m := newTestMachine(t, 16)
	as := m.newSpace(t)
	defer as.DecRef()
	file := memmap.NewCachedFile(m.mf, "motd", []byte("hello"), 0)
	defer file.Close()

	_, err := as.MMap(context.Background(), MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapShared, File: file, Offset: 2 * page})
	if !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Fatalf("MMap = %v, want ENODEV", err)
	}
	if got, prefix := err.Error(), "mmap motd: "; strings.Count(got, prefix) != 1 {
		t.Errorf("MMap error %q, want exactly one %q prefix", got, prefix)
	}
}

func TestNonOverlapInvariant(t *testing.T) {
	m := newTestMachine(t, 256)
	as := m.newSpace(t)
	defer as.DecRef()
	ctx := context.Background()

	r := rand.New(rand.NewSource(1))
	const lo = hostarch.Addr(0x40000000)
	var live []hostarch.AddrRange
	for i := 0; i < 200; i++ {
		if len(live) > 0 && r.Intn(3) == 0 {
			j := r.Intn(len(live))
			if err := as.MUnmap(ctx, live[j].Start, live[j].Length()); err != nil {
				t.Fatalf("MUnmap(%v) failed: %v", live[j], err)
			}
			live = append(live[:j], live[j+1:]...)
		} else {
			hint := lo + hostarch.Addr(r.Intn(64))*page
			pages := uint64(1 + r.Intn(4))
			addr := mmap(t, as, anon(fmt.Sprintf("area%d", i), hint, pages))
			live = append(live, hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(pages*page)})
		}
		checkNonOverlap(t, as)
		if t.Failed() {
			t.Fatalf("invariant broken after operation %d", i)
		}
	}
	if got, want := len(as.Areas()), len(live); got != want {
		t.Errorf("%d areas, want %d", got, want)
	}
}

func TestMUnmap(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()
	ctx := context.Background()

	baseline := m.mf.PagesInUse()
	addr := mmap(t, as, anon("heap", 0, 4))
	for i := hostarch.Addr(0); i < 4; i++ {
		if err := as.HandleFault(ctx, addr+i*page, hostarch.Write); err != nil {
			t.Fatalf("HandleFault failed: %v", err)
		}
	}

	for _, bad := range []struct {
		addr   hostarch.Addr
		length uint64
	}{
		{addr, page},
		{addr + page, 3 * page},
		{addr, 5 * page},
		{addr + 1, 4 * page},
		{addr, 0},
		{addr, 3*page + 1},
	} {
		if err := as.MUnmap(ctx, bad.addr, bad.length); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("MUnmap(%v, %#x) = %v, want EINVAL", bad.addr, bad.length, err)
		}
	}

	if err := as.MUnmap(ctx, addr, 4*page); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if a := as.Lookup(addr); a != nil {
		t.Errorf("Lookup(%v) = %v after MUnmap", addr, a)
	}
	if _, ok := as.PageTables().Lookup(addr); ok {
		t.Errorf("translation for %v survived MUnmap", addr)
	}
	if got := m.mf.PagesInUse(); got != baseline {
		t.Errorf("PagesInUse = %d after MUnmap, want %d", got, baseline)
	}
	if err := as.HandleFault(ctx, addr, hostarch.Read); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("HandleFault after MUnmap = %v, want EFAULT", err)
	}
}

func TestMapsText(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()
	file := memmap.NewCachedFile(m.mf, "/lib/libc.so", make([]byte, 3*page), 0)
	defer file.Close()

	mmap(t, as, anon("heap", 0x10000000, 2))
	mmap(t, as, MMapOpts{
		Addr:   0x20000000,
		Length: page,
		Perms:  hostarch.AccessType{Read: true, Execute: true},
		Flags:  MapShared,
		File:   file,
		Offset: 2 * page,
	})
	mmap(t, as, MMapOpts{Addr: 0x30000000, Length: page, Perms: hostarch.Read, Flags: MapPrivate})

	want := fmt.Sprintf("%-73s%s\n", "10000000-10002000 rw-p 00000000 00:00 0 ", "heap") +
		fmt.Sprintf("%-73s%s\n", "20000000-20001000 r-xs 00002000 00:00 0 ", "/lib/libc.so") +
		"30000000-30001000 r--p 00000000 00:00 0 \n"
	if diff := cmp.Diff(want, as.MapsText()); diff != "" {
		t.Errorf("MapsText mismatch (-want +got):\n%s", diff)
	}
}

func TestValidatePointer(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()

	const base = hostarch.Addr(0x10000000)
	mmap(t, as, anon("rw", base, 2))
	mmap(t, as, MMapOpts{Addr: base + 2*page, Length: page, Perms: hostarch.Read, Flags: MapPrivate})
	// base+3*page is a hole.
	mmap(t, as, anon("after-hole", base+4*page, 1))

	for _, tc := range []struct {
		name   string
		ptr    hostarch.Addr
		length uint64
		at     hostarch.AccessType
		want   bool
	}{
		{"empty", 0, 0, hostarch.Read, true},
		{"within one page", base + 10, 100, hostarch.Write, true},
		{"across areas, read", base + page, 2 * page, hostarch.Read, true},
		{"across areas, write", base + page, 2 * page, hostarch.Write, false},
		{"into hole", base + 2*page, page + 1, hostarch.Read, false},
		{"hole only", base + 3*page, 1, hostarch.Read, false},
		{"execute", base, 1, hostarch.Execute, false},
		{"null", 0, 1, hostarch.Read, false},
		{"overflow", ^hostarch.Addr(0) - 1, 10, hostarch.Read, false},
		{"kernel address", hostarch.KernelBase, 1, hostarch.Read, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := as.ValidatePointer(tc.ptr, tc.length, tc.at); got != tc.want {
				t.Errorf("ValidatePointer(%v, %d, %s) = %t, want %t", tc.ptr, tc.length, tc.at, got, tc.want)
			}
		})
	}
	// Validation never resolves pages.
	if got := as.Stats().Resident; got != 0 {
		t.Errorf("Resident = %d after validation, want 0", got)
	}
}

func TestStrings(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()
	ctx := context.Background()

	addr := mmap(t, as, anon("strings", 0, 1))
	if _, err := as.CopyOut(ctx, addr, []byte("abcdef\x00")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if !as.ValidateString(ctx, addr) {
		t.Errorf("ValidateString(%v) = false", addr)
	}
	if s, err := as.CopyInString(ctx, addr, 6); err != nil || s != "abcdef" {
		t.Errorf("CopyInString(6) = %q, %v, want %q", s, err, "abcdef")
	}
	if _, err := as.CopyInString(ctx, addr, 3); !linuxerr.Equals(linuxerr.ENAMETOOLONG, err) {
		t.Errorf("CopyInString(3) = %v, want ENAMETOOLONG", err)
	}

	// An unterminated string running off the end of the area.
	end := addr + page - 3
	if _, err := as.CopyOut(ctx, end, []byte("xyz")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if as.ValidateString(ctx, end) {
		t.Errorf("ValidateString(%v) = true for unterminated string", end)
	}
	if as.ValidateString(ctx, 0x1000) {
		t.Errorf("ValidateString(unmapped) = true")
	}
	if got := as.Stats().Segv; got != 0 {
		t.Errorf("Segv = %d after string validation, want 0", got)
	}
}

func TestCopyInOut(t *testing.T) {
	m := newTestMachine(t, 64)
	as := m.newSpace(t)
	defer as.DecRef()
	ctx := context.Background()

	addr := mmap(t, as, anon("buf", 0, 3))
	src := make([]byte, 2*page)
	for i := range src {
		src[i] = byte(i % 251)
	}
	// Straddle three pages.
	if n, err := as.CopyOut(ctx, addr+100, src); err != nil || n != len(src) {
		t.Fatalf("CopyOut = %d, %v, want %d, nil", n, err, len(src))
	}
	dst := make([]byte, len(src))
	if n, err := as.CopyIn(ctx, addr+100, dst); err != nil || n != len(dst) {
		t.Fatalf("CopyIn = %d, %v, want %d, nil", n, err, len(dst))
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("CopyIn mismatch (-want +got):\n%s", diff)
	}

	ro := mmap(t, as, MMapOpts{Length: page, Perms: hostarch.Read, Flags: MapPrivate})
	if _, err := as.CopyOut(ctx, ro, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut to read-only area = %v, want EFAULT", err)
	}
	if _, err := as.CopyIn(ctx, hostarch.KernelBase, dst[:1]); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn from kernel address = %v, want EFAULT", err)
	}
}
