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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmkernel.dev/vmkernel/pkg/boot"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/mm"
)

func newMachine(t *testing.T, frames uint64) *boot.Machine {
	t.Helper()
	m, err := boot.Boot(boot.Args{Frames: frames, Layout: mm.DefaultLayout})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(func() {
		if n := m.MemoryFile.FramesInUse(); n != 1 {
			t.Errorf("%d frames in use at shutdown, want only the kernel root", n)
		}
		m.Shutdown()
	})
	return m
}

func TestDemo(t *testing.T) {
	m := newMachine(t, 128)
	var out bytes.Buffer
	if err := runDemo(context.Background(), m, &out, 4); err != nil {
		t.Fatalf("runDemo failed: %v", err)
	}
	for _, want := range []string{
		`heap="parent" motd="hello from the page cache\n"`,
		`heap="child!" motd="hello from the page cache\n"`,
		"[heap]",
		"/etc/motd",
		"valid heap pointer: true",
		"writable motd pointer: false",
		"null pointer: false",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("demo output missing %q:\n%s", want, out.String())
		}
	}
}

func TestParseMapping(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want mm.MMapOpts
	}{
		{
			in:   "heap:4:rw",
			want: mm.MMapOpts{Name: "heap", Length: 4 * hostarch.PageSize, Perms: hostarch.ReadWrite, Flags: mm.MapPrivate},
		},
		{
			in:   "shm:1:r-:shared",
			want: mm.MMapOpts{Name: "shm", Length: hostarch.PageSize, Perms: hostarch.Read, Flags: mm.MapShared},
		},
		{
			in: "text:2:rx@0x400000",
			want: mm.MMapOpts{
				Name:   "text",
				Addr:   0x400000,
				Length: 2 * hostarch.PageSize,
				Perms:  hostarch.AccessType{Read: true, Execute: true},
				Flags:  mm.MapPrivate | mm.MapFixed,
			},
		},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseMapping(tc.in)
			if err != nil {
				t.Fatalf("parseMapping(%q) failed: %v", tc.in, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parseMapping(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestParseMappingErrors(t *testing.T) {
	for _, in := range []string{
		"heap",
		"heap:0:rw",
		"heap:x:rw",
		"heap:1:rwz",
		"heap:1:rw:private",
		"heap:1:rw@nowhere",
		"a:1:r:shared:extra",
	} {
		if _, err := parseMapping(in); err == nil {
			t.Errorf("parseMapping(%q) succeeded", in)
		}
	}
}

func TestRunMaps(t *testing.T) {
	m := newMachine(t, 64)
	var opts []mm.MMapOpts
	for _, s := range []string{"stack:2:rw@0x7ff000000000", "heap:1:rw", "shm:1:r:shared"} {
		o, err := parseMapping(s)
		if err != nil {
			t.Fatalf("parseMapping(%q): %v", s, err)
		}
		opts = append(opts, o)
	}
	var out bytes.Buffer
	if err := runMaps(context.Background(), m, &out, opts, true); err != nil {
		t.Fatalf("runMaps failed: %v", err)
	}
	// Three lines for the parent, a blank line and a header, then three for
	// the child.
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 8 {
		t.Fatalf("got %d lines, want 8:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "7ff000000000-7ff000002000 rw-p") {
		t.Errorf("fixed stack mapping missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "r--s") {
		t.Errorf("shared mapping missing:\n%s", out.String())
	}
}

func TestRunMapsCollision(t *testing.T) {
	m := newMachine(t, 64)
	opts := []mm.MMapOpts{
		{Name: "a", Addr: 0x400000, Length: hostarch.PageSize, Perms: hostarch.Read, Flags: mm.MapPrivate | mm.MapFixed},
		{Name: "b", Addr: 0x400000, Length: hostarch.PageSize, Perms: hostarch.Read, Flags: mm.MapPrivate | mm.MapFixed},
	}
	if err := runMaps(context.Background(), m, &bytes.Buffer{}, opts, false); err == nil {
		t.Errorf("runMaps with colliding fixed mappings succeeded")
	}
}

func TestStress(t *testing.T) {
	m := newMachine(t, 512)
	var out bytes.Buffer
	if err := runStress(context.Background(), m, &out, stressOpts{workers: 4, rounds: 4, pages: 4, metrics: true}); err != nil {
		t.Fatalf("runStress failed: %v", err)
	}
	for _, want := range []string{
		"16 forks",
		"# TYPE vm_faults_total counter",
		// Every page is copied once in each child.
		`vm_copy_on_write_total{space="all"} 64 `,
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("stress output missing %q:\n%s", want, out.String())
		}
	}
}
