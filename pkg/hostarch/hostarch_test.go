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

package hostarch

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down, up Addr
		aligned  bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, false},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 17, PageSize, 2 * PageSize, false},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		if got, ok := test.addr.RoundUp(); !ok || got != test.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", test.addr, got, ok, test.up)
		}
		if got := test.addr.IsPageAligned(); got != test.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", test.addr, got, test.aligned)
		}
	}
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the top address did not report wraparound")
	}
}

func TestAddrRangeOverlaps(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	for _, test := range []struct {
		r    AddrRange
		want bool
	}{
		{AddrRange{0, 0x1000}, false},
		{AddrRange{0, 0x1001}, true},
		{AddrRange{0x2000, 0x2001}, true},
		{AddrRange{0x3000, 0x4000}, false},
		{AddrRange{0, 0x5000}, true},
	} {
		if got := a.Overlaps(test.r); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, test.r, got, test.want)
		}
		if got := test.r.Overlaps(a); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", test.r, a, got, test.want)
		}
	}
}

func TestAccessTypeSupersetOf(t *testing.T) {
	if !ReadWrite.SupersetOf(Read) {
		t.Errorf("rw- should be a superset of r--")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r-- should not be a superset of -w-")
	}
	if !AnyAccess.SupersetOf(NoAccess) || !NoAccess.SupersetOf(NoAccess) {
		t.Errorf("every access type is a superset of ---")
	}
	if got := (AccessType{Read: true, Execute: true}).String(); got != "r-x" {
		t.Errorf("String() = %q, want r-x", got)
	}
}

func TestMemoryTypeOf(t *testing.T) {
	if got := MemoryTypeOf(true, true); got != MemoryTypeUncached {
		t.Errorf("MemoryTypeOf(true, true) = %v, want Uncached", got)
	}
	if got := MemoryTypeOf(false, true); got != MemoryTypeWriteThrough {
		t.Errorf("MemoryTypeOf(false, true) = %v, want WriteThrough", got)
	}
	if got := MemoryTypeOf(false, false); got != MemoryTypeWriteBack {
		t.Errorf("MemoryTypeOf(false, false) = %v, want WriteBack", got)
	}
}
