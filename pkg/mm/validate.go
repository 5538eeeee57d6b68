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
	"bytes"
	"context"

	"vmkernel.dev/vmkernel/pkg/hostarch"
)

// maxValidateString bounds the length of strings checked by
// ValidateString.
const maxValidateString = 1 << 20

// ValidatePointer returns true if every page covering [ptr, ptr+length)
// lies in an area permitting at. It never faults; syscalls use it to reject
// bad user pointers before touching them.
func (as *AddressSpace) ValidatePointer(ptr hostarch.Addr, length uint64, at hostarch.AccessType) bool {
	if length == 0 {
		return true
	}
	ar, ok := ptr.ToRange(length)
	if !ok || ar.Start < as.lo || ar.End > as.hi {
		return false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for va := ar.Start.RoundDown(); va < ar.End; {
		a := as.lookupLocked(va)
		if a == nil || !a.perms.SupersetOf(at) {
			return false
		}
		va = a.End()
	}
	return true
}

// ValidateString returns true if a NUL-terminated string of readable bytes
// starts at ptr. Unlike ValidatePointer it reads the string, resolving its
// pages. A pointer outside any readable area is rejected before it is
// touched, so it does not count as a segmentation violation.
func (as *AddressSpace) ValidateString(ctx context.Context, ptr hostarch.Addr) bool {
	for va, n := ptr, 0; n <= maxValidateString; {
		if !as.ValidatePointer(va, 1, hostarch.Read) {
			return false
		}
		b, err := as.access(ctx, va, hostarch.Read)
		if err != nil {
			return false
		}
		if bytes.IndexByte(b, 0) >= 0 {
			return true
		}
		n += len(b)
		next, ok := va.AddLength(uint64(len(b)))
		if !ok {
			return false
		}
		va = next
	}
	return false
}
