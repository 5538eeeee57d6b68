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

package arch

import (
	"fmt"

	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// Fault describes a translation failure raised by the page walker, the way
// the hardware reports a page fault.
type Fault struct {
	// Addr is the faulting virtual address.
	Addr hostarch.Addr

	// Access is the attempted access.
	Access hostarch.AccessType

	// Present is true if a translation existed but did not permit Access.
	Present bool

	// User is true if the access was made from user mode.
	User bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	kind := "non-present page"
	if f.Present {
		kind = "protection violation"
	}
	mode := "kernel"
	if f.User {
		mode = "user"
	}
	return fmt.Sprintf("%s %s fault at %v: %s", mode, f.Access, f.Addr, kind)
}

// Unwrap returns EFAULT, so that errors.Is(fault, linuxerr.EFAULT) holds.
func (f *Fault) Unwrap() error {
	return linuxerr.EFAULT
}

// intermediateOpts returns the options for a non-leaf entry covering va.
// Permissions are enforced at the leaf only.
func intermediateOpts(va hostarch.Addr) PTE {
	opts := Present | Writable
	if !va.IsKernel() {
		opts |= User
	}
	return opts
}

// walk returns the leaf entry for va in the tables rooted at root. If alloc
// is true, missing intermediate tables are allocated from mem and newTop
// reports whether a top-level entry was populated; otherwise a missing
// table yields a nil leaf.
func walk(mem physmem.Allocator, root physmem.PhysAddr, va hostarch.Addr, alloc bool) (leaf *PTE, newTop bool, err error) {
	table := tableAt(mem, root)
	for level := 0; level < Levels-1; level++ {
		e := &table[index(va, level)]
		v := load(e)
		if !v.Valid() {
			if !alloc {
				return nil, newTop, nil
			}
			pa, err := mem.Alloc()
			if err != nil {
				return nil, newTop, err
			}
			v = MakePTE(pa, intermediateOpts(va))
			store(e, v)
			if level == 0 {
				newTop = true
			}
		}
		table = tableAt(mem, v.Address())
	}
	return &table[index(va, Levels-1)], newTop, nil
}

// MapInto installs a translation from va to pa in the tables rooted at root,
// replacing any existing translation. Only base pages are supported.
//
// newTop is true if a top-level entry was populated to make room for the
// translation.
func MapInto(mem physmem.Allocator, root physmem.PhysAddr, va hostarch.Addr, pa physmem.PhysAddr, size uint64, flags PTE) (newTop bool, err error) {
	if size != hostarch.PageSize {
		return false, fmt.Errorf("mapping size %#x: %w", size, linuxerr.EINVAL)
	}
	if !va.IsPageAligned() || !pa.IsPageAligned() {
		return false, fmt.Errorf("unaligned mapping %v -> %v: %w", va, pa, linuxerr.EINVAL)
	}
	leaf, newTop, err := walk(mem, root, va, true)
	if err != nil {
		return newTop, err
	}
	store(leaf, MakePTE(pa, flags|Present))
	return newTop, nil
}

// Unmap clears the translation for va, returning the previous entry.
func Unmap(mem physmem.Allocator, root physmem.PhysAddr, va hostarch.Addr) (PTE, bool) {
	leaf, _, _ := walk(mem, root, va, false)
	if leaf == nil {
		return 0, false
	}
	old := load(leaf)
	store(leaf, 0)
	return old, old.Valid()
}

// Lookup returns the leaf entry for va, if present.
func Lookup(mem physmem.Allocator, root physmem.PhysAddr, va hostarch.Addr) (PTE, bool) {
	leaf, _, _ := walk(mem, root, va, false)
	if leaf == nil {
		return 0, false
	}
	v := load(leaf)
	return v, v.Valid()
}

// permits returns true if the leaf entry v allows access at from the given
// mode.
func permits(v PTE, at hostarch.AccessType, user bool) bool {
	switch {
	case !v.Valid():
		return false
	case user && v&User == 0:
		return false
	case at.Write && v&Writable == 0:
		return false
	case at.Execute && v&ExecuteDisable != 0:
		return false
	}
	return true
}

// translate performs a hardware-style walk for an access, setting the
// accessed and dirty bits on success.
func translate(mem physmem.Allocator, root physmem.PhysAddr, va hostarch.Addr, at hostarch.AccessType, user bool) (PTE, error) {
	table := tableAt(mem, root)
	for level := 0; level < Levels-1; level++ {
		v := load(&table[index(va, level)])
		if !v.Valid() {
			return 0, &Fault{Addr: va, Access: at, User: user}
		}
		if user && v&User == 0 {
			return 0, &Fault{Addr: va, Access: at, Present: true, User: user}
		}
		table = tableAt(mem, v.Address())
	}
	leaf := &table[index(va, Levels-1)]
	v := load(leaf)
	if !permits(v, at, user) {
		return 0, &Fault{Addr: va, Access: at, Present: v.Valid(), User: user}
	}
	set := v | Accessed
	if at.Write {
		set |= Dirty
	}
	if set != v {
		store(leaf, set)
	}
	return set, nil
}

// Translate returns the physical address for an access to va, or a *Fault.
func Translate(mem physmem.Allocator, root physmem.PhysAddr, va hostarch.Addr, at hostarch.AccessType, user bool) (physmem.PhysAddr, error) {
	v, err := translate(mem, root, va, at, user)
	if err != nil {
		return 0, err
	}
	return v.Address() + physmem.PhysAddr(va.PageOffset()), nil
}

// TopEntry returns top-level entry i of the tables rooted at root.
func TopEntry(mem physmem.Allocator, root physmem.PhysAddr, i int) PTE {
	return load(&tableAt(mem, root)[i])
}

// SetTopEntry stores top-level entry i of the tables rooted at root.
func SetTopEntry(mem physmem.Allocator, root physmem.PhysAddr, i int, v PTE) {
	store(&tableAt(mem, root)[i], v)
}

// FreeTables frees every intermediate table reachable from top-level entries
// [first, last) of the tables rooted at root, and clears those entries. Leaf
// frames are not freed; they belong to whoever mapped them.
func FreeTables(mem physmem.Allocator, root physmem.PhysAddr, first, last int) (freed int) {
	top := tableAt(mem, root)
	for i := first; i < last; i++ {
		v := load(&top[i])
		if !v.Valid() {
			continue
		}
		freed += freeTable(mem, v.Address(), 1)
		store(&top[i], 0)
	}
	return freed
}

func freeTable(mem physmem.Allocator, pa physmem.PhysAddr, level int) int {
	freed := 0
	if level < Levels-1 {
		t := tableAt(mem, pa)
		for i := range t {
			if v := load(&t[i]); v.Valid() {
				freed += freeTable(mem, v.Address(), level+1)
			}
		}
	}
	mem.Free(pa)
	return freed + 1
}
