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

package physmem

import (
	"fmt"
)

// PageRef is an owning handle on a physical page. Each live PageRef accounts
// for exactly one unit of the page's users count; DecRef gives that unit back
// and frees the frame when the count reaches zero.
//
// A PageRef must not be used after DecRef.
type PageRef struct {
	f  *MemoryFile
	pa PhysAddr
}

func (r *PageRef) check() {
	if r == nil || r.f == nil {
		panic("use of a released PageRef")
	}
}

// Addr returns the physical address of the page.
func (r *PageRef) Addr() PhysAddr {
	r.check()
	return r.pa
}

// IncRef takes an additional reference on the page and returns it as a new
// handle.
func (r *PageRef) IncRef() *PageRef {
	r.check()
	s := r.f.slot(r.pa)
	s.mu.Lock()
	if s.users <= 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("IncRef on frame %v with %d users", r.pa, s.users))
	}
	s.users++
	s.mu.Unlock()
	return &PageRef{f: r.f, pa: r.pa}
}

// DecRef releases the reference held by r.
func (r *PageRef) DecRef() {
	r.check()
	f, pa := r.f, r.pa
	r.f = nil
	s := f.slot(pa)
	s.mu.Lock()
	s.users--
	users := s.users
	s.mu.Unlock()
	switch {
	case users == 0:
		f.pagesInUse.Add(-1)
		f.Free(pa)
	case users < 0:
		panic(fmt.Sprintf("DecRef on frame %v dropped users to %d", pa, users))
	}
}

// Users returns the current users count. The result is only stable while
// the caller excludes concurrent IncRef and DecRef on the page.
func (r *PageRef) Users() int64 {
	r.check()
	return r.f.Observe(r.pa).Users()
}

// Flags returns the page's flags.
func (r *PageRef) Flags() Flags {
	r.check()
	return r.f.Observe(r.pa).Flags()
}

// SetFlags sets flags on the page.
func (r *PageRef) SetFlags(flags Flags) {
	r.check()
	s := r.f.slot(r.pa)
	s.mu.Lock()
	s.flags |= flags
	s.mu.Unlock()
}

// ClearFlags clears flags on the page.
func (r *PageRef) ClearFlags(flags Flags) {
	r.check()
	s := r.f.slot(r.pa)
	s.mu.Lock()
	s.flags &^= flags
	s.mu.Unlock()
}

// Bytes returns the page contents.
func (r *PageRef) Bytes() []byte {
	r.check()
	return r.f.Bytes(r.pa)
}

// CopyFrom copies the contents of src into r.
func (r *PageRef) CopyFrom(src *PageRef) {
	copy(r.Bytes(), src.Bytes())
}

// Observe returns a weak handle on the page.
func (r *PageRef) Observe() Observer {
	r.check()
	return Observer{f: r.f, pa: r.pa}
}

// String implements fmt.Stringer.String.
func (r *PageRef) String() string {
	if r == nil || r.f == nil {
		return "page(released)"
	}
	return fmt.Sprintf("page(%v)", r.pa)
}

// Observer is a weak handle on a physical page. It never affects the users
// count, and remains safe to query after the page has been freed, in which
// case it reports zero users.
type Observer struct {
	f  *MemoryFile
	pa PhysAddr
}

// Addr returns the physical address of the observed page.
func (o Observer) Addr() PhysAddr {
	return o.pa
}

// Users returns the users count of the observed page.
func (o Observer) Users() int64 {
	s := o.f.slot(o.pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allocated {
		return 0
	}
	return s.users
}

// Flags returns the flags of the observed page.
func (o Observer) Flags() Flags {
	s := o.f.slot(o.pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// Live returns true if the observed frame is still allocated.
func (o Observer) Live() bool {
	s := o.f.slot(o.pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}
