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

// Package memmap defines the boundary between address spaces and the
// objects that back file mappings.
package memmap

import (
	"context"

	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// VMObject supplies the physical pages of a file- or device-backed mapping.
// The object keeps its own reference on every page it supplies; the pages
// outlive any single mapping of the object.
//
// See mm/mm.go for VMObject's place in the lock order.
type VMObject interface {
	// Page returns a new reference on the page at page index index of the
	// object. The caller owns the returned reference.
	Page(ctx context.Context, index uint64) (*physmem.PageRef, error)

	// Flags returns the cache policy that mappings of the object must use.
	Flags() physmem.Flags

	// IncRef takes a reference on the object on behalf of a mapping.
	IncRef()

	// DecRef drops a reference taken by IncRef or returned by
	// Mappable.MMap.
	DecRef()
}

// File is an open file that may be passed to mmap.
type File interface {
	// Name is used in diagnostics and maps output.
	Name() string
}

// MMapOpts are the arguments to Mappable.MMap.
type MMapOpts struct {
	// Pages is the length of the mapping in pages.
	Pages uint64

	// Perms is the access the mapping requests.
	Perms hostarch.AccessType

	// Shared is true for shared mappings and false for private ones.
	Shared bool

	// Offset is the byte offset into the file at which the mapping starts.
	// It is page-aligned.
	Offset uint64
}

// Mappable is a File that can be memory mapped.
type Mappable interface {
	File

	// MMap returns a VMObject backing opts.Pages pages of the file starting
	// at opts.Offset. The caller owns one reference on the returned object.
	MMap(ctx context.Context, opts MMapOpts) (VMObject, error)
}
