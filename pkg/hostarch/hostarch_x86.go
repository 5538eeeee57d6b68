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

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size in bytes.
	PageSize = 1 << PageShift

	// PageMask is the mask for the offset within a page.
	PageMask = PageSize - 1

	// EntriesPerTable is the number of entries in a single paging structure.
	EntriesPerTable = 512

	// KernelBase is the first address of the kernel half of the canonical
	// 48-bit address space.
	KernelBase Addr = 0xffff800000000000

	// UserTop is one past the last address of the user half.
	UserTop Addr = 0x0000800000000000
)

func init() {
	// Host frames back simulated physical memory one-for-one.
	if size := unix.Getpagesize(); size != PageSize {
		panic("Only 4K host pages are supported!")
	}
}
