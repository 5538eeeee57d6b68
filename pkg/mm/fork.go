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

	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/log"
)

// Fork returns a copy of as for a child process. Every resolved page is
// shared between parent and child and mapped read-only in both, so that the
// first write by either goes through copy-on-write. Unresolved pages stay
// unresolved in both.
func (as *AddressSpace) Fork(ctx context.Context) (*AddressSpace, error) {
	if as.IsKernel() {
		return nil, fmt.Errorf("fork of the kernel address space: %w", linuxerr.EINVAL)
	}
	child, err := New(as.kernel)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		child.DecRef()
		return nil, linuxerr.EFAULT
	}
	var areas []*MemoryArea
	as.areas.Ascend(func(a *MemoryArea) bool {
		a.mu.Lock()
		areas = append(areas, a)
		return true
	})
	defer func() {
		for _, a := range areas {
			a.mu.Unlock()
		}
	}()

	parentTxn := as.pt.Begin("fork")
	childTxn := child.pt.Begin("fork")
	shared := 0
	for _, a := range areas {
		c := a.cloneLocked()
		for i := range a.pages {
			s := &a.pages[i]
			if s.page == nil {
				continue
			}
			e := a.entryLocked(s, a.perms).ReadOnly()
			va := a.addrOf(i)
			if err := parentTxn.AddMapping(va, e); err != nil {
				panic(fmt.Sprintf("fork: staging %v: %v", va, err))
			}
			if err := childTxn.AddMapping(va, e); err != nil {
				panic(fmt.Sprintf("fork: staging %v: %v", va, err))
			}
			shared++
		}
		child.areas.ReplaceOrInsert(c)
	}

	// The parent's translations already exist, so its commit only
	// downgrades entries in place.
	if err := parentTxn.Commit(); err != nil {
		childTxn.Abort()
		child.DecRef()
		return nil, err
	}
	if err := childTxn.Commit(); err != nil {
		child.DecRef()
		return nil, err
	}
	log.Debugf("Address space %d forked into %d (%d areas, %d shared pages)", as.ID(), child.ID(), len(areas), shared)
	return child, nil
}
