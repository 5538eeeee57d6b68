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

package pagetables

import (
	"errors"
	"fmt"

	"vmkernel.dev/vmkernel/pkg/arch"
	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
)

// ErrTransactionClosed is returned by Txn methods called after Commit or
// Abort.
var ErrTransactionClosed = errors.New("page table transaction already closed")

type opKind int

const (
	opAdd opKind = iota
	opDel
)

type op struct {
	kind  opKind
	va    hostarch.Addr
	entry Entry
}

// Txn is an open transaction on a PageTables. It holds the tables' lock
// until Commit or Abort.
//
// Additions and removals are both staged and applied by Commit in the order
// they were made, so a removal followed by an addition at the same address
// leaves the addition in place.
type Txn struct {
	pt     *PageTables
	reason string
	ops    []op
	closed bool
}

// Begin locks pt and opens a transaction. reason is recorded for
// diagnostics. The returned Txn must be committed or aborted.
func (pt *PageTables) Begin(reason string) *Txn {
	pt.mu.Lock()
	return &Txn{pt: pt, reason: reason}
}

// Reason returns the reason the transaction was opened with.
func (t *Txn) Reason() string {
	return t.reason
}

// AddMapping stages a translation from va to e.
func (t *Txn) AddMapping(va hostarch.Addr, e Entry) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if !va.IsPageAligned() {
		return fmt.Errorf("add mapping at %v: %w", va, linuxerr.EINVAL)
	}
	t.ops = append(t.ops, op{kind: opAdd, va: va, entry: e})
	return nil
}

// DelMapping stages the removal of any translation at va.
func (t *Txn) DelMapping(va hostarch.Addr) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if !va.IsPageAligned() {
		return fmt.Errorf("del mapping at %v: %w", va, linuxerr.EINVAL)
	}
	t.ops = append(t.ops, op{kind: opDel, va: va})
	return nil
}

// Lookup returns the translation for va as currently installed, ignoring
// staged operations.
func (t *Txn) Lookup(va hostarch.Addr) (Entry, bool, error) {
	if t.closed {
		return Entry{}, false, ErrTransactionClosed
	}
	e, ok := t.pt.lookupLocked(va)
	return e, ok, nil
}

// Pending returns the number of staged operations.
func (t *Txn) Pending() int {
	return len(t.ops)
}

// Commit applies every staged operation in order, invalidates the affected
// TLB entries and releases the lock. If an addition fails (for lack of
// memory for an intermediate table), the operations before it remain
// applied, the rest are dropped, and the error is returned.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.closed = true
	pt := t.pt
	defer pt.mu.Unlock()

	if pt.released {
		return fmt.Errorf("commit %q on released page tables %d: %w", t.reason, pt.id, linuxerr.EFAULT)
	}

	var (
		err    error
		newTop bool
	)
	for i, o := range t.ops {
		switch o.kind {
		case opAdd:
			var top bool
			top, err = arch.MapInto(pt.mem, pt.root, o.va, o.entry.Addr(), hostarch.PageSize, toPTE(o.va, o.entry))
			newTop = newTop || top
			if err != nil {
				err = fmt.Errorf("commit %q: op %d of %d, map %v: %w", t.reason, i+1, len(t.ops), o.va, err)
			}
		case opDel:
			arch.Unmap(pt.mem, pt.root, o.va)
		}
		if err != nil {
			break
		}
		pt.invalidate(o.va)
	}
	if pt.kernel == nil && newTop {
		pt.publishLocked()
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Page tables %d: committed %q (%d ops)", pt.id, t.reason, len(t.ops))
	}
	t.ops = nil
	return err
}

// Abort drops every staged operation and releases the lock.
func (t *Txn) Abort() {
	if t.closed {
		return
	}
	t.closed = true
	t.ops = nil
	t.pt.mu.Unlock()
}
