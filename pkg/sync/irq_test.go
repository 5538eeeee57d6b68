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

package sync

import (
	"sync/atomic"
	"testing"
)

type testController struct {
	enabled atomic.Bool
	masked  atomic.Int32
}

func (c *testController) DisableInterrupts() bool {
	c.masked.Add(1)
	return c.enabled.Swap(false)
}

func (c *testController) RestoreInterrupts(enabled bool) {
	if enabled {
		c.enabled.Store(true)
	}
}

func TestIRQMutexRestoresState(t *testing.T) {
	c := &testController{}
	c.enabled.Store(true)
	SetInterruptController(c)
	defer SetInterruptController(nil)

	var outer, inner IRQMutex
	outer.Lock()
	if c.enabled.Load() {
		t.Fatalf("interrupts enabled while holding an IRQMutex")
	}
	inner.Lock()
	inner.Unlock()
	if c.enabled.Load() {
		t.Fatalf("releasing the inner lock re-enabled interrupts")
	}
	outer.Unlock()
	if !c.enabled.Load() {
		t.Fatalf("interrupts not re-enabled after releasing the outer lock")
	}
	if got := c.masked.Load(); got != 2 {
		t.Errorf("DisableInterrupts called %d times, want 2", got)
	}
}

func TestIRQMutexTryLock(t *testing.T) {
	c := &testController{}
	c.enabled.Store(true)
	SetInterruptController(c)
	defer SetInterruptController(nil)

	var m IRQMutex
	m.Lock()
	if m.TryLock() {
		t.Fatalf("TryLock succeeded on a held mutex")
	}
	m.Unlock()
	if !c.enabled.Load() {
		t.Fatalf("failed TryLock leaked a masked interrupt state")
	}
	if !m.TryLock() {
		t.Fatalf("TryLock failed on a free mutex")
	}
	m.Unlock()
}

func TestIRQMutexControllerSwap(t *testing.T) {
	a := &testController{}
	a.enabled.Store(true)
	b := &testController{}
	b.enabled.Store(true)
	SetInterruptController(a)
	defer SetInterruptController(nil)

	var m IRQMutex
	m.Lock()
	SetInterruptController(b)
	m.Unlock()
	if !a.enabled.Load() {
		t.Errorf("interrupts on the locking controller were not restored")
	}
	if !b.enabled.Load() {
		t.Errorf("interrupts on the replacement controller changed")
	}
	if got := b.masked.Load(); got != 0 {
		t.Errorf("replacement controller masked %d times, want 0", got)
	}
}
