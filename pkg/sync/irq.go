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
	"sync"
	"sync/atomic"
)

// InterruptController is the per-CPU interrupt flag as seen by locks.
//
// DisableInterrupts masks interrupts and returns whether they were enabled
// beforehand. RestoreInterrupts undoes the matching DisableInterrupts, given
// its result.
type InterruptController interface {
	DisableInterrupts() (enabled bool)
	RestoreInterrupts(enabled bool)
}

type nopController struct{}

func (nopController) DisableInterrupts() bool { return false }
func (nopController) RestoreInterrupts(bool)  {}

type controllerHolder struct {
	c InterruptController
}

var controller atomic.Pointer[controllerHolder]

func init() {
	controller.Store(&controllerHolder{nopController{}})
}

// SetInterruptController installs c as the interrupt flag used by every
// IRQMutex. It is called once during boot, before any IRQMutex is held.
// A nil c restores the default, which never masks anything.
func SetInterruptController(c InterruptController) {
	if c == nil {
		c = nopController{}
	}
	controller.Store(&controllerHolder{c})
}

func currentController() InterruptController {
	return controller.Load().c
}

// IRQMutex is a mutual exclusion lock that is safe to take from a context in
// which interrupts may be disabled, such as a page fault handler. Lock masks
// interrupts before acquiring the lock; Unlock restores the interrupt state
// that was in effect when Lock was called.
//
// The zero value is an unlocked mutex. An IRQMutex must not be copied after
// first use.
type IRQMutex struct {
	mu sync.Mutex

	// enabled is the interrupt state saved by the current holder.
	//
	// +checklocks:mu
	enabled bool

	// c is the controller whose interrupts the current holder masked.
	//
	// +checklocks:mu
	c InterruptController
}

// Lock locks m with interrupts masked.
func (m *IRQMutex) Lock() {
	c := currentController()
	enabled := c.DisableInterrupts()
	m.mu.Lock()
	m.enabled = enabled
	m.c = c
}

// TryLock tries to lock m. If it fails, the interrupt state is left as it
// was.
func (m *IRQMutex) TryLock() bool {
	c := currentController()
	enabled := c.DisableInterrupts()
	if !m.mu.TryLock() {
		c.RestoreInterrupts(enabled)
		return false
	}
	m.enabled = enabled
	m.c = c
	return true
}

// Unlock unlocks m and restores the saved interrupt state on the controller
// that was current when m was locked.
//
// Preconditions: m is locked.
func (m *IRQMutex) Unlock() {
	enabled, c := m.enabled, m.c
	m.enabled, m.c = false, nil
	m.mu.Unlock()
	c.RestoreInterrupts(enabled)
}
