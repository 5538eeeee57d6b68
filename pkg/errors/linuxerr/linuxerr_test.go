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

package linuxerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	if !Equals(EFAULT, EFAULT) {
		t.Errorf("EFAULT should equal itself")
	}
	if !Equals(EFAULT, unix.EFAULT) {
		t.Errorf("EFAULT should equal unix.EFAULT")
	}
	if Equals(EFAULT, EINVAL) {
		t.Errorf("EFAULT should not equal EINVAL")
	}
	if !Equals(nil, nil) {
		t.Errorf("nil should equal nil")
	}
}

func TestWrappedIs(t *testing.T) {
	err := fmt.Errorf("mmap %q: %w", "heap", ENOMEM)
	if !goerrors.Is(err, ENOMEM) {
		t.Errorf("errors.Is(%v, ENOMEM) = false", err)
	}
	if !goerrors.Is(err, unix.ENOMEM) {
		t.Errorf("errors.Is(%v, unix.ENOMEM) = false", err)
	}
	if goerrors.Is(err, EFAULT) {
		t.Errorf("errors.Is(%v, EFAULT) = true", err)
	}
}

func TestRoundTripUnix(t *testing.T) {
	for errno, e := range errorSlice {
		if got := ErrorFromUnix(errno); got != e {
			t.Errorf("ErrorFromUnix(%v) = %v, want %v", errno, got, e)
		}
		if got := ToUnix(e); got != errno {
			t.Errorf("ToUnix(%v) = %v, want %v", e, got, errno)
		}
	}
	if ErrorFromUnix(0) != nil {
		t.Errorf("ErrorFromUnix(0) should be nil")
	}
}

func TestEqualsWrapped(t *testing.T) {
	err := fmt.Errorf("commit: %w", ENOMEM)
	if !Equals(ENOMEM, err) {
		t.Errorf("Equals(ENOMEM, %v) = false", err)
	}
	if Equals(EFAULT, err) {
		t.Errorf("Equals(EFAULT, %v) = true", err)
	}
	if Equals(nil, err) {
		t.Errorf("Equals(nil, %v) = true", err)
	}
}
