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
	"errors"
	"fmt"

	"vmkernel.dev/vmkernel/pkg/arch"
	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// CheckIORange is similar to hostarch.Addr.ToRange, but also requires the
// range to lie within the bounds of as.
func (as *AddressSpace) CheckIORange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	ar, ok := addr.ToRange(length)
	return ar, ok && ar.Start >= as.lo && ar.End <= as.hi
}

// translateIOError converts errors to EFAULT, as is reported for all I/O
// errors originating from memory accesses.
func translateIOError(err error) error {
	if err == nil {
		return nil
	}
	if linuxerr.Equals(linuxerr.ENOMEM, err) {
		return err
	}
	log.Debugf("MM I/O error: %v", err)
	return linuxerr.EFAULT
}

// access returns the bytes of the page containing va, from va to the end of
// the page, accessed as at through as's page tables. A missing or
// insufficient translation is handled as a page fault and the access is
// retried once, as the trap layer would.
func (as *AddressSpace) access(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		pa, err := as.pt.Access(va, at)
		if err == nil {
			base := pa &^ physmem.PhysAddr(hostarch.PageMask)
			return as.mf.Bytes(base)[va.PageOffset():], nil
		}
		var f *arch.Fault
		if !errors.As(err, &f) || attempt > 0 {
			return nil, err
		}
		if err := as.HandleFault(ctx, f.Addr, at); err != nil {
			return nil, err
		}
	}
}

// CopyOut copies src to the memory at addr as a user write would. It
// returns the number of bytes copied.
func (as *AddressSpace) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	if _, ok := as.CheckIORange(addr, uint64(len(src))); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < len(src) {
		b, err := as.access(ctx, addr+hostarch.Addr(done), hostarch.Write)
		if err != nil {
			return done, translateIOError(err)
		}
		done += copy(b, src[done:])
	}
	return done, nil
}

// CopyIn copies the memory at addr into dst as a user read would. It
// returns the number of bytes copied.
func (as *AddressSpace) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	if _, ok := as.CheckIORange(addr, uint64(len(dst))); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < len(dst) {
		b, err := as.access(ctx, addr+hostarch.Addr(done), hostarch.Read)
		if err != nil {
			return done, translateIOError(err)
		}
		done += copy(dst[done:], b)
	}
	return done, nil
}

// CopyInString copies a NUL-terminated string of at most maxlen bytes,
// excluding the terminator, from addr. It returns ENAMETOOLONG if no
// terminator is found within maxlen+1 bytes.
func (as *AddressSpace) CopyInString(ctx context.Context, addr hostarch.Addr, maxlen int) (string, error) {
	if maxlen < 0 {
		return "", linuxerr.EINVAL
	}
	var buf []byte
	for va := addr; ; {
		if va < as.lo || va >= as.hi {
			return "", linuxerr.EFAULT
		}
		b, err := as.access(ctx, va, hostarch.Read)
		if err != nil {
			return "", translateIOError(err)
		}
		if limit := maxlen + 1 - len(buf); len(b) > limit {
			b = b[:limit]
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(append(buf, b[:i]...)), nil
		}
		buf = append(buf, b...)
		if len(buf) > maxlen {
			return "", fmt.Errorf("string at %v longer than %d bytes: %w", addr, maxlen, linuxerr.ENAMETOOLONG)
		}
		next, ok := va.AddLength(uint64(len(b)))
		if !ok {
			return "", linuxerr.EFAULT
		}
		va = next
	}
}
