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

// AccessType specifies memory access types. This is used for
// setting mapping permissions, as well as communicating faults.
//
// +stateify savable
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

var (
	// NoAccess should be used as the access type for mappings that are not
	// accessible.
	NoAccess = AccessType{}

	// Read is read-only access.
	Read = AccessType{Read: true}

	// Write is write-only access.
	Write = AccessType{Write: true}

	// Execute is executable access.
	Execute = AccessType{Execute: true}

	// ReadWrite is read-write access.
	ReadWrite = AccessType{Read: true, Write: true}

	// AnyAccess is any access (read, write, execute).
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)

// Any returns true if at has any access type set.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// SupersetOf returns true if a is a superset of b.
func (a AccessType) SupersetOf(b AccessType) bool {
	if !a.Read && b.Read {
		return false
	}
	if !a.Write && b.Write {
		return false
	}
	if !a.Execute && b.Execute {
		return false
	}
	return true
}

// Intersect returns the access types set in both a and b.
func (a AccessType) Intersect(b AccessType) AccessType {
	return AccessType{
		Read:    a.Read && b.Read,
		Write:   a.Write && b.Write,
		Execute: a.Execute && b.Execute,
	}
}

// Union returns the access types set in either a or b.
func (a AccessType) Union(b AccessType) AccessType {
	return AccessType{
		Read:    a.Read || b.Read,
		Write:   a.Write || b.Write,
		Execute: a.Execute || b.Execute,
	}
}

// Effective returns the set of effective access types allowed by a, even if
// some types are not explicitly allowed. A writable page is readable and an
// executable page is readable, as on x86.
func (a AccessType) Effective() AccessType {
	if a.Write || a.Execute {
		a.Read = true
	}
	return a
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}
