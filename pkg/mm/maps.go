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
	"fmt"
	"strings"
)

// MapsText returns the areas of as in the format of /proc/[pid]/maps.
func (as *AddressSpace) MapsText() string {
	var b bytes.Buffer
	for _, a := range as.Areas() {
		b.Write(a.mapsEntry())
	}
	return b.String()
}

// mapsEntry returns the maps line for a, including the trailing newline.
func (a *MemoryArea) mapsEntry() []byte {
	private := "p"
	if a.Shared() {
		private = "s"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s%s %08x 00:00 0 ", uint64(a.base), uint64(a.End()), a.perms, private, a.offset)
	if a.name != "" {
		// Linux pads to the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(a.name)
	}
	b.WriteString("\n")
	return b.Bytes()
}
