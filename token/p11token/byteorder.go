//
// Copyright © Cachet Contributors
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
//

package p11token

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Mechanism parameter blocks hold CK_ULONG values in the machine's native
// width and byte order.
const ulongSize = int(unsafe.Sizeof(uint(0)))

// putUlong stores v into buf as a CK_ULONG in the machine's native layout
func putUlong(buf []byte, v uint) {
	switch ulongSize {
	case 4:
		binary.NativeEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.NativeEndian.PutUint64(buf, uint64(v))
	default:
		panic("can't determine native integer size")
	}
}

// getUlong decodes an integer attribute value of any of the widths that
// tokens are known to produce
func getUlong(value []byte) (uint, error) {
	switch len(value) {
	case 1:
		return uint(value[0]), nil
	case 2:
		return uint(binary.NativeEndian.Uint16(value)), nil
	case 4:
		return uint(binary.NativeEndian.Uint32(value)), nil
	case 8:
		return uint(binary.NativeEndian.Uint64(value)), nil
	default:
		return 0, fmt.Errorf("unable to parse value as unsigned integer: %x", value)
	}
}
