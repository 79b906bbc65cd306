// Copyright The NRI Plugins Authors. All Rights Reserved.
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
package core

import (
	"encoding/binary"
)

// Fill writes repetitions of the 32-bit pattern into dst. The pattern is
// laid out in little-endian byte order. A trailing partial word receives
// the leading bytes of the pattern.
func Fill(dst []byte, pattern uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], pattern)

	if len(dst) < len(word) {
		copy(dst, word[:])
		return
	}

	copy(dst, word[:])
	for n := len(word); n < len(dst); n *= 2 {
		copy(dst[n:], dst[:n])
	}
}
