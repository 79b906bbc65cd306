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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFill(t *testing.T) {
	for _, tc := range []struct {
		name     string
		size     int
		pattern  uint32
		expected []byte
	}{
		{"empty", 0, 0x01020304, []byte{}},
		{"partial word", 3, 0x01020304, []byte{4, 3, 2}},
		{"one word", 4, 0x01020304, []byte{4, 3, 2, 1}},
		{"four words", 16, 0xaabbccdd, []byte{
			0xdd, 0xcc, 0xbb, 0xaa, 0xdd, 0xcc, 0xbb, 0xaa,
			0xdd, 0xcc, 0xbb, 0xaa, 0xdd, 0xcc, 0xbb, 0xaa,
		}},
		{"trailing bytes", 6, 0x01020304, []byte{4, 3, 2, 1, 4, 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dst := make([]byte, tc.size)
			Fill(dst, tc.pattern)
			require.Equal(t, tc.expected, dst)
		})
	}
}

func TestRegionKind(t *testing.T) {
	for _, k := range []RegionKind{KindSystemFineGrain, KindSystemCoarseGrain, KindDeviceLocal} {
		parsed, err := ParseRegionKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	_, err := ParseRegionKind("bogus")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.True(t, KindSystemCoarseGrain.IsSystem())
	require.False(t, KindDeviceLocal.IsSystem())
}
