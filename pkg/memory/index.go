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
package memory

import (
	"github.com/google/btree"

	"github.com/containers/hsa-runtime/pkg/core"
)

// block is a contiguous range of allocated memory.
type block struct {
	base core.Address
	size uint64
	buf  []byte
}

// end returns the first address past the block.
func (b *block) end() core.Address {
	return b.base.Add(b.size)
}

// contains returns true if addr lies within the block.
func (b *block) contains(addr core.Address) bool {
	return b.base <= addr && addr < b.end()
}

// slice returns the part of the block backing [addr, addr+size).
func (b *block) slice(addr core.Address, size uint64) ([]byte, error) {
	if !b.contains(addr) || uint64(b.end()-addr) < size {
		return nil, ErrOutOfBounds
	}
	off := uint64(addr - b.base)
	return b.buf[off : off+size : off+size], nil
}

// blockIndex is an ordered index of blocks by base address.
type blockIndex struct {
	tree *btree.BTreeG[*block]
}

const indexDegree = 16

func newBlockIndex() *blockIndex {
	return &blockIndex{
		tree: btree.NewG(indexDegree, func(a, b *block) bool {
			return a.base < b.base
		}),
	}
}

func (x *blockIndex) insert(b *block) {
	x.tree.ReplaceOrInsert(b)
}

func (x *blockIndex) remove(base core.Address) (*block, bool) {
	return x.tree.Delete(&block{base: base})
}

func (x *blockIndex) get(base core.Address) (*block, bool) {
	return x.tree.Get(&block{base: base})
}

// find returns the block containing addr.
func (x *blockIndex) find(addr core.Address) (*block, bool) {
	var found *block
	x.tree.DescendLessOrEqual(&block{base: addr}, func(b *block) bool {
		found = b
		return false
	})
	if found == nil || !found.contains(addr) {
		return nil, false
	}
	return found, true
}

func (x *blockIndex) len() int {
	return x.tree.Len()
}

func (x *blockIndex) foreach(fn func(*block) bool) {
	x.tree.Ascend(func(b *block) bool {
		return fn(b)
	})
}

func (x *blockIndex) clear() {
	x.tree.Clear(false)
}
