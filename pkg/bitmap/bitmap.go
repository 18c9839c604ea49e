// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap used for frame allocation.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap. Bits at or past Size are
// never reported by FirstZero.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of addressable bits.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	b := Bitmap{size: size}
	b.bitBlock = make([]uint64, (size+63)/64)
	// Tail bits of the last block are permanently set so scans for a zero
	// never run past size. They are not counted in numOnes.
	if rem := size % 64; rem != 0 {
		b.bitBlock[len(b.bitBlock)-1] = ^uint64(0) << rem
	}
	return b
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsFull returns true iff every addressable bit is set.
func (b *Bitmap) IsFull() bool {
	return b.numOnes == b.size
}

// Size returns the total number of addressable bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsSet returns whether bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := bits.TrailingZeros64(^w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if i == n-1 {
			// Mask off the padding bits of the last block.
			if rem := b.size % 64; rem != 0 {
				w &= (uint64(1) << rem) - 1
			}
		}
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// FindZeroRun returns the first index at or after start that begins a run of
// n unset bits. It is a first-fit search.
func (b *Bitmap) FindZeroRun(start, n uint32) (uint32, bool) {
	if n == 0 {
		return 0, false
	}
	for start < b.size {
		z, err := b.FirstZero(start)
		if err != nil || uint64(z)+uint64(n) > uint64(b.size) {
			return 0, false
		}
		o, err := b.FirstOne(z)
		if err != nil || o-z >= n {
			return z, true
		}
		start = o + 1
	}
	return 0, false
}

// FindLastZeroRun returns the highest index that begins a run of n unset
// bits. It is a last-fit search.
func (b *Bitmap) FindLastZeroRun(n uint32) (uint32, bool) {
	if n == 0 || n > b.size {
		return 0, false
	}
	run := uint32(0)
	for i := b.size; i > 0; i-- {
		if b.IsSet(i - 1) {
			run = 0
			continue
		}
		if run++; run == n {
			return i - 1, true
		}
	}
	return 0, false
}

// Add add i to the Bitmap.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove i from the Bitmap.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// rangeMask returns the mask of bits of block blk covered by [begin, end).
func rangeMask(blk, begin, end uint32) uint64 {
	lo, hi := blk*64, blk*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	width := hi - lo
	var m uint64
	if width == 64 {
		m = ^uint64(0)
	} else {
		m = (uint64(1) << width) - 1
	}
	return m << (lo % 64)
}

// SetRange sets bits within range (begin and end). begin is inclusive and end
// is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	if end > b.size {
		end = b.size
	}
	for blk := begin / 64; begin < end && blk <= (end-1)/64; blk++ {
		m := rangeMask(blk, begin, end)
		b.numOnes += uint32(bits.OnesCount64(m &^ b.bitBlock[blk]))
		b.bitBlock[blk] |= m
	}
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	if end > b.size {
		end = b.size
	}
	for blk := begin / 64; begin < end && blk <= (end-1)/64; blk++ {
		m := rangeMask(blk, begin, end)
		b.numOnes -= uint32(bits.OnesCount64(m & b.bitBlock[blk]))
		b.bitBlock[blk] &^= m
	}
}

// CountRange returns the number of set bits in [begin, end).
func (b *Bitmap) CountRange(begin, end uint32) uint32 {
	if end > b.size {
		end = b.size
	}
	var n uint32
	for blk := begin / 64; begin < end && blk <= (end-1)/64; blk++ {
		n += uint32(bits.OnesCount64(rangeMask(blk, begin, end) & b.bitBlock[blk]))
	}
	return n
}

// Clone the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{numOnes: b.numOnes, size: b.size, bitBlock: make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock)
	return bitmap
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	for i := uint32(0); i < b.size; i++ {
		o, err := b.FirstOne(i)
		if err != nil {
			break
		}
		bitmapSlice = append(bitmapSlice, o)
		i = o
	}
	return bitmapSlice
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
