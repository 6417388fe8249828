// Package allocator implements SADAK's free-block bitmap allocator: one bit
// per block, first-fit LSB-first, scanning bitmap blocks through the cache.
package allocator

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/cache"
	"github.com/sadakfs/sadak/internal/sadaklog"
)

var log = sadaklog.For("allocator")

// blocksPerBitmapBlock is the number of blocks a single bitmap block can
// represent: BlockSize bytes * 8 bits/byte.
const blocksPerBitmapBlock = blockdev.BlockSize * 8

// wordsPerBlock is the number of uint64 words a bitmap block decodes into.
const wordsPerBlock = blockdev.BlockSize / 8

// ErrOutOfSpace is returned by Allocate when every bit in the bitmap region
// is set.
var ErrOutOfSpace = errors.New("allocator: out of space")

// Allocator hands out and reclaims block IDs from a bitmap region that
// starts at bitmapStartID and spans bitmapBlockCount blocks.
type Allocator struct {
	cache            *cache.Cache
	mu               sync.Mutex
	bitmapStartID    blockdev.LBA
	bitmapBlockCount blockdev.LBA
}

// New constructs an Allocator over c's bitmap region, which begins at
// bitmapStartID and is sized to cover totalBlocks.
func New(c *cache.Cache, bitmapStartID blockdev.LBA, totalBlocks blockdev.LBA) *Allocator {
	count := (totalBlocks + blocksPerBitmapBlock - 1) / blocksPerBitmapBlock
	return &Allocator{
		cache:            c,
		bitmapStartID:    bitmapStartID,
		bitmapBlockCount: count,
	}
}

// BitmapBlockCount reports how many blocks the bitmap region occupies.
func (a *Allocator) BitmapBlockCount() blockdev.LBA {
	return a.bitmapBlockCount
}

// Allocate scans bitmap blocks in ascending order, and within each block
// scans words (then bits within a word) in ascending order, for the first
// clear bit. It sets that bit, marks the containing bitmap block dirty, and
// returns the global block ID the bit represents. It returns ErrOutOfSpace
// if every bit in the region is set.
func (a *Allocator) Allocate() (blockdev.LBA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := blockdev.LBA(0); i < a.bitmapBlockCount; i++ {
		bitmapBlockID := a.bitmapStartID + i

		var found bool
		var globalID blockdev.LBA

		err := a.cache.Mutate(bitmapBlockID, func(buf *[blockdev.BlockSize]byte) {
			words := decodeWords(buf)
			bs := bitset.From(words)

			idx, ok := bs.NextClear(0)
			if !ok || idx >= blocksPerBitmapBlock {
				return
			}
			bs.Set(idx)
			encodeWords(buf, bs.Bytes())

			found = true
			globalID = i*blocksPerBitmapBlock + blockdev.LBA(idx)
		})
		if err != nil {
			return 0, err
		}
		if found {
			return globalID, nil
		}
	}

	return 0, ErrOutOfSpace
}

// Free clears the bit for id, marking its containing bitmap block dirty.
// Freeing an already-clear bit is a silent no-op.
func (a *Allocator) Free(id blockdev.LBA) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blockIndex := id / blocksPerBitmapBlock
	bitIndex := uint(id % blocksPerBitmapBlock)
	bitmapBlockID := a.bitmapStartID + blockIndex

	return a.cache.Mutate(bitmapBlockID, func(buf *[blockdev.BlockSize]byte) {
		words := decodeWords(buf)
		bs := bitset.From(words)
		if !bs.Test(bitIndex) {
			log.WithField("block", id).Debug("free: already clear, ignoring")
			return
		}
		bs.Clear(bitIndex)
		encodeWords(buf, bs.Bytes())
	})
}

// MarkAllocated sets the bit for id unconditionally, used during format to
// pre-mark block 0 and the bitmap region itself so Allocate never hands them
// out.
func (a *Allocator) MarkAllocated(id blockdev.LBA) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blockIndex := id / blocksPerBitmapBlock
	bitIndex := uint(id % blocksPerBitmapBlock)
	bitmapBlockID := a.bitmapStartID + blockIndex

	return a.cache.Mutate(bitmapBlockID, func(buf *[blockdev.BlockSize]byte) {
		words := decodeWords(buf)
		bs := bitset.From(words)
		bs.Set(bitIndex)
		encodeWords(buf, bs.Bytes())
	})
}

// decodeWords reads a bitmap block's bytes as wordsPerBlock little-endian
// uint64 words, so the library's bit index i maps onto on-disk byte i/8,
// bit i%8 (LSB first), the bit addressing Free and Allocate rely on.
func decodeWords(buf *[blockdev.BlockSize]byte) []uint64 {
	words := make([]uint64, wordsPerBlock)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return words
}

func encodeWords(buf *[blockdev.BlockSize]byte, words []uint64) {
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], w)
	}
}
