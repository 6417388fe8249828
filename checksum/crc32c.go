// Package checksum computes CRC32C (Castagnoli) checksums over block-sized
// byte buffers, the integrity primitive SADAK's checksummed on-disk
// structures carry (superblock, B-tree nodes, inodes). Bitmap blocks carry
// no checksum.
package checksum

import "hash/crc32"

// table is the byte-at-a-time lookup table for the Castagnoli polynomial,
// built once at package init.
var table = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the CRC32C of data.
func Sum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Verify reports whether data's CRC32C equals want.
func Verify(data []byte, want uint32) bool {
	return Sum(data) == want
}

// SumZeroed computes the CRC32C of block with the 4 bytes at
// block[checksumOffset:checksumOffset+4] treated as zero, the convention
// every SADAK on-disk structure uses so a stored checksum never covers
// itself. It does not mutate block.
func SumZeroed(block []byte, checksumOffset int) uint32 {
	var saved [4]byte
	copy(saved[:], block[checksumOffset:checksumOffset+4])
	for i := range saved {
		block[checksumOffset+i] = 0
	}
	sum := Sum(block)
	copy(block[checksumOffset:checksumOffset+4], saved[:])
	return sum
}
