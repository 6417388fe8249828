package fs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/checksum"
)

// sadakMagic identifies a SADAK volume in block 0.
const sadakMagic uint64 = 0x5ADAKF5

// sadakVersion is the on-disk format version this package reads and writes.
const sadakVersion uint16 = 1

// superblock offsets, all little-endian.
const (
	offMagic           = 0x00
	offVersion         = 0x08
	offTotalBlocks     = 0x0a
	offMetadataRootID  = 0x12
	offBitmapStartID   = 0x1a
	offTimestamp       = 0x22
	offVolumeUUID      = 0x2a
	offNextInodeNumber = 0x3a
	offSuperblockCRC   = 0x42
)

// ErrInvalidSuperblock is returned by Mount when block 0's magic or
// checksum does not match.
var ErrInvalidSuperblock = errors.New("fs: invalid superblock")

// superblock is the decoded form of block 0.
type superblock struct {
	totalBlocks     blockdev.LBA
	metadataRootID  blockdev.LBA
	bitmapStartID   blockdev.LBA
	timestamp       uint64
	volumeUUID      [16]byte
	nextInodeNumber uint64
}

func decodeSuperblock(buf *[blockdev.BlockSize]byte) (*superblock, error) {
	magic := binary.LittleEndian.Uint64(buf[offMagic : offMagic+8])
	if magic != sadakMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrInvalidSuperblock, magic)
	}

	stored := binary.LittleEndian.Uint32(buf[offSuperblockCRC : offSuperblockCRC+4])
	got := checksum.SumZeroed(buf[:], offSuperblockCRC)
	if got != stored {
		return nil, fmt.Errorf("%w: checksum mismatch: stored %#x computed %#x", ErrInvalidSuperblock, stored, got)
	}

	sb := &superblock{
		totalBlocks:     binary.LittleEndian.Uint64(buf[offTotalBlocks : offTotalBlocks+8]),
		metadataRootID:  binary.LittleEndian.Uint64(buf[offMetadataRootID : offMetadataRootID+8]),
		bitmapStartID:   binary.LittleEndian.Uint64(buf[offBitmapStartID : offBitmapStartID+8]),
		timestamp:       binary.LittleEndian.Uint64(buf[offTimestamp : offTimestamp+8]),
		nextInodeNumber: binary.LittleEndian.Uint64(buf[offNextInodeNumber : offNextInodeNumber+8]),
	}
	copy(sb.volumeUUID[:], buf[offVolumeUUID:offVolumeUUID+16])
	return sb, nil
}

func (sb *superblock) encodeInto(buf *[blockdev.BlockSize]byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[offMagic:offMagic+8], sadakMagic)
	binary.LittleEndian.PutUint16(buf[offVersion:offVersion+2], sadakVersion)
	binary.LittleEndian.PutUint64(buf[offTotalBlocks:offTotalBlocks+8], sb.totalBlocks)
	binary.LittleEndian.PutUint64(buf[offMetadataRootID:offMetadataRootID+8], sb.metadataRootID)
	binary.LittleEndian.PutUint64(buf[offBitmapStartID:offBitmapStartID+8], sb.bitmapStartID)
	binary.LittleEndian.PutUint64(buf[offTimestamp:offTimestamp+8], sb.timestamp)
	copy(buf[offVolumeUUID:offVolumeUUID+16], sb.volumeUUID[:])
	binary.LittleEndian.PutUint64(buf[offNextInodeNumber:offNextInodeNumber+8], sb.nextInodeNumber)

	sum := checksum.SumZeroed(buf[:], offSuperblockCRC)
	binary.LittleEndian.PutUint32(buf[offSuperblockCRC:offSuperblockCRC+4], sum)
}

// newVolumeUUID generates a fresh random volume identity tag, used only by
// Format. Mount never regenerates it.
func newVolumeUUID() [16]byte {
	var id [16]byte
	copy(id[:], uuid.NewV4().Bytes())
	return id
}

// volumeUUIDString returns the volume's identity tag as a canonical string,
// for tooling (sadak-format, sadak-fsck, via Filesystem.VolumeUUID) that
// wants to label a volume without depending on its path.
func (sb *superblock) volumeUUIDString() string {
	u, err := uuid.FromBytes(sb.volumeUUID[:])
	if err != nil {
		return ""
	}
	return u.String()
}

func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}
