package fs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/checksum"
)

// fileType discriminates regular files from directories in an Inode record.
type fileType uint8

const (
	fileTypeRegular   fileType = 1
	fileTypeDirectory fileType = 2
)

// inode record offsets, all little-endian. 256 bytes total.
const (
	inodeSize = 256

	offFileSize         = 0x00
	offBlockCount       = 0x08
	offCreationTime     = 0x10
	offModificationTime = 0x18
	offFileType         = 0x20
	offDataTreeRoot     = 0x28
	offLinkCount        = 0x30
	offInodeCRC         = 0x34
)

// ErrInvalidInode is returned when an inode block's checksum does not
// match its recomputed value.
var ErrInvalidInode = errors.New("fs: invalid inode")

// Inode is a file or directory's metadata record. FileType and LinkCount
// are set by CreateFile and CreateDirectory; FreeFile reads only
// DataTreeRoot.
type Inode struct {
	FileSize         uint64
	BlockCount       uint64
	CreationTime     uint64
	ModificationTime uint64
	FileType         uint8
	DataTreeRoot     blockdev.LBA
	LinkCount        uint32
}

// IsDirectory reports whether the inode describes a directory.
func (n *Inode) IsDirectory() bool { return fileType(n.FileType) == fileTypeDirectory }

func decodeInode(id blockdev.LBA, buf *[blockdev.BlockSize]byte) (*Inode, error) {
	stored := binary.LittleEndian.Uint32(buf[offInodeCRC : offInodeCRC+4])
	got := checksum.SumZeroed(buf[:inodeSize], offInodeCRC)
	if got != stored {
		return nil, fmt.Errorf("%w: block %d: stored %#x computed %#x", ErrInvalidInode, id, stored, got)
	}

	return &Inode{
		FileSize:         binary.LittleEndian.Uint64(buf[offFileSize : offFileSize+8]),
		BlockCount:       binary.LittleEndian.Uint64(buf[offBlockCount : offBlockCount+8]),
		CreationTime:     binary.LittleEndian.Uint64(buf[offCreationTime : offCreationTime+8]),
		ModificationTime: binary.LittleEndian.Uint64(buf[offModificationTime : offModificationTime+8]),
		FileType:         buf[offFileType],
		DataTreeRoot:     binary.LittleEndian.Uint64(buf[offDataTreeRoot : offDataTreeRoot+8]),
		LinkCount:        binary.LittleEndian.Uint32(buf[offLinkCount : offLinkCount+4]),
	}, nil
}

func (n *Inode) encodeInto(buf *[blockdev.BlockSize]byte) {
	for i := 0; i < inodeSize; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[offFileSize:offFileSize+8], n.FileSize)
	binary.LittleEndian.PutUint64(buf[offBlockCount:offBlockCount+8], n.BlockCount)
	binary.LittleEndian.PutUint64(buf[offCreationTime:offCreationTime+8], n.CreationTime)
	binary.LittleEndian.PutUint64(buf[offModificationTime:offModificationTime+8], n.ModificationTime)
	buf[offFileType] = n.FileType
	binary.LittleEndian.PutUint64(buf[offDataTreeRoot:offDataTreeRoot+8], n.DataTreeRoot)
	binary.LittleEndian.PutUint32(buf[offLinkCount:offLinkCount+4], n.LinkCount)

	sum := checksum.SumZeroed(buf[:inodeSize], offInodeCRC)
	binary.LittleEndian.PutUint32(buf[offInodeCRC:offInodeCRC+4], sum)
}
