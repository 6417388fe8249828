// Package fs ties the cache, allocator and B-tree together into SADAK's
// mountable filesystem: superblock lifecycle, CoW root publication, and the
// two-phase atomic commit protocol.
package fs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sadakfs/sadak/allocator"
	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/btree"
	"github.com/sadakfs/sadak/cache"
	"github.com/sadakfs/sadak/internal/sadaklog"
)

var log = sadaklog.For("fs")

// superblockID is the fixed block that carries the superblock; it is the
// single commit point every sync publishes to last.
const superblockID blockdev.LBA = 0

// bitmapStartID is fixed at format time: the bitmap region always begins
// immediately after the superblock.
const bitmapStartID blockdev.LBA = 1

// ErrNotFound is returned by Stat/FreeFile when an inode number is not
// present in the metadata tree.
var ErrNotFound = errors.New("fs: inode not found")

// Filesystem is a mounted or freshly formatted SADAK volume.
type Filesystem struct {
	device blockdev.Device
	cache  *cache.Cache
	alloc  *allocator.Allocator
	tree   *btree.BTree

	mu sync.Mutex
	sb *superblock

	// pendingFree holds blocks freed by FreeFile that cannot yet be handed
	// back to the allocator: doing so before the next successful Sync
	// could let Allocate reissue a block a not-yet-committed root (or, for
	// an inode, a reader holding the old tree) still depends on.
	pendingFree []blockdev.LBA
}

// Format initializes a brand-new volume on device: constructs the cache and
// allocator, pre-marks block 0 and the bitmap region as allocated, creates
// an empty metadata root, and writes+flushes the first superblock.
func Format(device blockdev.Device) (*Filesystem, error) {
	totalBlocks := device.TotalBlocks()
	c := cache.New(device)
	alloc := allocator.New(c, bitmapStartID, totalBlocks)

	if err := alloc.MarkAllocated(superblockID); err != nil {
		return nil, err
	}
	for i := blockdev.LBA(0); i < alloc.BitmapBlockCount(); i++ {
		if err := alloc.MarkAllocated(bitmapStartID + i); err != nil {
			return nil, err
		}
	}

	tree, err := btree.CreateEmpty(c, alloc)
	if err != nil {
		return nil, err
	}

	sb := &superblock{
		totalBlocks:     totalBlocks,
		metadataRootID:  tree.RootID(),
		bitmapStartID:   bitmapStartID,
		timestamp:       nowUnix(),
		volumeUUID:      newVolumeUUID(),
		nextInodeNumber: 1,
	}

	if err := c.MutateNew(superblockID, func(buf *[blockdev.BlockSize]byte) {
		sb.encodeInto(buf)
	}); err != nil {
		return nil, err
	}
	if err := c.FlushAll(); err != nil {
		return nil, err
	}
	if err := c.FlushBlock(superblockID); err != nil {
		return nil, err
	}

	log.WithField("total_blocks", totalBlocks).WithField("volume", sb.volumeUUIDString()).Info("formatted volume")

	return &Filesystem{device: device, cache: c, alloc: alloc, tree: tree, sb: sb}, nil
}

// Mount reads block 0, verifies it, and constructs the allocator and
// B-tree from its recorded pointers.
func Mount(device blockdev.Device) (*Filesystem, error) {
	c := cache.New(device)

	buf, err := c.View(superblockID)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(&buf)
	if err != nil {
		return nil, err
	}

	alloc := allocator.New(c, sb.bitmapStartID, sb.totalBlocks)
	tree := btree.Open(c, alloc, sb.metadataRootID)

	log.WithField("volume", sb.volumeUUIDString()).Info("mounted volume")

	return &Filesystem{device: device, cache: c, alloc: alloc, tree: tree, sb: sb}, nil
}

// VolumeUUID returns the mounted volume's identity tag.
func (fs *Filesystem) VolumeUUID() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.volumeUUIDString()
}

// TotalBlocks returns the volume's total block count as recorded in the
// superblock.
func (fs *Filesystem) TotalBlocks() blockdev.LBA {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.totalBlocks
}

// nextInode consumes and advances the in-memory inode-number counter. The
// caller must hold fs.mu.
func (fs *Filesystem) nextInode() uint64 {
	n := fs.sb.nextInodeNumber
	fs.sb.nextInodeNumber++
	return n
}

// createInode is the shared allocation+insert sequence behind CreateFile
// and CreateDirectory.
func (fs *Filesystem) createInode(fileSize uint64, typ fileType, linkCount uint32) (uint64, *Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inodeBlockID, err := fs.alloc.Allocate()
	if err != nil {
		return 0, nil, err
	}
	dataRootID, err := fs.alloc.Allocate()
	if err != nil {
		return 0, nil, err
	}

	now := nowUnix()
	in := &Inode{
		FileSize:         fileSize,
		BlockCount:       0,
		CreationTime:     now,
		ModificationTime: now,
		FileType:         uint8(typ),
		DataTreeRoot:     dataRootID,
		LinkCount:        linkCount,
	}

	if err := fs.cache.MutateNew(inodeBlockID, func(buf *[blockdev.BlockSize]byte) {
		in.encodeInto(buf)
	}); err != nil {
		return 0, nil, err
	}

	inodeNumber := fs.nextInode()
	if err := fs.tree.Insert(inodeNumber, inodeBlockID); err != nil {
		return 0, nil, err
	}

	return inodeNumber, in, nil
}

// CreateFile allocates an inode and an (empty) data-tree root, inserts the
// mapping into the metadata B-tree under a fresh inode number, and returns
// the new inode and its number. The new metadata root is retained in memory
// and published on the next sync.
func (fs *Filesystem) CreateFile(fileSize uint64) (inodeNumber uint64, in *Inode, err error) {
	return fs.createInode(fileSize, fileTypeRegular, 1)
}

// CreateDirectory runs the identical allocation and commit sequence as
// CreateFile, with file_type/link_count set for a directory (link_count=2,
// self and parent, per convention). It does not implement directory entries
// or traversal — those remain out of scope — it only gives the file_type
// and link_count fields a real writer.
func (fs *Filesystem) CreateDirectory() (inodeNumber uint64, in *Inode, err error) {
	return fs.createInode(0, fileTypeDirectory, 2)
}

// Stat looks up inodeNumber in the metadata tree and returns its decoded,
// checksum-verified record.
func (fs *Filesystem) Stat(inodeNumber uint64) (*Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inodeBlockID, found, err := fs.tree.Get(inodeNumber)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: inode %d", ErrNotFound, inodeNumber)
	}

	buf, err := fs.cache.View(inodeBlockID)
	if err != nil {
		return nil, err
	}
	return decodeInode(inodeBlockID, &buf)
}

// FreeFile removes inodeNumber's entry from the metadata tree and queues its
// inode and data-tree-root blocks to be freed on the next successful Sync.
// This is the inverse of CreateFile, built from the same primitives (B-tree
// delete, allocator.Free) but deferred to the commit point like every other
// CoW-superseded block.
func (fs *Filesystem) FreeFile(inodeNumber uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inodeBlockID, found, err := fs.tree.Get(inodeNumber)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: inode %d", ErrNotFound, inodeNumber)
	}

	buf, err := fs.cache.View(inodeBlockID)
	if err != nil {
		return err
	}
	in, err := decodeInode(inodeBlockID, &buf)
	if err != nil {
		return err
	}

	if err := fs.tree.Delete(inodeNumber); err != nil {
		return err
	}
	fs.pendingFree = append(fs.pendingFree, in.DataTreeRoot, inodeBlockID)
	return nil
}

// Verify runs a consistency pass over the metadata tree, checksum-verifying
// every reachable node, and reports how many it visited. It does not check
// the bitmap for leaked or double-allocated blocks; that would require a
// full mark-and-sweep this allocator does not perform.
func (fs *Filesystem) Verify() (nodesVisited int, err error) {
	fs.mu.Lock()
	tree := fs.tree
	fs.mu.Unlock()
	return tree.Verify()
}

// Sync runs the two-phase atomic commit protocol: every dirty block except
// the superblock is flushed and the device fsynced, then the superblock is
// stamped with the current root/timestamp and committed as an isolated
// second flush. Only once that commit has landed are the blocks superseded
// since the last sync (old B-tree nodes replaced by a CoW mutation, and
// inode/data-root blocks queued by FreeFile) returned to the allocator; a
// crash before the commit leaves them still reachable from the
// last-published root, and freeing them first could let a fresh allocation
// overwrite a block that root still depends on for recovery.
func (fs *Filesystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.cache.FlushAll(); err != nil {
		return err
	}

	fs.sb.metadataRootID = fs.tree.RootID()
	fs.sb.timestamp = nowUnix()

	if err := fs.cache.Mutate(superblockID, func(buf *[blockdev.BlockSize]byte) {
		fs.sb.encodeInto(buf)
	}); err != nil {
		return err
	}

	if err := fs.cache.FlushBlock(superblockID); err != nil {
		return err
	}

	log.WithField("root", fs.sb.metadataRootID).Debug("sync: committed superblock")

	superseded := append(fs.tree.TakePendingFree(), fs.pendingFree...)
	fs.pendingFree = nil
	if len(superseded) == 0 {
		return nil
	}

	for _, id := range superseded {
		if err := fs.alloc.Free(id); err != nil {
			return err
		}
	}

	// The bitmap blocks touched by the frees above must themselves be
	// durable before this sync returns, or a crash here would leave them
	// dirty-only and the reclaimed space would appear to vanish on the
	// next mount instead of becoming free.
	if err := fs.cache.FlushAll(); err != nil {
		return err
	}

	log.WithField("count", len(superseded)).Debug("sync: freed superseded blocks")
	return nil
}
