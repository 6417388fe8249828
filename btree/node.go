// Package btree implements SADAK's copy-on-write B-tree: keyed metadata
// blocks with checksum-verified reads and a CoW mutation path that
// propagates fresh block IDs up to the root.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/checksum"
)

// Fanout bounds the number of entries (leaf) or children (internal) a node
// may hold.
const Fanout = 32

// nodeType discriminates leaf nodes (key -> value LBA pairs) from internal
// nodes (separator keys + child LBAs).
type nodeType uint8

const (
	nodeLeaf     nodeType = 1
	nodeInternal nodeType = 2
)

// header offsets within a node's block: 24 bytes total.
//
//	node_type   uint8   @0
//	num_entries uint16  @1
//	level       uint8   @3
//	block_id    uint64  @4
//	checksum    uint32  @12
//	padding     [8]byte @16
const headerSize = 24

const (
	offNodeType   = 0
	offNumEntries = 1
	offLevel      = 3
	offBlockID    = 4
	offChecksum   = 12
)

// ErrChecksumMismatch is returned by getNode when a node's stored CRC32C
// does not match its recomputed value.
var ErrChecksumMismatch = errors.New("btree: checksum mismatch")

// ErrInvalidNode is returned by getNode when a node's self-referential
// block_id does not match the id it was loaded under.
var ErrInvalidNode = errors.New("btree: invalid node")

// node is the decoded, in-memory form of one B-tree block.
type node struct {
	typ     nodeType
	level   uint8
	blockID blockdev.LBA

	// leaf: len(keys) == len(values); internal: len(children) == len(keys)+1
	keys     []uint64
	values   []uint64
	children []uint64
}

func (n *node) isLeaf() bool { return n.typ == nodeLeaf }

func (n *node) numEntries() int {
	if n.isLeaf() {
		return len(n.keys)
	}
	return len(n.children)
}

// decodeNode parses a block's raw bytes into a node, verifying its checksum
// and that its embedded block_id matches id.
func decodeNode(id blockdev.LBA, buf *[blockdev.BlockSize]byte) (*node, error) {
	stored := binary.LittleEndian.Uint32(buf[offChecksum : offChecksum+4])
	got := checksum.SumZeroed(buf[:], offChecksum)
	if got != stored {
		return nil, fmt.Errorf("%w: block %d: stored %#x computed %#x", ErrChecksumMismatch, id, stored, got)
	}

	blockID := binary.LittleEndian.Uint64(buf[offBlockID : offBlockID+8])
	if blockID != id {
		return nil, fmt.Errorf("%w: block %d: header names block %d", ErrInvalidNode, id, blockID)
	}

	n := &node{
		typ:     nodeType(buf[offNodeType]),
		level:   buf[offLevel],
		blockID: blockID,
	}
	numEntries := int(binary.LittleEndian.Uint16(buf[offNumEntries : offNumEntries+2]))
	body := buf[headerSize:]

	switch n.typ {
	case nodeLeaf:
		n.keys = make([]uint64, numEntries)
		n.values = make([]uint64, numEntries)
		for i := 0; i < numEntries; i++ {
			off := i * 16
			n.keys[i] = binary.LittleEndian.Uint64(body[off : off+8])
			n.values[i] = binary.LittleEndian.Uint64(body[off+8 : off+16])
		}
	case nodeInternal:
		numChildren := numEntries
		numKeys := 0
		if numChildren > 0 {
			numKeys = numChildren - 1
		}
		keyArea := body[:numKeys*8]
		childArea := body[(Fanout-1)*8:]
		n.keys = make([]uint64, numKeys)
		for i := 0; i < numKeys; i++ {
			n.keys[i] = binary.LittleEndian.Uint64(keyArea[i*8 : i*8+8])
		}
		n.children = make([]uint64, numChildren)
		for i := 0; i < numChildren; i++ {
			n.children[i] = binary.LittleEndian.Uint64(childArea[i*8 : i*8+8])
		}
	default:
		return nil, fmt.Errorf("%w: block %d: unknown node type %d", ErrInvalidNode, id, n.typ)
	}

	return n, nil
}

// encodeInto writes n's header and body into buf and stamps a fresh
// checksum, computed with the checksum field zeroed.
func (n *node) encodeInto(buf *[blockdev.BlockSize]byte) {
	for i := range buf {
		buf[i] = 0
	}

	buf[offNodeType] = byte(n.typ)
	binary.LittleEndian.PutUint16(buf[offNumEntries:offNumEntries+2], uint16(n.numEntries()))
	buf[offLevel] = n.level
	binary.LittleEndian.PutUint64(buf[offBlockID:offBlockID+8], n.blockID)

	body := buf[headerSize:]
	switch n.typ {
	case nodeLeaf:
		for i := range n.keys {
			off := i * 16
			binary.LittleEndian.PutUint64(body[off:off+8], n.keys[i])
			binary.LittleEndian.PutUint64(body[off+8:off+16], n.values[i])
		}
	case nodeInternal:
		keyArea := body[:(Fanout-1)*8]
		childArea := body[(Fanout-1)*8:]
		for i, k := range n.keys {
			binary.LittleEndian.PutUint64(keyArea[i*8:i*8+8], k)
		}
		for i, c := range n.children {
			binary.LittleEndian.PutUint64(childArea[i*8:i*8+8], c)
		}
	}

	sum := checksum.SumZeroed(buf[:], offChecksum)
	binary.LittleEndian.PutUint32(buf[offChecksum:offChecksum+4], sum)
}
