package btree

import (
	"sort"
	"sync"

	"github.com/sadakfs/sadak/allocator"
	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/cache"
	"github.com/sadakfs/sadak/internal/sadaklog"
)

var log = sadaklog.For("btree")

// leftSplitCount is the number of entries/children the left side of a split
// keeps: ceil(Fanout/2).
const leftSplitCount = (Fanout + 1) / 2

// BTree is SADAK's metadata tree: keyed by uint64 inode numbers, values are
// LBAs of payload (inode) blocks. Every structural mutation runs a
// copy-on-write sequence and returns a fresh root, which the caller (the
// filesystem layer) is responsible for publishing via the superblock.
type BTree struct {
	cache *cache.Cache
	alloc *allocator.Allocator

	mu     sync.Mutex
	rootID blockdev.LBA

	// pendingFree accumulates the block ids superseded by CoW mutations
	// since the last TakePendingFree call. They remain allocated (and
	// their old content intact) until the filesystem layer has durably
	// published the new root, per the commit protocol's "free only after
	// the commit completes" rule.
	pendingFree []blockdev.LBA
}

// Open attaches a BTree to an existing root, as read from the superblock on
// mount.
func Open(c *cache.Cache, alloc *allocator.Allocator, rootID blockdev.LBA) *BTree {
	return &BTree{cache: c, alloc: alloc, rootID: rootID}
}

// CreateEmpty allocates a fresh, empty leaf node to serve as the root of a
// brand-new tree (used by fs.Format), and returns its BTree handle.
func CreateEmpty(c *cache.Cache, alloc *allocator.Allocator) (*BTree, error) {
	t := &BTree{cache: c, alloc: alloc}
	n := &node{typ: nodeLeaf, level: 0}
	id, err := t.cowWrite(n)
	if err != nil {
		return nil, err
	}
	t.rootID = id
	return t, nil
}

// RootID returns the current root block ID, to be stamped into the
// superblock at sync time.
func (t *BTree) RootID() blockdev.LBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootID
}

// TakePendingFree returns every block id superseded by a CoW mutation since
// the last call, and clears the pending set. The caller must not release
// these blocks via the allocator until it has durably published the
// current root; calling this before that publication and then crashing
// would let Allocate hand out a block a not-yet-committed root still
// refers to.
func (t *BTree) TakePendingFree() []blockdev.LBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.pendingFree
	t.pendingFree = nil
	return ids
}

// Verify walks every node reachable from the root, which forces a checksum
// check on each one (getNode already verifies on every read), and reports
// the number of nodes visited. Used by sadak-fsck for a consistency pass.
func (t *BTree) Verify() (nodesVisited int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.verifyRec(t.rootID)
}

func (t *BTree) verifyRec(id blockdev.LBA) (int, error) {
	n, err := t.getNode(id)
	if err != nil {
		return 0, err
	}
	total := 1
	if !n.isLeaf() {
		for _, child := range n.children {
			count, err := t.verifyRec(child)
			if err != nil {
				return total, err
			}
			total += count
		}
	}
	return total, nil
}

// getNode loads and checksum-verifies the node at id.
func (t *BTree) getNode(id blockdev.LBA) (*node, error) {
	buf, err := t.cache.View(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(id, &buf)
}

// cowWrite allocates a fresh block, stamps n's header with its id, encodes
// it, and writes it into the cache as a new dirty entry.
func (t *BTree) cowWrite(n *node) (blockdev.LBA, error) {
	id, err := t.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	n.blockID = id
	if err := t.cache.MutateNew(id, func(buf *[blockdev.BlockSize]byte) {
		n.encodeInto(buf)
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// Get looks up key with a plain read traversal (no CoW).
func (t *BTree) Get(key uint64) (value blockdev.LBA, found bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.rootID
	for {
		n, err := t.getNode(id)
		if err != nil {
			return 0, false, err
		}
		if n.isLeaf() {
			idx := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= key })
			if idx < len(n.keys) && n.keys[idx] == key {
				return n.values[idx], true, nil
			}
			return 0, false, nil
		}
		id = n.children[childIndex(n, key)]
	}
}

// childIndex returns the index of the child an internal node routes key to.
func childIndex(n *node, key uint64) int {
	i := sort.Search(len(n.keys), func(i int) bool { return key < n.keys[i] })
	return i
}

// overflow describes a node that split during a CoW insert: the caller must
// insert (separatorKey, newSiblingID) into its own child list.
type overflow struct {
	separatorKey uint64
	newSiblingID blockdev.LBA
}

// Insert writes key -> value into the tree via the CoW path, updating the
// tree's root in place. A key that already exists has its value replaced.
// Every block the mutation supersedes (the old version of each node on the
// path to the root, and any node consumed by a split) is queued in
// pendingFree rather than freed immediately.
func (t *BTree) Insert(key uint64, value blockdev.LBA) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldRoot, err := t.getNode(t.rootID)
	if err != nil {
		return err
	}

	var superseded []blockdev.LBA
	newRootID, ov, err := t.insertRec(t.rootID, key, value, &superseded)
	if err != nil {
		return err
	}
	if ov == nil {
		t.rootID = newRootID
		t.pendingFree = append(t.pendingFree, superseded...)
		return nil
	}

	root := &node{
		typ:      nodeInternal,
		level:    oldRoot.level + 1,
		keys:     []uint64{ov.separatorKey},
		children: []blockdev.LBA{newRootID, ov.newSiblingID},
	}
	id, err := t.cowWrite(root)
	if err != nil {
		return err
	}
	t.rootID = id
	t.pendingFree = append(t.pendingFree, superseded...)
	return nil
}

func (t *BTree) insertRec(id blockdev.LBA, key uint64, value blockdev.LBA, superseded *[]blockdev.LBA) (blockdev.LBA, *overflow, error) {
	n, err := t.getNode(id)
	if err != nil {
		return 0, nil, err
	}

	if n.isLeaf() {
		idx := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= key })
		switch {
		case idx < len(n.keys) && n.keys[idx] == key:
			n.values[idx] = value
		default:
			n.keys = insertUint64(n.keys, idx, key)
			n.values = insertUint64(n.values, idx, value)
		}

		if len(n.keys) <= Fanout {
			newID, err := t.cowWrite(n)
			if err != nil {
				return 0, nil, err
			}
			*superseded = append(*superseded, id)
			return newID, nil, nil
		}
		return t.splitLeaf(n, id, superseded)
	}

	idx := childIndex(n, key)
	childNewID, childOv, err := t.insertRec(n.children[idx], key, value, superseded)
	if err != nil {
		return 0, nil, err
	}
	n.children[idx] = childNewID
	if childOv != nil {
		n.keys = insertUint64(n.keys, idx, childOv.separatorKey)
		n.children = insertUint64(n.children, idx+1, childOv.newSiblingID)
	}

	if len(n.children) <= Fanout {
		newID, err := t.cowWrite(n)
		if err != nil {
			return 0, nil, err
		}
		*superseded = append(*superseded, id)
		return newID, nil, nil
	}
	return t.splitInternal(n, id, superseded)
}

func (t *BTree) splitLeaf(n *node, oldID blockdev.LBA, superseded *[]blockdev.LBA) (blockdev.LBA, *overflow, error) {
	left := &node{typ: nodeLeaf, level: n.level,
		keys: append([]uint64(nil), n.keys[:leftSplitCount]...), values: append([]uint64(nil), n.values[:leftSplitCount]...)}
	right := &node{typ: nodeLeaf, level: n.level,
		keys: append([]uint64(nil), n.keys[leftSplitCount:]...), values: append([]uint64(nil), n.values[leftSplitCount:]...)}

	leftID, err := t.cowWrite(left)
	if err != nil {
		return 0, nil, err
	}
	rightID, err := t.cowWrite(right)
	if err != nil {
		return 0, nil, err
	}
	*superseded = append(*superseded, oldID)
	return leftID, &overflow{separatorKey: right.keys[0], newSiblingID: rightID}, nil
}

func (t *BTree) splitInternal(n *node, oldID blockdev.LBA, superseded *[]blockdev.LBA) (blockdev.LBA, *overflow, error) {
	separator := n.keys[leftSplitCount-1]

	left := &node{typ: nodeInternal, level: n.level,
		keys:     append([]uint64(nil), n.keys[:leftSplitCount-1]...),
		children: append([]blockdev.LBA(nil), n.children[:leftSplitCount]...)}
	right := &node{typ: nodeInternal, level: n.level,
		keys:     append([]uint64(nil), n.keys[leftSplitCount:]...),
		children: append([]blockdev.LBA(nil), n.children[leftSplitCount:]...)}

	leftID, err := t.cowWrite(left)
	if err != nil {
		return 0, nil, err
	}
	rightID, err := t.cowWrite(right)
	if err != nil {
		return 0, nil, err
	}
	*superseded = append(*superseded, oldID)
	return leftID, &overflow{separatorKey: separator, newSiblingID: rightID}, nil
}

// Delete removes key from the tree via the CoW path. It does not rebalance
// underflowed siblings; a documented simplification, not a bug. Every node
// actually rewritten on the path to the root is queued in pendingFree.
func (t *BTree) Delete(key uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var superseded []blockdev.LBA
	newRootID, _, err := t.deleteRec(t.rootID, key, &superseded)
	if err != nil {
		return err
	}
	t.rootID = newRootID
	t.pendingFree = append(t.pendingFree, superseded...)
	return nil
}

func (t *BTree) deleteRec(id blockdev.LBA, key uint64, superseded *[]blockdev.LBA) (blockdev.LBA, bool, error) {
	n, err := t.getNode(id)
	if err != nil {
		return 0, false, err
	}

	if n.isLeaf() {
		idx := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= key })
		if idx >= len(n.keys) || n.keys[idx] != key {
			log.WithField("key", key).Debug("delete: key not present, ignoring")
			return id, false, nil
		}
		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
		n.values = append(n.values[:idx], n.values[idx+1:]...)
		newID, err := t.cowWrite(n)
		if err != nil {
			return 0, false, err
		}
		*superseded = append(*superseded, id)
		return newID, true, nil
	}

	idx := childIndex(n, key)
	childNewID, deleted, err := t.deleteRec(n.children[idx], key, superseded)
	if err != nil {
		return 0, false, err
	}
	if !deleted {
		return id, false, nil
	}
	n.children[idx] = childNewID
	newID, err := t.cowWrite(n)
	if err != nil {
		return 0, false, err
	}
	*superseded = append(*superseded, id)
	return newID, true, nil
}

// insertUint64 inserts v at idx, shifting later elements right. blockdev.LBA
// is a uint64 alias, so this serves both key and child-pointer slices.
func insertUint64(s []uint64, idx int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}
