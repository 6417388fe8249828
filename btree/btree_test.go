package btree

import (
	"testing"

	"github.com/sadakfs/sadak/allocator"
	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/cache"
)

func newTestTree(t *testing.T, totalBlocks blockdev.LBA) *BTree {
	t.Helper()
	dev := blockdev.NewMemoryDevice(totalBlocks)
	c := cache.New(dev)
	alloc := allocator.New(c, 1, totalBlocks)
	if err := alloc.MarkAllocated(0); err != nil {
		t.Fatal(err)
	}
	for i := blockdev.LBA(0); i < alloc.BitmapBlockCount(); i++ {
		if err := alloc.MarkAllocated(1 + i); err != nil {
			t.Fatal(err)
		}
	}
	tree, err := CreateEmpty(c, alloc)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	tree := newTestTree(t, 2048)

	if err := tree.Insert(1, 100); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(2, 200); err != nil {
		t.Fatal(err)
	}

	v, found, err := tree.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != 100 {
		t.Fatalf("Get(1) = %d, %v, want 100, true", v, found)
	}

	v, found, err = tree.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != 200 {
		t.Fatalf("Get(2) = %d, %v, want 200, true", v, found)
	}
}

func TestGetMissingKey(t *testing.T) {
	tree := newTestTree(t, 2048)
	if err := tree.Insert(5, 50); err != nil {
		t.Fatal(err)
	}
	_, found, err := tree.Get(999)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("Get on a missing key should report found=false")
	}
}

func TestInsertUpdatesExistingKey(t *testing.T) {
	tree := newTestTree(t, 2048)
	if err := tree.Insert(1, 100); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(1, 101); err != nil {
		t.Fatal(err)
	}
	v, found, err := tree.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != 101 {
		t.Fatalf("Get(1) after update = %d, %v, want 101, true", v, found)
	}
}

func TestInsertManyKeysForcesSplit(t *testing.T) {
	tree := newTestTree(t, 8192)

	const n = 200
	for i := uint64(1); i <= n; i++ {
		if err := tree.Insert(i, i*10); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := uint64(1); i <= n; i++ {
		v, found, err := tree.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !found || v != i*10 {
			t.Fatalf("Get(%d) = %d, %v, want %d, true", i, v, found, i*10)
		}
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t, 2048)
	if err := tree.Insert(7, 70); err != nil {
		t.Fatal(err)
	}
	if err := tree.Delete(7); err != nil {
		t.Fatal(err)
	}
	_, found, err := tree.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("key should be gone after Delete")
	}
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	tree := newTestTree(t, 2048)
	if err := tree.Insert(1, 10); err != nil {
		t.Fatal(err)
	}
	if err := tree.Delete(999); err != nil {
		t.Fatalf("Delete of a missing key should be a no-op, got %v", err)
	}
	v, found, err := tree.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != 10 {
		t.Fatal("unrelated key should survive a no-op delete")
	}
}

func TestOldRootRemainsReadableAfterInsert(t *testing.T) {
	tree := newTestTree(t, 2048)
	oldRoot := tree.RootID()

	if err := tree.Insert(3, 30); err != nil {
		t.Fatal(err)
	}
	newRoot := tree.RootID()
	if newRoot == oldRoot {
		t.Fatal("CoW insert should publish a new root id")
	}

	// The old root chain is still intact (freed only after commit, per the
	// CoW contract) and still decodes as a valid, empty leaf.
	n, err := tree.getNode(oldRoot)
	if err != nil {
		t.Fatalf("old root should still be readable: %v", err)
	}
	if len(n.keys) != 0 {
		t.Fatal("old root should be unchanged (still empty)")
	}
}

func TestInsertQueuesOldRootInPendingFree(t *testing.T) {
	tree := newTestTree(t, 2048)
	oldRoot := tree.RootID()

	if err := tree.Insert(3, 30); err != nil {
		t.Fatal(err)
	}

	pending := tree.TakePendingFree()
	found := false
	for _, id := range pending {
		if id == oldRoot {
			found = true
		}
	}
	if !found {
		t.Fatalf("TakePendingFree() = %v, want it to contain superseded root %d", pending, oldRoot)
	}

	// A second call returns nothing: the pending set is drained, not
	// re-derived, by TakePendingFree.
	if again := tree.TakePendingFree(); len(again) != 0 {
		t.Fatalf("second TakePendingFree() = %v, want empty", again)
	}
}

func TestDeleteQueuesRewrittenNodesInPendingFree(t *testing.T) {
	tree := newTestTree(t, 2048)
	if err := tree.Insert(7, 70); err != nil {
		t.Fatal(err)
	}
	tree.TakePendingFree() // drain the insert's own pending entries

	leafBeforeDelete := tree.RootID()
	if err := tree.Delete(7); err != nil {
		t.Fatal(err)
	}

	pending := tree.TakePendingFree()
	if len(pending) != 1 || pending[0] != leafBeforeDelete {
		t.Fatalf("TakePendingFree() after delete = %v, want [%d]", pending, leafBeforeDelete)
	}
}

func TestDeleteOfMissingKeyQueuesNothing(t *testing.T) {
	tree := newTestTree(t, 2048)
	if err := tree.Insert(1, 10); err != nil {
		t.Fatal(err)
	}
	tree.TakePendingFree()

	if err := tree.Delete(999); err != nil {
		t.Fatal(err)
	}
	if pending := tree.TakePendingFree(); len(pending) != 0 {
		t.Fatalf("no-op delete queued %v, want nothing freed", pending)
	}
}
