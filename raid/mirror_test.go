package raid

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sadakfs/sadak/blockdev"
)

func TestNewRequiresAtLeastTwoDevices(t *testing.T) {
	_, err := New([]blockdev.Device{blockdev.NewMemoryDevice(10)})
	if !errors.Is(err, ErrNotEnoughDevices) {
		t.Fatalf("New with 1 device: got %v, want ErrNotEnoughDevices", err)
	}
}

func TestNewRejectsSizeMismatch(t *testing.T) {
	a := blockdev.NewMemoryDevice(10)
	b := blockdev.NewMemoryDevice(20)
	_, err := New([]blockdev.Device{a, b})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("New with mismatched sizes: got %v, want ErrSizeMismatch", err)
	}
}

func TestReportedCapacityIsMinimum(t *testing.T) {
	a := blockdev.NewMemoryDevice(10)
	b := blockdev.NewMemoryDevice(10)
	m, err := New([]blockdev.Device{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.TotalBlocks(); got != 10 {
		t.Fatalf("TotalBlocks() = %d, want 10", got)
	}
}

func TestWriteAllReadAny(t *testing.T) {
	a := blockdev.NewMemoryDevice(10)
	b := blockdev.NewMemoryDevice(10)
	m, err := New([]blockdev.Device{a, b})
	if err != nil {
		t.Fatal(err)
	}

	pattern := bytes.Repeat([]byte{0xAA}, blockdev.BlockSize)
	if err := m.WriteBlock(42%10, pattern); err != nil {
		t.Fatal(err)
	}

	var got [blockdev.BlockSize]byte
	if err := a.ReadBlock(2, got[:]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:], pattern) {
		t.Fatal("member a did not receive the write")
	}
	if err := b.ReadBlock(2, got[:]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:], pattern) {
		t.Fatal("member b did not receive the write")
	}
}

func TestDegradedReadMasksPoisonedMember(t *testing.T) {
	a := blockdev.NewMemoryDevice(10)
	b := blockdev.NewMemoryDevice(10)
	m, err := New([]blockdev.Device{a, b})
	if err != nil {
		t.Fatal(err)
	}

	pattern := bytes.Repeat([]byte{0xAA}, blockdev.BlockSize)
	if err := m.WriteBlock(2, pattern); err != nil {
		t.Fatal(err)
	}

	a.SetFailReads(true)

	var got [blockdev.BlockSize]byte
	if err := m.ReadBlock(2, got[:]); err != nil {
		t.Fatalf("read should succeed from surviving member: %v", err)
	}
	if !bytes.Equal(got[:], pattern) {
		t.Fatal("degraded read returned wrong data")
	}
}

func TestWriteFailsIfAnyMemberFails(t *testing.T) {
	// force an out-of-range write: both members hold a single block, so
	// writing block 5 fails on each of them.
	tiny := blockdev.NewMemoryDevice(1)
	m, err := New([]blockdev.Device{tiny, blockdev.NewMemoryDevice(1)})
	if err != nil {
		t.Fatal(err)
	}
	pattern := make([]byte, blockdev.BlockSize)
	if err := m.WriteBlock(5, pattern); err == nil {
		t.Fatal("expected out-of-range write to fail")
	}
}

func TestReadFailsWhenAllMembersFail(t *testing.T) {
	a := blockdev.NewMemoryDevice(10)
	b := blockdev.NewMemoryDevice(10)
	m, err := New([]blockdev.Device{a, b})
	if err != nil {
		t.Fatal(err)
	}
	a.SetFailReads(true)
	b.SetFailReads(true)

	var got [blockdev.BlockSize]byte
	if err := m.ReadBlock(0, got[:]); err == nil {
		t.Fatal("expected read to fail when every member fails")
	} else if !errors.Is(err, blockdev.ErrIOError) {
		t.Fatalf("expected ErrIOError, got %v", err)
	}
}
