package fs

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/sadakfs/sadak/blockdev"
)

func TestInodeEncodeDecodeRoundTrip(t *testing.T) {
	want := &Inode{
		FileSize:         4096,
		BlockCount:       1,
		CreationTime:     1000,
		ModificationTime: 2000,
		FileType:         uint8(fileTypeRegular),
		DataTreeRoot:     77,
		LinkCount:        1,
	}

	var buf [blockdev.BlockSize]byte
	want.encodeInto(&buf)

	got, err := decodeInode(5, &buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := deep.Equal(want, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestInodeDecodeDetectsChecksumMismatch(t *testing.T) {
	in := &Inode{FileSize: 1, FileType: uint8(fileTypeRegular)}
	var buf [blockdev.BlockSize]byte
	in.encodeInto(&buf)

	buf[offFileSize] ^= 0xFF

	if _, err := decodeInode(5, &buf); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
