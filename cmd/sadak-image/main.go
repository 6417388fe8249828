// Command sadak-image exports a single mirror member to an lz4-compressed
// flat image file, offline: it reads the member's blocks sequentially and
// writes a compressed stream, the same relationship `dd` has to a raw
// device, not a live or incremental snapshot (those remain out of scope).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/sadakfs/sadak/blockdev"
)

func main() {
	var (
		source = flag.String("source", "", "path to a single mirror member's backing file")
		dest   = flag.String("dest", "", "path to write the lz4-compressed image to")
	)
	flag.Parse()

	if *source == "" || *dest == "" {
		fmt.Fprintln(os.Stderr, "usage: sadak-image -source a.img -dest a.img.lz4")
		os.Exit(1)
	}

	if err := export(*source, *dest); err != nil {
		fmt.Fprintln(os.Stderr, "sadak-image:", err)
		os.Exit(1)
	}
}

func export(source, dest string) error {
	dev, err := blockdev.OpenFileDevice(source, 0, false)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer dev.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	defer out.Close()

	bw := bufio.NewWriter(out)
	zw := lz4.NewWriter(bw)

	var buf [blockdev.BlockSize]byte
	total := dev.TotalBlocks()
	for id := blockdev.LBA(0); id < total; id++ {
		if err := dev.ReadBlock(id, buf[:]); err != nil {
			return fmt.Errorf("reading block %d: %w", id, err)
		}
		if _, err := zw.Write(buf[:]); err != nil {
			return fmt.Errorf("compressing block %d: %w", id, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing lz4 stream: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}

	fmt.Printf("exported %d blocks (%d bytes) from %s to %s\n", total, int64(total)*blockdev.BlockSize, source, dest)
	return nil
}
