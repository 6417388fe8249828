package blockdev

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/xattr"
	times "gopkg.in/djherbis/times.v1"

	"github.com/sadakfs/sadak/internal/sadaklog"
)

const volumeXattr = "user.sadak.volume"

var log = sadaklog.For("blockdev")

// FileDevice is a Device backed by a host file or block special file,
// reading and writing each block at its byte offset with ReadAt/WriteAt
// (no separate seek). It is the hosted
// substrate SADAK's freestanding design assumes a kernel-provided device
// would sit on.
type FileDevice struct {
	f            *os.File
	totalBlocks  LBA
	volumeTagSet bool
}

// OpenFileDevice opens (or creates, if create is true) path as a
// FileDevice. When create is true the file is truncated to exactly
// totalBlocks*BlockSize bytes; when false, totalBlocks is ignored and the
// device's capacity is derived from the file's current size instead (the
// mount path never has to be told how big an existing volume is).
func OpenFileDevice(path string, totalBlocks LBA, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, ioErrorf("opening %s: %v", path, err)
	}
	if create {
		if err := f.Truncate(int64(totalBlocks) * BlockSize); err != nil {
			f.Close()
			return nil, ioErrorf("truncating %s to %d blocks: %v", path, totalBlocks, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioErrorf("statting %s: %v", path, err)
		}
		totalBlocks = LBA(info.Size() / BlockSize)
	}
	return &FileDevice{f: f, totalBlocks: totalBlocks}, nil
}

func (d *FileDevice) ReadBlock(id LBA, buf []byte) error {
	if err := checkBufLen(buf); err != nil {
		return err
	}
	n, err := d.f.ReadAt(buf, int64(id)*BlockSize)
	if err != nil {
		log.WithError(err).WithField("block", id).Warn("short or failed read")
		return ioErrorf("reading block %d: %v", id, err)
	}
	if n != BlockSize {
		return ioErrorf("short read on block %d: got %d bytes", id, n)
	}
	return nil
}

func (d *FileDevice) WriteBlock(id LBA, buf []byte) error {
	if err := checkBufLen(buf); err != nil {
		return err
	}
	n, err := d.f.WriteAt(buf, int64(id)*BlockSize)
	if err != nil {
		log.WithError(err).WithField("block", id).Warn("short or failed write")
		return ioErrorf("writing block %d: %v", id, err)
	}
	if n != BlockSize {
		return ioErrorf("short write on block %d: wrote %d bytes", id, n)
	}
	return nil
}

func (d *FileDevice) TotalBlocks() LBA {
	return d.totalBlocks
}

func (d *FileDevice) Flush() error {
	if err := d.f.Sync(); err != nil {
		return ioErrorf("fsync: %v", err)
	}
	return nil
}

// Close releases the backing file handle.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// TagVolume best-effort records volumeUUID as an extended attribute on the
// backing file, so host tooling can identify a SADAK image without
// mounting it. Failure is logged and ignored: the tag is a diagnostic
// convenience only, never load-bearing.
func (d *FileDevice) TagVolume(volumeUUID string) {
	if err := xattr.FSet(d.f, volumeXattr, []byte(volumeUUID)); err != nil {
		log.WithError(err).Debug("could not set volume xattr (unsupported filesystem or permission); continuing")
		return
	}
	d.volumeTagSet = true
}

// VolumeTag returns the volume identity tag previously written by
// TagVolume, if the host filesystem supports extended attributes.
func (d *FileDevice) VolumeTag() (string, bool) {
	b, err := xattr.FGet(d.f, volumeXattr)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// BirthTime reports the backing file's creation time, when the host
// filesystem exposes one, for inclusion in sadak-fsck diagnostic reports.
func (d *FileDevice) BirthTime() (time.Time, bool) {
	t, err := times.Stat(d.f.Name())
	if err != nil || !t.HasBirthTime() {
		return time.Time{}, false
	}
	return t.BirthTime(), true
}

func (d *FileDevice) String() string {
	return fmt.Sprintf("FileDevice(%s, %d blocks)", d.f.Name(), d.totalBlocks)
}
