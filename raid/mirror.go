// Package raid composes two or more block devices into a single logical
// device with RAID-1 (mirroring) semantics: read-any, write-all.
package raid

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/internal/sadaklog"
)

var log = sadaklog.For("raid")

var (
	// ErrNotEnoughDevices is returned when fewer than two member devices
	// are supplied to New.
	ErrNotEnoughDevices = errors.New("raid: at least 2 devices are required")
	// ErrSizeMismatch is returned when member devices report different
	// capacities.
	ErrSizeMismatch = errors.New("raid: member devices report different capacities")
)

// Mirror is a RAID-1 logical device composed of member devices, all the
// same reported capacity: reads return the first member that succeeds,
// writes and flushes must succeed on every member.
type Mirror struct {
	members     []blockdev.Device
	totalBlocks blockdev.LBA
}

// New builds a Mirror from members, in construction order (the order reads
// are tried in). It fails with ErrNotEnoughDevices if fewer than two are
// given, or ErrSizeMismatch if their capacities differ.
func New(members []blockdev.Device) (*Mirror, error) {
	if len(members) < 2 {
		return nil, ErrNotEnoughDevices
	}
	min := members[0].TotalBlocks()
	for _, m := range members[1:] {
		if n := m.TotalBlocks(); n != min {
			return nil, fmt.Errorf("%w: %d vs %d", ErrSizeMismatch, min, n)
		}
	}
	return &Mirror{members: members, totalBlocks: min}, nil
}

// ReadBlock tries each member in construction order and returns the first
// successful read. If every member fails, it returns blockdev.ErrIOError
// wrapping every member's error.
func (m *Mirror) ReadBlock(id blockdev.LBA, buf []byte) error {
	var errs []error
	for i, dev := range m.members {
		if err := dev.ReadBlock(id, buf); err != nil {
			log.WithError(err).WithField("member", i).WithField("block", id).
				Warn("mirror member failed read, trying next member")
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: block %d: all %d members failed: %v", blockdev.ErrIOError, id, len(m.members), errors.Join(errs...))
}

// WriteBlock fans the write out to every member concurrently and succeeds
// only if every member acknowledges. The write is attempted on all members
// even after an earlier failure, to preserve best-effort durability on the
// survivors.
func (m *Mirror) WriteBlock(id blockdev.LBA, buf []byte) error {
	return m.fanOut(func(dev blockdev.Device) error {
		return dev.WriteBlock(id, buf)
	}, "write", id)
}

// Flush requires every member to acknowledge durability.
func (m *Mirror) Flush() error {
	return m.fanOut(func(dev blockdev.Device) error {
		return dev.Flush()
	}, "flush", 0)
}

// fanOut runs op against every member concurrently via errgroup; writes to
// different members carry no ordering guarantee between them. A per-member
// failure does not cancel the other goroutines: every member is still
// attempted, for best-effort durability on the rest.
func (m *Mirror) fanOut(op func(blockdev.Device) error, label string, id blockdev.LBA) error {
	errs := make([]error, len(m.members))
	var g errgroup.Group
	for i, dev := range m.members {
		i, dev := i, dev
		g.Go(func() error {
			if err := op(dev); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait() // op never returns an error to the group; failures are collected in errs.

	var joined []error
	for i, err := range errs {
		if err != nil {
			log.WithError(err).WithField("member", i).WithField("op", label).Error("mirror member failed")
			joined = append(joined, err)
		}
	}
	if len(joined) > 0 {
		return fmt.Errorf("%w: %s block %d: %d/%d members failed: %v", blockdev.ErrIOError, label, id, len(joined), len(m.members), errors.Join(joined...))
	}
	return nil
}

// TotalBlocks returns the minimum member capacity computed at
// construction.
func (m *Mirror) TotalBlocks() blockdev.LBA {
	return m.totalBlocks
}

var _ blockdev.Device = (*Mirror)(nil)
