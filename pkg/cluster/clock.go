package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/niftylabs/nifty-go/pkg/rpcclient"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
)

// ClockReading is one extrapolated view of cluster time. The confirmed
// fields come straight from the last sample; Slot and UnixTimestamp are
// linear projections from that sample and MAY GO BACKWARDS between calls
// if a fresher but lower sample lands in between.
type ClockReading struct {
	ConfirmedEpoch         uint64
	ConfirmedSlot          uint64
	ConfirmedUnixTimestamp int64
	Slot                   uint64
	UnixTimestamp          int64

	// EpochProgress is the projected fraction of the epoch elapsed,
	// clamped to 1. Zero when the sample carried no epoch length.
	EpochProgress float64
}

// Clock tracks cluster time from periodic authoritative samples. The
// sample triple (epoch, slot, timestamp) is always replaced whole, never
// merged.
type Clock struct {
	mu            sync.RWMutex
	sampled       bool
	sampleTime    time.Time
	epoch         uint64
	slot          uint64
	unixTimestamp int64
	slotIndex     uint64
	slotsInEpoch  uint64
}

// Sample fetches the current epoch info and the block time of its slot,
// then installs the triple as the new baseline.
func (c *Clock) Sample(ctx context.Context, pool *rpcpool.Pool) error {
	var info *rpcclient.EpochInfo
	err := pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		info, err = conn.GetEpochInfo(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var blockTime int64
	err = pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		blockTime, err = conn.GetBlockTime(ctx, info.AbsoluteSlot)
		return err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sampled = true
	c.sampleTime = time.Now()
	c.epoch = info.Epoch
	c.slot = info.AbsoluteSlot
	c.unixTimestamp = blockTime
	c.slotIndex = info.SlotIndex
	c.slotsInEpoch = info.SlotsInEpoch
	c.mu.Unlock()
	return nil
}

// Read extrapolates the current slot and timestamp from the last sample
// using slotDuration seconds per slot. Returns nil if no sample has ever
// succeeded.
func (c *Clock) Read(slotDuration float64) *ClockReading {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.sampled {
		return nil
	}

	elapsed := time.Since(c.sampleTime)
	slotsElapsed := uint64(elapsed.Seconds() / slotDuration)

	r := &ClockReading{
		ConfirmedEpoch:         c.epoch,
		ConfirmedSlot:          c.slot,
		ConfirmedUnixTimestamp: c.unixTimestamp,
		Slot:                   c.slot + slotsElapsed,
		UnixTimestamp:          c.unixTimestamp + int64(elapsed.Seconds()),
	}
	if c.slotsInEpoch > 0 {
		r.EpochProgress = float64(c.slotIndex+slotsElapsed) / float64(c.slotsInEpoch)
		if r.EpochProgress > 1 {
			r.EpochProgress = 1
		}
	}
	return r
}

// setEpochShape installs the epoch position fields. Test hook.
func (c *Clock) setEpochShape(slotIndex, slotsInEpoch uint64) {
	c.mu.Lock()
	c.slotIndex = slotIndex
	c.slotsInEpoch = slotsInEpoch
	c.mu.Unlock()
}

// setSample installs a sample directly. Test hook.
func (c *Clock) setSample(epoch, slot uint64, unixTimestamp int64, at time.Time) {
	c.mu.Lock()
	c.sampled = true
	c.sampleTime = at
	c.epoch = epoch
	c.slot = slot
	c.unixTimestamp = unixTimestamp
	c.mu.Unlock()
}
