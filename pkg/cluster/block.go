package cluster

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/niftylabs/nifty-go/internal/types"
)

// blockRecordSize is the minimum raw account size holding every block
// field this package reads.
const blockRecordSize = 112

// Block mirrors one on-chain block account. A block groups a fixed set of
// entries and carries the pricing parameters for their mystery phase and
// auctions. Blocks are admitted to the cache only once complete (all
// entries added) and are then updated in place, never replaced.
type Block struct {
	Pubkey types.Pubkey

	// Immutable once admitted.
	GroupNumber                  uint32
	BlockNumber                  uint32
	TotalEntryCount              uint16
	TotalMysteryCount            uint16
	MysteryPhaseDuration         uint32
	MysteryStartPriceLamports    uint64
	RevealPeriodDuration         uint32
	MinimumPriceLamports         uint64
	HasAuction                   bool
	Duration                     uint32
	NonAuctionStartPriceLamports uint64

	mu sync.RWMutex

	// Mutable across observations.
	AddedEntriesCount         uint16
	BlockStartTimestamp       int64
	MysteriesSoldCount        uint16
	MysteryPhaseEndTimestamp  int64
	Commission                uint16
	LastCommissionChangeEpoch uint64
}

// decodeBlock decodes a raw block account record.
func decodeBlock(pubkey types.Pubkey, data []byte) (*Block, error) {
	if len(data) < blockRecordSize {
		return nil, fmt.Errorf("cluster: block %s record too short: %d bytes", pubkey, len(data))
	}
	return &Block{
		Pubkey:                       pubkey,
		GroupNumber:                  binary.LittleEndian.Uint32(data[8:]),
		BlockNumber:                  binary.LittleEndian.Uint32(data[12:]),
		TotalEntryCount:              binary.LittleEndian.Uint16(data[16:]),
		TotalMysteryCount:            binary.LittleEndian.Uint16(data[18:]),
		MysteryPhaseDuration:         binary.LittleEndian.Uint32(data[20:]),
		MysteryStartPriceLamports:    binary.LittleEndian.Uint64(data[24:]),
		RevealPeriodDuration:         binary.LittleEndian.Uint32(data[32:]),
		MinimumPriceLamports:         binary.LittleEndian.Uint64(data[40:]),
		HasAuction:                   binary.LittleEndian.Uint32(data[48:]) != 0,
		Duration:                     binary.LittleEndian.Uint32(data[52:]),
		NonAuctionStartPriceLamports: binary.LittleEndian.Uint64(data[56:]),
		AddedEntriesCount:            binary.LittleEndian.Uint16(data[64:]),
		BlockStartTimestamp:          int64(binary.LittleEndian.Uint64(data[72:])),
		MysteriesSoldCount:           binary.LittleEndian.Uint16(data[80:]),
		MysteryPhaseEndTimestamp:     int64(binary.LittleEndian.Uint64(data[88:])),
		Commission:                   binary.LittleEndian.Uint16(data[96:]),
		LastCommissionChangeEpoch:    binary.LittleEndian.Uint64(data[104:]),
	}, nil
}

// Complete reports whether all of the block's entries have been added.
// Incomplete blocks are not admitted to the cache.
func (b *Block) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.AddedEntriesCount >= b.TotalEntryCount
}

// Update re-decodes data and copies over the fields that may change,
// reporting whether anything did. Paired fields move together:
// BlockStartTimestamp only changes alongside AddedEntriesCount, and
// MysteryPhaseEndTimestamp only alongside MysteriesSoldCount.
func (b *Block) Update(data []byte) (bool, error) {
	fresh, err := decodeBlock(b.Pubkey, data)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false

	if fresh.AddedEntriesCount != b.AddedEntriesCount {
		b.AddedEntriesCount = fresh.AddedEntriesCount
		b.BlockStartTimestamp = fresh.BlockStartTimestamp
		changed = true
	}

	if fresh.MysteriesSoldCount != b.MysteriesSoldCount {
		b.MysteriesSoldCount = fresh.MysteriesSoldCount
		b.MysteryPhaseEndTimestamp = fresh.MysteryPhaseEndTimestamp
		changed = true
	}

	if fresh.Commission != b.Commission {
		b.Commission = fresh.Commission
		changed = true
	}

	// The epoch can change even when the commission reads the same, if
	// the commission changed and changed back between observations.
	if fresh.LastCommissionChangeEpoch != b.LastCommissionChangeEpoch {
		b.LastCommissionChangeEpoch = fresh.LastCommissionChangeEpoch
		changed = true
	}

	return changed, nil
}

// IsRevealable reports whether the block has met its reveal criteria:
// every mystery sold, or the mystery phase elapsed.
func (b *Block) IsRevealable(clock *ClockReading) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.MysteriesSoldCount == b.TotalMysteryCount {
		return true
	}
	mysteryPhaseEnd := b.BlockStartTimestamp + int64(b.MysteryPhaseDuration)
	return clock.UnixTimestamp > mysteryPhaseEnd
}
