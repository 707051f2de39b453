package cluster

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
)

const (
	// entryLevelCount is the number of per-level metadata slots.
	entryLevelCount = 9

	// entryLevelStride is the byte width of one level metadata slot.
	entryLevelStride = 272

	// entryRecordSize is the minimum raw account size holding every
	// entry field this package reads.
	entryRecordSize = 400 + entryLevelCount*entryLevelStride
)

// EntryState classifies an entry at one evaluation instant. State is never
// stored; it is derived from the raw fields plus a clock reading.
type EntryState int

const (
	// EntryStatePreRevealUnowned: not yet revealed, not yet owned.
	EntryStatePreRevealUnowned EntryState = iota
	// EntryStatePreRevealOwned: owned, block reveal criteria not yet met.
	EntryStatePreRevealOwned
	// EntryStateWaitingForRevealUnowned: block revealable, entry not yet
	// revealed, unowned.
	EntryStateWaitingForRevealUnowned
	// EntryStateWaitingForRevealOwned: block revealable, entry not yet
	// revealed, owned.
	EntryStateWaitingForRevealOwned
	// EntryStateInAuction: revealed and in its auction window.
	EntryStateInAuction
	// EntryStateWaitingToBeClaimed: auction over with a winning bid not
	// yet claimed.
	EntryStateWaitingToBeClaimed
	// EntryStateUnowned: revealed, past any auction, unowned.
	EntryStateUnowned
	// EntryStateOwned: revealed and owned, not staked.
	EntryStateOwned
	// EntryStateOwnedAndStaked: revealed, owned, and staked.
	EntryStateOwnedAndStaked
)

func (s EntryState) String() string {
	switch s {
	case EntryStatePreRevealUnowned:
		return "pre-reveal unowned"
	case EntryStatePreRevealOwned:
		return "pre-reveal owned"
	case EntryStateWaitingForRevealUnowned:
		return "waiting for reveal unowned"
	case EntryStateWaitingForRevealOwned:
		return "waiting for reveal owned"
	case EntryStateInAuction:
		return "in auction"
	case EntryStateWaitingToBeClaimed:
		return "waiting to be claimed"
	case EntryStateUnowned:
		return "unowned"
	case EntryStateOwned:
		return "owned"
	case EntryStateOwnedAndStaked:
		return "owned and staked"
	default:
		return fmt.Sprintf("EntryState(%d)", int(s))
	}
}

// LevelMetadata is the static metadata for one entry level.
type LevelMetadata struct {
	Form              uint8
	Skill             uint8
	KiFactor          uint32
	Name              string
	URI               string
	URIContentsSHA256 types.Hash
}

// Entry mirrors one on-chain entry account. An entry belongs to exactly
// one Block and is updated in place across observations.
type Entry struct {
	Block  *Block
	Pubkey types.Pubkey

	// Immutable once admitted.
	GroupNumber                  uint32
	BlockNumber                  uint32
	EntryIndex                   uint16
	MintPubkey                   types.Pubkey
	TokenPubkey                  types.Pubkey
	MetaplexMetadataPubkey       types.Pubkey
	MinimumPriceLamports         uint64
	HasAuction                   bool
	Duration                     uint32
	NonAuctionStartPriceLamports uint64
	MetadataLevel1Ki             uint32
	MetadataRandom               [16]uint32
	LevelMetadata                [entryLevelCount]LevelMetadata

	mu sync.RWMutex

	// Mutable across observations.
	RevealSHA256                                 types.Hash
	RevealTimestamp                              int64
	PurchasePriceLamports                        uint64
	RefundAwarded                                bool
	Commission                                   uint16
	AuctionHighestBidLamports                    uint64
	AuctionWinningBidPubkey                      types.Pubkey
	OwnedStakeAccount                            types.Pubkey
	OwnedStakeInitialLamports                    uint64
	OwnedStakeEpoch                              uint64
	OwnedLastKiHarvestStakeAccountLamports       uint64
	OwnedLastCommissionChargeStakeAccountLamports uint64
	Level                                        uint8
}

// decodeEntry decodes a raw entry account record.
func decodeEntry(block *Block, pubkey types.Pubkey, data []byte) (*Entry, error) {
	if len(data) < entryRecordSize {
		return nil, fmt.Errorf("cluster: entry %s record too short: %d bytes", pubkey, len(data))
	}

	e := &Entry{
		Block:                        block,
		Pubkey:                       pubkey,
		GroupNumber:                  binary.LittleEndian.Uint32(data[36:]),
		BlockNumber:                  binary.LittleEndian.Uint32(data[40:]),
		EntryIndex:                   binary.LittleEndian.Uint16(data[44:]),
		MintPubkey:                   pubkeyAt(data, 46),
		TokenPubkey:                  pubkeyAt(data, 78),
		MetaplexMetadataPubkey:       pubkeyAt(data, 110),
		MinimumPriceLamports:         binary.LittleEndian.Uint64(data[144:]),
		HasAuction:                   data[152] != 0,
		Duration:                     binary.LittleEndian.Uint32(data[156:]),
		NonAuctionStartPriceLamports: binary.LittleEndian.Uint64(data[160:]),
		MetadataLevel1Ki:             binary.LittleEndian.Uint32(data[332:]),
	}
	e.applyMutable(data)

	for i := 0; i < 16; i++ {
		e.MetadataRandom[i] = binary.LittleEndian.Uint32(data[336+i*4:])
	}

	for i := 0; i < entryLevelCount; i++ {
		base := 400 + i*entryLevelStride
		e.LevelMetadata[i] = LevelMetadata{
			Form:              data[base],
			Skill:             data[base+1],
			KiFactor:          binary.LittleEndian.Uint32(data[base+4:]),
			Name:              fixedString(data[base+8 : base+40]),
			URI:               fixedString(data[base+40 : base+240]),
			URIContentsSHA256: hashAt(data, base+240),
		}
	}

	return e, nil
}

// applyMutable decodes the mutable field subset from data into e. Caller
// holds the lock (or e is not yet shared).
func (e *Entry) applyMutable(data []byte) {
	e.RevealSHA256 = hashAt(data, 168)
	e.RevealTimestamp = int64(binary.LittleEndian.Uint64(data[200:]))
	e.PurchasePriceLamports = binary.LittleEndian.Uint64(data[208:])
	e.RefundAwarded = data[216] != 0
	e.Commission = binary.LittleEndian.Uint16(data[218:])
	e.AuctionHighestBidLamports = binary.LittleEndian.Uint64(data[224:])
	e.AuctionWinningBidPubkey = pubkeyAt(data, 232)
	e.OwnedStakeAccount = pubkeyAt(data, 264)
	e.OwnedStakeInitialLamports = binary.LittleEndian.Uint64(data[296:])
	e.OwnedStakeEpoch = binary.LittleEndian.Uint64(data[304:])
	e.OwnedLastKiHarvestStakeAccountLamports = binary.LittleEndian.Uint64(data[312:])
	e.OwnedLastCommissionChargeStakeAccountLamports = binary.LittleEndian.Uint64(data[320:])
	e.Level = data[328]
}

func pubkeyAt(data []byte, offset int) types.Pubkey {
	var p types.Pubkey
	copy(p[:], data[offset:offset+32])
	return p
}

func hashAt(data []byte, offset int) types.Hash {
	var h types.Hash
	copy(h[:], data[offset:offset+32])
	return h
}

// fixedString decodes a NUL-padded fixed-width UTF-8 field.
func fixedString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

// Update re-decodes data and copies over the fields that may change,
// reporting whether anything did. RevealTimestamp only changes alongside
// RevealSHA256 and is copied with it.
func (e *Entry) Update(data []byte) (bool, error) {
	fresh, err := decodeEntry(e.Block, e.Pubkey, data)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false

	if !fresh.RevealSHA256.Equals(e.RevealSHA256) {
		e.RevealSHA256 = fresh.RevealSHA256
		e.RevealTimestamp = fresh.RevealTimestamp
		changed = true
	}

	if fresh.PurchasePriceLamports != e.PurchasePriceLamports {
		e.PurchasePriceLamports = fresh.PurchasePriceLamports
		changed = true
	}

	if fresh.RefundAwarded != e.RefundAwarded {
		e.RefundAwarded = fresh.RefundAwarded
		changed = true
	}

	if fresh.Commission != e.Commission {
		e.Commission = fresh.Commission
		changed = true
	}

	if fresh.AuctionHighestBidLamports != e.AuctionHighestBidLamports {
		e.AuctionHighestBidLamports = fresh.AuctionHighestBidLamports
		changed = true
	}

	if !fresh.AuctionWinningBidPubkey.Equals(e.AuctionWinningBidPubkey) {
		e.AuctionWinningBidPubkey = fresh.AuctionWinningBidPubkey
		changed = true
	}

	if !fresh.OwnedStakeAccount.Equals(e.OwnedStakeAccount) {
		e.OwnedStakeAccount = fresh.OwnedStakeAccount
		changed = true
	}

	if fresh.OwnedStakeInitialLamports != e.OwnedStakeInitialLamports {
		e.OwnedStakeInitialLamports = fresh.OwnedStakeInitialLamports
		changed = true
	}

	if fresh.OwnedStakeEpoch != e.OwnedStakeEpoch {
		e.OwnedStakeEpoch = fresh.OwnedStakeEpoch
		changed = true
	}

	if fresh.OwnedLastKiHarvestStakeAccountLamports != e.OwnedLastKiHarvestStakeAccountLamports {
		e.OwnedLastKiHarvestStakeAccountLamports = fresh.OwnedLastKiHarvestStakeAccountLamports
		changed = true
	}

	if fresh.OwnedLastCommissionChargeStakeAccountLamports != e.OwnedLastCommissionChargeStakeAccountLamports {
		e.OwnedLastCommissionChargeStakeAccountLamports = fresh.OwnedLastCommissionChargeStakeAccountLamports
		changed = true
	}

	if fresh.Level != e.Level {
		e.Level = fresh.Level
		changed = true
	}

	return changed, nil
}

// State derives the entry's state at the instant of the clock reading.
func (e *Entry) State(clock *ClockReading) EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.RevealSHA256.IsZero() {
		// Revealed.
		if e.PurchasePriceLamports > 0 {
			if e.OwnedStakeAccount.IsZero() {
				return EntryStateOwned
			}
			return EntryStateOwnedAndStaked
		}
		if e.HasAuction {
			if e.RevealTimestamp+int64(e.Duration) > clock.UnixTimestamp {
				return EntryStateInAuction
			}
			if e.AuctionHighestBidLamports > 0 {
				return EntryStateWaitingToBeClaimed
			}
		}
		return EntryStateUnowned
	}

	if e.Block.IsRevealable(clock) {
		if e.PurchasePriceLamports > 0 {
			return EntryStateWaitingForRevealOwned
		}
		return EntryStateWaitingForRevealUnowned
	}

	if e.PurchasePriceLamports > 0 {
		return EntryStatePreRevealOwned
	}
	return EntryStatePreRevealUnowned
}

// Price returns the current purchase price. Only meaningful when the state
// is PreRevealUnowned or Unowned.
func (e *Entry) Price(clock *ClockReading) uint64 {
	if e.State(clock) == EntryStatePreRevealUnowned {
		return computePrice(uint64(e.Block.MysteryPhaseDuration),
			e.Block.MysteryStartPriceLamports,
			e.Block.MinimumPriceLamports,
			secondsElapsed(clock.UnixTimestamp, e.Block.BlockStartTimestamp))
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.HasAuction {
		return e.Block.MinimumPriceLamports
	}
	return computePrice(uint64(e.Duration),
		e.NonAuctionStartPriceLamports,
		e.MinimumPriceLamports,
		secondsElapsed(clock.UnixTimestamp, e.RevealTimestamp))
}

// MinimumBidLamports returns the minimum acceptable auction bid. Only
// meaningful when the state is InAuction.
func (e *Entry) MinimumBidLamports(clock *ClockReading) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return computeMinimumBid(uint64(e.Duration),
		e.MinimumPriceLamports,
		e.AuctionHighestBidLamports,
		secondsElapsed(clock.UnixTimestamp, e.RevealTimestamp))
}

// AuctionEndUnixTimestamp returns when the auction closes. Only meaningful
// when the state is InAuction.
func (e *Entry) AuctionEndUnixTimestamp() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.RevealTimestamp + int64(e.Duration)
}

// EntrySnapshot is a point-in-time copy of an entry's mutable fields.
type EntrySnapshot struct {
	RevealSHA256                                  types.Hash
	RevealTimestamp                               int64
	PurchasePriceLamports                         uint64
	RefundAwarded                                 bool
	Commission                                    uint16
	AuctionHighestBidLamports                     uint64
	AuctionWinningBidPubkey                       types.Pubkey
	OwnedStakeAccount                             types.Pubkey
	OwnedStakeInitialLamports                     uint64
	OwnedStakeEpoch                               uint64
	OwnedLastKiHarvestStakeAccountLamports        uint64
	OwnedLastCommissionChargeStakeAccountLamports uint64
	Level                                         uint8
}

// Snapshot copies the entry's mutable fields.
func (e *Entry) Snapshot() EntrySnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EntrySnapshot{
		RevealSHA256:              e.RevealSHA256,
		RevealTimestamp:           e.RevealTimestamp,
		PurchasePriceLamports:     e.PurchasePriceLamports,
		RefundAwarded:             e.RefundAwarded,
		Commission:                e.Commission,
		AuctionHighestBidLamports: e.AuctionHighestBidLamports,
		AuctionWinningBidPubkey:   e.AuctionWinningBidPubkey,
		OwnedStakeAccount:         e.OwnedStakeAccount,
		OwnedStakeInitialLamports: e.OwnedStakeInitialLamports,
		OwnedStakeEpoch:           e.OwnedStakeEpoch,
		OwnedLastKiHarvestStakeAccountLamports:        e.OwnedLastKiHarvestStakeAccountLamports,
		OwnedLastCommissionChargeStakeAccountLamports: e.OwnedLastCommissionChargeStakeAccountLamports,
		Level: e.Level,
	}
}

// StakePubkey returns the stake account the entry's purchase lamports
// were moved into, if the entry is owned and staked.
func (e *Entry) StakePubkey() (types.Pubkey, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.OwnedStakeAccount, !e.OwnedStakeAccount.IsZero()
}

// RevealDeadline returns the timestamp by which the entry must be
// revealed. Only meaningful when the state is WaitingForRevealOwned.
func (e *Entry) RevealDeadline() int64 {
	return e.Block.MysteryPhaseEndTimestamp + int64(e.Block.RevealPeriodDuration)
}

func secondsElapsed(now, since int64) uint64 {
	if now <= since {
		return 0
	}
	return uint64(now - since)
}

// MetadataURI fetches the entry's Metaplex metadata account and extracts
// the URI string from it.
func (e *Entry) MetadataURI(ctx context.Context, pool *rpcpool.Pool) (string, error) {
	var acct *rpcclient.Account
	err := pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		acct, err = conn.GetAccountInfo(ctx, e.MetaplexMetadataPubkey, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", fmt.Errorf("cluster: no metaplex metadata account %s", e.MetaplexMetadataPubkey)
	}
	return parseMetaplexURI(acct.Data, e.MetaplexMetadataPubkey)
}

// parseMetaplexURI walks a Metaplex metadata record past the name and
// symbol strings to the URI.
func parseMetaplexURI(data []byte, pubkey types.Pubkey) (string, error) {
	// Skip key, update authority, mint.
	offset := 1 + 32 + 32

	invalid := fmt.Errorf("cluster: invalid metaplex metadata for %s", pubkey)

	next := func(maxLen int) (string, error) {
		if offset+4 > len(data) {
			return "", invalid
		}
		n := int(binary.LittleEndian.Uint32(data[offset:]))
		if n > maxLen || offset+4+n > len(data) {
			return "", invalid
		}
		s := string(data[offset+4 : offset+4+n])
		offset += 4 + n
		return s, nil
	}

	if _, err := next(200); err != nil { // name
		return "", err
	}
	if _, err := next(10); err != nil { // symbol
		return "", err
	}
	uri, err := next(200)
	if err != nil {
		return "", err
	}
	return fixedString([]byte(uri)), nil
}
