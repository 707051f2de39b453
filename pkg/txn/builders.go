package txn

import (
	"encoding/binary"

	"github.com/niftylabs/nifty-go/internal/types"
)

// Instruction codes of the marketplace program's user actions.
const (
	instructionBuy     = 9
	instructionRefund  = 10
	instructionBid     = 11
	instructionClaim   = 12
	instructionStake   = 13
	instructionDestake = 14
	instructionHarvest = 17
	instructionLevelUp = 18
)

func instructionData(code byte, args ...uint64) []byte {
	data := make([]byte, 1+8*len(args))
	data[0] = code
	for i, a := range args {
		binary.LittleEndian.PutUint64(data[1+i*8:], a)
	}
	return data
}

func meta(pk types.Pubkey, signer, writable bool) AccountMeta {
	return AccountMeta{Pubkey: pk, IsSigner: signer, IsWritable: writable}
}

// BuyParams names the accounts involved in purchasing an entry.
type BuyParams struct {
	FundingPubkey               types.Pubkey
	AdminPubkey                 types.Pubkey
	BlockPubkey                 types.Pubkey
	EntryPubkey                 types.Pubkey
	EntryTokenPubkey            types.Pubkey
	EntryMintPubkey             types.Pubkey
	TokenDestinationPubkey      types.Pubkey
	TokenDestinationOwnerPubkey types.Pubkey
	MetaplexMetadataPubkey      types.Pubkey

	// MaximumPriceLamports caps what the buyer pays, protecting against
	// a price recomputed higher than the one they were shown.
	MaximumPriceLamports uint64
}

// Buy builds the transaction purchasing an entry, whether during the
// mystery phase, during a reverse auction, or after an auction with no
// winning bid.
func Buy(p BuyParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.FundingPubkey, true, true),
			meta(types.ConfigAddr, false, false),
			meta(p.AdminPubkey, false, true),
			meta(types.AuthorityAddr, false, true),
			meta(p.BlockPubkey, false, true),
			meta(p.EntryPubkey, false, true),
			meta(p.EntryTokenPubkey, false, true),
			meta(p.EntryMintPubkey, false, false),
			meta(p.TokenDestinationPubkey, false, true),
			meta(p.TokenDestinationOwnerPubkey, false, false),
			meta(p.MetaplexMetadataPubkey, false, true),
			meta(types.NiftyProgramAddr, false, false),
			meta(types.TokenProgramAddr, false, false),
			meta(types.AssociatedTokenProgramAddr, false, false),
			meta(types.MetaplexProgramAddr, false, false),
			meta(types.SystemProgramAddr, false, false),
		},
		Data: instructionData(instructionBuy, p.MaximumPriceLamports),
	})
	tx.FeePayer = p.FundingPubkey
	return tx
}

// BuyMystery builds the transaction purchasing a not-yet-revealed entry
// during its block's mystery phase. The wire form is identical to Buy; the
// program infers the phase from the entry state.
func BuyMystery(p BuyParams) *Transaction {
	return Buy(p)
}

// RefundParams names the accounts involved in reclaiming a mystery
// purchase whose entry was never revealed in time.
type RefundParams struct {
	TokenOwnerPubkey        types.Pubkey
	BlockPubkey             types.Pubkey
	EntryPubkey             types.Pubkey
	BuyerTokenPubkey        types.Pubkey
	RefundDestinationPubkey types.Pubkey
}

// Refund builds the transaction refunding an unrevealed mystery purchase.
func Refund(p RefundParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.TokenOwnerPubkey, true, false),
			meta(p.BlockPubkey, false, false),
			meta(p.EntryPubkey, false, true),
			meta(types.AuthorityAddr, false, true),
			meta(p.BuyerTokenPubkey, false, false),
			meta(p.RefundDestinationPubkey, false, true),
		},
		Data: instructionData(instructionRefund),
	})
	tx.FeePayer = p.TokenOwnerPubkey
	return tx
}

// BidParams names the accounts involved in bidding on an entry in auction.
type BidParams struct {
	BiddingPubkey        types.Pubkey
	EntryPubkey          types.Pubkey
	BidMarkerTokenPubkey types.Pubkey
	BidPubkey            types.Pubkey

	MinimumBidLamports uint64
	MaximumBidLamports uint64
}

// Bid builds the transaction placing or raising a bid.
func Bid(p BidParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.BiddingPubkey, true, true),
			meta(p.EntryPubkey, false, true),
			meta(types.BidMarkerMintAddr, false, true),
			meta(p.BidMarkerTokenPubkey, false, true),
			meta(p.BidPubkey, false, true),
			meta(types.AuthorityAddr, false, false),
			meta(types.SystemProgramAddr, false, false),
			meta(types.NiftyProgramAddr, false, false),
			meta(types.TokenProgramAddr, false, false),
		},
		Data: instructionData(instructionBid, p.MinimumBidLamports, p.MaximumBidLamports),
	})
	tx.FeePayer = p.BiddingPubkey
	return tx
}

// ClaimLosingParams names the accounts involved in reclaiming a losing
// bid's lamports and bid marker.
type ClaimLosingParams struct {
	BiddingPubkey        types.Pubkey
	EntryPubkey          types.Pubkey
	BidPubkey            types.Pubkey
	BidMarkerTokenPubkey types.Pubkey
}

// ClaimLosing builds the transaction reclaiming a losing bid.
func ClaimLosing(p ClaimLosingParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.BiddingPubkey, true, true),
			meta(p.EntryPubkey, false, false),
			meta(p.BidPubkey, false, true),
			meta(types.BidMarkerMintAddr, false, true),
			meta(p.BidMarkerTokenPubkey, false, true),
			meta(types.AuthorityAddr, false, false),
			meta(types.TokenProgramAddr, false, false),
		},
		Data: instructionData(instructionClaim),
	})
	tx.FeePayer = p.BiddingPubkey
	return tx
}

// ClaimWinningParams names the accounts involved in claiming an entry won
// at auction.
type ClaimWinningParams struct {
	BiddingPubkey               types.Pubkey
	EntryPubkey                 types.Pubkey
	BidPubkey                   types.Pubkey
	AdminPubkey                 types.Pubkey
	EntryTokenPubkey            types.Pubkey
	EntryMintPubkey             types.Pubkey
	TokenDestinationPubkey      types.Pubkey
	TokenDestinationOwnerPubkey types.Pubkey
	BidMarkerTokenPubkey        types.Pubkey
}

// ClaimWinning builds the transaction claiming a won entry.
func ClaimWinning(p ClaimWinningParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.BiddingPubkey, true, true),
			meta(p.EntryPubkey, false, true),
			meta(p.BidPubkey, false, true),
			meta(types.ConfigAddr, false, false),
			meta(p.AdminPubkey, false, true),
			meta(p.EntryTokenPubkey, false, true),
			meta(p.EntryMintPubkey, false, false),
			meta(types.AuthorityAddr, false, false),
			meta(p.TokenDestinationPubkey, false, true),
			meta(p.TokenDestinationOwnerPubkey, false, false),
			meta(types.SystemProgramAddr, false, false),
			meta(types.TokenProgramAddr, false, false),
			meta(types.AssociatedTokenProgramAddr, false, false),
			meta(types.BidMarkerMintAddr, false, true),
			meta(p.BidMarkerTokenPubkey, false, true),
		},
		Data: instructionData(instructionClaim),
	})
	tx.FeePayer = p.BiddingPubkey
	return tx
}

// StakeParams names the accounts involved in committing a stake account to
// an owned entry.
type StakeParams struct {
	BlockPubkey             types.Pubkey
	EntryPubkey             types.Pubkey
	TokenOwnerPubkey        types.Pubkey
	TokenPubkey             types.Pubkey
	StakePubkey             types.Pubkey
	WithdrawAuthorityPubkey types.Pubkey
}

// Stake builds the transaction staking an entry.
func Stake(p StakeParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.BlockPubkey, false, false),
			meta(p.EntryPubkey, false, true),
			meta(p.TokenOwnerPubkey, true, false),
			meta(p.TokenPubkey, false, false),
			meta(p.StakePubkey, false, true),
			meta(p.WithdrawAuthorityPubkey, true, false),
			meta(types.ShinobiSystemsVoteAddr, false, false),
			meta(types.AuthorityAddr, false, false),
			meta(types.ClockSysvarAddr, false, false),
			meta(types.StakeProgramAddr, false, false),
			meta(types.StakeConfigAddr, false, false),
			meta(types.StakeHistorySysvarAddr, false, false),
		},
		Data: instructionData(instructionStake),
	})
	tx.FeePayer = p.TokenOwnerPubkey
	return tx
}

// DestakeParams names the accounts involved in returning an entry's stake
// account to its owner.
type DestakeParams struct {
	FundingPubkey              types.Pubkey
	BlockPubkey                types.Pubkey
	EntryPubkey                types.Pubkey
	TokenOwnerPubkey           types.Pubkey
	TokenPubkey                types.Pubkey
	StakePubkey                types.Pubkey
	KiDestinationPubkey        types.Pubkey
	KiDestinationOwnerPubkey   types.Pubkey
	BridgePubkey               types.Pubkey
	NewWithdrawAuthorityPubkey types.Pubkey

	// MinimumStakeLamports is the smallest split the commission bridge
	// may carry; the transaction fails if the master stake cannot fund
	// it.
	MinimumStakeLamports uint64
}

// Destake builds the transaction destaking an entry.
func Destake(p DestakeParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.FundingPubkey, true, true),
			meta(p.BlockPubkey, false, false),
			meta(p.EntryPubkey, false, true),
			meta(p.TokenOwnerPubkey, true, false),
			meta(p.TokenPubkey, false, false),
			meta(p.StakePubkey, false, true),
			meta(p.NewWithdrawAuthorityPubkey, false, false),
			meta(p.KiDestinationPubkey, false, true),
			meta(p.KiDestinationOwnerPubkey, false, false),
			meta(types.MasterStakeAddr, false, true),
			meta(p.BridgePubkey, false, true),
			meta(types.AuthorityAddr, false, false),
			meta(types.ClockSysvarAddr, false, false),
			meta(types.SystemProgramAddr, false, false),
			meta(types.StakeProgramAddr, false, false),
			meta(types.AssociatedTokenProgramAddr, false, false),
		},
		Data: instructionData(instructionDestake, p.MinimumStakeLamports),
	})
	tx.FeePayer = p.FundingPubkey
	return tx
}

// HarvestParams names the accounts involved in harvesting Ki from a staked
// entry.
type HarvestParams struct {
	FundingPubkey            types.Pubkey
	EntryPubkey              types.Pubkey
	TokenOwnerPubkey         types.Pubkey
	TokenPubkey              types.Pubkey
	StakePubkey              types.Pubkey
	KiDestinationPubkey      types.Pubkey
	KiDestinationOwnerPubkey types.Pubkey
}

// Harvest builds the transaction harvesting accumulated Ki.
func Harvest(p HarvestParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.FundingPubkey, true, true),
			meta(p.EntryPubkey, false, true),
			meta(p.TokenOwnerPubkey, true, false),
			meta(p.TokenPubkey, false, false),
			meta(p.StakePubkey, false, false),
			meta(p.KiDestinationPubkey, false, true),
			meta(p.KiDestinationOwnerPubkey, false, false),
			meta(types.KiMintAddr, false, true),
			meta(types.AuthorityAddr, false, false),
			meta(types.SystemProgramAddr, false, false),
			meta(types.TokenProgramAddr, false, false),
			meta(types.AssociatedTokenProgramAddr, false, false),
		},
		Data: instructionData(instructionHarvest),
	})
	tx.FeePayer = p.FundingPubkey
	return tx
}

// LevelUpParams names the accounts involved in leveling up an entry by
// burning Ki.
type LevelUpParams struct {
	EntryPubkey                 types.Pubkey
	TokenOwnerPubkey            types.Pubkey
	TokenPubkey                 types.Pubkey
	EntryMetaplexMetadataPubkey types.Pubkey
	KiSourcePubkey              types.Pubkey
	KiSourceOwnerPubkey         types.Pubkey
}

// LevelUp builds the transaction leveling up an entry.
func LevelUp(p LevelUpParams) *Transaction {
	tx := New(Instruction{
		ProgramID: types.NiftyProgramAddr,
		Accounts: []AccountMeta{
			meta(p.EntryPubkey, false, true),
			meta(p.TokenOwnerPubkey, true, false),
			meta(p.TokenPubkey, false, false),
			meta(p.EntryMetaplexMetadataPubkey, false, true),
			meta(p.KiSourcePubkey, false, true),
			meta(p.KiSourceOwnerPubkey, false, false),
			meta(types.KiMintAddr, false, true),
			meta(types.AuthorityAddr, false, false),
			meta(types.TokenProgramAddr, false, false),
			meta(types.AssociatedTokenProgramAddr, false, false),
		},
		Data: instructionData(instructionLevelUp),
	})
	tx.FeePayer = p.TokenOwnerPubkey
	return tx
}
