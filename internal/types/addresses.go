package types

import "encoding/binary"

// Program addresses.
var (
	// NiftyProgramAddr is the Shinobi Immortals marketplace program.
	NiftyProgramAddr = MustPubkeyFromBase58("ShinboVZNAn1UjpZ3rJsFzLcWMP5JF8LPdHPWaaGYTV")

	// MetaplexProgramAddr is the Metaplex Token Metadata program.
	MetaplexProgramAddr = MustPubkeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

	// TokenProgramAddr is the SPL Token program.
	TokenProgramAddr = MustPubkeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// AssociatedTokenProgramAddr is the SPL Associated Token Account program.
	AssociatedTokenProgramAddr = MustPubkeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// StakeProgramAddr is the native Stake program.
	StakeProgramAddr = MustPubkeyFromBase58("Stake11111111111111111111111111111111111111")

	// SystemProgramAddr is the System program.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// ClockSysvarAddr is the clock sysvar, required by the stake program.
	ClockSysvarAddr = MustPubkeyFromBase58("SysvarC1ock11111111111111111111111111111111")

	// StakeHistorySysvarAddr is the stake history sysvar.
	StakeHistorySysvarAddr = MustPubkeyFromBase58("SysvarStakeHistory1111111111111111111111111")

	// StakeConfigAddr is the stake config account.
	StakeConfigAddr = MustPubkeyFromBase58("StakeConfig11111111111111111111111111111111")

	// ShinobiSystemsVoteAddr is the vote account entries must delegate to.
	ShinobiSystemsVoteAddr = MustPubkeyFromBase58("BLADE1qNA1uNjRgER6DtUFf7FU3c1TWLLdpPeEcKatZ2")
)

// Seed prefixes for the marketplace program's PDA account space. Each PDA
// kind has a unique one-byte prefix so that seed collisions between kinds
// are impossible.
const (
	seedPrefixConfig         = 1
	seedPrefixAuthority      = 2
	seedPrefixMasterStake    = 3
	seedPrefixKiMint         = 4
	seedPrefixEntryMint      = 5
	seedPrefixBlock          = 7
	seedPrefixEntry          = 8
	seedPrefixBid            = 9
	seedPrefixEntryBridge    = 10
	seedPrefixBidMarkerMint  = 11
	seedPrefixBidMarkerToken = 12
)

// Singleton PDAs of the marketplace program, derived once at startup.
var (
	// ConfigAddr holds program configuration, including the admin address.
	ConfigAddr = MustFindProgramAddress([][]byte{{seedPrefixConfig}}, NiftyProgramAddr)

	// AuthorityAddr is the program's signing authority.
	AuthorityAddr = MustFindProgramAddress([][]byte{{seedPrefixAuthority}}, NiftyProgramAddr)

	// MasterStakeAddr is the master stake account used for commission splits.
	MasterStakeAddr = MustFindProgramAddress([][]byte{{seedPrefixMasterStake}}, NiftyProgramAddr)

	// KiMintAddr is the mint of the Ki fungible token.
	KiMintAddr = MustFindProgramAddress([][]byte{{seedPrefixKiMint}}, NiftyProgramAddr)

	// BidMarkerMintAddr is the mint of the bid marker token that flags
	// outstanding bids inside a bidder's token account list.
	BidMarkerMintAddr = MustFindProgramAddress([][]byte{{seedPrefixBidMarkerMint}}, NiftyProgramAddr)
)

// BlockAddress derives the address of the block account for a group/block
// number pair.
func BlockAddress(groupNumber, blockNumber uint32) Pubkey {
	var group, block [4]byte
	binary.LittleEndian.PutUint32(group[:], groupNumber)
	binary.LittleEndian.PutUint32(block[:], blockNumber)
	return MustFindProgramAddress([][]byte{{seedPrefixBlock}, group[:], block[:]}, NiftyProgramAddr)
}

// EntryMintAddress derives the mint address of the entry at entryIndex
// within a block.
func EntryMintAddress(blockAddr Pubkey, entryIndex uint16) Pubkey {
	var index [2]byte
	binary.LittleEndian.PutUint16(index[:], entryIndex)
	return MustFindProgramAddress([][]byte{{seedPrefixEntryMint}, blockAddr[:], index[:]}, NiftyProgramAddr)
}

// EntryAddress derives the entry account address from the entry's mint.
func EntryAddress(entryMint Pubkey) Pubkey {
	return MustFindProgramAddress([][]byte{{seedPrefixEntry}, entryMint[:]}, NiftyProgramAddr)
}

// EntryBridgeAddress derives the bridge stake account address for an entry.
func EntryBridgeAddress(entryMint Pubkey) Pubkey {
	return MustFindProgramAddress([][]byte{{seedPrefixEntryBridge}, entryMint[:]}, NiftyProgramAddr)
}

// BidMarkerTokenAddress derives a bidder's bid marker token account for an
// entry mint.
func BidMarkerTokenAddress(entryMint, bidder Pubkey) Pubkey {
	return MustFindProgramAddress([][]byte{{seedPrefixBidMarkerToken}, entryMint[:], bidder[:]}, NiftyProgramAddr)
}

// BidAddress derives the bid account address from a bid marker token
// account.
func BidAddress(bidMarkerToken Pubkey) Pubkey {
	return MustFindProgramAddress([][]byte{{seedPrefixBid}, bidMarkerToken[:]}, NiftyProgramAddr)
}

// AssociatedTokenAddress derives the associated token account for an owner
// and mint.
func AssociatedTokenAddress(owner, mint Pubkey) Pubkey {
	return MustFindProgramAddress(
		[][]byte{owner[:], TokenProgramAddr[:], mint[:]}, AssociatedTokenProgramAddr)
}

// MetaplexMetadataAddress derives the Metaplex token metadata account for a
// mint.
func MetaplexMetadataAddress(mint Pubkey) Pubkey {
	return MustFindProgramAddress(
		[][]byte{[]byte("metadata"), MetaplexProgramAddr[:], mint[:]}, MetaplexProgramAddr)
}
