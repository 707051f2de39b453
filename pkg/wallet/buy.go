package wallet

import (
	"context"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/cluster"
	"github.com/niftylabs/nifty-go/pkg/txn"
)

// BuyEntry runs the guarded flow for purchasing an entry. The entry's
// token lands in the wallet's associated token account. When
// maximumPriceLamports is zero the current computed price is used as the
// cap; the builder re-derives it on every signer retry.
func (w *Wallet) BuyEntry(ctx context.Context, entry *cluster.Entry, maximumPriceLamports uint64, sign SignFunc) (types.Signature, error) {
	if !entry.Block.Complete() {
		return types.Signature{}, ErrIncompleteBlock
	}

	admin, err := w.FetchAdminAddress(ctx)
	if err != nil {
		return types.Signature{}, err
	}

	build := func(ctx context.Context, walletPubkey types.Pubkey) (*txn.Transaction, error) {
		maximum := maximumPriceLamports
		if maximum == 0 {
			if w.cluster != nil {
				maximum = entry.Price(w.cluster.Clock())
			} else {
				maximum = entry.NonAuctionStartPriceLamports
			}
		}
		return txn.Buy(txn.BuyParams{
			FundingPubkey:               walletPubkey,
			AdminPubkey:                 admin,
			BlockPubkey:                 entry.Block.Pubkey,
			EntryPubkey:                 entry.Pubkey,
			EntryTokenPubkey:            entry.TokenPubkey,
			EntryMintPubkey:             entry.MintPubkey,
			TokenDestinationPubkey:      types.AssociatedTokenAddress(walletPubkey, entry.MintPubkey),
			TokenDestinationOwnerPubkey: walletPubkey,
			MetaplexMetadataPubkey:      entry.MetaplexMetadataPubkey,
			MaximumPriceLamports:        maximum,
		}), nil
	}
	return w.CompleteTx(ctx, build, sign)
}
