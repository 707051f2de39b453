package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
	"github.com/niftylabs/nifty-go/pkg/txn"
)

var (
	// ErrAborted is returned when the signer declined the transaction.
	ErrAborted = errors.New("wallet: transaction aborted by signer")

	// ErrSubmitFailed is returned when every submission attempt failed.
	ErrSubmitFailed = errors.New("wallet: transaction submission failed")
)

const (
	// blockhashExpirySlots is passed to the signer so it can show how
	// long the transaction stays valid.
	blockhashExpirySlots = 120

	submitAttempts = 4
	submitBackoff  = time.Second
)

// SignOutcome is the signer's decision.
type SignOutcome int

const (
	// SignOutcomeSigned: Signature holds the wallet's signature over the
	// transaction message.
	SignOutcomeSigned SignOutcome = iota

	// SignOutcomeAbort: the signer declined; the flow stops.
	SignOutcomeAbort

	// SignOutcomeRetry: the signer wants the transaction rebuilt with a
	// fresh blockhash.
	SignOutcomeRetry
)

// SignResult carries the signer's decision.
type SignResult struct {
	Outcome   SignOutcome
	Signature types.Signature
}

// TxBuilder builds the transaction to complete. It is re-invoked on every
// signer-requested retry, so builders may re-derive prices or bids.
type TxBuilder func(ctx context.Context, walletPubkey types.Pubkey) (*txn.Transaction, error)

// SignFunc presents the base64-encoded unsigned transaction to the
// signer and returns its decision.
type SignFunc func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error)

// CompleteTx runs the build, blockhash, sign, submit flow for the
// selected wallet. The wallet identity is re-checked after every
// network round trip; if it changed, ErrWalletChanged is returned and
// nothing is submitted.
func (w *Wallet) CompleteTx(ctx context.Context, build TxBuilder, sign SignFunc) (types.Signature, error) {
	pubkey, generation, err := w.snapshot()
	if err != nil {
		return types.Signature{}, err
	}

	for {
		tx, err := build(ctx, pubkey)
		if err != nil {
			return types.Signature{}, err
		}
		if err := w.checkGeneration(generation); err != nil {
			return types.Signature{}, err
		}

		var blockhash *rpcclient.LatestBlockhash
		err = w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
			var err error
			blockhash, err = conn.GetLatestBlockhash(ctx)
			return err
		})
		if err != nil {
			return types.Signature{}, err
		}
		if err := w.checkGeneration(generation); err != nil {
			return types.Signature{}, err
		}

		tx.FeePayer = pubkey
		tx.RecentBlockhash = blockhash.Blockhash

		encoded, err := tx.SerializeBase64()
		if err != nil {
			return types.Signature{}, err
		}

		result, err := sign(ctx, encoded, blockhashExpirySlots)
		if err != nil {
			return types.Signature{}, err
		}
		if err := w.checkGeneration(generation); err != nil {
			return types.Signature{}, err
		}

		switch result.Outcome {
		case SignOutcomeAbort:
			return types.Signature{}, ErrAborted
		case SignOutcomeRetry:
			continue
		}

		if err := tx.AddSignature(pubkey, result.Signature); err != nil {
			return types.Signature{}, err
		}
		raw, err := tx.Serialize()
		if err != nil {
			return types.Signature{}, err
		}
		return w.submit(ctx, raw)
	}
}

func (w *Wallet) checkGeneration(generation uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return ErrWalletChanged
	}
	return nil
}

// submit sends the signed transaction, retrying a bounded number of
// times. Each attempt goes to a different endpoint.
func (w *Wallet) submit(ctx context.Context, rawTx []byte) (types.Signature, error) {
	var lastErr error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.Signature{}, ctx.Err()
			case <-time.After(submitBackoff):
			}
		}

		var sig types.Signature
		err := w.pool.DispatchOnce(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
			var err error
			sig, err = conn.SendTransaction(ctx, rawTx)
			return err
		})
		if err == nil {
			return sig, nil
		}
		lastErr = err
		w.log.Debug("transaction submission failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return types.Signature{}, fmt.Errorf("%w: %v", ErrSubmitFailed, lastErr)
}
