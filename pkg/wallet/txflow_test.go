package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/cluster"
	"github.com/niftylabs/nifty-go/pkg/txn"
)

// simpleBuilder builds a minimal one-instruction transaction for the flow
// tests.
func simpleBuilder(t *testing.T) TxBuilder {
	t.Helper()
	program := testPubkey(t, 99)
	return func(ctx context.Context, walletPubkey types.Pubkey) (*txn.Transaction, error) {
		return txn.New(txn.Instruction{
			ProgramID: program,
			Accounts:  []txn.AccountMeta{{Pubkey: walletPubkey, IsSigner: true, IsWritable: true}},
			Data:      []byte{1},
		}), nil
	}
}

func testSignature(tag byte) types.Signature {
	var sig types.Signature
	for i := range sig {
		sig[i] = tag
	}
	return sig
}

func TestCompleteTxSignAndSubmit(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()
	ws.sendSignature = testSignature(7)

	w := newTestWallet(t, ws, testPubkey(t, 1))

	var signedPayload string
	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		signedPayload = txBase64
		if slotsUntilExpiry == 0 {
			t.Error("zero expiry passed to signer")
		}
		return SignResult{Outcome: SignOutcomeSigned, Signature: testSignature(3)}, nil
	}

	sig, err := w.CompleteTx(context.Background(), simpleBuilder(t), sign)
	if err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}
	if sig != ws.sendSignature {
		t.Errorf("signature = %s", sig)
	}
	if signedPayload == "" {
		t.Error("signer never saw the transaction")
	}
	if n := ws.callCount("sendTransaction"); n != 1 {
		t.Errorf("sendTransaction called %d times, want 1", n)
	}
	if n := ws.callCount("getLatestBlockhash"); n != 1 {
		t.Errorf("getLatestBlockhash called %d times, want 1", n)
	}
}

func TestCompleteTxAbort(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	w := newTestWallet(t, ws, testPubkey(t, 1))
	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		return SignResult{Outcome: SignOutcomeAbort}, nil
	}

	if _, err := w.CompleteTx(context.Background(), simpleBuilder(t), sign); !errors.Is(err, ErrAborted) {
		t.Errorf("CompleteTx error = %v, want ErrAborted", err)
	}
	if n := ws.callCount("sendTransaction"); n != 0 {
		t.Errorf("sendTransaction called %d times after abort", n)
	}
}

func TestCompleteTxRetryRebuildsWithFreshBlockhash(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()
	ws.blockhashes = []types.Hash{
		types.ComputeHash([]byte("bh-1")),
		types.ComputeHash([]byte("bh-2")),
	}
	ws.sendSignature = testSignature(7)

	w := newTestWallet(t, ws, testPubkey(t, 1))

	var payloads []string
	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		payloads = append(payloads, txBase64)
		if len(payloads) == 1 {
			return SignResult{Outcome: SignOutcomeRetry}, nil
		}
		return SignResult{Outcome: SignOutcomeSigned, Signature: testSignature(3)}, nil
	}

	if _, err := w.CompleteTx(context.Background(), simpleBuilder(t), sign); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("signer invoked %d times, want 2", len(payloads))
	}
	if payloads[0] == payloads[1] {
		t.Error("retry reused the old blockhash")
	}
	if n := ws.callCount("getLatestBlockhash"); n != 2 {
		t.Errorf("getLatestBlockhash called %d times, want 2", n)
	}
}

func TestCompleteTxWalletChangedBeforeSubmit(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	w := newTestWallet(t, ws, testPubkey(t, 1))
	other := testPubkey(t, 2)
	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		w.SetPubkey(&other)
		return SignResult{Outcome: SignOutcomeSigned, Signature: testSignature(3)}, nil
	}

	if _, err := w.CompleteTx(context.Background(), simpleBuilder(t), sign); !errors.Is(err, ErrWalletChanged) {
		t.Errorf("CompleteTx error = %v, want ErrWalletChanged", err)
	}
	if n := ws.callCount("sendTransaction"); n != 0 {
		t.Errorf("sendTransaction called %d times after wallet change", n)
	}
}

func TestCompleteTxSubmitRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("submit backoff sleeps")
	}

	ws := newWalletServer()
	defer ws.Close()
	ws.sendFailures = 1
	ws.sendSignature = testSignature(7)

	w := newTestWallet(t, ws, testPubkey(t, 1))
	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		return SignResult{Outcome: SignOutcomeSigned, Signature: testSignature(3)}, nil
	}

	sig, err := w.CompleteTx(context.Background(), simpleBuilder(t), sign)
	if err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}
	if sig != ws.sendSignature {
		t.Errorf("signature = %s", sig)
	}
	if n := ws.callCount("sendTransaction"); n != 2 {
		t.Errorf("sendTransaction called %d times, want 2", n)
	}
}

func TestCompleteTxSubmitExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("submit backoff sleeps")
	}

	ws := newWalletServer()
	defer ws.Close()
	ws.sendFailures = submitAttempts

	w := newTestWallet(t, ws, testPubkey(t, 1))
	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		return SignResult{Outcome: SignOutcomeSigned, Signature: testSignature(3)}, nil
	}

	if _, err := w.CompleteTx(context.Background(), simpleBuilder(t), sign); !errors.Is(err, ErrSubmitFailed) {
		t.Errorf("CompleteTx error = %v, want ErrSubmitFailed", err)
	}
	if n := ws.callCount("sendTransaction"); n != submitAttempts {
		t.Errorf("sendTransaction called %d times, want %d", n, submitAttempts)
	}
}

func TestBuyEntryIncompleteBlock(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	w := newTestWallet(t, ws, testPubkey(t, 1))
	entry := &cluster.Entry{
		Block: &cluster.Block{TotalEntryCount: 10, AddedEntriesCount: 3},
	}

	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		t.Error("signer invoked for an incomplete block")
		return SignResult{}, nil
	}
	if _, err := w.BuyEntry(context.Background(), entry, 0, sign); !errors.Is(err, ErrIncompleteBlock) {
		t.Errorf("BuyEntry error = %v, want ErrIncompleteBlock", err)
	}
}

func TestBuyEntryFlow(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()
	ws.sendSignature = testSignature(7)

	admin := testPubkey(t, 9)
	configData := make([]byte, 36)
	copy(configData[4:], admin[:])
	ws.setAccount(types.ConfigAddr, 1, configData)

	w := newTestWallet(t, ws, testPubkey(t, 1))

	mint := testPubkey(t, 20)
	entry := &cluster.Entry{
		Block: &cluster.Block{
			Pubkey:            types.BlockAddress(0, 0),
			TotalEntryCount:   2,
			AddedEntriesCount: 2,
		},
		Pubkey:                 types.EntryAddress(mint),
		MintPubkey:             mint,
		TokenPubkey:            testPubkey(t, 21),
		MetaplexMetadataPubkey: testPubkey(t, 22),
	}

	sign := func(ctx context.Context, txBase64 string, slotsUntilExpiry uint64) (SignResult, error) {
		return SignResult{Outcome: SignOutcomeSigned, Signature: testSignature(3)}, nil
	}
	sig, err := w.BuyEntry(context.Background(), entry, 1_000_000, sign)
	if err != nil {
		t.Fatalf("BuyEntry: %v", err)
	}
	if sig != ws.sendSignature {
		t.Errorf("signature = %s", sig)
	}
	if n := ws.callCount("sendTransaction"); n != 1 {
		t.Errorf("sendTransaction called %d times, want 1", n)
	}
}
