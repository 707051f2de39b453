// Package txn builds, serializes, and signs legacy-format transactions
// for the marketplace program's user actions.
package txn

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/niftylabs/nifty-go/internal/types"
)

var (
	// ErrNoFeePayer is returned when serializing a transaction without a
	// fee payer set.
	ErrNoFeePayer = errors.New("txn: no fee payer")

	// ErrUnknownSigner is returned by AddSignature for a pubkey that is
	// not a required signer of the transaction.
	ErrUnknownSigner = errors.New("txn: pubkey is not a required signer")
)

// AccountMeta is one account referenced by an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is one program invocation within a transaction.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is a legacy-format transaction under construction. Set
// FeePayer and RecentBlockhash, serialize for offline signing, attach the
// signature, and serialize again for submission.
type Transaction struct {
	FeePayer        types.Pubkey
	RecentBlockhash types.Hash
	Instructions    []Instruction

	signatures map[types.Pubkey]types.Signature
}

// New creates a transaction from instructions.
func New(instructions ...Instruction) *Transaction {
	return &Transaction{Instructions: instructions}
}

// AddSignature attaches a signature for one of the transaction's required
// signers.
func (tx *Transaction) AddSignature(pubkey types.Pubkey, sig types.Signature) error {
	signers, _, _, err := tx.sortedAccounts()
	if err != nil {
		return err
	}
	found := false
	for _, s := range signers {
		if s.Equals(pubkey) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, pubkey)
	}
	if tx.signatures == nil {
		tx.signatures = make(map[types.Pubkey]types.Signature)
	}
	tx.signatures[pubkey] = sig
	return nil
}

// Serialize encodes the transaction in wire format. Missing signatures are
// encoded as zero bytes, which is the expected form for offline signing.
func (tx *Transaction) Serialize() ([]byte, error) {
	signers, _, _, err := tx.sortedAccounts()
	if err != nil {
		return nil, err
	}
	msg, err := tx.Message()
	if err != nil {
		return nil, err
	}

	out := appendCompactU16(nil, uint16(len(signers)))
	for _, signer := range signers {
		sig := tx.signatures[signer]
		out = append(out, sig[:]...)
	}
	return append(out, msg...), nil
}

// SerializeBase64 is Serialize encoded as base64.
func (tx *Transaction) SerializeBase64() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Message encodes the transaction message (the signed payload).
func (tx *Transaction) Message() ([]byte, error) {
	signers, writable, readonly, err := tx.sortedAccounts()
	if err != nil {
		return nil, err
	}

	keys := make([]types.Pubkey, 0, len(signers)+len(writable)+len(readonly))
	keys = append(keys, signers...)
	keys = append(keys, writable...)
	keys = append(keys, readonly...)

	index := make(map[types.Pubkey]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	readonlySigned := 0
	for _, s := range signers {
		if !tx.isWritable(s) {
			readonlySigned++
		}
	}

	out := []byte{
		byte(len(signers)),
		byte(readonlySigned),
		byte(len(readonly)),
	}

	out = appendCompactU16(out, uint16(len(keys)))
	for _, k := range keys {
		out = append(out, k[:]...)
	}

	out = append(out, tx.RecentBlockhash[:]...)

	out = appendCompactU16(out, uint16(len(tx.Instructions)))
	for _, ins := range tx.Instructions {
		out = append(out, byte(index[ins.ProgramID]))
		out = appendCompactU16(out, uint16(len(ins.Accounts)))
		for _, meta := range ins.Accounts {
			out = append(out, byte(index[meta.Pubkey]))
		}
		out = appendCompactU16(out, uint16(len(ins.Data)))
		out = append(out, ins.Data...)
	}

	return out, nil
}

// sortedAccounts collects every referenced account into the three message
// classes: signers (fee payer first), writable non-signers, and readonly
// non-signers. Within a class, accounts keep first-reference order.
func (tx *Transaction) sortedAccounts() (signers, writable, readonly []types.Pubkey, err error) {
	if tx.FeePayer.IsZero() {
		return nil, nil, nil, ErrNoFeePayer
	}

	type flags struct {
		signer   bool
		writable bool
		order    int
	}
	merged := make(map[types.Pubkey]*flags)
	var order []types.Pubkey

	touch := func(pk types.Pubkey, signer, write bool) {
		f := merged[pk]
		if f == nil {
			f = &flags{order: len(order)}
			merged[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || write
	}

	touch(tx.FeePayer, true, true)
	for _, ins := range tx.Instructions {
		for _, meta := range ins.Accounts {
			touch(meta.Pubkey, meta.IsSigner, meta.IsWritable)
		}
		touch(ins.ProgramID, false, false)
	}

	// Fee payer stays first among signers, then writable signers, then
	// readonly signers; readonly signers must come last because the
	// message header counts them from the end of the signer section.
	// Everything else keeps first-reference order within its class.
	signers = append(signers, tx.FeePayer)
	var readonlySigners []types.Pubkey
	for _, pk := range order {
		f := merged[pk]
		switch {
		case pk.Equals(tx.FeePayer):
		case f.signer && f.writable:
			signers = append(signers, pk)
		case f.signer:
			readonlySigners = append(readonlySigners, pk)
		case f.writable:
			writable = append(writable, pk)
		default:
			readonly = append(readonly, pk)
		}
	}
	signers = append(signers, readonlySigners...)
	return signers, writable, readonly, nil
}

func (tx *Transaction) isWritable(pk types.Pubkey) bool {
	if pk.Equals(tx.FeePayer) {
		return true
	}
	for _, ins := range tx.Instructions {
		for _, meta := range ins.Accounts {
			if meta.Pubkey.Equals(pk) && meta.IsWritable {
				return true
			}
		}
	}
	return false
}

// appendCompactU16 appends v in the compact-u16 ("shortvec") encoding.
func appendCompactU16(out []byte, v uint16) []byte {
	for {
		if v < 0x80 {
			return append(out, byte(v))
		}
		out = append(out, byte(v&0x7f)|0x80)
		v >>= 7
	}
}
