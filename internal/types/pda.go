package types

import (
	"crypto/sha256"
	"errors"

	"filippo.io/edwards25519"
)

// PDA derivation constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// PDA marker used in address derivation.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrAddressOnCurve        = errors.New("derived address is on the ed25519 curve")
	ErrNoViableBumpSeed      = errors.New("unable to find a viable program address bump seed")
)

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrAddressOnCurve if the derived address is a valid ed25519 point
// and therefore not usable as a PDA.
func CreateProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return Pubkey{}, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Pubkey{}, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	var p Pubkey
	copy(p[:], h.Sum(nil))

	if isOnCurve(p[:]) {
		return Pubkey{}, ErrAddressOnCurve
	}
	return p, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
// Returns the derived address and the bump seed that produced it.
func FindProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, uint8, error) {
	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		seedsWithBump[len(seeds)] = []byte{uint8(bump)}

		pda, err := CreateProgramAddress(seedsWithBump, programID)
		if err == nil {
			return pda, uint8(bump), nil
		}
		if !errors.Is(err, ErrAddressOnCurve) {
			return Pubkey{}, 0, err
		}
	}

	return Pubkey{}, 0, ErrNoViableBumpSeed
}

// MustFindProgramAddress derives a PDA or panics.
// Only use for addresses derived from compile-time constant seeds.
func MustFindProgramAddress(seeds [][]byte, programID Pubkey) Pubkey {
	p, _, err := FindProgramAddress(seeds, programID)
	if err != nil {
		panic(err)
	}
	return p
}

// isOnCurve reports whether the given bytes decompress to a valid ed25519
// point. PDAs must not be valid points so nobody can hold their private key.
func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
