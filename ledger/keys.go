package ledger

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ParseSigner decodes a base58 64-byte secret (seed || public key). The embedded public half
// must match the seed, otherwise the secret is corrupt.
func ParseSigner(secret string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		// the decode error may echo the input, so it is not wrapped
		return nil, errors.New("escrow secret is not a valid base58 ed25519 key")
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		return nil, errors.New("escrow secret public half does not match its seed")
	}
	return key, nil
}

// AssociatedTokenAddress derives the canonical asset-holding sub-account of owner for mint.
// The token program is part of the seed, so classic and 2022 mints derive different accounts.
func AssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive asset account for %s: %w", owner, err)
	}
	return addr, nil
}
