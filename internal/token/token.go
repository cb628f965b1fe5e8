// Package token defines the interfaces through which the market engine
// talks to non-fungible asset contracts. The engine never touches ownership
// records directly; it queries and transfers through a Contract and resolves
// contracts through a Directory.
package token

import (
	"context"
	"errors"
)

// Errors returned by token collaborators.
var (
	ErrNotMinted      = errors.New("token is not minted")
	ErrNotAuthorized  = errors.New("caller is not authorized")
	ErrUnknownCode    = errors.New("unknown code template")
	ErrRoyaltyTooHigh = errors.New("royalty rate exceeds 5000")
)

// Contract is a non-fungible token collection.
type Contract interface {
	// Owner returns the contract-level owner identity.
	Owner(ctx context.Context) (string, error)
	// OwnerOf returns the recorded owner of a token, or ErrNotMinted.
	OwnerOf(ctx context.Context, tokenID uint64) (string, error)
	// Transfer moves a token to the given identity. The marketplace acts
	// as a trusted operator, so the token moves from wherever it
	// currently sits, including the marketplace's own custody account.
	Transfer(ctx context.Context, to string, tokenID uint64, data []byte) error
	// RoyaltyInfo reports the royalty due on a sale at the given price
	// and the identity it is owed to.
	RoyaltyInfo(ctx context.Context, tokenID uint64, salePrice uint64) (uint64, string, error)
}

// Directory resolves collection addresses to contracts.
type Directory interface {
	Lookup(address string) (Contract, bool)
}

// Factory instantiates a new collection contract from a code template.
// The salt makes the derived address deterministic per (deployer, nonce);
// the deployer becomes the contract-level owner.
type Factory interface {
	Instantiate(ctx context.Context, codeHash string, salt []byte, deployer, name, symbol, baseURI string) (string, Contract, error)
}
