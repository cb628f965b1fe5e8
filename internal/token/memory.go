package token

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Memory is an in-process Directory and Factory holding Contract instances
// by address. It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	codes     map[string]struct{}
	contracts map[string]Contract
}

// NewMemory returns an empty in-memory token universe.
func NewMemory() *Memory {
	return &Memory{
		codes:     make(map[string]struct{}),
		contracts: make(map[string]Contract),
	}
}

// RegisterCode makes a code template available to Instantiate.
func (m *Memory) RegisterCode(codeHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[codeHash] = struct{}{}
}

// Add registers an existing contract under an address.
func (m *Memory) Add(address string, c Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[address] = c
}

// Lookup resolves an address to a contract.
func (m *Memory) Lookup(address string) (Contract, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[address]
	return c, ok
}

// Instantiate deploys a new Collection from a registered code template.
// The address is derived from the code hash and salt, so the same inputs
// always yield the same address.
func (m *Memory) Instantiate(_ context.Context, codeHash string, salt []byte, deployer, name, symbol, baseURI string) (string, Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[codeHash]; !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownCode, codeHash)
	}

	sum := blake2b.Sum256(append([]byte(codeHash), salt...))
	address := "0x" + hex.EncodeToString(sum[:20])

	if _, exists := m.contracts[address]; exists {
		return "", nil, fmt.Errorf("address collision at %s", address)
	}

	c := NewCollection(name, symbol, baseURI, deployer)
	m.contracts[address] = c
	return address, c, nil
}

// Collection is an in-memory Contract with owner-gated sequential minting,
// per-token royalties and token URIs.
type Collection struct {
	mu      sync.RWMutex
	name    string
	symbol  string
	baseURI string
	owner   string
	creator string

	lastTokenID uint64
	owners      map[uint64]string
	royalties   map[uint64]uint16
	tokenURIs   map[uint64]string
}

// NewCollection creates a collection owned by the given identity.
func NewCollection(name, symbol, baseURI, owner string) *Collection {
	return &Collection{
		name:      name,
		symbol:    symbol,
		baseURI:   baseURI,
		owner:     owner,
		creator:   owner,
		owners:    make(map[uint64]string),
		royalties: make(map[uint64]uint16),
		tokenURIs: make(map[uint64]string),
	}
}

// SetOwner reassigns the contract-level owner.
func (c *Collection) SetOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
	if c.creator == "" {
		c.creator = owner
	}
}

// Mint creates the next sequential token for the recipient. Royalty rates
// above 5000 (50%) are rejected.
func (c *Collection) Mint(caller, to, tokenURI string, royaltyRate uint16) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return 0, ErrNotAuthorized
	}
	if royaltyRate > 5000 {
		return 0, ErrRoyaltyTooHigh
	}

	c.lastTokenID++
	id := c.lastTokenID
	c.owners[id] = to
	c.royalties[id] = royaltyRate
	c.tokenURIs[id] = tokenURI
	return id, nil
}

// Owner returns the contract-level owner.
func (c *Collection) Owner(context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner, nil
}

// OwnerOf returns the recorded owner of a token.
func (c *Collection) OwnerOf(_ context.Context, tokenID uint64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, ok := c.owners[tokenID]
	if !ok {
		return "", fmt.Errorf("%w: token %d", ErrNotMinted, tokenID)
	}
	return owner, nil
}

// Transfer moves a token to the recipient.
func (c *Collection) Transfer(_ context.Context, to string, tokenID uint64, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[tokenID]; !ok {
		return fmt.Errorf("%w: token %d", ErrNotMinted, tokenID)
	}
	c.owners[tokenID] = to
	return nil
}

// RoyaltyInfo reports the royalty due at the given sale price, owed to the
// collection creator.
func (c *Collection) RoyaltyInfo(_ context.Context, tokenID uint64, salePrice uint64) (uint64, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.royalties[tokenID]
	if !ok {
		return 0, "", fmt.Errorf("%w: token %d", ErrNotMinted, tokenID)
	}
	return uint64(rate) * salePrice / 10000, c.creator, nil
}

// TokenURI returns the metadata URI recorded at mint.
func (c *Collection) TokenURI(tokenID uint64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uri, ok := c.tokenURIs[tokenID]
	if !ok {
		return "", fmt.Errorf("%w: token %d", ErrNotMinted, tokenID)
	}
	return uri, nil
}
