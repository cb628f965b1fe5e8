package market

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"github.com/tokenbay/marketd/internal/event"
)

// RegisterCollection adds an existing collection contract to the registry.
// The caller must be the marketplace administrator or the contract's own
// owner. The caller becomes the collection's creator for royalty purposes.
func (e *Engine) RegisterCollection(ctx context.Context, caller, address, name, symbol, metadataURI string, royaltyRate uint16) error {
	ctx, span := e.tracer.Start(ctx, "Engine.RegisterCollection",
		trace.WithAttributes(
			attribute.String("collection", address),
			attribute.String("caller", caller),
		),
	)
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if royaltyRate > 10000 {
		return ErrIneligibleRoyaltyRate
	}

	if caller != e.cfg.Admin {
		tok, ok := e.tokens.Lookup(address)
		if !ok {
			return ErrCollectionNotRegistered
		}
		owner, err := tok.Owner(ctx)
		if err != nil || owner != caller {
			return ErrNotTheOwner
		}
	}

	col := Collection{
		Name:        name,
		Symbol:      symbol,
		MetadataURI: metadataURI,
		Creator:     caller,
		RoyaltyRate: royaltyRate,
	}

	e.mu.Lock()
	if _, exists := e.collections[address]; exists {
		e.mu.Unlock()
		return ErrCollectionAlreadyExists
	}
	e.collections[address] = col
	e.collectionCount++
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "collection registered",
		slog.String("collection", address),
		slog.String("creator", caller),
	)
	e.record(ctx, address, event.CollectionRegistered, event.CollectionRegisteredData{
		Address:     address,
		Name:        name,
		Symbol:      symbol,
		MetadataURI: metadataURI,
		Creator:     caller,
		RoyaltyRate: royaltyRate,
	})
	e.persistCollection(ctx, address, col)
	return nil
}

// DeployCollection instantiates a fresh collection contract from the
// configured template and registers it. The deployer becomes both the
// contract owner and the registered creator. Returns the new address.
func (e *Engine) DeployCollection(ctx context.Context, caller, name, symbol, metadataURI string, royaltyRate uint16) (string, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.DeployCollection",
		trace.WithAttributes(attribute.String("caller", caller)),
	)
	defer span.End()

	if err := e.enter(); err != nil {
		return "", err
	}
	defer e.exit()

	e.mu.RLock()
	hash := e.templateHash
	count := e.collectionCount
	e.mu.RUnlock()

	if hash == "" {
		return "", ErrContractHashNotSet
	}
	if royaltyRate > 10000 {
		return "", ErrIneligibleRoyaltyRate
	}

	address, _, err := e.factory.Instantiate(ctx, hash, deploySalt(caller, count), caller, name, symbol, metadataURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInstantiationFailed, err)
	}

	col := Collection{
		Name:        name,
		Symbol:      symbol,
		MetadataURI: metadataURI,
		Creator:     caller,
		RoyaltyRate: royaltyRate,
	}

	e.mu.Lock()
	e.collections[address] = col
	e.collectionCount++
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "collection deployed",
		slog.String("collection", address),
		slog.String("creator", caller),
	)
	e.record(ctx, address, event.CollectionDeployed, event.CollectionRegisteredData{
		Address:     address,
		Name:        name,
		Symbol:      symbol,
		MetadataURI: metadataURI,
		Creator:     caller,
		RoyaltyRate: royaltyRate,
	})
	e.persistCollection(ctx, address, col)
	return address, nil
}

// deploySalt derives a deterministic per-deployment salt so two deployers,
// or two deployments by one caller, never collide on the derived address.
func deploySalt(caller string, nonce uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	sum := blake2b.Sum256(append([]byte(caller), buf[:]...))
	return sum[:4]
}

// SetDeploymentTemplate configures the code template DeployCollection
// instantiates from. Administrator-only.
func (e *Engine) SetDeploymentTemplate(ctx context.Context, caller, hash string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.SetDeploymentTemplate",
		trace.WithAttributes(attribute.String("caller", caller)),
	)
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if caller != e.cfg.Admin {
		return ErrNotAdmin
	}

	e.mu.Lock()
	e.templateHash = hash
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "deployment template updated", slog.String("hash", hash))
	e.record(ctx, configAggregateID, event.TemplateUpdated, event.TemplateUpdatedData{Hash: hash})
	return nil
}

// SetMarketplaceFee overwrites the fee rate. Administrator-only; rates above
// 10000 parts-per-10000 are rejected.
func (e *Engine) SetMarketplaceFee(ctx context.Context, caller string, rate uint16) error {
	ctx, span := e.tracer.Start(ctx, "Engine.SetMarketplaceFee",
		trace.WithAttributes(
			attribute.String("caller", caller),
			attribute.Int("rate", int(rate)),
		),
	)
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if caller != e.cfg.Admin {
		return ErrNotAdmin
	}
	if rate > 10000 {
		return ErrIneligibleFeeRate
	}

	e.mu.Lock()
	e.feeRate = rate
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "marketplace fee updated", slog.Int("rate", int(rate)))
	e.record(ctx, configAggregateID, event.FeeUpdated, event.FeeUpdatedData{Rate: rate})
	return nil
}
