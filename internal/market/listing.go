package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokenbay/marketd/internal/event"
	"github.com/tokenbay/marketd/internal/token"
)

// CreateMarketItem registers a token of a known collection as a market item
// in its neutral state. Creation is a one-time operation per token.
func (e *Engine) CreateMarketItem(ctx context.Context, caller, collection string, tokenID uint64) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateMarketItem", itemAttributes(collection, tokenID, caller))
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	key := ItemKey{Collection: collection, TokenID: tokenID}

	e.mu.Lock()
	if _, ok := e.collections[collection]; !ok {
		e.mu.Unlock()
		return ErrCollectionNotRegistered
	}
	if _, exists := e.items[key]; exists {
		e.mu.Unlock()
		return ErrTokenAlreadyExists
	}
	it := Item{Owner: caller}
	e.items[key] = it
	e.listed = append(e.listed, key)
	e.itemCount++
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "market item created",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.String("owner", caller),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.ItemCreated, event.ItemCreatedData{
		Collection: collection,
		TokenID:    tokenID,
		Owner:      caller,
	})
	e.persistItem(ctx, key, it)
	return nil
}

// CreateDirectSale lists an item at a fixed price. The asset moves into
// marketplace custody first; the listing is only recorded once custody is
// held.
func (e *Engine) CreateDirectSale(ctx context.Context, caller, collection string, tokenID, price uint64) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateDirectSale", itemAttributes(collection, tokenID, caller))
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	key := ItemKey{Collection: collection, TokenID: tokenID}
	it, tok, err := e.listable(caller, key, price)
	if err != nil {
		return err
	}

	if err := tok.Transfer(ctx, e.cfg.Account, tokenID, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferToContractFailed, err)
	}

	it.BuyPrice = price
	it.Seller = caller
	it.OnSale = true
	it.Direct = true

	e.mu.Lock()
	e.items[key] = it
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "direct sale listed",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.Uint64("price", price),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.DirectSaleListed, event.ListedData{
		Collection: collection,
		TokenID:    tokenID,
		Seller:     caller,
		BuyPrice:   price,
	})
	e.persistItem(ctx, key, it)
	return nil
}

// CreateAuction lists an item as a timed auction with a buy-now price. A bid
// meeting the buy-now price settles immediately.
func (e *Engine) CreateAuction(ctx context.Context, caller, collection string, tokenID, price, minBid uint64, duration time.Duration) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateAuction", itemAttributes(collection, tokenID, caller))
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if duration <= 0 {
		return ErrIneligibleBidDuration
	}

	key := ItemKey{Collection: collection, TokenID: tokenID}
	it, tok, err := e.listable(caller, key, price)
	if err != nil {
		return err
	}

	if err := tok.Transfer(ctx, e.cfg.Account, tokenID, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferToContractFailed, err)
	}

	it.BuyPrice = price
	it.Seller = caller
	it.MinBid = minBid
	it.NextMinBid = minBid
	it.BidEndTime = e.clock.Now().Add(duration)
	it.OnSale = true
	it.Direct = false

	e.mu.Lock()
	e.items[key] = it
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "auction opened",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.Uint64("min_bid", minBid),
		slog.Time("bid_end_time", it.BidEndTime),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.AuctionListed, event.ListedData{
		Collection: collection,
		TokenID:    tokenID,
		Seller:     caller,
		BuyPrice:   price,
		MinBid:     minBid,
		Duration:   duration,
	})
	e.persistItem(ctx, key, it)
	return nil
}

// listable runs the checks shared by both listing paths and resolves the
// token contract.
func (e *Engine) listable(caller string, key ItemKey, price uint64) (Item, token.Contract, error) {
	e.mu.RLock()
	it, ok := e.items[key]
	e.mu.RUnlock()

	if !ok {
		return Item{}, nil, ErrTokenDoesNotExist
	}
	if it.Owner != caller {
		return Item{}, nil, ErrNotTheOwner
	}
	if it.OnSale {
		return Item{}, nil, ErrTokenAlreadyOnSale
	}
	if price == 0 {
		return Item{}, nil, ErrIneligibleBuyPrice
	}
	tok, ok := e.tokens.Lookup(key.Collection)
	if !ok {
		return Item{}, nil, ErrCollectionNotRegistered
	}
	return it, tok, nil
}

// Withdraw takes a listing off the market and returns custody to the seller.
// Auctions can only be withdrawn while no bid has been placed.
func (e *Engine) Withdraw(ctx context.Context, caller, collection string, tokenID uint64) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Withdraw", itemAttributes(collection, tokenID, caller))
	defer span.End()

	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	key := ItemKey{Collection: collection, TokenID: tokenID}

	e.mu.RLock()
	it, ok := e.items[key]
	e.mu.RUnlock()

	if !ok {
		return ErrTokenDoesNotExist
	}
	if !it.OnSale {
		return ErrTokenNotForSale
	}
	if it.Seller != caller {
		return ErrNotTheOwner
	}
	if !it.Direct && it.HighestBidder != "" {
		return ErrMinimumBidAlreadyMet
	}

	tok, ok := e.tokens.Lookup(collection)
	if !ok {
		return ErrCollectionNotRegistered
	}
	if err := tok.Transfer(ctx, caller, tokenID, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferToOwnerFailed, err)
	}

	fresh := e.resetItem(ctx, tok, key, caller)

	e.logger.InfoContext(ctx, "listing withdrawn",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.String("seller", caller),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.ListingWithdrawn, event.WithdrawnData{Seller: caller})
	e.persistItem(ctx, key, fresh)
	return nil
}

func itemAttributes(collection string, tokenID uint64, caller string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.Int64("token_id", int64(tokenID)),
		attribute.String("caller", caller),
	)
}
