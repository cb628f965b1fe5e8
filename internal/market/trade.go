package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tokenbay/marketd/internal/bank"
	"github.com/tokenbay/marketd/internal/event"
	"github.com/tokenbay/marketd/internal/token"
)

// CloseDirectSale settles a direct-sale listing. The buyer's payment must
// match the buy price exactly; it is pulled into escrow and split in the
// same all-or-nothing batch as the payouts.
func (e *Engine) CloseDirectSale(ctx context.Context, buyer, collection string, tokenID, payment uint64) (Breakdown, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CloseDirectSale", itemAttributes(collection, tokenID, buyer))
	defer span.End()

	if err := e.enter(); err != nil {
		return Breakdown{}, err
	}
	defer e.exit()

	key := ItemKey{Collection: collection, TokenID: tokenID}

	e.mu.RLock()
	it, ok := e.items[key]
	e.mu.RUnlock()

	if !ok {
		return Breakdown{}, ErrTokenDoesNotExist
	}
	if !it.OnSale {
		return Breakdown{}, ErrTokenNotForSale
	}
	if !it.Direct {
		return Breakdown{}, ErrTokenNotForDirectSale
	}
	if payment != it.BuyPrice {
		return Breakdown{}, ErrIneligibleBuyPrice
	}

	tok, ok := e.tokens.Lookup(collection)
	if !ok {
		return Breakdown{}, ErrCollectionNotRegistered
	}

	escrow := []paymentLeg{{
		xfer:    bank.Transfer{From: buyer, To: e.cfg.Account, Amount: payment},
		failure: ErrTransferToContractFailed,
	}}
	bd, err := e.finalizeSale(ctx, tok, key, it, buyer, it.BuyPrice, escrow)
	if err != nil {
		return Breakdown{}, err
	}

	fresh := e.resetItem(ctx, tok, key, buyer)

	e.logger.InfoContext(ctx, "direct sale settled",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.String("buyer", buyer),
		slog.Uint64("sale_price", it.BuyPrice),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.SaleSettled, event.SaleSettledData{
		Buyer:       buyer,
		SalePrice:   it.BuyPrice,
		SellerShare: bd.SellerShare,
		Royalty:     bd.Royalty,
		MarketFee:   bd.MarketFee,
	})
	e.persistItem(ctx, key, fresh)
	return bd, nil
}

// MakeBid places a bid on an open auction. The previous highest bidder is
// refunded in the same batch that escrows the new bid. A bid meeting the
// buy-now price settles the auction immediately.
func (e *Engine) MakeBid(ctx context.Context, bidder, collection string, tokenID, amount uint64) error {
	ctx, span := e.tracer.Start(ctx, "Engine.MakeBid", itemAttributes(collection, tokenID, bidder))
	defer span.End()
	span.SetAttributes(attribute.Int64("amount", int64(amount)))

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
	// A direct-sale listing has a zero bid end time and is therefore
	// always "expired" for bidding purposes.
	if !e.clock.Now().Before(it.BidEndTime) {
		return ErrAuctionExpired
	}
	if amount < it.NextMinBid {
		return ErrMinimumBidNotMet
	}

	tok, ok := e.tokens.Lookup(collection)
	if !ok {
		return ErrCollectionNotRegistered
	}

	legs := []paymentLeg{
		{
			xfer:    bank.Transfer{From: bidder, To: e.cfg.Account, Amount: amount},
			failure: ErrTransferToContractFailed,
		},
		{
			xfer:    bank.Transfer{From: e.cfg.Account, To: it.HighestBidder, Amount: it.HighestBid},
			failure: ErrTransferToBidderFailed,
		},
	}

	if amount >= it.BuyPrice {
		// Buy-now: the bid is recorded as the winning bid and the sale
		// settles in the same invocation.
		refunded := it.HighestBidder
		it.HighestBid = amount
		it.HighestBidder = bidder

		bd, err := e.finalizeSale(ctx, tok, key, it, bidder, amount, legs)
		if err != nil {
			return err
		}
		fresh := e.resetItem(ctx, tok, key, bidder)

		e.logger.InfoContext(ctx, "auction settled by buy-now bid",
			slog.String("collection", collection),
			slog.Uint64("token_id", tokenID),
			slog.String("bidder", bidder),
			slog.Uint64("amount", amount),
		)
		agg := event.ItemAggregateID(collection, tokenID)
		e.record(ctx, agg, event.AuctionBidPlaced, event.BidPlacedData{
			Bidder:   bidder,
			Amount:   amount,
			Refunded: refunded,
		})
		e.record(ctx, agg, event.SaleSettled, event.SaleSettledData{
			Buyer:       bidder,
			SalePrice:   amount,
			SellerShare: bd.SellerShare,
			Royalty:     bd.Royalty,
			MarketFee:   bd.MarketFee,
		})
		e.persistItem(ctx, key, fresh)
		return nil
	}

	if err := e.settleFunds(ctx, legs); err != nil {
		return err
	}

	refunded := it.HighestBidder
	it.HighestBid = amount
	it.HighestBidder = bidder
	it.NextMinBid = e.nextMinimumBid(amount)

	e.mu.Lock()
	e.items[key] = it
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "bid placed",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.String("bidder", bidder),
		slog.Uint64("amount", amount),
		slog.Uint64("next_min_bid", it.NextMinBid),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.AuctionBidPlaced, event.BidPlacedData{
		Bidder:     bidder,
		Amount:     amount,
		NextMinBid: it.NextMinBid,
		Refunded:   refunded,
	})
	e.persistItem(ctx, key, it)
	return nil
}

// SettleAuction finalizes an expired auction in favor of the highest bidder.
// Anyone may call it; the winning funds are already held in escrow.
func (e *Engine) SettleAuction(ctx context.Context, caller, collection string, tokenID uint64) (Breakdown, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SettleAuction", itemAttributes(collection, tokenID, caller))
	defer span.End()

	if err := e.enter(); err != nil {
		return Breakdown{}, err
	}
	defer e.exit()

	key := ItemKey{Collection: collection, TokenID: tokenID}

	e.mu.RLock()
	it, ok := e.items[key]
	e.mu.RUnlock()

	if !ok {
		return Breakdown{}, ErrTokenDoesNotExist
	}
	if !it.OnSale {
		return Breakdown{}, ErrTokenNotForSale
	}
	if it.Direct {
		return Breakdown{}, ErrTokenOnlyForDirectSale
	}
	if e.clock.Now().Before(it.BidEndTime) {
		return Breakdown{}, ErrAuctionOngoing
	}
	if it.HighestBidder == "" {
		return Breakdown{}, ErrNoValidBids
	}

	tok, ok := e.tokens.Lookup(collection)
	if !ok {
		return Breakdown{}, ErrCollectionNotRegistered
	}

	winner := it.HighestBidder
	bd, err := e.finalizeSale(ctx, tok, key, it, winner, it.HighestBid, nil)
	if err != nil {
		return Breakdown{}, err
	}

	fresh := e.resetItem(ctx, tok, key, winner)

	e.logger.InfoContext(ctx, "auction settled",
		slog.String("collection", collection),
		slog.Uint64("token_id", tokenID),
		slog.String("winner", winner),
		slog.Uint64("sale_price", it.HighestBid),
	)
	e.record(ctx, event.ItemAggregateID(collection, tokenID), event.SaleSettled, event.SaleSettledData{
		Buyer:       winner,
		SalePrice:   it.HighestBid,
		SellerShare: bd.SellerShare,
		Royalty:     bd.Royalty,
		MarketFee:   bd.MarketFee,
	})
	e.persistItem(ctx, key, fresh)
	return bd, nil
}

// nextMinimumBid compounds the increment on the current highest bid, not on
// the original minimum.
func (e *Engine) nextMinimumBid(highest uint64) uint64 {
	return highest + uint64(e.cfg.BidIncrementRate)*highest/10000
}

// NextMinimumBid returns the lowest amount the next bid must reach.
func (e *Engine) NextMinimumBid(collection string, tokenID uint64) (uint64, error) {
	it, err := e.Item(collection, tokenID)
	if err != nil {
		return 0, err
	}
	return it.NextMinBid, nil
}

// salesBreakdown splits a sale price into seller share, royalty and market
// fee. Integer truncation favors the seller share. With the "token" royalty
// source the contract is queried per sale, falling back to the registry
// record when it cannot answer.
func (e *Engine) salesBreakdown(ctx context.Context, collection string, tok token.Contract, tokenID, salePrice uint64) (Breakdown, error) {
	e.mu.RLock()
	col := e.collections[collection]
	feeRate := e.feeRate
	e.mu.RUnlock()

	royalty := uint64(col.RoyaltyRate) * salePrice / 10000
	creator := col.Creator
	if e.cfg.RoyaltySource == "token" {
		if r, c, err := tok.RoyaltyInfo(ctx, tokenID, salePrice); err == nil {
			royalty, creator = r, c
		}
	}

	fee := uint64(feeRate) * salePrice / 10000
	if fee+royalty > salePrice {
		return Breakdown{}, ErrIneligibleFeeRate
	}
	return Breakdown{
		SellerShare: salePrice - fee - royalty,
		Royalty:     royalty,
		MarketFee:   fee,
		Creator:     creator,
	}, nil
}

// paymentLeg tags a fund transfer with the error reported if it is the leg
// that fails the batch.
type paymentLeg struct {
	xfer    bank.Transfer
	failure error
}

// settleFunds applies the legs as one all-or-nothing batch. Zero-amount legs
// are dropped. On failure, the tagged error of the failing leg is returned.
func (e *Engine) settleFunds(ctx context.Context, legs []paymentLeg) error {
	xfers := make([]bank.Transfer, 0, len(legs))
	failures := make([]error, 0, len(legs))
	for _, l := range legs {
		if l.xfer.Amount == 0 {
			continue
		}
		xfers = append(xfers, l.xfer)
		failures = append(failures, l.failure)
	}
	if len(xfers) == 0 {
		return nil
	}

	err := e.funds.TransferBatch(ctx, xfers...)
	if err == nil {
		return nil
	}
	var batchErr *bank.BatchError
	if errors.As(err, &batchErr) && batchErr.Index < len(failures) {
		return fmt.Errorf("%w: %v", failures[batchErr.Index], err)
	}
	return fmt.Errorf("%w: %v", ErrTransferToContractFailed, err)
}

// finalizeSale moves the asset to the buyer and distributes the proceeds:
// seller share to the item's recorded owner, fee to the configured
// recipient, royalty to the creator. The caller's escrow/refund legs settle
// in the same batch as the payouts. If the batch fails after the asset has
// moved, custody is restored to the marketplace account so no party holds
// both the asset and their funds.
func (e *Engine) finalizeSale(ctx context.Context, tok token.Contract, key ItemKey, it Item, buyer string, salePrice uint64, prior []paymentLeg) (Breakdown, error) {
	owner, err := tok.OwnerOf(ctx, key.TokenID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: %v", ErrTokenDoesNotExist, err)
	}
	if buyer == owner {
		return Breakdown{}, ErrNotAuthorized
	}

	bd, err := e.salesBreakdown(ctx, key.Collection, tok, key.TokenID, salePrice)
	if err != nil {
		return Breakdown{}, err
	}

	if err := tok.Transfer(ctx, buyer, key.TokenID, nil); err != nil {
		return Breakdown{}, fmt.Errorf("%w: %v", ErrTransferToContractFailed, err)
	}

	legs := append(prior,
		paymentLeg{
			xfer:    bank.Transfer{From: e.cfg.Account, To: it.Owner, Amount: bd.SellerShare},
			failure: ErrTransferToOwnerFailed,
		},
		paymentLeg{
			xfer:    bank.Transfer{From: e.cfg.Account, To: e.cfg.FeeRecipient, Amount: bd.MarketFee},
			failure: ErrMarketplaceFeeTransferFailed,
		},
		paymentLeg{
			xfer:    bank.Transfer{From: e.cfg.Account, To: bd.Creator, Amount: bd.Royalty},
			failure: ErrRoyaltiesTransferFailed,
		},
	)
	if err := e.settleFunds(ctx, legs); err != nil {
		if rbErr := tok.Transfer(ctx, e.cfg.Account, key.TokenID, nil); rbErr != nil {
			e.logger.ErrorContext(ctx, "failed to restore asset custody after settlement failure",
				slog.String("collection", key.Collection),
				slog.Uint64("token_id", key.TokenID),
				slog.Any("error", rbErr),
			)
		}
		return Breakdown{}, err
	}
	return bd, nil
}

// resetItem overwrites the item with a fresh neutral record carrying the
// asset's current owner, re-queried after the transfer.
func (e *Engine) resetItem(ctx context.Context, tok token.Contract, key ItemKey, fallbackOwner string) Item {
	owner, err := tok.OwnerOf(ctx, key.TokenID)
	if err != nil {
		owner = fallbackOwner
	}
	fresh := Item{Owner: owner}

	e.mu.Lock()
	e.items[key] = fresh
	e.mu.Unlock()
	return fresh
}
