package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tokenbay/marketd/internal/clock"
	"github.com/tokenbay/marketd/internal/store"
)

// ItemRepo implements store.ItemRepository with sqlx.
type ItemRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB, clk clock.Clock) *ItemRepo {
	return &ItemRepo{db: db, clk: clk}
}

func (r *ItemRepo) Upsert(ctx context.Context, it *store.Item) error {
	it.UpdatedAt = r.clk.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (collection, token_id, owner, seller, buy_price, min_bid, next_min_bid,
		                    highest_bid, highest_bidder, bid_end_time, on_sale, direct, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (collection, token_id) DO UPDATE SET
		   owner = EXCLUDED.owner, seller = EXCLUDED.seller, buy_price = EXCLUDED.buy_price,
		   min_bid = EXCLUDED.min_bid, next_min_bid = EXCLUDED.next_min_bid,
		   highest_bid = EXCLUDED.highest_bid, highest_bidder = EXCLUDED.highest_bidder,
		   bid_end_time = EXCLUDED.bid_end_time, on_sale = EXCLUDED.on_sale,
		   direct = EXCLUDED.direct, updated_at = EXCLUDED.updated_at`,
		it.Collection, it.TokenID, it.Owner, it.Seller, it.BuyPrice, it.MinBid, it.NextMinBid,
		it.HighestBid, it.HighestBidder, it.BidEndTime, it.OnSale, it.Direct, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting item: %w", err)
	}
	return nil
}

func (r *ItemRepo) Get(ctx context.Context, collection string, tokenID uint64) (*store.Item, error) {
	var it store.Item
	err := r.db.GetContext(ctx, &it,
		`SELECT * FROM items WHERE collection = $1 AND token_id = $2`, collection, tokenID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return &it, nil
}

func (r *ItemRepo) List(ctx context.Context) ([]store.Item, error) {
	var items []store.Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT * FROM items ORDER BY collection ASC, token_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) ListOnSale(ctx context.Context) ([]store.Item, error) {
	var items []store.Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT * FROM items WHERE on_sale ORDER BY collection ASC, token_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing items on sale: %w", err)
	}
	return items, nil
}
