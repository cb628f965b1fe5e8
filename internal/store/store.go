package store

import (
	"context"
	"time"
)

// Collection represents a registered collection record.
type Collection struct {
	Address     string    `db:"address"`
	Name        string    `db:"name"`
	Symbol      string    `db:"symbol"`
	MetadataURI string    `db:"metadata_uri"`
	Creator     string    `db:"creator"`
	RoyaltyRate uint16    `db:"royalty_rate"`
	CreatedAt   time.Time `db:"created_at"`
}

// Item represents a market item record. Identities are stored as plain
// strings; an empty string means "none".
type Item struct {
	Collection    string     `db:"collection"`
	TokenID       uint64     `db:"token_id"`
	Owner         string     `db:"owner"`
	Seller        string     `db:"seller"`
	BuyPrice      uint64     `db:"buy_price"`
	MinBid        uint64     `db:"min_bid"`
	NextMinBid    uint64     `db:"next_min_bid"`
	HighestBid    uint64     `db:"highest_bid"`
	HighestBidder string     `db:"highest_bidder"`
	BidEndTime    *time.Time `db:"bid_end_time"`
	OnSale        bool       `db:"on_sale"`
	Direct        bool       `db:"direct"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// CollectionRepository defines collection persistence operations.
type CollectionRepository interface {
	Create(ctx context.Context, c *Collection) error
	GetByAddress(ctx context.Context, address string) (*Collection, error)
	List(ctx context.Context) ([]Collection, error)
}

// ItemRepository defines market item persistence operations.
type ItemRepository interface {
	Upsert(ctx context.Context, it *Item) error
	Get(ctx context.Context, collection string, tokenID uint64) (*Item, error)
	List(ctx context.Context) ([]Item, error)
	ListOnSale(ctx context.Context) ([]Item, error)
}
