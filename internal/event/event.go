package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	CollectionRegistered Type = "collection.registered"
	CollectionDeployed   Type = "collection.deployed"

	ItemCreated       Type = "item.created"
	DirectSaleListed  Type = "item.listed_direct"
	AuctionListed     Type = "item.listed_auction"
	ListingWithdrawn  Type = "item.withdrawn"
	SaleSettled       Type = "item.sold"
	AuctionBidPlaced  Type = "auction.bid_placed"

	FeeUpdated      Type = "config.fee_updated"
	TemplateUpdated Type = "config.template_updated"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ItemAggregateID builds the aggregate identifier for a market item.
func ItemAggregateID(collection string, tokenID uint64) string {
	return fmt.Sprintf("%s/%d", collection, tokenID)
}

// CollectionRegisteredData is the payload for collection events.
type CollectionRegisteredData struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	MetadataURI string `json:"metadata_uri"`
	Creator     string `json:"creator"`
	RoyaltyRate uint16 `json:"royalty_rate"`
}

// ItemCreatedData is the payload for ItemCreated events.
type ItemCreatedData struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Owner      string `json:"owner"`
}

// ListedData is the payload for DirectSaleListed and AuctionListed events.
type ListedData struct {
	Collection string        `json:"collection"`
	TokenID    uint64        `json:"token_id"`
	Seller     string        `json:"seller"`
	BuyPrice   uint64        `json:"buy_price"`
	MinBid     uint64        `json:"min_bid,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// BidPlacedData is the payload for AuctionBidPlaced events.
type BidPlacedData struct {
	Bidder     string `json:"bidder"`
	Amount     uint64 `json:"amount"`
	NextMinBid uint64 `json:"next_min_bid"`
	Refunded   string `json:"refunded,omitempty"`
}

// SaleSettledData is the payload for SaleSettled events.
type SaleSettledData struct {
	Buyer       string `json:"buyer"`
	SalePrice   uint64 `json:"sale_price"`
	SellerShare uint64 `json:"seller_share"`
	Royalty     uint64 `json:"royalty"`
	MarketFee   uint64 `json:"market_fee"`
}

// WithdrawnData is the payload for ListingWithdrawn events.
type WithdrawnData struct {
	Seller string `json:"seller"`
}

// FeeUpdatedData is the payload for FeeUpdated events.
type FeeUpdatedData struct {
	Rate uint16 `json:"rate"`
}

// TemplateUpdatedData is the payload for TemplateUpdated events.
type TemplateUpdatedData struct {
	Hash string `json:"hash"`
}
