// Package market implements the trading engine: the collection registry,
// the market item lifecycle state machine, direct sales, timed auctions and
// fee/royalty settlement.
//
// The engine owns its state exclusively. Asset custody goes through the
// token collaborator, fund movement through the bank collaborator; each
// operation performs at most one asset transfer followed by one
// all-or-nothing fund batch, so a failed external call never leaves an item
// half-updated.
package market

import "time"

// Collection is a registered collection record.
type Collection struct {
	Name        string
	Symbol      string
	MetadataURI string
	// Creator receives royalty payouts when the registry is the royalty
	// source.
	Creator     string
	RoyaltyRate uint16
}

// ItemKey identifies a market item.
type ItemKey struct {
	Collection string
	TokenID    uint64
}

// Item is the mutable sale/auction state of one asset. Identity fields hold
// plain identities; an empty string means "none".
type Item struct {
	// Owner is the nominal owner of record. While the item is listed the
	// asset itself sits in marketplace custody; Owner still names the
	// party the seller share is owed to.
	Owner         string
	BuyPrice      uint64
	Seller        string
	HighestBid    uint64
	HighestBidder string
	MinBid        uint64
	NextMinBid    uint64
	BidEndTime    time.Time
	OnSale        bool
	Direct        bool
}

// Breakdown is the proceeds split of one settlement.
type Breakdown struct {
	SellerShare uint64
	Royalty     uint64
	MarketFee   uint64
	Creator     string
}
