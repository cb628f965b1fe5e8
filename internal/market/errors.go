package market

import "errors"

// Errors returned by engine operations. Callers match with errors.Is; the
// engine wraps external-call failures around these sentinels.
var (
	// Access control.
	ErrNotTheOwner    = errors.New("caller is not the owner")
	ErrNotAdmin       = errors.New("caller is not the marketplace administrator")
	ErrNotAuthorized  = errors.New("caller is not authorized")
	ErrCallInProgress = errors.New("another call is already in progress")

	// Item-state conflicts.
	ErrTokenAlreadyExists     = errors.New("market item already exists")
	ErrTokenDoesNotExist      = errors.New("market item does not exist")
	ErrTokenNotForSale        = errors.New("token is not for sale")
	ErrTokenAlreadyOnSale     = errors.New("token is already on sale")
	ErrTokenNotForDirectSale  = errors.New("token is not for direct sale")
	ErrTokenOnlyForDirectSale = errors.New("token is only for direct sale")

	// Auction timing.
	ErrAuctionExpired        = errors.New("auction has expired")
	ErrAuctionOngoing        = errors.New("auction is still ongoing")
	ErrIneligibleBidDuration = errors.New("bid duration must be nonzero")

	// Bidding.
	ErrMinimumBidNotMet     = errors.New("bid is below the next minimum bid")
	ErrMinimumBidAlreadyMet = errors.New("a bid has already been placed")
	ErrNoValidBids          = errors.New("auction received no valid bids")

	// Payment. Raised both for a zero listing price and for a close
	// payment that does not match the buy price.
	ErrIneligibleBuyPrice = errors.New("ineligible buy price")

	// External-call failures.
	ErrTransferToBidderFailed       = errors.New("refund transfer to previous bidder failed")
	ErrTransferToOwnerFailed        = errors.New("transfer to owner failed")
	ErrTransferToContractFailed     = errors.New("transfer to marketplace failed")
	ErrMarketplaceFeeTransferFailed = errors.New("marketplace fee transfer failed")
	ErrRoyaltiesTransferFailed      = errors.New("royalties transfer failed")
	ErrTokenInstantiationFailed     = errors.New("collection contract instantiation failed")

	// Configuration.
	ErrContractHashNotSet      = errors.New("deployment template is not set")
	ErrCollectionAlreadyExists = errors.New("collection is already registered")
	ErrCollectionNotRegistered = errors.New("collection is not registered to the marketplace")
	ErrIneligibleFeeRate       = errors.New("fee rate exceeds the allowed maximum")
	ErrIneligibleRoyaltyRate   = errors.New("royalty rate exceeds the allowed maximum")
)
