// Package bank abstracts the value-transfer primitive the market engine
// settles through. Implementations move whole amounts only; a transfer
// either completes or leaves both accounts untouched.
package bank

import (
	"context"
	"errors"
	"fmt"
)

// ErrInsufficientFunds is returned when the source account cannot cover a
// transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Transfer describes one movement of funds.
type Transfer struct {
	From   string
	To     string
	Amount uint64
}

// Bank moves currency between accounts.
type Bank interface {
	// Transfer moves a single amount.
	Transfer(ctx context.Context, t Transfer) error
	// TransferBatch applies every transfer or none of them. A failure is
	// reported as a *BatchError identifying the offending leg.
	TransferBatch(ctx context.Context, ts ...Transfer) error
}

// BatchError reports the first transfer in a batch that could not be
// applied. The batch as a whole had no effect.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch transfer leg %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
