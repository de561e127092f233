// services/ledger_gateway.go
package services

import (
	"context"
	"math/big"
)

// LedgerGateway is the external authoritative contract capability for
// auction creation, bidding and settlement. Implementations must
// return a typed error (ErrLedgerRejected, ErrLedgerUnreachable,
// ErrBidTooLow) so callers can distinguish reverts from transport
// failures; a non-nil error always means no state change was observed.
type LedgerGateway interface {
	// CreateAuction opens a new on-chain auction and returns the
	// ledgerRef taken from the creation event. Once this returns
	// success the auction exists on the ledger and cannot be undone.
	CreateAuction(ctx context.Context, durationSeconds int64) (uint64, error)

	// HighestBid returns the current authoritative highest bid in wei.
	HighestBid(ctx context.Context, ledgerRef uint64) (*big.Int, error)

	// HighestBidder returns the current highest bidder identity.
	HighestBidder(ctx context.Context, ledgerRef uint64) (string, error)

	// PlaceBid submits a value-bearing bid from the given bidder.
	PlaceBid(ctx context.Context, ledgerRef uint64, amountWei *big.Int, bidder string) error

	// End closes the auction and releases the escrowed funds to the
	// creator. The contract conflates ending and settlement into this
	// single entry point.
	End(ctx context.Context, ledgerRef uint64, caller string) error
}
