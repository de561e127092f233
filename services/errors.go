// services/errors.go
package services

import (
	"errors"
	"fmt"
)

// Typed failures returned by the reconciliation engine. Handlers map
// these onto HTTP statuses; nothing in the engine swallows a ledger
// failure and updates the cache anyway.
var (
	// ErrBidTooLow: amount at or below the authoritative highest bid.
	// User-visible, not retryable without a higher amount.
	ErrBidTooLow = errors.New("bid must be higher than the current highest bid")

	// ErrLedgerRejected: contract-level revert (wrong phase, bad caller).
	ErrLedgerRejected = errors.New("ledger rejected the call")

	// ErrLedgerUnreachable / ErrStoreUnreachable: transient transport
	// failures. The whole operation is safe to retry from the top.
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	ErrStoreUnreachable  = errors.New("record store unreachable")

	ErrInvalidInput     = errors.New("invalid auction input")
	ErrNotFound         = errors.New("auction not found")
	ErrNotCreator       = errors.New("caller is not the auction creator")
	ErrMissingLedgerRef = errors.New("auction has no ledger reference")
	ErrAuctionEnded     = errors.New("auction has already ended")
	ErrStillActive      = errors.New("auction is still active")
	ErrAlreadySettled   = errors.New("auction funds already claimed")

	// ErrSettlementInFlight: another caller holds the settlement lock
	// for this ledgerRef right now.
	ErrSettlementInFlight = errors.New("settlement already in progress")
)

// DivergenceError reports that the ledger call succeeded but the
// subsequent store write failed. The ledgerRef lets the caller retry
// the store write alone; same ledgerRef means same logical auction.
type DivergenceError struct {
	LedgerRef uint64
	Op        string
	Cause     error
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("ledger %s succeeded (ref %d) but the store write failed: %v", e.Op, e.LedgerRef, e.Cause)
}

func (e *DivergenceError) Unwrap() error {
	return e.Cause
}
