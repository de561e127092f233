// services/reconciler.go
package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"auction-backend/logger"
	"auction-backend/models"
	"auction-backend/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TopicAuctionEvents is the outbox topic for divergence and orphan events.
const TopicAuctionEvents = "auction_events"

const settleLockTTL = 30 * time.Second

// AuctionSpec is the caller-supplied input for a new auction.
type AuctionSpec struct {
	Title           string
	Description     string
	StartingPrice   decimal.Decimal
	DurationSeconds int64
	PhotoNames      []string
}

// Reconciler orchestrates every lifecycle operation: the ledger is
// called first (authoritative), then the record store (cache). There
// is no transaction spanning the two; a failure between them is
// surfaced as a DivergenceError keyed by ledgerRef, never hidden.
type Reconciler struct {
	Ledger LedgerGateway
	Store  AuctionRecords

	// Lock serializes settlement per ledgerRef. Nil disables locking
	// (single-instance deployments, tests).
	Lock utils.DistributedLock

	// DeleteBlob removes a photo binary. Best-effort; nil skips cleanup.
	DeleteBlob func(ctx context.Context, name string) error

	// Now is injectable so phase derivation is testable.
	Now func() time.Time
}

func NewReconciler(ledger LedgerGateway, store AuctionRecords, lock utils.DistributedLock, deleteBlob func(ctx context.Context, name string) error) *Reconciler {
	return &Reconciler{
		Ledger:     ledger,
		Store:      store,
		Lock:       lock,
		DeleteBlob: deleteBlob,
		Now:        time.Now,
	}
}

// CreateAuction runs the two-phase create: contract first, record
// second. If the record write fails the auction already exists on the
// ledger ("orphan"); the returned DivergenceError carries the
// ledgerRef so RecoverOrphan can re-attempt persistence idempotently.
func (r *Reconciler) CreateAuction(ctx context.Context, spec AuctionSpec, creator string) (*models.Auction, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	ledgerRef, err := r.Ledger.CreateAuction(ctx, spec.DurationSeconds)
	if err != nil {
		return nil, err
	}

	return r.persistCreated(ctx, ledgerRef, spec, creator)
}

// RecoverOrphan retries step two of a create whose store write failed.
// Upsert-by-ledgerRef guarantees the retry never duplicates the record.
func (r *Reconciler) RecoverOrphan(ctx context.Context, ledgerRef uint64, spec AuctionSpec, creator string) (*models.Auction, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	return r.persistCreated(ctx, ledgerRef, spec, creator)
}

func (r *Reconciler) persistCreated(ctx context.Context, ledgerRef uint64, spec AuctionSpec, creator string) (*models.Auction, error) {
	now := r.Now()
	auction := &models.Auction{
		ID:              uuid.NewString(),
		LedgerRef:       &ledgerRef,
		Title:           spec.Title,
		Description:     spec.Description,
		StartingPrice:   spec.StartingPrice,
		Creator:         creator,
		DurationSeconds: spec.DurationSeconds,
		CreatedAt:       now,
		EndAt:           now.Add(time.Duration(spec.DurationSeconds) * time.Second),
	}
	for i, name := range spec.PhotoNames {
		auction.Photos = append(auction.Photos, models.AuctionPhoto{
			ID:       uuid.NewString(),
			Name:     name,
			Position: i,
		})
	}

	if err := r.Store.UpsertByLedgerRef(ctx, auction); err != nil {
		logger.Error("auction exists on ledger but record write failed",
			zap.Uint64("ledger_ref", ledgerRef), zap.Error(err))
		r.enqueueEvent(ctx, map[string]interface{}{
			"type":       "auction.orphaned",
			"ledger_ref": ledgerRef,
			"creator":    creator,
		})
		return nil, &DivergenceError{LedgerRef: ledgerRef, Op: "create", Cause: err}
	}

	return auction, nil
}

// PlaceBid re-reads the authoritative highest bid before any decision.
// The cached columns are refreshed only after the ledger accepted the
// bid; ordering under concurrent bidding is the ledger's job.
func (r *Reconciler) PlaceBid(ctx context.Context, auctionID string, amountWei *big.Int, bidder string) (*models.Auction, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrBidTooLow)
	}

	auction, err := r.Store.ByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if auction.LedgerRef == nil {
		return nil, ErrMissingLedgerRef
	}
	if models.PhaseOf(auction, r.Now()) != models.PhaseActive {
		return nil, ErrAuctionEnded
	}

	highest, err := r.Ledger.HighestBid(ctx, *auction.LedgerRef)
	if err != nil {
		return nil, err
	}
	if amountWei.Cmp(highest) <= 0 {
		return nil, fmt.Errorf("%w: highest bid is %s wei", ErrBidTooLow, highest.String())
	}

	if err := r.Ledger.PlaceBid(ctx, *auction.LedgerRef, amountWei, bidder); err != nil {
		return nil, err
	}

	amountEth := decimal.NewFromBigInt(amountWei, -18)
	updated, err := r.Store.UpdateFields(ctx, auctionID, map[string]interface{}{
		"starting_price":        amountEth,
		"cached_highest_bid":    amountEth,
		"cached_highest_bidder": bidder,
	})
	if err != nil {
		// Bid stands on the ledger; the cache is stale until the
		// refresh job catches up.
		r.enqueueEvent(ctx, map[string]interface{}{
			"type":       "auction.cache_stale",
			"ledger_ref": *auction.LedgerRef,
			"auction_id": auctionID,
		})
		return nil, &DivergenceError{LedgerRef: *auction.LedgerRef, Op: "bid", Cause: err}
	}

	return updated, nil
}

// EndAuction drives the contract's endAuction entry point, which also
// releases the escrowed funds. The record mirrors that: end_at moves
// to now when ending early and money_claimed flips in the same update.
func (r *Reconciler) EndAuction(ctx context.Context, auctionID, caller string) (*models.Auction, error) {
	auction, err := r.Store.ByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(auction.Creator, caller) {
		return nil, ErrNotCreator
	}
	if auction.MoneyClaimed {
		// Already settled; never re-invoke the ledger for this ref.
		return nil, ErrAlreadySettled
	}
	if auction.LedgerRef == nil {
		return nil, ErrMissingLedgerRef
	}

	if err := r.settle(ctx, *auction.LedgerRef, caller); err != nil {
		return nil, err
	}

	now := r.Now()
	fields := map[string]interface{}{"money_claimed": true}
	if now.Before(auction.EndAt) {
		fields["end_at"] = now
	}

	updated, err := r.Store.UpdateFields(ctx, auctionID, fields)
	if err != nil {
		r.enqueueEvent(ctx, map[string]interface{}{
			"type":       "auction.settlement_unrecorded",
			"ledger_ref": *auction.LedgerRef,
			"auction_id": auctionID,
		})
		return nil, &DivergenceError{LedgerRef: *auction.LedgerRef, Op: "end", Cause: err}
	}
	return updated, nil
}

// Claim releases the funds of an ended auction. Claiming twice is a
// success no-op: once money_claimed is set, no further ledger call is
// made for this ref.
func (r *Reconciler) Claim(ctx context.Context, auctionID, caller string) (*models.Auction, error) {
	auction, err := r.Store.ByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(auction.Creator, caller) {
		return nil, ErrNotCreator
	}
	if auction.MoneyClaimed {
		return auction, nil
	}
	if auction.LedgerRef == nil {
		return nil, ErrMissingLedgerRef
	}
	if models.PhaseOf(auction, r.Now()) == models.PhaseActive {
		return nil, ErrStillActive
	}

	if err := r.settle(ctx, *auction.LedgerRef, caller); err != nil {
		return nil, err
	}

	updated, err := r.Store.UpdateFields(ctx, auctionID, map[string]interface{}{"money_claimed": true})
	if err != nil {
		r.enqueueEvent(ctx, map[string]interface{}{
			"type":       "auction.settlement_unrecorded",
			"ledger_ref": *auction.LedgerRef,
			"auction_id": auctionID,
		})
		return nil, &DivergenceError{LedgerRef: *auction.LedgerRef, Op: "claim", Cause: err}
	}
	return updated, nil
}

// DeleteAuction removes the off-chain record and its photo blobs. It
// cannot retract ledger state: deleting a record that has a ledgerRef
// leaves a permanent ledger-side orphan, which is recorded as an
// outbox event before the record goes away.
func (r *Reconciler) DeleteAuction(ctx context.Context, auctionID, caller string) error {
	auction, err := r.Store.ByID(ctx, auctionID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(auction.Creator, caller) {
		return ErrNotCreator
	}

	if auction.LedgerRef != nil {
		logger.Warn("deleting record for a ledger-side auction; ledger state remains",
			zap.Uint64("ledger_ref", *auction.LedgerRef), zap.String("auction_id", auctionID))
		r.enqueueEvent(ctx, map[string]interface{}{
			"type":       "auction.ledger_orphaned",
			"ledger_ref": *auction.LedgerRef,
			"auction_id": auctionID,
		})
	}

	names, err := r.Store.Delete(ctx, auctionID)
	if err != nil {
		return err
	}

	if r.DeleteBlob != nil {
		for _, name := range names {
			if err := r.DeleteBlob(ctx, name); err != nil {
				logger.Warn("failed to delete photo blob", zap.String("name", name), zap.Error(err))
			}
		}
	}
	return nil
}

// settle makes the single settlement call for a ledgerRef under the
// distributed lock.
func (r *Reconciler) settle(ctx context.Context, ledgerRef uint64, caller string) error {
	if r.Lock != nil {
		key := fmt.Sprintf("auction:settle:%d", ledgerRef)
		ok, err := r.Lock.Acquire(ctx, key, settleLockTTL)
		if err != nil {
			return fmt.Errorf("%w: settlement lock: %v", ErrStoreUnreachable, err)
		}
		if !ok {
			return ErrSettlementInFlight
		}
		defer func() {
			_ = r.Lock.Release(ctx, key)
		}()
	}

	return r.Ledger.End(ctx, ledgerRef, caller)
}

// enqueueEvent is best-effort; losing the event must not mask the
// divergence error already being returned.
func (r *Reconciler) enqueueEvent(ctx context.Context, payload map[string]interface{}) {
	if err := r.Store.EnqueueEvent(ctx, TopicAuctionEvents, payload); err != nil {
		logger.Error("failed to enqueue outbox event", zap.Any("payload", payload), zap.Error(err))
	}
}

func validateSpec(spec AuctionSpec) error {
	if strings.TrimSpace(spec.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if spec.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration_seconds must be positive", ErrInvalidInput)
	}
	return nil
}
