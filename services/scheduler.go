// services/scheduler.go
package services

import (
	"context"
	"time"

	"auction-backend/logger"

	"github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StartCacheRefreshScheduler periodically re-reads the ledger for every
// active auction and refreshes the advisory cache columns. This is the
// repair path for bid divergences: a ledger-accepted bid whose cache
// write failed becomes consistent on the next tick.
func (r *Reconciler) StartCacheRefreshScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			r.RefreshActiveCaches(context.Background())
		}),
	)
}

// RefreshActiveCaches does one refresh pass. Failures on individual
// auctions are logged and skipped; the next tick retries.
func (r *Reconciler) RefreshActiveCaches(ctx context.Context) {
	auctions, err := r.Store.Active(ctx, r.Now())
	if err != nil {
		logger.Error("cache refresh: listing active auctions failed", zap.Error(err))
		return
	}

	for _, a := range auctions {
		if a.LedgerRef == nil {
			continue
		}

		bidWei, err := r.Ledger.HighestBid(ctx, *a.LedgerRef)
		if err != nil {
			logger.Warn("cache refresh: highest bid read failed",
				zap.Uint64("ledger_ref", *a.LedgerRef), zap.Error(err))
			continue
		}
		bidder, err := r.Ledger.HighestBidder(ctx, *a.LedgerRef)
		if err != nil {
			logger.Warn("cache refresh: highest bidder read failed",
				zap.Uint64("ledger_ref", *a.LedgerRef), zap.Error(err))
			continue
		}

		bidEth := decimal.NewFromBigInt(bidWei, -18)
		if bidEth.Equal(a.CachedHighestBid) && bidder == a.CachedHighestBidder {
			continue
		}

		fields := map[string]interface{}{
			"cached_highest_bid":    bidEth,
			"cached_highest_bidder": bidder,
		}
		// starting_price mirrors the highest bid once bidding started.
		if bidEth.GreaterThan(decimal.Zero) {
			fields["starting_price"] = bidEth
		}
		if _, err := r.Store.UpdateFields(ctx, a.ID, fields); err != nil {
			logger.Warn("cache refresh: record update failed",
				zap.String("auction_id", a.ID), zap.Error(err))
		}
	}
}
