package services

import (
	"context"
	"math/big"
	"testing"
	"time"

	"auction-backend/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLedger scripts the authoritative side and records every call.
type mockLedger struct {
	nextRef    uint64
	highestBid *big.Int
	bidder     string

	createErr error
	bidErr    error
	endErr    error

	createCalls int
	bidCalls    int
	endCalls    int
	readCalls   int
}

func (m *mockLedger) CreateAuction(ctx context.Context, durationSeconds int64) (uint64, error) {
	m.createCalls++
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextRef++
	return m.nextRef, nil
}

func (m *mockLedger) HighestBid(ctx context.Context, ledgerRef uint64) (*big.Int, error) {
	m.readCalls++
	if m.highestBid == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.highestBid), nil
}

func (m *mockLedger) HighestBidder(ctx context.Context, ledgerRef uint64) (string, error) {
	return m.bidder, nil
}

func (m *mockLedger) PlaceBid(ctx context.Context, ledgerRef uint64, amountWei *big.Int, bidder string) error {
	m.bidCalls++
	if m.bidErr != nil {
		return m.bidErr
	}
	m.highestBid = new(big.Int).Set(amountWei)
	m.bidder = bidder
	return nil
}

func (m *mockLedger) End(ctx context.Context, ledgerRef uint64, caller string) error {
	m.endCalls++
	return m.endErr
}

// fakeStore is an in-memory AuctionRecords. failUpserts makes the next
// N upserts fail, to simulate the store going away mid-create.
type fakeStore struct {
	records     map[string]*models.Auction
	failUpserts int
	failUpdates int
	events      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*models.Auction{}}
}

func (s *fakeStore) All(ctx context.Context) ([]models.Auction, error) {
	var out []models.Auction
	for _, a := range s.records {
		out = append(out, *a)
	}
	return out, nil
}

func (s *fakeStore) ByCreator(ctx context.Context, creator string) ([]models.Auction, error) {
	var out []models.Auction
	for _, a := range s.records {
		if a.Creator == creator {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) Active(ctx context.Context, now time.Time) ([]models.Auction, error) {
	var out []models.Auction
	for _, a := range s.records {
		if a.EndAt.After(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) Inactive(ctx context.Context, now time.Time) ([]models.Auction, error) {
	var out []models.Auction
	for _, a := range s.records {
		if !a.EndAt.After(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) ByID(ctx context.Context, id string) (*models.Auction, error) {
	a, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *fakeStore) UpsertByLedgerRef(ctx context.Context, a *models.Auction) error {
	if s.failUpserts > 0 {
		s.failUpserts--
		return ErrStoreUnreachable
	}
	for _, existing := range s.records {
		if existing.LedgerRef != nil && a.LedgerRef != nil && *existing.LedgerRef == *a.LedgerRef {
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
			a.EndAt = existing.CreatedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
			a.Creator = existing.Creator
			a.MoneyClaimed = existing.MoneyClaimed
			a.CachedHighestBid = existing.CachedHighestBid
			a.CachedHighestBidder = existing.CachedHighestBidder
			break
		}
	}
	copied := *a
	s.records[a.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) (*models.Auction, error) {
	if s.failUpdates > 0 {
		s.failUpdates--
		return nil, ErrStoreUnreachable
	}
	a, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	for key, value := range fields {
		switch key {
		case "starting_price":
			a.StartingPrice = value.(decimal.Decimal)
		case "cached_highest_bid":
			a.CachedHighestBid = value.(decimal.Decimal)
		case "cached_highest_bidder":
			a.CachedHighestBidder = value.(string)
		case "money_claimed":
			a.MoneyClaimed = value.(bool)
		case "end_at":
			a.EndAt = value.(time.Time)
		}
	}
	copied := *a
	return &copied, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) ([]string, error) {
	a, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	var names []string
	for _, p := range a.Photos {
		names = append(names, p.Name)
	}
	delete(s.records, id)
	return names, nil
}

func (s *fakeStore) EnqueueEvent(ctx context.Context, topic string, payload interface{}) error {
	if m, ok := payload.(map[string]interface{}); ok {
		if typ, ok := m["type"].(string); ok {
			s.events = append(s.events, typ)
		}
	}
	return nil
}

type fakeLock struct {
	held map[string]bool
}

func (l *fakeLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, key string) error {
	delete(l.held, key)
	return nil
}

func eth(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func wei(ethAmount string) *big.Int {
	return eth(ethAmount).Shift(18).BigInt()
}

func newTestReconciler(ledger *mockLedger, store *fakeStore) (*Reconciler, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewReconciler(ledger, store, &fakeLock{}, nil)
	r.Now = func() time.Time { return now }
	return r, &now
}

const creator = "0xCreator"

func TestCreateAuctionPersistsLedgerRef(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	spec := AuctionSpec{Title: "Vintage watch", DurationSeconds: 3600, StartingPrice: eth("1"), PhotoNames: []string{"photos/w-1.jpg"}}
	auction, err := r.CreateAuction(context.Background(), spec, creator)

	require.NoError(t, err)
	require.NotNil(t, auction.LedgerRef)
	assert.Equal(t, uint64(1), *auction.LedgerRef)
	assert.Equal(t, 1, ledger.createCalls)
	assert.Equal(t, auction.CreatedAt.Add(time.Hour), auction.EndAt)
	assert.Len(t, auction.Photos, 1)
	assert.Len(t, store.records, 1)
}

func TestCreateAuctionRejectsBadInput(t *testing.T) {
	ledger := &mockLedger{}
	r, _ := newTestReconciler(ledger, newFakeStore())

	_, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "", DurationSeconds: 60}, creator)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.CreateAuction(context.Background(), AuctionSpec{Title: "x", DurationSeconds: 0}, creator)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Validation failures never reach the ledger.
	assert.Equal(t, 0, ledger.createCalls)
}

func TestCreateAuctionOrphanRetryUpserts(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	store.failUpserts = 1
	r, _ := newTestReconciler(ledger, store)

	spec := AuctionSpec{Title: "Painting", DurationSeconds: 3600}
	_, err := r.CreateAuction(context.Background(), spec, creator)

	// Ledger create succeeded, store write failed: the divergence must
	// surface the ledgerRef for a retry.
	var divergence *DivergenceError
	require.ErrorAs(t, err, &divergence)
	assert.Equal(t, uint64(1), divergence.LedgerRef)
	assert.Contains(t, store.events, "auction.orphaned")
	assert.Empty(t, store.records)

	// The retry must not touch the ledger again and must not duplicate.
	recovered, err := r.RecoverOrphan(context.Background(), divergence.LedgerRef, spec, creator)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), *recovered.LedgerRef)
	assert.Equal(t, 1, ledger.createCalls)
	assert.Len(t, store.records, 1)

	// A second recovery for the same ref updates in place.
	again, err := r.RecoverOrphan(context.Background(), divergence.LedgerRef, spec, creator)
	require.NoError(t, err)
	assert.Equal(t, recovered.ID, again.ID)
	assert.Len(t, store.records, 1)
}

func TestRecoverOrphanRetryKeepsDeadline(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	store.failUpserts = 1
	r, now := newTestReconciler(ledger, store)

	spec := AuctionSpec{Title: "Map", DurationSeconds: 3600}
	_, err := r.CreateAuction(context.Background(), spec, creator)
	var divergence *DivergenceError
	require.ErrorAs(t, err, &divergence)

	recovered, err := r.RecoverOrphan(context.Background(), divergence.LedgerRef, spec, creator)
	require.NoError(t, err)
	assert.Equal(t, recovered.CreatedAt.Add(time.Hour), recovered.EndAt)

	// A delayed retry must never move the deadline later.
	*now = now.Add(10 * time.Minute)
	again, err := r.RecoverOrphan(context.Background(), divergence.LedgerRef, spec, creator)
	require.NoError(t, err)
	assert.True(t, again.EndAt.Equal(recovered.EndAt))
	assert.True(t, again.EndAt.Equal(again.CreatedAt.Add(time.Hour)))
}

func TestRecoverOrphanRetryPreservesStoredState(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	spec := AuctionSpec{Title: "Atlas", DurationSeconds: 3600}
	auction, err := r.CreateAuction(context.Background(), spec, creator)
	require.NoError(t, err)

	_, err = r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderA")
	require.NoError(t, err)

	// A retry with stale input returns what the store actually holds:
	// creator and the bid-derived columns are not overwritten.
	again, err := r.RecoverOrphan(context.Background(), *auction.LedgerRef, spec, "0xSomeoneElse")
	require.NoError(t, err)
	assert.Equal(t, creator, again.Creator)
	assert.True(t, again.CachedHighestBid.Equal(eth("2")))
	assert.Equal(t, "0xBidderA", again.CachedHighestBidder)
	assert.Equal(t, creator, store.records[auction.ID].Creator)
}

func TestPlaceBidMonotonic(t *testing.T) {
	ledger := &mockLedger{highestBid: wei("1")}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Guitar", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	// 2 ETH over an authoritative 1 ETH: accepted, cache refreshed.
	updated, err := r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderA")
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.bidCalls)
	assert.True(t, updated.CachedHighestBid.Equal(eth("2")))
	assert.True(t, updated.StartingPrice.Equal(eth("2")))
	assert.Equal(t, "0xBidderA", updated.CachedHighestBidder)

	// 1.5 ETH against the new 2 ETH: rejected locally, the ledger's bid
	// entry point is never called.
	_, err = r.PlaceBid(context.Background(), auction.ID, wei("1.5"), "0xBidderB")
	assert.ErrorIs(t, err, ErrBidTooLow)
	assert.Equal(t, 1, ledger.bidCalls)

	// Equal to the highest bid is also too low.
	_, err = r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderB")
	assert.ErrorIs(t, err, ErrBidTooLow)
	assert.Equal(t, 1, ledger.bidCalls)
}

func TestPlaceBidRereadsLedgerEveryTime(t *testing.T) {
	ledger := &mockLedger{highestBid: wei("1")}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Bike", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	_, err = r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderA")
	require.NoError(t, err)
	_, _ = r.PlaceBid(context.Background(), auction.ID, wei("3"), "0xBidderB")

	// One authoritative read per acceptance decision.
	assert.Equal(t, 2, ledger.readCalls)
}

func TestPlaceBidLedgerFailureLeavesCacheUntouched(t *testing.T) {
	ledger := &mockLedger{highestBid: wei("1"), bidErr: ErrLedgerUnreachable}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Lamp", DurationSeconds: 3600, StartingPrice: eth("1")}, creator)
	require.NoError(t, err)

	_, err = r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderA")
	assert.ErrorIs(t, err, ErrLedgerUnreachable)

	stored := store.records[auction.ID]
	assert.True(t, stored.CachedHighestBid.IsZero())
	assert.True(t, stored.StartingPrice.Equal(eth("1")))
}

func TestPlaceBidCacheFailureIsDivergence(t *testing.T) {
	ledger := &mockLedger{highestBid: wei("1")}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Rug", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	store.failUpdates = 1
	_, err = r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderA")

	var divergence *DivergenceError
	require.ErrorAs(t, err, &divergence)
	assert.Equal(t, *auction.LedgerRef, divergence.LedgerRef)
	assert.Contains(t, store.events, "auction.cache_stale")

	// The ledger accepted the bid; the refresh pass repairs the cache.
	r.RefreshActiveCaches(context.Background())
	stored := store.records[auction.ID]
	assert.True(t, stored.CachedHighestBid.Equal(eth("2")))
	assert.Equal(t, "0xBidderA", stored.CachedHighestBidder)
}

func TestPlaceBidRequiresActivePhase(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, now := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Desk", DurationSeconds: 3600}, creator)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseActive, models.PhaseOf(auction, *now))

	*now = now.Add(3601 * time.Second)
	assert.Equal(t, models.PhaseEnded, models.PhaseOf(auction, *now))

	_, err = r.PlaceBid(context.Background(), auction.ID, wei("2"), "0xBidderA")
	assert.ErrorIs(t, err, ErrAuctionEnded)
	assert.Equal(t, 0, ledger.bidCalls)
	assert.Equal(t, 0, ledger.readCalls)
}

// The contract conflates ending and settlement: one endAuction call
// both closes the auction and releases funds, so the record marks
// money_claimed in the same step. A redesigned ledger could split the
// two, which would add a distinct Settled phase.
func TestEndAuctionAlsoSettles(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, now := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Sofa", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	*now = now.Add(10 * time.Minute)
	ended, err := r.EndAuction(context.Background(), auction.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.endCalls)
	assert.True(t, ended.MoneyClaimed)
	// Ending early moves end_at to now, never later.
	assert.Equal(t, *now, ended.EndAt)

	// Ending again must not re-invoke the ledger for the same ref.
	_, err = r.EndAuction(context.Background(), auction.ID, creator)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, 1, ledger.endCalls)
}

func TestEndAuctionRequiresCreator(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Chair", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	_, err = r.EndAuction(context.Background(), auction.ID, "0xSomeoneElse")
	assert.ErrorIs(t, err, ErrNotCreator)
	assert.Equal(t, 0, ledger.endCalls)
}

func TestClaimIdempotent(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, now := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Clock", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)

	claimed, err := r.Claim(context.Background(), auction.ID, creator)
	require.NoError(t, err)
	assert.True(t, claimed.MoneyClaimed)
	assert.Equal(t, 1, ledger.endCalls)

	// Second claim: success, no further ledger call.
	again, err := r.Claim(context.Background(), auction.ID, creator)
	require.NoError(t, err)
	assert.True(t, again.MoneyClaimed)
	assert.Equal(t, 1, ledger.endCalls)
}

func TestClaimRejectsActiveAuction(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Vase", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	_, err = r.Claim(context.Background(), auction.ID, creator)
	assert.ErrorIs(t, err, ErrStillActive)
	assert.Equal(t, 0, ledger.endCalls)
}

func TestSettlementLockBlocksConcurrentEnd(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, now := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Table", DurationSeconds: 3600}, creator)
	require.NoError(t, err)
	*now = now.Add(2 * time.Hour)

	// Simulate another instance holding the settlement lock.
	lock := r.Lock.(*fakeLock)
	_, err = lock.Acquire(context.Background(), "auction:settle:1", time.Minute)
	require.NoError(t, err)

	_, err = r.Claim(context.Background(), auction.ID, creator)
	assert.ErrorIs(t, err, ErrSettlementInFlight)
	assert.Equal(t, 0, ledger.endCalls)
}

func TestDeleteAuctionRecordsOrphanAndCleansBlobs(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	var deleted []string
	r.DeleteBlob = func(ctx context.Context, name string) error {
		deleted = append(deleted, name)
		return nil
	}

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{
		Title:           "Mirror",
		DurationSeconds: 3600,
		PhotoNames:      []string{"photos/m-1.jpg", "photos/m-2.jpg"},
	}, creator)
	require.NoError(t, err)

	err = r.DeleteAuction(context.Background(), auction.ID, creator)
	require.NoError(t, err)

	// The record is gone; the ledger-side auction remains and the
	// accepted divergence is on the outbox.
	assert.Empty(t, store.records)
	assert.Contains(t, store.events, "auction.ledger_orphaned")
	assert.ElementsMatch(t, []string{"photos/m-1.jpg", "photos/m-2.jpg"}, deleted)
	assert.Equal(t, 0, ledger.endCalls)
}

func TestDeleteAuctionRequiresCreator(t *testing.T) {
	ledger := &mockLedger{}
	store := newFakeStore()
	r, _ := newTestReconciler(ledger, store)

	auction, err := r.CreateAuction(context.Background(), AuctionSpec{Title: "Shelf", DurationSeconds: 3600}, creator)
	require.NoError(t, err)

	err = r.DeleteAuction(context.Background(), auction.ID, "0xSomeoneElse")
	assert.ErrorIs(t, err, ErrNotCreator)
	assert.Len(t, store.records, 1)
}
