// services/auction_store.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuctionRecords is the off-chain record store consumed by the
// reconciliation engine. There is no optimistic concurrency control:
// concurrent cache updates for the same auction are last-write-wins,
// which is acceptable because the bid-related columns are advisory.
type AuctionRecords interface {
	All(ctx context.Context) ([]models.Auction, error)
	ByCreator(ctx context.Context, creator string) ([]models.Auction, error)
	Active(ctx context.Context, now time.Time) ([]models.Auction, error)
	Inactive(ctx context.Context, now time.Time) ([]models.Auction, error)
	ByID(ctx context.Context, id string) (*models.Auction, error)

	// UpsertByLedgerRef persists keyed on ledger_ref: a retry after a
	// partial create failure updates the existing row instead of
	// duplicating the auction. When a row already exists its identity,
	// deadline anchor, creator and bid-derived columns win over the
	// retry input, and the returned record reflects the stored row.
	UpsertByLedgerRef(ctx context.Context, a *models.Auction) error

	// UpdateFields applies a partial update and returns the fresh record.
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) (*models.Auction, error)

	// Delete removes the record and its photo rows, returning the photo
	// names so callers can clean up blobs best-effort.
	Delete(ctx context.Context, id string) ([]string, error)

	// EnqueueEvent records an outbox event for the broker worker.
	EnqueueEvent(ctx context.Context, topic string, payload interface{}) error
}

// AuctionStore is the gorm/postgres implementation of AuctionRecords.
type AuctionStore struct {
	DB *gorm.DB
}

func NewAuctionStore(db *gorm.DB) *AuctionStore {
	return &AuctionStore{DB: db}
}

func (s *AuctionStore) All(ctx context.Context) ([]models.Auction, error) {
	var auctions []models.Auction
	if err := s.DB.WithContext(ctx).Preload("Photos").Order("created_at DESC").Find(&auctions).Error; err != nil {
		return nil, storeErr(err)
	}
	return auctions, nil
}

func (s *AuctionStore) ByCreator(ctx context.Context, creator string) ([]models.Auction, error) {
	var auctions []models.Auction
	err := s.DB.WithContext(ctx).Preload("Photos").
		Where("creator = ?", creator).
		Order("created_at DESC").
		Find(&auctions).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return auctions, nil
}

func (s *AuctionStore) Active(ctx context.Context, now time.Time) ([]models.Auction, error) {
	var auctions []models.Auction
	err := s.DB.WithContext(ctx).Preload("Photos").
		Where("end_at > ?", now).
		Order("end_at ASC").
		Find(&auctions).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return auctions, nil
}

func (s *AuctionStore) Inactive(ctx context.Context, now time.Time) ([]models.Auction, error) {
	var auctions []models.Auction
	err := s.DB.WithContext(ctx).Preload("Photos").
		Where("end_at <= ?", now).
		Order("end_at DESC").
		Find(&auctions).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return auctions, nil
}

func (s *AuctionStore) ByID(ctx context.Context, id string) (*models.Auction, error) {
	var auction models.Auction
	if err := s.DB.WithContext(ctx).Preload("Photos").First(&auction, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return &auction, nil
}

func (s *AuctionStore) UpsertByLedgerRef(ctx context.Context, a *models.Auction) error {
	if a.LedgerRef == nil {
		return ErrMissingLedgerRef
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A retry for the same ledgerRef keeps the original identity.
		var existing models.Auction
		err := tx.Where("ledger_ref = ?", *a.LedgerRef).First(&existing).Error
		switch {
		case err == nil:
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
			// The deadline anchors to the original creation time; a
			// late retry must never move it later.
			a.EndAt = existing.CreatedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
			// Columns outside the conflict update list keep their
			// stored values; the returned record must match the row.
			a.Creator = existing.Creator
			a.MoneyClaimed = existing.MoneyClaimed
			a.CachedHighestBid = existing.CachedHighestBid
			a.CachedHighestBidder = existing.CachedHighestBidder
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Omit("Photos").Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ledger_ref"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title",
				"description",
				"starting_price",
				"duration_seconds",
				"end_at",
				"updated_at",
			}),
		}).Create(a).Error; err != nil {
			return err
		}

		// Photos are replaced wholesale; the blob names are stable
		// across retries because uploads happen before the ledger call.
		if err := tx.Where("auction_id = ?", a.ID).Delete(&models.AuctionPhoto{}).Error; err != nil {
			return err
		}
		for i := range a.Photos {
			a.Photos[i].AuctionID = a.ID
		}
		if len(a.Photos) > 0 {
			if err := tx.Create(&a.Photos).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *AuctionStore) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) (*models.Auction, error) {
	res := s.DB.WithContext(ctx).Model(&models.Auction{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, storeErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.ByID(ctx, id)
}

func (s *AuctionStore) Delete(ctx context.Context, id string) ([]string, error) {
	var names []string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var auction models.Auction
		if err := tx.Preload("Photos").First(&auction, "id = ?", id).Error; err != nil {
			return err
		}
		for _, p := range auction.Photos {
			names = append(names, p.Name)
		}
		if err := tx.Where("auction_id = ?", id).Delete(&models.AuctionPhoto{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Auction{}, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return names, nil
}

func (s *AuctionStore) EnqueueEvent(ctx context.Context, topic string, payload interface{}) error {
	if err := models.CreateOutboxMessage(s.DB.WithContext(ctx), topic, payload); err != nil {
		return storeErr(err)
	}
	return nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
}
