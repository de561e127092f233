// models/auction.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Auction is the off-chain projection of a ledger-side auction.
// Display metadata lives here; bid-related columns are a cache of the
// last observed ledger values and must never drive accept/reject
// decisions; the contract is always re-read first.
type Auction struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`

	// LedgerRef correlates this record with the on-chain auction.
	// Nil only between contract creation and record persistence;
	// once set it is never changed or cleared.
	LedgerRef *uint64 `json:"ledger_ref,omitempty" gorm:"uniqueIndex"`

	Title       string `json:"title" gorm:"not null"`
	Description string `json:"description"`

	// StartingPrice tracks the last known highest bid in ETH (advisory).
	StartingPrice decimal.Decimal `json:"starting_price" gorm:"type:decimal(32,18);not null;default:0"`

	Creator         string `json:"creator" gorm:"type:varchar(64);not null;index"`
	DurationSeconds int64  `json:"duration_seconds" gorm:"not null"`

	CreatedAt time.Time `json:"created_at"`
	// EndAt = CreatedAt + DurationSeconds unless the auction was ended
	// early. It only ever moves earlier, never later.
	EndAt time.Time `json:"end_at" gorm:"index;not null"`

	// MoneyClaimed flips false→true exactly once when settlement runs.
	MoneyClaimed bool `json:"money_claimed" gorm:"not null;default:false"`

	// Last observed ledger values, refreshed after successful bids and
	// by the cache-refresh job. Advisory only.
	CachedHighestBid    decimal.Decimal `json:"cached_highest_bid" gorm:"type:decimal(32,18);not null;default:0"`
	CachedHighestBidder string          `json:"cached_highest_bidder" gorm:"type:varchar(64)"`

	UpdatedAt time.Time `json:"updated_at"`

	Photos []AuctionPhoto `json:"photos" gorm:"foreignKey:AuctionID"`
}

// AuctionPhoto references a photo blob by its object-storage key.
type AuctionPhoto struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	AuctionID string `json:"auction_id" gorm:"index;not null"`
	Name      string `json:"name" gorm:"not null"`
	Position  int    `json:"position"`
}

func (Auction) TableName() string {
	return "auctions"
}

func (AuctionPhoto) TableName() string {
	return "auction_photos"
}
