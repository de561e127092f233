// models/outbox.go
package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage records divergence and orphan events in the same
// database as the auction records, so that a ledger/store mismatch is
// never lost even if the broker is down when it happens.
type OutboxMessage struct {
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Topic     string    `json:"topic" gorm:"type:varchar(255);not null"`
	Payload   []byte    `json:"payload" gorm:"type:text;not null"`
	Status    string    `json:"status" gorm:"type:varchar(50);not null;default:'PENDING';index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// CreateOutboxMessage enqueues an event row inside the caller's transaction.
func CreateOutboxMessage(tx *gorm.DB, topic string, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := OutboxMessage{
		Topic:   topic,
		Payload: payloadBytes,
		Status:  OutboxStatusPending,
	}

	return tx.Create(&msg).Error
}
