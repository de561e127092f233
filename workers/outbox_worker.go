package workers

import (
	"context"
	"strconv"
	"time"

	"auction-backend/logger"
	"auction-backend/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxPublisher drains PENDING outbox rows to the broker. Events are
// written to the database in the same store as the auction records, so
// a divergence event survives a broker outage and is published here
// once the broker is back.
type OutboxPublisher struct {
	DB     *gorm.DB
	writer *kafka.Writer
}

func NewOutboxPublisher(db *gorm.DB, brokers []string, topic string) *OutboxPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}

	return &OutboxPublisher{DB: db, writer: writer}
}

// Run polls until the context is cancelled. A row that fails to
// publish stays PENDING and is retried on the next tick.
func (p *OutboxPublisher) Run(ctx context.Context, interval time.Duration) {
	logger.Info("outbox publisher started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			p.publishPending(ctx)
		}
	}
}

func (p *OutboxPublisher) publishPending(ctx context.Context) {
	var messages []models.OutboxMessage
	err := p.DB.WithContext(ctx).
		Where("status = ?", models.OutboxStatusPending).
		Order("id ASC").
		Limit(100).
		Find(&messages).Error
	if err != nil {
		logger.Error("outbox query failed", zap.Error(err))
		return
	}

	for _, msg := range messages {
		err := p.writer.WriteMessages(ctx, kafka.Message{
			// Key by row id so replays of one event stay ordered.
			Key:   []byte(strconv.FormatUint(msg.ID, 10)),
			Value: msg.Payload,
		})
		if err != nil {
			logger.Warn("outbox publish failed, will retry",
				zap.Uint64("outbox_id", msg.ID), zap.Error(err))
			continue
		}

		if err := p.DB.WithContext(ctx).Model(&models.OutboxMessage{}).
			Where("id = ?", msg.ID).
			Update("status", models.OutboxStatusSent).Error; err != nil {
			logger.Error("outbox status update failed",
				zap.Uint64("outbox_id", msg.ID), zap.Error(err))
		}
	}
}

func (p *OutboxPublisher) Close() error {
	return p.writer.Close()
}
