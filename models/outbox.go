package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CashEventRecord is the transactional outbox row for cash register events.
// Rows are written inside the same transaction as the domain change and
// published to Pub/Sub after commit by the dispatcher.
type CashEventRecord struct {
	ID            int               `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string            `gorm:"size:64;not null;index" json:"business_id"`
	EventDateTime time.Time         `gorm:"index;not null" json:"event_date_time"`
	ReferenceId   int               `json:"reference_id"`
	ReferenceType CashReferenceType `gorm:"type:enum('CS','CM','CC')" json:"reference_type"`
	Action        CashEventAction   `gorm:"type:enum('OPENED','CLOSED','RECORDED')" json:"action"`
	Payload       []byte            `gorm:"type:blob" json:"payload"`
	PublishStatus string            `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt   *time.Time        `gorm:"index" json:"published_at"`

	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToCashEventMessage(record CashEventRecord) config.CashEventMessage {
	return config.CashEventMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		EventDateTime: record.EventDateTime,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Action:        string(record.Action),
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// RecordCashEvent queues an event in the outbox inside tx. The payload is
// the JSON of obj at the time of the change.
func RecordCashEvent(ctx context.Context, tx *gorm.DB, businessId string, referenceId int, referenceType CashReferenceType, action CashEventAction, obj any) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	record := CashEventRecord{
		BusinessId:    businessId,
		EventDateTime: time.Now(),
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		Action:        action,
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.WithContext(ctx).Create(&record).Error
}
