package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// How long a STARTED claim is honored before another worker may reclaim it.
const idempotencyClaimTimeout = 5 * time.Minute

var ErrIdempotencyInProgress = errors.New("message is being handled by another worker")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency claims (business, handler, message) by inserting a
// STARTED row. A SUCCEEDED row means the message was already handled and
// must be skipped (true, nil). A fresh STARTED row belongs to another
// worker, so the caller should let the broker retry; stale STARTED and
// FAILED rows are reclaimed.
func BeginIdempotency(tx *gorm.DB, businessId, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	err = tx.Where("business_id = ? AND handler_name = ? AND message_id = ?",
		businessId, handlerName, messageId).
		First(&existing).Error
	if err != nil {
		return false, err
	}

	if existing.Status == models.IdempotencyStatusSucceeded {
		return true, nil
	}
	if existing.Status == models.IdempotencyStatusStarted &&
		time.Since(existing.UpdatedAt) < idempotencyClaimTimeout {
		return false, ErrIdempotencyInProgress
	}
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, businessId, handlerName, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?",
			businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, businessId, handlerName, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?",
			businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
