package workflow

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// WithUserSessionLock pins a single pooled connection, takes the per-user
// advisory lock on it, runs fn inside a transaction on that same connection,
// and releases the lock after the transaction has finished. Releasing only
// after commit means a competing caller acquiring the lock always sees the
// committed session row.
func WithUserSessionLock(ctx context.Context, db *gorm.DB, businessId string, userId int, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireUserSessionLock(conn, businessId, userId); err != nil {
			return err
		}
		defer ReleaseUserSessionLock(conn, businessId, userId)
		return conn.Transaction(fn)
	})
}

// AcquireUserSessionLock serializes open/close per (business, user) across
// instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that runs the session transaction.
func AcquireUserSessionLock(tx *gorm.DB, businessId string, userId int) error {
	lockName := fmt.Sprintf("cash_session:%s:%d", businessId, userId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire session lock for business_id=%s user_id=%d", businessId, userId)
	}
	return nil
}

func ReleaseUserSessionLock(tx *gorm.DB, businessId string, userId int) {
	lockName := fmt.Sprintf("cash_session:%s:%d", businessId, userId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
