package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("cashregister-backend")

var ErrCashRegisterDisabled = errors.New("cash register is disabled for this business")

// OpenSession opens (or returns) the user's session. The advisory lock plus
// the in-transaction open check make concurrent opens collapse to one row.
// The second return value reports whether a new session was created.
func OpenSession(ctx context.Context, logger *logrus.Logger, businessId string, user *models.User, input *models.OpenSessionInput) (*models.CashSession, bool, error) {

	ctx, span := tracer.Start(ctx, "workflow.OpenSession")
	defer span.End()

	settings, err := models.GetCashRegisterSettings(ctx, businessId)
	if err != nil {
		return nil, false, err
	}
	if !utils.DereferencePtr(settings.Enabled, false) {
		return nil, false, ErrCashRegisterDisabled
	}
	if utils.DereferencePtr(settings.RequireOpeningCount, false) && len(input.Denominations) == 0 {
		return nil, false, utils.ErrorInvalidInput
	}
	// A counted drawer overrides any supplied opening balance.
	if len(input.Denominations) > 0 {
		total, err := models.CalculateDenominationTotal(input.Denominations)
		if err != nil {
			return nil, false, err
		}
		input.OpeningBalance = &total
	}

	db := config.GetDB()
	var session *models.CashSession
	var created bool
	err = WithUserSessionLock(ctx, db, businessId, user.ID, func(tx *gorm.DB) error {
		var err error
		session, created, err = models.OpenForUser(ctx, tx, businessId, user, input, settings)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		if len(input.Denominations) > 0 {
			// The count snapshot is optional audit data and must not block the open.
			if _, err := models.CreateCashCount(ctx, tx, session, models.CountTypeOpening, input.Denominations, input.CountNotes, user.ID); err != nil {
				config.LogError(logger, "workflow", "OpenSession", "opening count skipped", session.SessionNumber, err)
			}
		}
		return models.RecordCashEvent(ctx, tx, businessId, session.ID,
			models.CashReferenceTypeSession, models.CashEventActionOpened, session)
	})
	if err != nil {
		config.LogError(logger, "workflow", "OpenSession", "open", user.Username, err)
		return nil, false, err
	}
	return session, created, nil
}

// CloseSession finalizes the user's open session. The closing balance comes
// from the request, or from the counted denominations when provided.
func CloseSession(ctx context.Context, logger *logrus.Logger, businessId string, user *models.User, input *models.CloseSessionInput) (*models.CashSession, error) {

	ctx, span := tracer.Start(ctx, "workflow.CloseSession")
	defer span.End()

	settings, err := models.GetCashRegisterSettings(ctx, businessId)
	if err != nil {
		return nil, err
	}
	if utils.DereferencePtr(settings.RequireClosingCount, false) && len(input.Denominations) == 0 {
		return nil, utils.ErrorInvalidInput
	}

	closingBalance := input.ClosingBalance
	if len(input.Denominations) > 0 {
		total, err := models.CalculateDenominationTotal(input.Denominations)
		if err != nil {
			return nil, err
		}
		closingBalance = &total
	}
	if closingBalance == nil {
		return nil, utils.ErrorInvalidInput
	}
	if closingBalance.IsNegative() &&
		!utils.DereferencePtr(settings.AllowNegativeBalance, false) {
		return nil, utils.ErrorInvalidInput
	}

	db := config.GetDB()
	var session models.CashSession
	err = WithUserSessionLock(ctx, db, businessId, user.ID, func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Where("business_id = ? AND user_id = ? AND status = ? AND is_deleted = false",
				businessId, user.ID, models.SessionStatusOpen).
			Order("opened_at DESC").
			First(&session).Error
		if err != nil {
			return utils.ErrorNoOpenSession
		}

		if err := session.Close(ctx, tx, *closingBalance, input.Notes); err != nil {
			return err
		}

		if len(input.Denominations) > 0 {
			// The count snapshot is optional audit data and must not block the close.
			if _, err := models.CreateCashCount(ctx, tx, &session, models.CountTypeClosing, input.Denominations, input.CountNotes, user.ID); err != nil {
				config.LogError(logger, "workflow", "CloseSession", "closing count skipped", session.SessionNumber, err)
			}
		}
		return models.RecordCashEvent(ctx, tx, businessId, session.ID,
			models.CashReferenceTypeSession, models.CashEventActionClosed, &session)
	})
	if err != nil {
		config.LogError(logger, "workflow", "CloseSession", "close", user.Username, err)
		return nil, err
	}
	return &session, nil
}

// CloseSessionAuto closes at the expected balance, used by logout auto-close
// where nobody counts the drawer. The expected balance is computed inside
// the locked transaction so a movement racing the logout cannot produce a
// phantom difference. Returns (nil, nil) when the user has no open session.
func CloseSessionAuto(ctx context.Context, logger *logrus.Logger, businessId string, user *models.User) (*models.CashSession, error) {

	ctx, span := tracer.Start(ctx, "workflow.CloseSessionAuto")
	defer span.End()

	db := config.GetDB()
	var session *models.CashSession
	err := WithUserSessionLock(ctx, db, businessId, user.ID, func(tx *gorm.DB) error {
		var current models.CashSession
		err := tx.WithContext(ctx).
			Where("business_id = ? AND user_id = ? AND status = ? AND is_deleted = false",
				businessId, user.ID, models.SessionStatusOpen).
			Order("opened_at DESC").
			First(&current).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		total, err := models.TotalSignedMovements(ctx, tx, businessId, current.ID)
		if err != nil {
			return err
		}
		expected := current.OpeningBalance.Add(total)
		if err := current.Close(ctx, tx, expected, "auto-closed on logout"); err != nil {
			return err
		}
		if err := models.RecordCashEvent(ctx, tx, businessId, current.ID,
			models.CashReferenceTypeSession, models.CashEventActionClosed, &current); err != nil {
			return err
		}
		session = &current
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "CloseSessionAuto", "close", user.Username, err)
		return nil, err
	}
	return session, nil
}

// AddMovement records a manual cash movement against the user's open session.
func AddMovement(ctx context.Context, logger *logrus.Logger, businessId string, userId int, input *models.NewCashMovement) (*models.CashMovement, error) {

	settings, err := models.GetCashRegisterSettings(ctx, businessId)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(settings.Enabled, false) {
		return nil, ErrCashRegisterDisabled
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer tx.Rollback()

	movement, err := models.CreateCashMovement(ctx, tx, businessId, userId, input)
	if err != nil {
		return nil, err
	}

	// Withdrawals may not overdraw the drawer unless the tenant allows it.
	if movement.MovementType.StoredNegative() &&
		!utils.DereferencePtr(settings.AllowNegativeBalance, false) {
		session := models.CashSession{}
		if err := tx.WithContext(ctx).First(&session, movement.SessionId).Error; err != nil {
			return nil, err
		}
		total, err := models.TotalSignedMovements(ctx, tx, businessId, movement.SessionId)
		if err != nil {
			return nil, err
		}
		if session.OpeningBalance.Add(total).IsNegative() {
			return nil, utils.ErrorInvalidInput
		}
	}

	if err := models.RecordCashEvent(ctx, tx, businessId, movement.ID,
		models.CashReferenceTypeMovement, models.CashEventActionRecorded, movement); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "workflow", "AddMovement", "commit", input, err)
		return nil, err
	}
	return movement, nil
}

const saleCompletedHandler = "SaleCompleted"

// saleEventMessageId dedupes a sale-completed event across redeliveries.
// The business key (sale number plus direction) is preferred over the
// transport message id, which changes when the event is re-published.
func saleEventMessageId(ctx context.Context, event *models.SaleCompleted) string {
	if event.SaleNumber != "" {
		if event.IsRefund {
			return event.SaleNumber + ":refund"
		}
		return event.SaleNumber
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return correlationId
}

// ProcessSaleCompleted handles a sale-completed push event. Returns the
// created movement, or nil when the sale was deliberately not recorded
// (already handled, register disabled, non-cash sale excluded, or no
// open session). Push delivery is at-least-once, so the event is claimed
// through an idempotency key inside the recording transaction.
func ProcessSaleCompleted(ctx context.Context, logger *logrus.Logger, event *models.SaleCompleted) (*models.CashMovement, error) {

	if config.SkipSaleEventRecording() {
		return nil, nil
	}

	settings, err := models.GetCashRegisterSettings(ctx, event.BusinessId)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(settings.Enabled, false) {
		return nil, nil
	}
	method, err := models.ParsePaymentMethod(event.PaymentMethod)
	if err != nil {
		return nil, utils.ErrorInvalidInput
	}
	if method != models.PaymentMethodCash &&
		!utils.DereferencePtr(settings.RecordNonCashSales, false) {
		return nil, nil
	}
	messageId := saleEventMessageId(ctx, event)
	if messageId == "" {
		return nil, utils.ErrorInvalidInput
	}

	db := config.GetDB()
	var movement *models.CashMovement
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx.WithContext(ctx), event.BusinessId, saleCompletedHandler, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		movement, err = models.RecordSale(ctx, tx, event)
		if err != nil {
			return err
		}
		if movement != nil {
			if err := models.RecordCashEvent(ctx, tx, event.BusinessId, movement.ID,
				models.CashReferenceTypeMovement, models.CashEventActionRecorded, movement); err != nil {
				return err
			}
		}
		// A nil movement (no open session) is still a handled message, so
		// the skip decision must survive redelivery.
		return MarkIdempotencySucceeded(tx.WithContext(ctx), event.BusinessId, saleCompletedHandler, messageId)
	})
	if err != nil {
		if !errors.Is(err, ErrIdempotencyInProgress) {
			_ = MarkIdempotencyFailed(db.WithContext(ctx), event.BusinessId, saleCompletedHandler, messageId, err)
		}
		config.LogError(logger, "workflow", "ProcessSaleCompleted", "record", event.SaleNumber, err)
		return nil, err
	}
	return movement, nil
}

// ComputeDifferencePreview classifies a would-be close without mutating
// anything, for the pre-close review screen.
func ComputeDifferencePreview(ctx context.Context, businessId string, userId int, countedBalance decimal.Decimal) (*DifferencePreview, error) {
	session, err := models.GetCurrentSession(ctx, businessId, userId)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, utils.ErrorNoOpenSession
	}

	db := config.GetDB()
	total, err := models.TotalSignedMovements(ctx, db, businessId, session.ID)
	if err != nil {
		return nil, err
	}
	expected := session.OpeningBalance.Add(total)
	difference := countedBalance.Sub(expected)
	return &DifferencePreview{
		SessionNumber:   session.SessionNumber,
		ExpectedBalance: expected,
		CountedBalance:  countedBalance,
		Difference:      difference,
		Classification:  models.ClassifyDifference(difference),
	}, nil
}

type DifferencePreview struct {
	SessionNumber   string                          `json:"session_number"`
	ExpectedBalance decimal.Decimal                 `json:"expected_balance"`
	CountedBalance  decimal.Decimal                 `json:"counted_balance"`
	Difference      decimal.Decimal                 `json:"difference"`
	Classification  models.DifferenceClassification `json:"classification"`
}
