package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashMovement is one signed entry against an open session. Sale and cash-in
// amounts are stored positive; refunds and cash-out are stored negative, so
// the session balance is always opening plus a plain SUM.
type CashMovement struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"size:64;index;not null" json:"business_id"`
	SessionId     int             `gorm:"index;not null" json:"session_id"`
	Session       *CashSession    `gorm:"foreignKey:SessionId" json:"session,omitempty"`
	MovementType  MovementType    `gorm:"type:enum('sale','refund','in','out');not null" json:"movement_type"`
	Amount        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	PaymentMethod PaymentMethod   `gorm:"type:enum('cash','card','transfer','other');default:cash" json:"payment_method"`
	// EmployeeId is the acting user, which may differ from the session owner
	// (a supervisor dropping cash into a cashier's drawer).
	EmployeeId  *int      `gorm:"index" json:"employee_id"`
	Employee    *User     `gorm:"foreignKey:EmployeeId" json:"employee,omitempty"`
	ReferenceId string    `gorm:"size:64;index" json:"reference_id"`
	Description string    `gorm:"size:255" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type NewCashMovement struct {
	MovementType  string          `json:"movement_type" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	PaymentMethod string          `json:"payment_method"`
	EmployeeId    *int            `json:"employee_id"`
	ReferenceId   string          `json:"reference_id"`
	Description   string          `json:"description"`
}

// SaleCompleted is the push payload consumed from the sales pipeline.
type SaleCompleted struct {
	BusinessId    string          `json:"business_id"`
	Username      string          `json:"username"`
	SaleNumber    string          `json:"sale_number"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	IsRefund      bool            `json:"is_refund"`
}

// CreateCashMovement attaches a movement to the user's open session inside
// tx. Input amounts are magnitudes; the sign comes from the movement type.
func CreateCashMovement(ctx context.Context, tx *gorm.DB, businessId string, userId int, input *NewCashMovement) (*CashMovement, error) {

	movementType, err := ParseMovementType(input.MovementType)
	if err != nil {
		return nil, utils.ErrorInvalidInput
	}
	paymentMethod, err := ParsePaymentMethod(input.PaymentMethod)
	if err != nil {
		return nil, utils.ErrorInvalidInput
	}
	if input.Amount.IsNegative() || input.Amount.IsZero() {
		return nil, utils.ErrorInvalidInput
	}
	if input.EmployeeId != nil {
		if err := utils.ValidateResourceId[User](ctx, businessId, *input.EmployeeId); err != nil {
			return nil, err
		}
	}

	var session CashSession
	err = tx.WithContext(ctx).Scopes(notDeleted).
		Where("business_id = ? AND user_id = ? AND status = ?", businessId, userId, SessionStatusOpen).
		Order("opened_at DESC").
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorNoOpenSession
		}
		return nil, err
	}

	amount := input.Amount
	if movementType.StoredNegative() {
		amount = amount.Neg()
	}

	movement := CashMovement{
		BusinessId:    businessId,
		SessionId:     session.ID,
		MovementType:  movementType,
		Amount:        amount,
		PaymentMethod: paymentMethod,
		EmployeeId:    input.EmployeeId,
		ReferenceId:   input.ReferenceId,
		Description:   input.Description,
	}
	if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
		return nil, err
	}
	return &movement, nil
}

// RecordSale records a completed sale (or refund) against the seller's open
// session. No open session is not an error: the sale simply is not recorded
// and (nil, nil) is returned.
func RecordSale(ctx context.Context, tx *gorm.DB, event *SaleCompleted) (*CashMovement, error) {
	user, err := GetUserByUsername(ctx, event.Username)
	if err != nil {
		return nil, err
	}

	session, err := GetCurrentSession(ctx, event.BusinessId, user.ID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	movementType := MovementTypeSale
	if event.IsRefund {
		movementType = MovementTypeRefund
	}
	input := NewCashMovement{
		MovementType:  string(movementType),
		Amount:        event.Amount.Abs(),
		PaymentMethod: event.PaymentMethod,
		EmployeeId:    &user.ID,
		ReferenceId:   event.SaleNumber,
		Description:   "sale " + event.SaleNumber,
	}
	if event.IsRefund {
		input.Description = "refund " + event.SaleNumber
	}
	return CreateCashMovement(ctx, tx, event.BusinessId, user.ID, &input)
}

// TotalSignedMovements sums every movement of a session; amounts already
// carry their sign.
func TotalSignedMovements(ctx context.Context, tx *gorm.DB, businessId string, sessionId int) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := tx.WithContext(ctx).Model(&CashMovement{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func ListSessionMovements(ctx context.Context, businessId string, sessionId int) ([]*CashMovement, error) {
	db := config.GetDB()
	if err := utils.ValidateResourceId[CashSession](ctx, businessId, sessionId); err != nil {
		return nil, err
	}
	var movements []*CashMovement
	err := db.WithContext(ctx).
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		Order("created_at ASC, id ASC").
		Find(&movements).Error
	if err != nil {
		return nil, err
	}
	return movements, nil
}

// SessionTotals is the per-type breakdown shown on the session detail view.
// Refunds and cash-out are reported as magnitudes.
type SessionTotals struct {
	Sales          decimal.Decimal `json:"sales"`
	Refunds        decimal.Decimal `json:"refunds"`
	CashIn         decimal.Decimal `json:"cash_in"`
	CashOut        decimal.Decimal `json:"cash_out"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
}

func GetSessionTotals(ctx context.Context, session *CashSession) (*SessionTotals, error) {
	db := config.GetDB()

	type row struct {
		MovementType MovementType
		Total        decimal.Decimal
	}
	var rows []row
	err := db.WithContext(ctx).Model(&CashMovement{}).
		Select("movement_type, COALESCE(SUM(amount), 0) AS total").
		Where("business_id = ? AND session_id = ?", session.BusinessId, session.ID).
		Group("movement_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := SessionTotals{
		Sales:          decimal.Zero,
		Refunds:        decimal.Zero,
		CashIn:         decimal.Zero,
		CashOut:        decimal.Zero,
		CurrentBalance: session.OpeningBalance,
	}
	for _, r := range rows {
		switch r.MovementType {
		case MovementTypeSale:
			totals.Sales = r.Total
		case MovementTypeRefund:
			totals.Refunds = r.Total.Abs()
		case MovementTypeIn:
			totals.CashIn = r.Total
		case MovementTypeOut:
			totals.CashOut = r.Total.Abs()
		}
		totals.CurrentBalance = totals.CurrentBalance.Add(r.Total)
	}
	return &totals, nil
}
