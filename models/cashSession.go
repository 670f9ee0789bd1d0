package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashSession is one cashier's working period on a drawer, from open to
// close. A user has at most one open session per business at a time.
type CashSession struct {
	ID             int              `gorm:"primary_key" json:"id"`
	BusinessId     string           `gorm:"size:64;index:idx_user_status;not null" json:"business_id"`
	UserId         int              `gorm:"index:idx_user_status;not null" json:"user_id"`
	User           *User            `gorm:"foreignKey:UserId" json:"user,omitempty"`
	RegisterId     *int             `gorm:"index" json:"register_id"`
	Register       *CashRegister    `gorm:"foreignKey:RegisterId" json:"register,omitempty"`
	SessionNumber  string           `gorm:"size:40;uniqueIndex;not null" json:"session_number"`
	Status         SessionStatus    `gorm:"type:enum('open','closed','suspended');default:open;index:idx_user_status" json:"status"`
	OpenedAt       time.Time        `gorm:"not null;index" json:"opened_at"`
	OpeningBalance decimal.Decimal  `gorm:"type:decimal(12,2);not null" json:"opening_balance"`
	OpeningNotes   string           `gorm:"type:text" json:"opening_notes"`
	ClosedAt       *time.Time       `json:"closed_at"`
	ClosingBalance *decimal.Decimal `gorm:"type:decimal(12,2)" json:"closing_balance"`
	// ExpectedBalance and Difference are computed once at close and
	// immutable afterwards.
	ExpectedBalance *decimal.Decimal `gorm:"type:decimal(12,2)" json:"expected_balance"`
	Difference      *decimal.Decimal `gorm:"type:decimal(12,2)" json:"difference"`
	ClosingNotes    string           `gorm:"type:text" json:"closing_notes"`
	IsDeleted       bool             `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type OpenSessionInput struct {
	OpeningBalance *decimal.Decimal `json:"opening_balance"`
	RegisterId     *int             `json:"register_id"`
	Notes          string           `json:"notes"`
	Denominations  Denominations    `json:"denominations"`
	// CountNotes annotates the drawer count itself, not the session.
	CountNotes string `json:"count_notes"`
}

type CloseSessionInput struct {
	ClosingBalance *decimal.Decimal `json:"closing_balance"`
	Notes          string           `json:"notes"`
	Denominations  Denominations    `json:"denominations"`
	CountNotes     string           `json:"count_notes"`
}

type SessionFilter struct {
	Status     SessionStatus
	UserId     int
	RegisterId int
	OpenedFrom *time.Time
	OpenedTo   *time.Time
	Page       int
	PageSize   int
}

func notDeleted(db *gorm.DB) *gorm.DB {
	return db.Where("is_deleted = false")
}

// GenerateSessionNumber builds CS-<initials>-<YYYYMMDDHHMMSS>. Two opens by
// same-initial users in the same second collide on the unique index, so the
// timestamp is bumped until the number is free.
func GenerateSessionNumber(ctx context.Context, tx *gorm.DB, initials string, openedAt time.Time) (string, error) {
	t := openedAt
	for attempt := 0; attempt < 10; attempt++ {
		number := fmt.Sprintf("CS-%s-%s", initials, t.Format("20060102150405"))
		var count int64
		err := tx.WithContext(ctx).Model(&CashSession{}).
			Where("session_number = ?", number).Count(&count).Error
		if err != nil {
			return "", err
		}
		if count == 0 {
			return number, nil
		}
		t = t.Add(time.Second)
	}
	return "", fmt.Errorf("could not allocate session number for %s", initials)
}

// GetCurrentSession returns the user's open session, or nil when none exists.
func GetCurrentSession(ctx context.Context, businessId string, userId int) (*CashSession, error) {
	db := config.GetDB()
	var session CashSession
	err := db.WithContext(ctx).Scopes(notDeleted).
		Where("business_id = ? AND user_id = ? AND status = ?", businessId, userId, SessionStatusOpen).
		Order("opened_at DESC").
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// lastClosingBalance is the carry-forward source for new sessions.
func lastClosingBalance(ctx context.Context, tx *gorm.DB, businessId string, userId int) (*decimal.Decimal, error) {
	var session CashSession
	err := tx.WithContext(ctx).Scopes(notDeleted).
		Where("business_id = ? AND user_id = ? AND status = ?", businessId, userId, SessionStatusClosed).
		Order("closed_at DESC").
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return session.ClosingBalance, nil
}

// OpenForUser returns the user's already-open session unchanged, or creates
// a new one. The second return value reports whether a session was created.
// Callers must hold the per-user session lock and run inside tx.
func OpenForUser(ctx context.Context, tx *gorm.DB, businessId string, user *User, input *OpenSessionInput, settings *CashRegisterSettings) (*CashSession, bool, error) {

	var existing CashSession
	err := tx.WithContext(ctx).Scopes(notDeleted).
		Where("business_id = ? AND user_id = ? AND status = ?", businessId, user.ID, SessionStatusOpen).
		Order("opened_at DESC").
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, err
	}

	openingBalance, err := resolveOpeningBalance(ctx, tx, businessId, user.ID, input, settings)
	if err != nil {
		return nil, false, err
	}
	if openingBalance.IsNegative() &&
		!utils.DereferencePtr(settings.AllowNegativeBalance, false) {
		return nil, false, utils.ErrorInvalidInput
	}

	openedAt := time.Now()
	number, err := GenerateSessionNumber(ctx, tx, user.GetInitials(), openedAt)
	if err != nil {
		return nil, false, err
	}

	if input.RegisterId != nil {
		if err := utils.ValidateResourceId[CashRegister](ctx, businessId, *input.RegisterId); err != nil {
			return nil, false, err
		}
	}

	session := CashSession{
		BusinessId:     businessId,
		UserId:         user.ID,
		RegisterId:     input.RegisterId,
		SessionNumber:  number,
		Status:         SessionStatusOpen,
		OpenedAt:       openedAt,
		OpeningBalance: openingBalance,
		OpeningNotes:   input.Notes,
	}
	if err := tx.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, false, err
	}
	return &session, true, nil
}

// Opening balance precedence: explicit input, then carry-forward from the
// user's last closed session, then the tenant default.
func resolveOpeningBalance(ctx context.Context, tx *gorm.DB, businessId string, userId int, input *OpenSessionInput, settings *CashRegisterSettings) (decimal.Decimal, error) {
	if input.OpeningBalance != nil {
		return *input.OpeningBalance, nil
	}
	carried, err := lastClosingBalance(ctx, tx, businessId, userId)
	if err != nil {
		return decimal.Zero, err
	}
	if carried != nil {
		return *carried, nil
	}
	if settings.DefaultOpeningBalance != "" {
		d, err := decimal.NewFromString(settings.DefaultOpeningBalance)
		if err != nil {
			return decimal.Zero, utils.ErrorInvalidInput
		}
		return d, nil
	}
	return decimal.Zero, nil
}

// Close finalizes the session: expected balance is opening plus the signed
// sum of every movement, difference is counted minus expected (negative is
// a shortage). The status flip is a compare-and-swap on status = open so
// concurrent closes cannot both win.
func (session *CashSession) Close(ctx context.Context, tx *gorm.DB, closingBalance decimal.Decimal, notes string) error {
	if session.Status != SessionStatusOpen {
		return utils.ErrorSessionNotOpen
	}

	movementTotal, err := TotalSignedMovements(ctx, tx, session.BusinessId, session.ID)
	if err != nil {
		return err
	}
	expected := session.OpeningBalance.Add(movementTotal)
	difference := closingBalance.Sub(expected)
	closedAt := time.Now()

	result := tx.WithContext(ctx).Model(&CashSession{}).
		Where("id = ? AND status = ?", session.ID, SessionStatusOpen).
		Updates(map[string]interface{}{
			"status":           SessionStatusClosed,
			"closed_at":        closedAt,
			"closing_balance":  closingBalance,
			"expected_balance": expected,
			"difference":       difference,
			"closing_notes":    notes,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorSessionNotOpen
	}

	session.Status = SessionStatusClosed
	session.ClosedAt = &closedAt
	session.ClosingBalance = &closingBalance
	session.ExpectedBalance = &expected
	session.Difference = &difference
	session.ClosingNotes = notes
	return nil
}

// ClassifyDifference labels a close difference for reporting.
func ClassifyDifference(difference decimal.Decimal) DifferenceClassification {
	switch {
	case difference.IsZero():
		return DifferenceExact
	case difference.IsPositive():
		return DifferenceSurplus
	default:
		return DifferenceShortage
	}
}

// GetDuration formats elapsed time as "2h 15m", or "45m" under an hour.
// Open sessions measure up to now.
func (session *CashSession) GetDuration() string {
	end := time.Now()
	if session.ClosedAt != nil {
		end = *session.ClosedAt
	}
	elapsed := end.Sub(session.OpenedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	hours := int(elapsed.Hours())
	minutes := int(elapsed.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func GetCashSessionById(ctx context.Context, businessId string, id int) (*CashSession, error) {
	db := config.GetDB()
	var session CashSession
	err := db.WithContext(ctx).Scopes(notDeleted).
		Where("business_id = ?", businessId).
		Preload("User").Preload("Register").
		First(&session, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &session, nil
}

// PaginateSessions lists sessions newest first with optional status, user,
// register and opened_at range filters.
func PaginateSessions(ctx context.Context, businessId string, filter *SessionFilter) ([]*CashSession, int64, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&CashSession{}).Scopes(notDeleted).
		Where("business_id = ?", businessId)

	if filter.Status != "" {
		dbCtx = dbCtx.Where("status = ?", filter.Status)
	}
	if filter.UserId != 0 {
		dbCtx = dbCtx.Where("user_id = ?", filter.UserId)
	}
	if filter.RegisterId != 0 {
		dbCtx = dbCtx.Where("register_id = ?", filter.RegisterId)
	}
	if filter.OpenedFrom != nil {
		dbCtx = dbCtx.Where("opened_at >= ?", *filter.OpenedFrom)
	}
	if filter.OpenedTo != nil {
		dbCtx = dbCtx.Where("opened_at < ?", *filter.OpenedTo)
	}

	var total int64
	if err := dbCtx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var sessions []*CashSession
	err := dbCtx.Preload("User").Preload("Register").
		Order("opened_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&sessions).Error
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// SoftDeleteSession tombstones a closed session; open sessions must be
// closed first.
func SoftDeleteSession(ctx context.Context, businessId string, id int) error {
	db := config.GetDB()
	session, err := GetCashSessionById(ctx, businessId, id)
	if err != nil {
		return err
	}
	if session.Status == SessionStatusOpen {
		return utils.ErrorSessionNotOpen
	}
	return db.WithContext(ctx).Model(&CashSession{}).
		Where("id = ?", session.ID).
		Update("is_deleted", true).Error
}

// UpdateSessionNotes amends a session's notes. Open sessions amend the
// opening notes, closed sessions the closing notes.
func UpdateSessionNotes(ctx context.Context, businessId string, id int, notes string) (*CashSession, error) {
	db := config.GetDB()
	session, err := GetCashSessionById(ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	column := "opening_notes"
	if session.Status != SessionStatusOpen {
		// Reconciliation integrity guardrail (behind flag): closed sessions are immutable.
		if config.StrictClosedSessionImmutability() {
			return nil, fmt.Errorf("cannot edit a closed session; corrections belong in a new session: %w", utils.ErrorSessionNotOpen)
		}
		column = "closing_notes"
	}

	err = db.WithContext(ctx).Model(&CashSession{}).
		Where("id = ?", session.ID).
		Update(column, notes).Error
	if err != nil {
		return nil, err
	}
	if column == "opening_notes" {
		session.OpeningNotes = notes
	} else {
		session.ClosingNotes = notes
	}
	return session, nil
}

type TodaySummary struct {
	SessionsOpened int64           `json:"sessions_opened"`
	SessionsClosed int64           `json:"sessions_closed"`
	TotalSales     decimal.Decimal `json:"total_sales"`
	TotalRefunds   decimal.Decimal `json:"total_refunds"`
	NetMovements   decimal.Decimal `json:"net_movements"`
}

// GetTodaySummary aggregates the tenant's activity since local midnight.
func GetTodaySummary(ctx context.Context, businessId string) (*TodaySummary, error) {
	db := config.GetDB()
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	summary := TodaySummary{
		TotalSales:   decimal.Zero,
		TotalRefunds: decimal.Zero,
		NetMovements: decimal.Zero,
	}

	err := db.WithContext(ctx).Model(&CashSession{}).Scopes(notDeleted).
		Where("business_id = ? AND opened_at >= ?", businessId, dayStart).
		Count(&summary.SessionsOpened).Error
	if err != nil {
		return nil, err
	}
	err = db.WithContext(ctx).Model(&CashSession{}).Scopes(notDeleted).
		Where("business_id = ? AND closed_at >= ?", businessId, dayStart).
		Count(&summary.SessionsClosed).Error
	if err != nil {
		return nil, err
	}

	type row struct {
		MovementType MovementType
		Total        decimal.Decimal
	}
	var rows []row
	err = db.WithContext(ctx).Model(&CashMovement{}).
		Select("movement_type, COALESCE(SUM(amount), 0) AS total").
		Where("business_id = ? AND created_at >= ?", businessId, dayStart).
		Group("movement_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch r.MovementType {
		case MovementTypeSale:
			summary.TotalSales = summary.TotalSales.Add(r.Total)
		case MovementTypeRefund:
			summary.TotalRefunds = summary.TotalRefunds.Add(r.Total.Abs())
		}
		summary.NetMovements = summary.NetMovements.Add(r.Total)
	}
	return &summary, nil
}
