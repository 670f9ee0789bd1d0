package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Denominations maps section name ("bills", "coins") to face value, as a
// decimal string, to piece count. Unknown sections are ignored by the
// calculator so clients can attach extra metadata without breaking totals.
type Denominations map[string]map[string]int

var countedSections = []string{"bills", "coins"}

// CashCount is a physical drawer count tied to a session open or close.
type CashCount struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"size:64;index;not null" json:"business_id"`
	SessionId     int             `gorm:"index;not null" json:"session_id"`
	CountType     CountType       `gorm:"type:enum('opening','closing');not null" json:"count_type"`
	Denominations Denominations   `gorm:"serializer:json" json:"denominations"`
	TotalCounted  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_counted"`
	Notes         string          `gorm:"size:255" json:"notes"`
	CountedBy     int             `gorm:"not null" json:"counted_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// CalculateDenominationTotal sums face value times count over the bills and
// coins sections. Unparseable face values or negative counts are rejected
// with ErrorInvalidInput; an empty or nil breakdown totals to zero.
func CalculateDenominationTotal(denominations Denominations) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, section := range countedSections {
		for face, count := range denominations[section] {
			faceValue, err := decimal.NewFromString(face)
			if err != nil || faceValue.IsNegative() {
				return decimal.Zero, utils.ErrorInvalidInput
			}
			if count < 0 {
				return decimal.Zero, utils.ErrorInvalidInput
			}
			total = total.Add(faceValue.Mul(decimal.NewFromInt(int64(count))))
		}
	}
	return total, nil
}

// BeforeCreate derives the total from the breakdown when the caller did not
// supply one.
func (count *CashCount) BeforeCreate(tx *gorm.DB) error {
	if !count.CountType.IsValid() {
		return utils.ErrorInvalidInput
	}
	if count.TotalCounted.IsZero() && len(count.Denominations) > 0 {
		total, err := CalculateDenominationTotal(count.Denominations)
		if err != nil {
			return err
		}
		count.TotalCounted = total
	}
	return nil
}

// CreateCashCount stores a count for a session inside tx.
func CreateCashCount(ctx context.Context, tx *gorm.DB, session *CashSession, countType CountType, denominations Denominations, notes string, countedBy int) (*CashCount, error) {
	count := CashCount{
		BusinessId:    session.BusinessId,
		SessionId:     session.ID,
		CountType:     countType,
		Denominations: denominations,
		Notes:         notes,
		CountedBy:     countedBy,
	}
	if err := tx.WithContext(ctx).Create(&count).Error; err != nil {
		return nil, err
	}
	return &count, nil
}

func ListSessionCounts(ctx context.Context, tx *gorm.DB, businessId string, sessionId int) ([]*CashCount, error) {
	var counts []*CashCount
	err := tx.WithContext(ctx).
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		Order("created_at ASC").
		Find(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}
