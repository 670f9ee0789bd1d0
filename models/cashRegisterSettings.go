package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CashRegisterSettings is a per-tenant singleton. Every read goes through
// GetCashRegisterSettings which lazily creates the row with defaults.
type CashRegisterSettings struct {
	ID                    int       `gorm:"primary_key" json:"id"`
	BusinessId            string    `gorm:"size:64;not null;unique" json:"business_id"`
	Enabled               *bool     `gorm:"not null;default:true" json:"enabled"`
	RequireOpeningCount   *bool     `gorm:"not null;default:false" json:"require_opening_count"`
	RequireClosingCount   *bool     `gorm:"not null;default:false" json:"require_closing_count"`
	AllowNegativeBalance  *bool     `gorm:"not null;default:false" json:"allow_negative_balance"`
	AutoOpenOnLogin       *bool     `gorm:"not null;default:false" json:"auto_open_on_login"`
	AutoCloseOnLogout     *bool     `gorm:"not null;default:false" json:"auto_close_on_logout"`
	RecordNonCashSales    *bool     `gorm:"not null;default:true" json:"record_non_cash_sales"`
	DefaultOpeningBalance string    `gorm:"size:20;default:'0.00'" json:"default_opening_balance"`
	ProtectedPosUrl       string    `gorm:"size:255" json:"protected_pos_url"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type CashRegisterSettingsInput struct {
	Enabled               *bool   `json:"enabled"`
	RequireOpeningCount   *bool   `json:"require_opening_count"`
	RequireClosingCount   *bool   `json:"require_closing_count"`
	AllowNegativeBalance  *bool   `json:"allow_negative_balance"`
	AutoOpenOnLogin       *bool   `json:"auto_open_on_login"`
	AutoCloseOnLogout     *bool   `json:"auto_close_on_logout"`
	RecordNonCashSales    *bool   `json:"record_non_cash_sales"`
	DefaultOpeningBalance *string `json:"default_opening_balance"`
	ProtectedPosUrl       *string `json:"protected_pos_url"`
}

/*
caches:
	CashRegisterSettings:$business_id
*/

func defaultCashRegisterSettings(businessId string) CashRegisterSettings {
	return CashRegisterSettings{
		BusinessId:            businessId,
		Enabled:               utils.NewTrue(),
		RequireOpeningCount:   utils.NewFalse(),
		RequireClosingCount:   utils.NewFalse(),
		AllowNegativeBalance:  utils.NewFalse(),
		AutoOpenOnLogin:       utils.NewFalse(),
		AutoCloseOnLogout:     utils.NewFalse(),
		RecordNonCashSales:    utils.NewTrue(),
		DefaultOpeningBalance: "0.00",
	}
}

// GetCashRegisterSettings returns the tenant's settings, creating the row
// with defaults on first access. Cached per tenant in redis.
func GetCashRegisterSettings(ctx context.Context, businessId string) (*CashRegisterSettings, error) {
	cached, err := utils.RetrieveRedisTenant[CashRegisterSettings](businessId)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	db := config.GetDB()
	var settings CashRegisterSettings
	err = db.WithContext(ctx).Where("business_id = ?", businessId).First(&settings).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
		settings = defaultCashRegisterSettings(businessId)
		// ON CONFLICT DO NOTHING keeps concurrent first reads from failing
		// on the unique business_id index.
		if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
			Create(&settings).Error; err != nil {
			return nil, err
		}
		if settings.ID == 0 {
			if err := db.WithContext(ctx).Where("business_id = ?", businessId).
				First(&settings).Error; err != nil {
				return nil, err
			}
		}
	}

	if err := utils.StoreRedisTenant[CashRegisterSettings](&settings, businessId); err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateCashRegisterSettings applies the non-nil fields of input and
// invalidates the tenant cache.
func UpdateCashRegisterSettings(ctx context.Context, businessId string, input *CashRegisterSettingsInput) (*CashRegisterSettings, error) {
	settings, err := GetCashRegisterSettings(ctx, businessId)
	if err != nil {
		return nil, err
	}

	if input.Enabled != nil {
		settings.Enabled = input.Enabled
	}
	if input.RequireOpeningCount != nil {
		settings.RequireOpeningCount = input.RequireOpeningCount
	}
	if input.RequireClosingCount != nil {
		settings.RequireClosingCount = input.RequireClosingCount
	}
	if input.AllowNegativeBalance != nil {
		settings.AllowNegativeBalance = input.AllowNegativeBalance
	}
	if input.AutoOpenOnLogin != nil {
		settings.AutoOpenOnLogin = input.AutoOpenOnLogin
	}
	if input.AutoCloseOnLogout != nil {
		settings.AutoCloseOnLogout = input.AutoCloseOnLogout
	}
	if input.RecordNonCashSales != nil {
		settings.RecordNonCashSales = input.RecordNonCashSales
	}
	if input.DefaultOpeningBalance != nil {
		settings.DefaultOpeningBalance = *input.DefaultOpeningBalance
	}
	if input.ProtectedPosUrl != nil {
		settings.ProtectedPosUrl = *input.ProtectedPosUrl
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Save(settings).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisTenant[CashRegisterSettings](businessId); err != nil {
		return nil, err
	}
	return settings, nil
}
