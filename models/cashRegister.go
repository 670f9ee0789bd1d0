package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
)

// CashRegister is a physical or virtual terminal a session can be tied to.
// Sessions work without one; the register is informational.
type CashRegister struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;index;not null" json:"business_id"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Location   string    `gorm:"size:255" json:"location"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCashRegister struct {
	Name     string `json:"name" binding:"required"`
	Location string `json:"location"`
}

func CreateCashRegister(ctx context.Context, businessId string, input *NewCashRegister) (*CashRegister, error) {
	db := config.GetDB()

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, utils.ErrorInvalidInput
	}
	if err := utils.ValidateUnique[CashRegister](ctx, businessId, "name", name, 0); err != nil {
		return nil, err
	}

	register := CashRegister{
		BusinessId: businessId,
		Name:       name,
		Location:   input.Location,
		IsActive:   utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&register).Error; err != nil {
		return nil, err
	}
	return &register, nil
}

func GetCashRegisterById(ctx context.Context, businessId string, id int) (*CashRegister, error) {
	return utils.FetchModel[CashRegister](ctx, businessId, id)
}

func ListCashRegisters(ctx context.Context, businessId string) ([]*CashRegister, error) {
	return utils.FetchAllModels[CashRegister](ctx, businessId)
}

// IsInUse reports whether the register currently has an open session.
func (register *CashRegister) IsInUse(ctx context.Context) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&CashSession{}).
		Where("business_id = ? AND register_id = ? AND status = ? AND is_deleted = false",
			register.BusinessId, register.ID, SessionStatusOpen).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
