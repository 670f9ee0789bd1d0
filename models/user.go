package models

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email      *string   `gorm:"size:100;unique" json:"email"`
	Phone      string    `gorm:"size:20" json:"phone"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	Role       UserRole  `gorm:"type:enum('A', 'O', 'C');default:C" json:"role"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	BusinessId string   `json:"business_id"`
	Username   string   `json:"username" binding:"required"`
	Name       string   `json:"name" binding:"required"`
	Email      string   `json:"email"`
	Phone      string   `json:"phone"`
	Password   string   `json:"password" binding:"required"`
	Role       UserRole `json:"role"`
}

/*
caches:
	User:$username
	Token:$token => username
*/

func (user User) RemoveInstanceRedis() error {
	return config.RemoveRedisKey("User:" + user.Username)
}

// GetInitials returns up to two uppercase letters from the user's display
// name for session numbering; "XX" when the name has no usable letters.
func (user User) GetInitials() string {
	return utils.Initials(user.Name)
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	db := config.GetDB()

	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, errors.New("invalid phone number")
		}
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = UserRoleCashier
	}

	user := User{
		BusinessId: input.BusinessId,
		Username:   html.EscapeString(strings.TrimSpace(input.Username)),
		Name:       strings.TrimSpace(input.Name),
		Phone:      input.Phone,
		Password:   string(hashed),
		IsActive:   utils.NewTrue(),
		Role:       role,
	}
	if input.Email != "" {
		user.Email = &input.Email
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if exists {
		return &user, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := config.SetRedisObject("User:"+username, &user, utils.GetCacheLifespan()); err != nil {
		return nil, err
	}
	return &user, nil
}

type LoginInfo struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	BusinessId   string `json:"business_id"`
	BusinessName string `json:"business_name"`
}

// Login verifies credentials, issues a JWT and stores the opaque
// Token:$token => username mapping the session middleware resolves.
func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {
	user, err := GetUserByUsername(ctx, username)
	if err != nil {
		return nil, errors.New("invalid username or password")
	}
	if !utils.DereferencePtr(user.IsActive, false) {
		return nil, errors.New("user is inactive")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, errors.New("invalid username or password")
	}

	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		return nil, err
	}
	// The JWT doubles as the opaque session token the middleware resolves.
	if err := config.SetRedisValue("Token:"+token, user.Username, utils.GetCacheLifespan()); err != nil {
		return nil, err
	}

	info := &LoginInfo{
		Token:      token,
		Name:       user.Name,
		Role:       string(user.Role),
		BusinessId: user.BusinessId,
	}
	if user.BusinessId != "" {
		if business, err := GetBusinessById(ctx, user.BusinessId); err == nil {
			info.BusinessName = business.Name
		}
	}
	return info, nil
}
