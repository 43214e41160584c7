package models

import (
	"time"
)

type User struct {
	ID         string  `gorm:"primaryKey;size:64"`
	Wallet     string  `gorm:"size:128"`
	TelegramID int64   `gorm:"index"`
	ReferrerID *string `gorm:"size:64;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
