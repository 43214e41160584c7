package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Machine struct {
	ID          string          `gorm:"primaryKey;size:36"`
	OwnerID     string          `gorm:"size:64;not null;index"`
	TierID      string          `gorm:"size:32;not null"`
	TierVersion int             `gorm:"not null"`
	Staked      decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	TotalEarned decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	State       string          `gorm:"size:16;not null;index"`
	Version     uint64          `gorm:"not null"`
	ActivatedAt *time.Time
	LastClaimAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
