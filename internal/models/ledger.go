package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry rows are insert-only.
type LedgerEntry struct {
	Seq        uint64          `gorm:"primaryKey;autoIncrement:false"`
	UserID     string          `gorm:"size:64;not null;index"`
	MachineID  *string         `gorm:"size:36;index"`
	Kind       string          `gorm:"size:32;not null"`
	Amount     decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Generation int             `gorm:"not null;default:0"`
	CausalRef  uint64          `gorm:"index"`
	Timestamp  time.Time       `gorm:"not null"`
}

// Distribution marks an accrual window of a machine as paid. The primary key
// makes a second payout of the same window fail inside the transaction.
type Distribution struct {
	ClaimKey  string `gorm:"primaryKey;size:128"`
	MachineID string `gorm:"size:36;not null;index"`
	ClaimSeq  uint64 `gorm:"not null"`
	CreatedAt time.Time
}
