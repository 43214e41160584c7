package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bria-engine/internal/accrual"
	"bria-engine/internal/catalog"
)

// Machine is an owned staking position. Version increases with every
// committed mutation.
type Machine struct {
	ID          string
	Owner       string
	Tier        catalog.Ref
	Staked      decimal.Decimal
	TotalEarned decimal.Decimal
	State       State
	CreatedAt   time.Time
	ActivatedAt time.Time
	LastClaimAt time.Time
	Version     uint64
}

func (m Machine) position() accrual.Position {
	return accrual.Position{Staked: m.Staked, ActivatedAt: m.ActivatedAt, LastClaimAt: m.LastClaimAt}
}

// distributionKey identifies one accrual window of a machine. It is unique
// per committed claim because LastClaimAt strictly advances.
func (m Machine) distributionKey() string {
	return fmt.Sprintf("%s|%d", m.ID, m.LastClaimAt.UnixNano())
}

// MachineView is the read model returned to callers.
type MachineView struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Tier         catalog.Ref     `json:"tier"`
	TierName     string          `json:"tier_name"`
	State        State           `json:"state"`
	StakedAmount decimal.Decimal `json:"staked_amount"`
	Capacity     decimal.Decimal `json:"capacity"`
	ProfitRate   decimal.Decimal `json:"profit_rate"`
	Claimable    decimal.Decimal `json:"claimable"`
	TotalEarned  decimal.Decimal `json:"total_earned"`
	CreatedAt    time.Time       `json:"created_at"`
	NextClaimAt  *time.Time      `json:"next_claim_at,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func view(m Machine, t catalog.Tier, now time.Time) MachineView {
	pos := m.position()
	v := MachineView{
		ID:           m.ID,
		Owner:        m.Owner,
		Tier:         m.Tier,
		TierName:     t.Name,
		State:        m.State,
		StakedAmount: m.Staked,
		Capacity:     t.Capacity,
		ProfitRate:   t.ProfitRate,
		Claimable:    decimal.Zero,
		TotalEarned:  m.TotalEarned,
		CreatedAt:    m.CreatedAt,
	}
	if m.State == StateActive || m.State == StateExpired {
		v.Claimable = accrual.Claimable(pos, t, now).Amount
		v.NextClaimAt = optionalTime(accrual.NextClaimAt(pos, t))
		v.ExpiresAt = optionalTime(accrual.ExpiresAt(pos, t))
	}
	if m.State == StateActive && accrual.Expired(pos, t, now) {
		v.State = StateExpired
	}
	return v
}
