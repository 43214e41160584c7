package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"bria-engine/internal/catalog"
)

// Position is the accrual-relevant part of a machine instance.
type Position struct {
	Staked      decimal.Decimal
	ActivatedAt time.Time
	LastClaimAt time.Time
}

// Result describes what a claim at a given instant would pay.
type Result struct {
	Amount decimal.Decimal
	// Intervals is the number of whole claim intervals paid.
	Intervals int64
	// ClaimedThrough is the new last-claim timestamp; partial progress into
	// the current interval is preserved.
	ClaimedThrough time.Time
}

// ExpiresAt is the instant the machine stops accruing. Zero for a machine
// that was never activated.
func ExpiresAt(p Position, t catalog.Tier) time.Time {
	if p.ActivatedAt.IsZero() {
		return time.Time{}
	}
	return p.ActivatedAt.Add(t.Lifetime)
}

// Expired reports whether the machine's lifetime has elapsed at now.
func Expired(p Position, t catalog.Tier, now time.Time) bool {
	exp := ExpiresAt(p, t)
	return !exp.IsZero() && !now.Before(exp)
}

// remaining counts interval starts in [lastClaim, expiry).
func remaining(p Position, t catalog.Tier) int64 {
	left := ExpiresAt(p, t).Sub(p.LastClaimAt)
	if left <= 0 {
		return 0
	}
	n := int64(left / t.ClaimInterval)
	if left%t.ClaimInterval != 0 {
		n++
	}
	return n
}

// Claimable computes the reward accrued between the last claim and now:
// staked * rate% per whole elapsed interval, never counting intervals that
// start at or after expiry.
func Claimable(p Position, t catalog.Tier, now time.Time) Result {
	res := Result{Amount: decimal.Zero, ClaimedThrough: p.LastClaimAt}
	if p.ActivatedAt.IsZero() || !p.Staked.IsPositive() || !now.After(p.LastClaimAt) {
		return res
	}

	elapsed := int64(now.Sub(p.LastClaimAt) / t.ClaimInterval)
	n := min(elapsed, remaining(p, t))
	if n <= 0 {
		return res
	}

	res.Intervals = n
	res.Amount = p.Staked.Mul(t.ProfitRate).Mul(decimal.NewFromInt(n)).Shift(-2)
	res.ClaimedThrough = p.LastClaimAt.Add(time.Duration(n) * t.ClaimInterval)
	return res
}

// NextClaimAt is when the next interval completes, or zero when the machine
// will not accrue again.
func NextClaimAt(p Position, t catalog.Tier) time.Time {
	if p.ActivatedAt.IsZero() || remaining(p, t) == 0 {
		return time.Time{}
	}
	return p.LastClaimAt.Add(t.ClaimInterval)
}

// LifetimeCap is the most a position with the current stake can still earn.
func LifetimeCap(p Position, t catalog.Tier) decimal.Decimal {
	if p.ActivatedAt.IsZero() {
		return decimal.Zero
	}
	return p.Staked.Mul(t.ProfitRate).Mul(decimal.NewFromInt(remaining(p, t))).Shift(-2)
}
