package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bria-engine/internal/catalog"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func bronze(t *testing.T) catalog.Tier {
	t.Helper()
	tier, err := catalog.Default().TierByID("bronze")
	if err != nil {
		t.Fatal(err)
	}
	return tier
}

func TestClaimable(t *testing.T) {
	tier := bronze(t)
	pos := Position{Staked: decimal.NewFromInt(800), ActivatedAt: t0, LastClaimAt: t0}

	tests := []struct {
		name      string
		now       time.Time
		amount    string
		intervals int64
	}{
		{"before first interval", t0.Add(11*time.Hour + 59*time.Minute), "0", 0},
		{"exactly one interval", t0.Add(12 * time.Hour), "4", 1},
		{"partial second interval", t0.Add(23 * time.Hour), "4", 1},
		{"three intervals", t0.Add(36 * time.Hour), "12", 3},
		{"capped at lifetime", t0.Add(400 * 24 * time.Hour), "720", 180},
		{"clock behind last claim", t0.Add(-time.Hour), "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Claimable(pos, tier, tt.now)
			if !res.Amount.Equal(decimal.RequireFromString(tt.amount)) {
				t.Errorf("amount = %s, want %s", res.Amount, tt.amount)
			}
			if res.Intervals != tt.intervals {
				t.Errorf("intervals = %d, want %d", res.Intervals, tt.intervals)
			}
			want := t0.Add(time.Duration(tt.intervals) * tier.ClaimInterval)
			if !res.ClaimedThrough.Equal(want) {
				t.Errorf("claimed through = %s, want %s", res.ClaimedThrough, want)
			}
		})
	}
}

func TestClaimablePreservesPartialInterval(t *testing.T) {
	tier := bronze(t)
	pos := Position{Staked: decimal.NewFromInt(800), ActivatedAt: t0, LastClaimAt: t0}

	first := Claimable(pos, tier, t0.Add(18*time.Hour))
	pos.LastClaimAt = first.ClaimedThrough

	second := Claimable(pos, tier, t0.Add(24*time.Hour))
	if second.Intervals != 1 || !second.Amount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("second claim = %+v", second)
	}
}

func TestClaimableStraddlingExpiry(t *testing.T) {
	tier := catalog.Tier{ID: "odd", Version: 1, Capacity: decimal.NewFromInt(100),
		ProfitRate: decimal.NewFromInt(1), Lifetime: 30 * time.Hour, ClaimInterval: 12 * time.Hour}
	pos := Position{Staked: decimal.NewFromInt(100), ActivatedAt: t0, LastClaimAt: t0}

	// Intervals start at 0h, 12h and 24h; the third starts before expiry.
	res := Claimable(pos, tier, t0.Add(100*time.Hour))
	if res.Intervals != 3 || !res.Amount.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("res = %+v", res)
	}

	pos.LastClaimAt = res.ClaimedThrough
	if again := Claimable(pos, tier, t0.Add(200*time.Hour)); !again.Amount.IsZero() {
		t.Fatalf("accrued past expiry: %+v", again)
	}
	if !NextClaimAt(pos, tier).IsZero() {
		t.Fatal("NextClaimAt must be zero once no interval remains")
	}
}

func TestInactivePosition(t *testing.T) {
	tier := bronze(t)
	var pos Position
	if res := Claimable(pos, tier, t0); !res.Amount.IsZero() {
		t.Fatalf("inactive position accrued %s", res.Amount)
	}
	if !ExpiresAt(pos, tier).IsZero() || Expired(pos, tier, t0) {
		t.Fatal("inactive position has no expiry")
	}
}

func TestExpiryHelpers(t *testing.T) {
	tier := bronze(t)
	pos := Position{Staked: decimal.NewFromInt(1000), ActivatedAt: t0, LastClaimAt: t0}

	exp := ExpiresAt(pos, tier)
	if !exp.Equal(t0.Add(90 * 24 * time.Hour)) {
		t.Fatalf("ExpiresAt = %s", exp)
	}
	if Expired(pos, tier, exp.Add(-time.Nanosecond)) || !Expired(pos, tier, exp) {
		t.Fatal("Expired boundary wrong")
	}
	if got := NextClaimAt(pos, tier); !got.Equal(t0.Add(12 * time.Hour)) {
		t.Fatalf("NextClaimAt = %s", got)
	}
	if lc := LifetimeCap(pos, tier); !lc.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("LifetimeCap = %s", lc)
	}
}
