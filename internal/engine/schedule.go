package engine

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"bria-engine/internal/referral"
)

// PercentPlaces is the finest precision of a bonus percentage. A credit on a
// claim then needs at most 18 decimal places.
const PercentPlaces = 2

// Schedule holds the referral bonus percentage for each generation, level 1
// first.
type Schedule struct {
	levels []decimal.Decimal
}

// NewSchedule validates percentages: at most referral.MaxDepth levels, each
// positive with at most PercentPlaces decimals, none greater than the level
// above it.
func NewSchedule(percents ...decimal.Decimal) (Schedule, error) {
	if len(percents) > referral.MaxDepth {
		return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "%d levels, max %d", len(percents), referral.MaxDepth)
	}
	for i, p := range percents {
		if !p.IsPositive() {
			return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "level %d: %s", i+1, p)
		}
		if !p.Equal(p.Truncate(PercentPlaces)) {
			return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "level %d: %s has more than %d decimal places", i+1, p, PercentPlaces)
		}
		if i > 0 && p.GreaterThan(percents[i-1]) {
			return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "level %d exceeds level %d", i+1, i)
		}
	}
	return Schedule{levels: append([]decimal.Decimal(nil), percents...)}, nil
}

// ParseSchedule reads a comma separated list such as "5,2,1,0.5".
func ParseSchedule(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewSchedule()
	}
	var percents []decimal.Decimal
	for _, part := range strings.Split(raw, ",") {
		p, err := decimal.NewFromString(strings.TrimSpace(part))
		if err != nil {
			return Schedule{}, errors.Wrapf(ErrInvalidSchedule, "%q", part)
		}
		percents = append(percents, p)
	}
	return NewSchedule(percents...)
}

// DefaultSchedule tapers from 5% to a 0.25% floor that repeats through
// level 10.
func DefaultSchedule() Schedule {
	s, err := ParseSchedule("5,2,1,0.5,0.25,0.25,0.25,0.25,0.25,0.25")
	if err != nil {
		panic(err)
	}
	return s
}

// Depth is the number of generations that receive a credit.
func (s Schedule) Depth() int {
	return len(s.levels)
}

// Percent returns the bonus percentage of generation gen (1-based).
func (s Schedule) Percent(gen int) decimal.Decimal {
	if gen < 1 || gen > len(s.levels) {
		return decimal.Zero
	}
	return s.levels[gen-1]
}

// Credit is the exact bonus owed to generation gen on a claim of amount.
func (s Schedule) Credit(amount decimal.Decimal, gen int) decimal.Decimal {
	return amount.Mul(s.Percent(gen)).Shift(-2)
}

func (s Schedule) Levels() []decimal.Decimal {
	return append([]decimal.Decimal(nil), s.levels...)
}
