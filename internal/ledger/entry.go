package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxGeneration is the deepest referral generation an entry may carry.
const MaxGeneration = 10

type Kind string

const (
	KindStake          Kind = "stake"
	KindUnstake        Kind = "unstake"
	KindClaim          Kind = "claim"
	KindReferralCredit Kind = "referral_credit"
	KindActivation     Kind = "activation"
	KindMachineBonus   Kind = "machine_bonus"
)

func (k Kind) valid() bool {
	switch k {
	case KindStake, KindUnstake, KindClaim, KindReferralCredit, KindActivation, KindMachineBonus:
		return true
	}
	return false
}

// Entry is an immutable ledger record. Seq is assigned when a batch is sealed
// and is strictly increasing across the whole ledger, starting at 1.
// CausalRef links an entry to the entry that triggered it (0 when none).
type Entry struct {
	Seq        uint64          `json:"seq"`
	UserID     string          `json:"user_id"`
	MachineID  string          `json:"machine_id,omitempty"`
	Kind       Kind            `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Generation int             `json:"generation"`
	Timestamp  time.Time       `json:"timestamp"`
	CausalRef  uint64          `json:"causal_ref,omitempty"`
}

// Balance is the per-user fold of the ledger.
type Balance struct {
	Liquid          decimal.Decimal
	Staked          decimal.Decimal
	StakingRewards  decimal.Decimal
	ReferralBonus   decimal.Decimal
	MachineBonus    decimal.Decimal
	ReferralByLevel [MaxGeneration]decimal.Decimal
}

func (b *Balance) apply(e Entry) {
	switch e.Kind {
	case KindStake:
		b.Staked = b.Staked.Add(e.Amount)
	case KindUnstake:
		b.Staked = b.Staked.Sub(e.Amount)
		b.Liquid = b.Liquid.Add(e.Amount)
	case KindClaim:
		b.Liquid = b.Liquid.Add(e.Amount)
		b.StakingRewards = b.StakingRewards.Add(e.Amount)
	case KindReferralCredit:
		b.Liquid = b.Liquid.Add(e.Amount)
		b.ReferralBonus = b.ReferralBonus.Add(e.Amount)
		b.ReferralByLevel[e.Generation-1] = b.ReferralByLevel[e.Generation-1].Add(e.Amount)
	case KindMachineBonus:
		b.Liquid = b.Liquid.Add(e.Amount)
		b.MachineBonus = b.MachineBonus.Add(e.Amount)
	}
}

// Equal compares balances by value, ignoring decimal scale.
func (b Balance) Equal(o Balance) bool {
	if !b.Liquid.Equal(o.Liquid) || !b.Staked.Equal(o.Staked) ||
		!b.StakingRewards.Equal(o.StakingRewards) || !b.ReferralBonus.Equal(o.ReferralBonus) ||
		!b.MachineBonus.Equal(o.MachineBonus) {
		return false
	}
	for i := range b.ReferralByLevel {
		if !b.ReferralByLevel[i].Equal(o.ReferralByLevel[i]) {
			return false
		}
	}
	return true
}

// Fold recomputes every user's balance from scratch.
func Fold(entries []Entry) map[string]Balance {
	acc := make(map[string]*Balance)
	for _, e := range entries {
		b, ok := acc[e.UserID]
		if !ok {
			b = &Balance{}
			acc[e.UserID] = b
		}
		b.apply(e)
	}
	out := make(map[string]Balance, len(acc))
	for id, b := range acc {
		out[id] = *b
	}
	return out
}
