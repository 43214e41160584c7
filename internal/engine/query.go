package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"bria-engine/internal/ledger"
	"bria-engine/internal/referral"
)

// UserStats is the dashboard summary of one user.
type UserStats struct {
	UserID                  string                                `json:"user_id"`
	UplineID                string                                `json:"upline_id,omitempty"`
	Balance                 decimal.Decimal                       `json:"balance"`
	TotalStaked             decimal.Decimal                       `json:"total_staked"`
	TotalStakingRewards     decimal.Decimal                       `json:"total_staking_rewards"`
	TotalReferralBonus      decimal.Decimal                       `json:"total_referral_bonus"`
	TotalMachineBonus       decimal.Decimal                       `json:"total_machine_bonus"`
	ActiveMachines          int                                   `json:"active_machines"`
	DirectDownlines         int                                   `json:"direct_downlines"`
	TotalDownlines          int                                   `json:"total_downlines"`
	DownlinesByLevel        [referral.MaxDepth]int                `json:"downlines_by_level"`
	ReferralEarningsByLevel [ledger.MaxGeneration]decimal.Decimal `json:"referral_earnings_by_level"`
}

// GetMachine returns the current view of a machine, including what a claim
// right now would pay.
func (e *Engine) GetMachine(machineID string) (MachineView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.machines[machineID]
	if !ok {
		return MachineView{}, errors.Wrapf(ErrUnknownMachine, "machine %s", machineID)
	}
	tier, err := e.catalog.Tier(m.Tier)
	if err != nil {
		return MachineView{}, err
	}
	return view(*m, tier, e.clock()), nil
}

// ListMachines returns the machines of a user in activation order.
func (e *Engine) ListMachines(userID string) ([]MachineView, error) {
	if _, ok := e.graph.User(userID); !ok {
		return nil, errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock()
	out := make([]MachineView, 0, len(e.byOwner[userID]))
	for _, id := range e.byOwner[userID] {
		m := e.machines[id]
		tier, err := e.catalog.Tier(m.Tier)
		if err != nil {
			return nil, err
		}
		out = append(out, view(*m, tier, now))
	}
	return out, nil
}

// GetUserStats folds ledger totals and referral counts for a user.
func (e *Engine) GetUserStats(userID string) (UserStats, error) {
	u, ok := e.graph.User(userID)
	if !ok {
		return UserStats{}, errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	b := e.ledger.Balance(userID)
	s := UserStats{
		UserID:                  userID,
		UplineID:                u.UplineID,
		Balance:                 b.Liquid,
		TotalStaked:             b.Staked,
		TotalStakingRewards:     b.StakingRewards,
		TotalReferralBonus:      b.ReferralBonus,
		TotalMachineBonus:       b.MachineBonus,
		ReferralEarningsByLevel: b.ReferralByLevel,
		DownlinesByLevel:        e.graph.DownlineCounts(userID),
	}
	s.DirectDownlines = s.DownlinesByLevel[0]
	for _, n := range s.DownlinesByLevel {
		s.TotalDownlines += n
	}
	for _, id := range e.byOwner[userID] {
		if e.machines[id].State == StateActive {
			s.ActiveMachines++
		}
	}
	return s, nil
}

// User returns a registered user.
func (e *Engine) User(userID string) (referral.User, error) {
	u, ok := e.graph.User(userID)
	if !ok {
		return referral.User{}, errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}
	return u, nil
}

// ListActivity returns the most recent committed entries, newest first.
func (e *Engine) ListActivity(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return e.feed.Recent(ctx, limit)
}

// Entries returns the ledger from sequence from onward.
func (e *Engine) Entries(from uint64) []ledger.Entry {
	return e.ledger.Entries(from)
}

// Audit checks that cached balances equal the fold of the ledger and that
// machine state agrees with it.
func (e *Engine) Audit() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.ledger.Audit(); err != nil {
		return err
	}

	staked := make(map[string]decimal.Decimal)
	earned := make(map[string]decimal.Decimal)
	for _, en := range e.ledger.Entries(1) {
		switch en.Kind {
		case ledger.KindStake:
			staked[en.MachineID] = staked[en.MachineID].Add(en.Amount)
		case ledger.KindUnstake:
			staked[en.MachineID] = staked[en.MachineID].Sub(en.Amount)
		case ledger.KindClaim:
			earned[en.MachineID] = earned[en.MachineID].Add(en.Amount)
		}
	}
	for id, m := range e.machines {
		if !m.Staked.Equal(staked[id]) {
			return errors.Wrapf(ledger.ErrBalanceDrift, "machine %s staked %s, ledger %s", id, m.Staked, staked[id])
		}
		if !m.TotalEarned.Equal(earned[id]) {
			return errors.Wrapf(ledger.ErrBalanceDrift, "machine %s earned %s, ledger %s", id, m.TotalEarned, earned[id])
		}
	}
	return nil
}
