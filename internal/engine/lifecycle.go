package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"bria-engine/internal/accrual"
	"bria-engine/internal/catalog"
	"bria-engine/internal/ledger"
	"bria-engine/internal/referral"
)

// AmountPlaces is the finest precision accepted for staked amounts.
const AmountPlaces = 8

// ClaimResult describes one committed claim and its referral cascade.
type ClaimResult struct {
	MachineID string          `json:"machine_id"`
	Amount    decimal.Decimal `json:"amount"`
	Intervals int64           `json:"intervals"`
	Seq       uint64          `json:"seq"`
	Credits   []ledger.Entry  `json:"credits"`
}

// UnstakeResult describes a committed unstake.
type UnstakeResult struct {
	MachineID string          `json:"machine_id"`
	Principal decimal.Decimal `json:"principal"`
	Claim     *ClaimResult    `json:"claim,omitempty"`
}

// ClaimAllResult aggregates claims over every machine of a user.
type ClaimAllResult struct {
	Total  decimal.Decimal   `json:"total"`
	Claims []ClaimResult     `json:"claims"`
	Failed map[string]string `json:"failed,omitempty"`
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrapf(ErrInvalidAmount, "%s is not positive", amount)
	}
	if !amount.Equal(amount.Truncate(AmountPlaces)) {
		return errors.Wrapf(ErrInvalidAmount, "%s has more than %d decimal places", amount, AmountPlaces)
	}
	return nil
}

// RegisterUser adds a user to the referral forest, optionally under an
// existing upline.
func (e *Engine) RegisterUser(ctx context.Context, u referral.User) (err error) {
	defer func() { e.metrics.Observe("register", Code(err)) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if u.ID == "" {
		return errors.Wrap(ErrUnknownUser, "empty user id")
	}
	if _, ok := e.graph.User(u.ID); ok {
		return errors.Wrapf(ErrUserExists, "user %s", u.ID)
	}
	if u.UplineID != "" {
		if _, ok := e.graph.User(u.UplineID); !ok {
			return errors.Wrapf(ErrUnknownUser, "upline %s", u.UplineID)
		}
	}
	jctx, cancel := e.journalContext(ctx)
	defer cancel()
	if err := e.journal.SaveUser(jctx, u); err != nil {
		return errors.Wrap(err, "save user")
	}
	return e.graph.Add(u)
}

// LinkUpline attaches a user without an upline to uplineID.
func (e *Engine) LinkUpline(ctx context.Context, userID, uplineID string) (err error) {
	defer func() { e.metrics.Observe("link", Code(err)) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.CheckLink(userID, uplineID); err != nil {
		return err
	}
	jctx, cancel := e.journalContext(ctx)
	defer cancel()
	if err := e.journal.LinkUser(jctx, userID, uplineID); err != nil {
		return errors.Wrap(err, "link user")
	}
	return e.graph.Link(userID, uplineID)
}

// ActivateMachine creates a machine of the newest version of tierID for
// userID. The direct upline receives the machine sale bonus.
func (e *Engine) ActivateMachine(ctx context.Context, userID, tierID string) (v MachineView, err error) {
	defer func() { e.metrics.Observe("activate", Code(err)) }()

	owner, ok := e.graph.User(userID)
	if !ok {
		return MachineView{}, errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}
	tier, err := e.Catalog().TierByID(tierID)
	if err != nil {
		return MachineView{}, err
	}

	now := e.clock()
	m := Machine{
		ID:          uuid.NewString(),
		Owner:       userID,
		Tier:        tier.Ref(),
		Staked:      decimal.Zero,
		TotalEarned: decimal.Zero,
		State:       StateCreated,
		CreatedAt:   now,
		Version:     1,
	}

	u := &unit{machine: &m, isInsert: true}
	root := u.batch.Root(ledger.Entry{
		UserID: userID, MachineID: m.ID, Kind: ledger.KindActivation, Amount: tier.Price, Timestamp: now,
	})
	if owner.UplineID != "" && e.saleBonus.IsPositive() && tier.Price.IsPositive() {
		u.batch.Caused(ledger.Entry{
			UserID:     owner.UplineID,
			MachineID:  m.ID,
			Kind:       ledger.KindMachineBonus,
			Amount:     tier.Price.Mul(e.saleBonus).Shift(-2),
			Generation: 1,
			Timestamp:  now,
		}, root)
	}

	entries, err := e.commit(ctx, u)
	if err != nil {
		return MachineView{}, err
	}
	e.published(ctx, entries)

	log.WithFields(log.Fields{
		"user":    userID,
		"machine": m.ID,
		"tier":    m.Tier.String(),
	}).Info("machine activated")
	return view(m, tier, now), nil
}

// stageClaim adds the claim and its referral cascade to u and advances the
// machine copy. It reports false when nothing has accrued.
func (e *Engine) stageClaim(u *unit, m *Machine, tier catalog.Tier, now time.Time) (*ClaimResult, int, bool) {
	res := accrual.Claimable(m.position(), tier, now)
	if !res.Amount.IsPositive() {
		return nil, 0, false
	}

	u.key = m.distributionKey()
	root := u.batch.Root(ledger.Entry{
		UserID: m.Owner, MachineID: m.ID, Kind: ledger.KindClaim, Amount: res.Amount, Timestamp: now,
	})
	for i, ancestor := range e.graph.UplineChain(m.Owner, e.schedule.Depth()) {
		gen := i + 1
		u.batch.Caused(ledger.Entry{
			UserID:     ancestor,
			MachineID:  m.ID,
			Kind:       ledger.KindReferralCredit,
			Amount:     e.schedule.Credit(res.Amount, gen),
			Generation: gen,
			Timestamp:  now,
		}, root)
	}

	m.LastClaimAt = res.ClaimedThrough
	m.TotalEarned = m.TotalEarned.Add(res.Amount)
	return &ClaimResult{MachineID: m.ID, Amount: res.Amount, Intervals: res.Intervals}, root, true
}

// fillClaim copies sequence data of the committed cascade into r.
func fillClaim(r *ClaimResult, entries []ledger.Entry, root int) {
	r.Seq = entries[root].Seq
	for _, en := range entries {
		if en.Kind == ledger.KindReferralCredit && en.CausalRef == r.Seq {
			r.Credits = append(r.Credits, en)
		}
	}
}

// Stake adds principal to a machine. The first stake activates it; a top-up
// of an active machine settles accrued reward first.
func (e *Engine) Stake(ctx context.Context, userID, machineID string, amount decimal.Decimal) (v MachineView, err error) {
	defer func() { e.metrics.Observe("stake", Code(err)) }()

	if err := validAmount(amount); err != nil {
		return MachineView{}, err
	}
	unlock, err := e.lockMachine(ctx, machineID)
	if err != nil {
		return MachineView{}, err
	}
	defer unlock()

	m, tier, err := e.ownedMachine(userID, machineID)
	if err != nil {
		return MachineView{}, err
	}
	now := e.clock()

	switch {
	case m.State == StateUnstaked:
		return MachineView{}, errors.Wrapf(ErrMachineClosed, "machine %s", m.ID)
	case m.State == StateExpired, accrual.Expired(m.position(), tier, now):
		return MachineView{}, errors.Wrapf(ErrMachineExpired, "machine %s", m.ID)
	}
	if m.Staked.Add(amount).GreaterThan(tier.Capacity) {
		return MachineView{}, errors.Wrapf(ErrCapacityExceeded, "machine %s: %s + %s > %s",
			m.ID, m.Staked, amount, tier.Capacity)
	}

	u := &unit{prev: m.Version}
	if m.State == StateCreated {
		if m.State, err = m.State.Transition(StateActive); err != nil {
			return MachineView{}, err
		}
		m.ActivatedAt, m.LastClaimAt = now, now
	} else {
		e.stageClaim(u, &m, tier, now)
	}
	u.batch.Add(ledger.Entry{
		UserID: userID, MachineID: m.ID, Kind: ledger.KindStake, Amount: amount, Timestamp: now,
	})
	m.Staked = m.Staked.Add(amount)
	m.Version++
	u.machine = &m

	entries, err := e.commit(ctx, u)
	if err != nil {
		return MachineView{}, err
	}
	e.published(ctx, entries)
	return view(m, tier, now), nil
}

// Claim pays the accrued reward of a machine and cascades referral credits
// up the owner's chain in one atomic commit.
func (e *Engine) Claim(ctx context.Context, userID, machineID string) (r *ClaimResult, err error) {
	defer func() { e.metrics.Observe("claim", Code(err)) }()

	unlock, err := e.lockMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, tier, err := e.ownedMachine(userID, machineID)
	if err != nil {
		return nil, err
	}
	if m.State == StateUnstaked {
		return nil, errors.Wrapf(ErrMachineClosed, "machine %s", m.ID)
	}

	now := e.clock()
	u := &unit{prev: m.Version}
	res, root, ok := e.stageClaim(u, &m, tier, now)
	if !ok {
		return nil, errors.Wrapf(ErrNothingToClaim, "machine %s", m.ID)
	}
	if m.State == StateActive && accrual.Expired(m.position(), tier, now) {
		if m.State, err = m.State.Transition(StateExpired); err != nil {
			return nil, err
		}
	}
	m.Version++
	u.machine = &m

	entries, err := e.commit(ctx, u)
	if err != nil {
		return nil, err
	}
	fillClaim(res, entries, root)
	e.published(ctx, entries)
	return res, nil
}

// Unstake settles any accrued reward, returns principal to the owner's
// liquid balance and closes the machine.
func (e *Engine) Unstake(ctx context.Context, userID, machineID string) (r *UnstakeResult, err error) {
	defer func() { e.metrics.Observe("unstake", Code(err)) }()

	unlock, err := e.lockMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, tier, err := e.ownedMachine(userID, machineID)
	if err != nil {
		return nil, err
	}
	if m.State == StateUnstaked {
		return nil, errors.Wrapf(ErrMachineClosed, "machine %s", m.ID)
	}

	now := e.clock()
	u := &unit{prev: m.Version}
	out := &UnstakeResult{MachineID: m.ID, Principal: m.Staked}

	claim, root, claimed := e.stageClaim(u, &m, tier, now)
	if m.Staked.IsPositive() {
		u.batch.Add(ledger.Entry{
			UserID: userID, MachineID: m.ID, Kind: ledger.KindUnstake, Amount: m.Staked, Timestamp: now,
		})
	}
	if m.State, err = m.State.Transition(StateUnstaked); err != nil {
		return nil, err
	}
	m.Staked = decimal.Zero
	m.Version++
	u.machine = &m

	entries, err := e.commit(ctx, u)
	if err != nil {
		return nil, err
	}
	if claimed {
		fillClaim(claim, entries, root)
		out.Claim = claim
	}
	e.published(ctx, entries)
	return out, nil
}

// ClaimAll claims every machine of userID that has accrued reward. Each
// machine commits on its own; one failing machine does not undo the others.
func (e *Engine) ClaimAll(ctx context.Context, userID string) (*ClaimAllResult, error) {
	if _, ok := e.graph.User(userID); !ok {
		return nil, errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}

	e.mu.RLock()
	ids := append([]string(nil), e.byOwner[userID]...)
	e.mu.RUnlock()

	out := &ClaimAllResult{Total: decimal.Zero}
	var firstErr error
	for _, id := range ids {
		r, err := e.Claim(ctx, userID, id)
		switch {
		case err == nil:
			out.Claims = append(out.Claims, *r)
			out.Total = out.Total.Add(r.Amount)
		case errors.Is(err, ErrNothingToClaim), errors.Is(err, ErrMachineClosed):
		default:
			if out.Failed == nil {
				out.Failed = make(map[string]string)
			}
			out.Failed[id] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(out.Claims) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, errors.Wrapf(ErrNothingToClaim, "user %s", userID)
	}
	return out, nil
}

// SweepExpired moves active machines past their lifetime to Expired. Their
// accrued reward stays claimable.
func (e *Engine) SweepExpired(ctx context.Context) ([]MachineView, error) {
	now := e.clock()
	var due []string

	e.mu.RLock()
	for id, m := range e.machines {
		if m.State != StateActive {
			continue
		}
		tier, err := e.catalog.Tier(m.Tier)
		if err == nil && accrual.Expired(m.position(), tier, now) {
			due = append(due, id)
		}
	}
	e.mu.RUnlock()

	var swept []MachineView
	for _, id := range due {
		unlock, err := e.lockMachine(ctx, id)
		if err != nil {
			return swept, err
		}
		v, ok, err := e.expire(ctx, id, now)
		unlock()
		if err != nil {
			return swept, err
		}
		if ok {
			swept = append(swept, v)
		}
	}
	return swept, nil
}

func (e *Engine) expire(ctx context.Context, id string, now time.Time) (MachineView, bool, error) {
	e.mu.RLock()
	cur, ok := e.machines[id]
	var m Machine
	if ok {
		m = *cur
	}
	e.mu.RUnlock()
	if !ok || m.State != StateActive {
		return MachineView{}, false, nil
	}

	tier, err := e.Catalog().Tier(m.Tier)
	if err != nil {
		return MachineView{}, false, err
	}
	if m.State, err = m.State.Transition(StateExpired); err != nil {
		return MachineView{}, false, err
	}
	u := &unit{prev: m.Version}
	m.Version++
	u.machine = &m
	if _, err := e.commit(ctx, u); err != nil {
		return MachineView{}, false, err
	}
	e.metrics.Observe("expire", "ok")
	return view(m, tier, now), true, nil
}

// ExpiringBetween lists active machines whose lifetime ends in [from, to].
func (e *Engine) ExpiringBetween(from, to time.Time) []MachineView {
	now := e.clock()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []MachineView
	for _, m := range e.machines {
		if m.State != StateActive {
			continue
		}
		tier, err := e.catalog.Tier(m.Tier)
		if err != nil {
			continue
		}
		exp := accrual.ExpiresAt(m.position(), tier)
		if !exp.Before(from) && !exp.After(to) {
			out = append(out, view(*m, tier, now))
		}
	}
	return out
}
