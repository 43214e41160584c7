package ledger

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidEntry is returned when an entry breaks a structural rule.
	ErrInvalidEntry = errors.New("invalid ledger entry")
	// ErrSequenceGap is returned when appended entries do not continue the log.
	ErrSequenceGap = errors.New("ledger sequence gap")
	// ErrBalanceDrift is returned by Audit when a cached balance differs from
	// the fold of the log.
	ErrBalanceDrift = errors.New("ledger balance drift")
)

// Ledger is an append-only log of entries with a cached running balance per
// user. Entries are never modified or removed.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	balances map[string]*Balance
}

func New() *Ledger {
	return &Ledger{balances: make(map[string]*Balance)}
}

// NextSeq is the sequence number the next appended entry must carry.
func (l *Ledger) NextSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)) + 1
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func validate(e Entry) error {
	switch {
	case !e.Kind.valid():
		return errors.Wrapf(ErrInvalidEntry, "seq %d: kind %q", e.Seq, e.Kind)
	case e.UserID == "":
		return errors.Wrapf(ErrInvalidEntry, "seq %d: empty user", e.Seq)
	case e.Amount.IsNegative():
		return errors.Wrapf(ErrInvalidEntry, "seq %d: negative amount", e.Seq)
	case e.Generation < 0 || e.Generation > MaxGeneration:
		return errors.Wrapf(ErrInvalidEntry, "seq %d: generation %d", e.Seq, e.Generation)
	case e.Kind == KindReferralCredit && e.Generation == 0:
		return errors.Wrapf(ErrInvalidEntry, "seq %d: referral credit without generation", e.Seq)
	case e.Kind != KindReferralCredit && e.Kind != KindMachineBonus && e.Generation != 0:
		return errors.Wrapf(ErrInvalidEntry, "seq %d: %s with generation %d", e.Seq, e.Kind, e.Generation)
	case e.CausalRef > e.Seq:
		return errors.Wrapf(ErrInvalidEntry, "seq %d: causal ref %d in the future", e.Seq, e.CausalRef)
	}
	return nil
}

// Append adds sealed entries to the log. Either every entry is applied or
// none is.
func (l *Ledger) Append(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.check(entries); err != nil {
		return err
	}
	for _, e := range entries {
		l.entries = append(l.entries, e)
		b, ok := l.balances[e.UserID]
		if !ok {
			b = &Balance{}
			l.balances[e.UserID] = b
		}
		b.apply(e)
	}
	return nil
}

// Check reports whether entries could be appended right now.
func (l *Ledger) Check(entries ...Entry) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.check(entries)
}

func (l *Ledger) check(entries []Entry) error {
	next := uint64(len(l.entries)) + 1
	for i, e := range entries {
		if e.Seq != next+uint64(i) {
			return errors.Wrapf(ErrSequenceGap, "got %d, want %d", e.Seq, next+uint64(i))
		}
		if err := validate(e); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the cached balance of a user. Unknown users have a zero
// balance.
func (l *Ledger) Balance(userID string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.balances[userID]; ok {
		return *b
	}
	return Balance{}
}

// Entries returns a copy of the log starting at sequence from.
func (l *Ledger) Entries(from uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.entries)) {
		return nil
	}
	return append([]Entry(nil), l.entries[from-1:]...)
}

// Caused returns every entry whose causal reference is seq.
func (l *Ledger) Caused(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	if seq == 0 || seq > uint64(len(l.entries)) {
		return out
	}
	for _, e := range l.entries[seq-1:] {
		if e.CausalRef == seq {
			out = append(out, e)
		}
	}
	return out
}

// Audit re-folds the log and compares the result with the cached balances.
func (l *Ledger) Audit() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	folded := Fold(l.entries)
	if len(folded) != len(l.balances) {
		return errors.Wrapf(ErrBalanceDrift, "%d users folded, %d cached", len(folded), len(l.balances))
	}
	for id, want := range folded {
		got, ok := l.balances[id]
		if !ok || !got.Equal(want) {
			log.WithFields(log.Fields{
				"user":        id,
				"cached":      got,
				"recomputed":  want,
				"entry_count": len(l.entries),
			}).Error("ledger audit mismatch")
			return errors.Wrapf(ErrBalanceDrift, "user %s", id)
		}
	}
	return nil
}
