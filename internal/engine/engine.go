package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"bria-engine/internal/catalog"
	"bria-engine/internal/ledger"
	"bria-engine/internal/metrics"
	"bria-engine/internal/referral"
)

// Options wires an Engine. Zero values fall back to in-memory defaults.
type Options struct {
	Catalog  *catalog.Catalog
	Schedule *Schedule
	// MachineSaleBonus is the percentage of a tier price credited to the
	// buyer's direct upline on activation.
	MachineSaleBonus decimal.Decimal
	Journal          Journal
	Feed             Feed
	Notifier         Notifier
	Metrics          *metrics.Metrics
	LockTimeout      time.Duration
	// CommitTimeout bounds a journal write. Caller cancellation does not
	// reach a write that has started.
	CommitTimeout time.Duration
	Clock         func() time.Time
}

// Engine owns machines, the referral graph and the ledger, and orchestrates
// every state change as a single atomic commit.
type Engine struct {
	schedule      Schedule
	saleBonus     decimal.Decimal
	graph         *referral.Graph
	ledger        *ledger.Ledger
	journal       Journal
	feed          Feed
	notifier      Notifier
	metrics       *metrics.Metrics
	lockTimeout   time.Duration
	commitTimeout time.Duration
	clock         func() time.Time

	// mu guards the fields below and every ledger append. Readers holding
	// the read lock see either the state before a commit or after it.
	mu          sync.RWMutex
	catalog     *catalog.Catalog
	machines    map[string]*Machine
	byOwner     map[string][]string
	distributed map[string]struct{}
	// pending is a record the journal may or may not hold. No commit runs
	// until it is settled.
	pending *Record

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func New(opts Options) (*Engine, error) {
	e := &Engine{
		saleBonus:     opts.MachineSaleBonus,
		graph:         referral.NewGraph(),
		ledger:        ledger.New(),
		journal:       opts.Journal,
		feed:          opts.Feed,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		lockTimeout:   opts.LockTimeout,
		commitTimeout: opts.CommitTimeout,
		catalog:       opts.Catalog,
		machines:      make(map[string]*Machine),
		byOwner:       make(map[string][]string),
		distributed:   make(map[string]struct{}),
		locks:         make(map[string]chan struct{}),
	}
	if opts.Schedule != nil {
		e.schedule = *opts.Schedule
	} else {
		e.schedule = DefaultSchedule()
	}
	if e.saleBonus.IsNegative() || !e.saleBonus.Equal(e.saleBonus.Truncate(PercentPlaces)) {
		return nil, errors.Wrapf(ErrInvalidAmount, "machine sale bonus %s", e.saleBonus)
	}
	if e.catalog == nil {
		e.catalog = catalog.Default()
	}
	if e.journal == nil {
		e.journal = nopJournal{}
	}
	if e.feed == nil {
		e.feed = ledger.NewRing(100)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = 5 * time.Second
	}
	if e.commitTimeout <= 0 {
		e.commitTimeout = 10 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	// Journals keep microseconds; distribution keys must survive a reload.
	e.clock = func() time.Time { return clock().UTC().Truncate(time.Microsecond) }
	return e, nil
}

// Restore loads persisted state. It must run before the engine serves
// requests.
func (e *Engine) Restore(snap Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, u := range snap.Users {
		root := u
		root.UplineID = ""
		if err := e.graph.Add(root); err != nil {
			return errors.Wrapf(err, "restore user %s", u.ID)
		}
	}
	for _, u := range snap.Users {
		if u.UplineID == "" {
			continue
		}
		if err := e.graph.Link(u.ID, u.UplineID); err != nil {
			return errors.Wrapf(err, "restore upline of %s", u.ID)
		}
	}

	entries := append([]ledger.Entry(nil), snap.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	if err := e.ledger.Append(entries...); err != nil {
		return errors.Wrap(err, "restore ledger")
	}

	for i := range snap.Machines {
		m := snap.Machines[i]
		if _, err := e.catalog.Tier(m.Tier); err != nil {
			return errors.Wrapf(err, "restore machine %s", m.ID)
		}
		e.machines[m.ID] = &m
		e.byOwner[m.Owner] = append(e.byOwner[m.Owner], m.ID)
	}
	for _, key := range snap.DistributionKeys {
		e.distributed[key] = struct{}{}
	}
	if err := e.ledger.Audit(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"users":    len(snap.Users),
		"machines": len(snap.Machines),
		"entries":  len(entries),
	}).Info("engine state restored")
	return nil
}

// ReplaceCatalog swaps in a revised catalog. Every tier version a machine
// may reference has to survive the swap.
func (e *Engine) ReplaceCatalog(next *catalog.Catalog) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.catalog.Contains(next) {
		return errors.Wrap(ErrUnknownTier, "revised catalog drops tier versions")
	}
	e.catalog = next
	return nil
}

// Catalog returns the current tier catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalog
}

// lockMachine serializes mutations of one machine. Waiting longer than the
// lock timeout or past ctx cancellation yields ErrConcurrentModification.
func (e *Engine) lockMachine(ctx context.Context, id string) (func(), error) {
	e.mu.RLock()
	_, known := e.machines[id]
	e.mu.RUnlock()
	if !known {
		return nil, errors.Wrapf(ErrUnknownMachine, "machine %s", id)
	}
	if ctx.Err() != nil {
		return nil, errors.Wrapf(ErrConcurrentModification, "machine %s: %v", id, ctx.Err())
	}

	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		e.locks[id] = l
	}
	e.locksMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrConcurrentModification, "machine %s busy", id)
	}
}

// ownedMachine returns a copy of the machine and its tier. Machines owned by
// someone else are reported as unknown.
func (e *Engine) ownedMachine(userID, machineID string) (Machine, catalog.Tier, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.machines[machineID]
	if !ok || m.Owner != userID {
		return Machine{}, catalog.Tier{}, errors.Wrapf(ErrUnknownMachine, "machine %s", machineID)
	}
	tier, err := e.catalog.Tier(m.Tier)
	if err != nil {
		return Machine{}, catalog.Tier{}, err
	}
	return *m, tier, nil
}

type unit struct {
	batch    ledger.Batch
	machine  *Machine
	prev     uint64
	key      string
	isInsert bool
}

// commit seals and persists one unit of work, then applies it in memory.
// Nothing is applied when the journal did not keep it.
func (e *Engine) commit(ctx context.Context, u *unit) ([]ledger.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		if _, err := e.resolve(ctx, *e.pending); err != nil {
			return nil, err
		}
		e.pending = nil
	}

	if u.key != "" {
		if _, dup := e.distributed[u.key]; dup {
			return nil, errors.Wrapf(ErrNothingToClaim, "claim %s already distributed", u.key)
		}
	}
	if m := u.machine; m != nil {
		cur, ok := e.machines[m.ID]
		switch {
		case u.isInsert && ok:
			return nil, errors.Wrapf(ErrConcurrentModification, "machine %s already exists", m.ID)
		case !u.isInsert && (!ok || cur.Version != u.prev):
			return nil, errors.Wrapf(ErrConcurrentModification, "machine %s changed", m.ID)
		}
	}

	entries := u.batch.Seal(e.ledger.NextSeq())
	if err := e.ledger.Check(entries...); err != nil {
		return nil, err
	}

	rec := Record{Entries: entries, DistributionKey: u.key}
	if u.machine != nil {
		after := *u.machine
		rec.Machine = &after
		if !u.isInsert {
			rec.PrevVersion = u.prev
		}
	}

	jctx, cancel := e.journalContext(ctx)
	err := e.journal.Commit(jctx, rec)
	cancel()
	if err != nil {
		log.WithFields(log.Fields{
			"entries": len(entries),
			"key":     u.key,
		}).WithError(err).Warn("journal rejected commit")
		if errors.Is(err, ErrNothingToClaim) || errors.Is(err, ErrConcurrentModification) {
			return nil, errors.Wrap(err, "journal commit")
		}

		// The write may have landed with only the acknowledgement lost.
		landed, rerr := e.resolve(ctx, rec)
		switch {
		case rerr != nil:
			p := rec
			e.pending = &p
			return nil, rerr
		case !landed:
			return nil, errors.Wrap(err, "journal commit")
		}
		return entries, nil
	}

	if err := e.apply(rec); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"first_seq": firstSeq(entries),
		"entries":   len(entries),
		"key":       u.key,
	}).Debug("committed")
	return entries, nil
}

// resolve asks the journal whether rec is durable and applies it in memory
// when it is. Callers hold e.mu.
func (e *Engine) resolve(ctx context.Context, rec Record) (bool, error) {
	jctx, cancel := e.journalContext(ctx)
	defer cancel()

	landed, err := e.journal.Landed(jctx, rec)
	if err != nil {
		log.WithField("first_seq", firstSeq(rec.Entries)).WithError(err).Error("journal outcome unknown, writes are held")
		return false, errors.Wrapf(ErrJournalUnsettled, "seq %d: %v", firstSeq(rec.Entries), err)
	}
	if !landed {
		return false, nil
	}
	if err := e.apply(rec); err != nil {
		return false, err
	}
	log.WithField("first_seq", firstSeq(rec.Entries)).Warn("journal kept a commit it reported as failed")
	return true, nil
}

// apply makes a journaled record visible in memory. Callers hold e.mu.
func (e *Engine) apply(rec Record) error {
	if err := e.ledger.Append(rec.Entries...); err != nil {
		// Sequence numbers were checked under the same lock, so this cannot
		// happen short of a bug; the journal is now ahead of memory.
		log.WithError(err).Error("ledger append failed after journal commit")
		return err
	}
	if m := rec.Machine; m != nil {
		after := *m
		if _, ok := e.machines[after.ID]; !ok {
			e.byOwner[after.Owner] = append(e.byOwner[after.Owner], after.ID)
		}
		e.machines[after.ID] = &after
	}
	if rec.DistributionKey != "" {
		e.distributed[rec.DistributionKey] = struct{}{}
	}
	return nil
}

// journalContext keeps the caller's values but not its cancellation: a
// started journal write runs to completion or to the commit timeout.
func (e *Engine) journalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout)
}

func firstSeq(entries []ledger.Entry) uint64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[0].Seq
}

// published runs the post-commit side effects. None of them can undo the
// commit; failures are logged.
func (e *Engine) published(ctx context.Context, entries []ledger.Entry) {
	if len(entries) == 0 {
		return
	}
	e.metrics.Committed(entries)
	if err := e.feed.Publish(ctx, entries); err != nil {
		log.WithError(err).Warn("failed to publish activity")
	}
	if e.notifier == nil {
		return
	}
	for _, en := range entries {
		if en.Kind != ledger.KindReferralCredit && en.Kind != ledger.KindMachineBonus {
			continue
		}
		u, ok := e.graph.User(en.UserID)
		if !ok {
			continue
		}
		if err := e.notifier.Credited(ctx, u, en); err != nil {
			log.WithFields(log.Fields{
				"user": en.UserID,
				"seq":  en.Seq,
			}).WithError(err).Warn("failed to notify credit")
		}
	}
}
