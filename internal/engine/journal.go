package engine

import (
	"context"

	"bria-engine/internal/ledger"
	"bria-engine/internal/referral"
)

// Record is one atomic unit of work: the sealed ledger entries, the machine
// after-image and the claim idempotency key. A Journal must persist all of
// it or none of it.
type Record struct {
	Entries []ledger.Entry
	Machine *Machine
	// PrevVersion is the version Machine replaces; 0 means a new machine.
	PrevVersion     uint64
	DistributionKey string
}

// Journal is the durable write-ahead store behind the engine.
//
// Commit errors wrapping ErrNothingToClaim or ErrConcurrentModification mean
// the record was rejected and rolled back. After any other error the engine
// calls Landed to learn whether the record is durable anyway.
type Journal interface {
	SaveUser(ctx context.Context, u referral.User) error
	LinkUser(ctx context.Context, userID, uplineID string) error
	Commit(ctx context.Context, rec Record) error
	Landed(ctx context.Context, rec Record) (bool, error)
}

// Snapshot is the persisted state an engine is rebuilt from at startup.
type Snapshot struct {
	Users            []referral.User
	Machines         []Machine
	Entries          []ledger.Entry
	DistributionKeys []string
}

type nopJournal struct{}

func (nopJournal) SaveUser(context.Context, referral.User) error  { return nil }
func (nopJournal) LinkUser(context.Context, string, string) error { return nil }
func (nopJournal) Commit(context.Context, Record) error           { return nil }
func (nopJournal) Landed(context.Context, Record) (bool, error)   { return true, nil }

// Feed receives committed entries for the activity stream.
type Feed interface {
	Publish(ctx context.Context, entries []ledger.Entry) error
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// Notifier is told about bonus credits after they are committed.
type Notifier interface {
	Credited(ctx context.Context, u referral.User, e ledger.Entry) error
}
