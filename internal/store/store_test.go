package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bria-engine/internal/database"
	"bria-engine/internal/engine"
	"bria-engine/internal/ledger"
	"bria-engine/internal/models"
	"bria-engine/internal/referral"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func newEngine(t *testing.T, s *Store, c *clock) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Options{Journal: s, Clock: c.Now, MachineSaleBonus: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEngineSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore(db)
	c := &clock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	e := newEngine(t, s, c)

	for _, u := range []referral.User{{ID: "P2"}, {ID: "P1", UplineID: "P2"}, {ID: "U", UplineID: "P1", TelegramID: 42}, {ID: "late"}} {
		if err := e.RegisterUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.LinkUpline(ctx, "late", "U"); err != nil {
		t.Fatal(err)
	}
	m, err := e.ActivateMachine(ctx, "U", "bronze")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Stake(ctx, "U", m.ID, decimal.NewFromInt(800)); err != nil {
		t.Fatal(err)
	}
	c.Advance(12 * time.Hour)
	claim, err := e.Claim(ctx, "U", m.ID)
	if err != nil {
		t.Fatal(err)
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Count(&count)
	if want := int64(len(e.Entries(1))); count != want {
		t.Fatalf("persisted %d entries, engine has %d", count, want)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored := newEngine(t, s, c)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := restored.Audit(); err != nil {
		t.Fatalf("Audit: %v", err)
	}

	for _, id := range []string{"U", "P1", "P2"} {
		want, _ := e.GetUserStats(id)
		got, err := restored.GetUserStats(id)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Balance.Equal(want.Balance) || !got.TotalReferralBonus.Equal(want.TotalReferralBonus) {
			t.Errorf("%s: restored %+v, want %+v", id, got, want)
		}
	}
	u, _ := restored.User("late")
	if u.UplineID != "U" {
		t.Errorf("late upline = %q", u.UplineID)
	}
	if u, _ := restored.User("U"); u.TelegramID != 42 {
		t.Errorf("telegram id = %d", u.TelegramID)
	}

	got, err := restored.GetMachine(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != engine.StateActive || !got.TotalEarned.Equal(claim.Amount) {
		t.Fatalf("restored machine = %+v", got)
	}

	if _, err := restored.Claim(ctx, "U", m.ID); !errors.Is(err, engine.ErrNothingToClaim) {
		t.Fatalf("claim after restore err = %v", err)
	}
	c.Advance(12 * time.Hour)
	if _, err := restored.Claim(ctx, "U", m.ID); err != nil {
		t.Fatalf("claim of next interval after restore: %v", err)
	}
}

func TestCommitRejectsReplayAndStaleVersions(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openDB(t))
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	m := engine.Machine{ID: "m-1", Owner: "U", State: engine.StateActive, Staked: decimal.NewFromInt(10),
		TotalEarned: decimal.Zero, Version: 1, CreatedAt: now, ActivatedAt: now, LastClaimAt: now}
	if err := s.Commit(ctx, engine.Record{Machine: &m}); err != nil {
		t.Fatalf("insert machine: %v", err)
	}

	next := m
	next.Version = 2
	next.TotalEarned = decimal.NewFromInt(1)
	rec := engine.Record{
		Entries: []ledger.Entry{{Seq: 1, CausalRef: 1, UserID: "U", MachineID: "m-1", Kind: ledger.KindClaim,
			Amount: decimal.NewFromInt(1), Timestamp: now}},
		Machine:         &next,
		PrevVersion:     1,
		DistributionKey: "m-1|0",
	}
	if err := s.Commit(ctx, rec); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	replay := rec
	replay.Entries = []ledger.Entry{{Seq: 2, CausalRef: 2, UserID: "U", MachineID: "m-1", Kind: ledger.KindClaim,
		Amount: decimal.NewFromInt(1), Timestamp: now}}
	if err := s.Commit(ctx, replay); !errors.Is(err, engine.ErrNothingToClaim) {
		t.Fatalf("replay err = %v", err)
	}

	stale := engine.Record{Machine: &next, PrevVersion: 1}
	if err := s.Commit(ctx, stale); !errors.Is(err, engine.ErrConcurrentModification) {
		t.Fatalf("stale err = %v", err)
	}

	var entries int64
	s.DB.Model(&models.LedgerEntry{}).Count(&entries)
	if entries != 1 {
		t.Fatalf("entries = %d, rejected commits must roll back", entries)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.DistributionKeys) != 1 || snap.DistributionKeys[0] != "m-1|0" {
		t.Fatalf("keys = %v", snap.DistributionKeys)
	}
	if len(snap.Machines) != 1 || snap.Machines[0].Version != 2 {
		t.Fatalf("machines = %+v", snap.Machines)
	}
}

func TestLinkUser(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openDB(t))
	for _, u := range []referral.User{{ID: "a"}, {ID: "b"}} {
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.LinkUser(ctx, "b", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkUser(ctx, "b", "a"); !errors.Is(err, engine.ErrUplineAlreadySet) {
		t.Fatalf("second link err = %v", err)
	}
}

// flakyAck commits through the store and then reports a failure, the way a
// connection dropped after COMMIT looks to the caller.
type flakyAck struct {
	*Store
	dropAcks    int
	failLookups int
}

func (j *flakyAck) Commit(ctx context.Context, rec engine.Record) error {
	if err := j.Store.Commit(ctx, rec); err != nil {
		return err
	}
	if j.dropAcks > 0 {
		j.dropAcks--
		return errors.New("connection reset after COMMIT")
	}
	return nil
}

func (j *flakyAck) Landed(ctx context.Context, rec engine.Record) (bool, error) {
	if j.failLookups > 0 {
		j.failLookups--
		return false, errors.New("connection refused")
	}
	return j.Store.Landed(ctx, rec)
}

func TestLostAcknowledgement(t *testing.T) {
	tests := []struct {
		name        string
		failLookups int
		wantErr     error
	}{
		{"confirmed at once", 0, nil},
		{"confirmed on the next write", 1, engine.ErrJournalUnsettled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(openDB(t))
			j := &flakyAck{Store: s}
			c := &clock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
			e, err := engine.New(engine.Options{Journal: j, Clock: c.Now, MachineSaleBonus: decimal.NewFromInt(5)})
			if err != nil {
				t.Fatal(err)
			}
			for _, u := range []referral.User{{ID: "P1"}, {ID: "U", UplineID: "P1"}, {ID: "V"}} {
				if err := e.RegisterUser(ctx, u); err != nil {
					t.Fatal(err)
				}
			}
			m, err := e.ActivateMachine(ctx, "U", "bronze")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := e.Stake(ctx, "U", m.ID, decimal.NewFromInt(800)); err != nil {
				t.Fatal(err)
			}
			c.Advance(12 * time.Hour)

			j.dropAcks, j.failLookups = 1, tt.failLookups
			_, err = e.Claim(ctx, "U", m.ID)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("claim: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("claim err = %v, want %v", err, tt.wantErr)
			}

			if _, err := e.ActivateMachine(ctx, "V", "bronze"); err != nil {
				t.Fatalf("unrelated write after lost acknowledgement: %v", err)
			}
			if _, err := e.Claim(ctx, "U", m.ID); !errors.Is(err, engine.ErrNothingToClaim) {
				t.Fatalf("retried claim err = %v", err)
			}
			stats, _ := e.GetUserStats("U")
			if !stats.TotalStakingRewards.Equal(decimal.NewFromInt(4)) {
				t.Fatalf("staking rewards = %s, want 4", stats.TotalStakingRewards)
			}
			if err := e.Audit(); err != nil {
				t.Fatalf("Audit: %v", err)
			}

			snap, err := s.Load(ctx)
			if err != nil {
				t.Fatal(err)
			}
			restored := newEngine(t, s, c)
			if err := restored.Restore(snap); err != nil {
				t.Fatalf("Restore: %v", err)
			}
			if got, want := len(restored.Entries(1)), len(e.Entries(1)); got != want {
				t.Fatalf("restored %d entries, engine has %d", got, want)
			}
			for _, id := range []string{"U", "P1", "V"} {
				want, _ := e.GetUserStats(id)
				got, _ := restored.GetUserStats(id)
				if !got.Balance.Equal(want.Balance) {
					t.Errorf("%s: restored balance %s, want %s", id, got.Balance, want.Balance)
				}
			}
		})
	}
}

func TestLanded(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openDB(t))
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	m := engine.Machine{ID: "m-1", Owner: "U", State: engine.StateCreated, Staked: decimal.Zero,
		TotalEarned: decimal.Zero, Version: 1, CreatedAt: now}
	rec := engine.Record{
		Entries: []ledger.Entry{{Seq: 1, CausalRef: 1, UserID: "U", MachineID: "m-1", Kind: ledger.KindActivation,
			Amount: decimal.NewFromInt(100), Timestamp: now}},
		Machine: &m,
	}
	if ok, err := s.Landed(ctx, rec); err != nil || ok {
		t.Fatalf("before commit: landed=%v err=%v", ok, err)
	}
	if err := s.Commit(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Landed(ctx, rec); err != nil || !ok {
		t.Fatalf("after commit: landed=%v err=%v", ok, err)
	}

	expired := m
	expired.State = engine.StateExpired
	expired.Version = 2
	stateOnly := engine.Record{Machine: &expired, PrevVersion: 1}
	if ok, _ := s.Landed(ctx, stateOnly); ok {
		t.Fatal("state-only record reported before commit")
	}
	if err := s.Commit(ctx, stateOnly); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Landed(ctx, stateOnly); !ok {
		t.Fatal("state-only record not reported after commit")
	}
}
