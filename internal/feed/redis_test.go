package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"bria-engine/internal/ledger"
)

func newFeed(t *testing.T, size int, retention time.Duration, now time.Time) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := NewRedis(rdb, size, retention)
	f.Now = func() time.Time { return now }
	return f
}

func entry(seq uint64, ts time.Time) ledger.Entry {
	return ledger.Entry{Seq: seq, UserID: "u", Kind: ledger.KindClaim, Amount: decimal.RequireFromString("4.5"), Timestamp: ts}
}

func TestRedisFeedOrderAndTrim(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	f := newFeed(t, 3, 0, now)

	if err := f.Publish(ctx, []ledger.Entry{entry(3, now), entry(4, now)}); err != nil {
		t.Fatal(err)
	}
	if err := f.Publish(ctx, []ledger.Entry{entry(1, now), entry(2, now)}); err != nil {
		t.Fatal(err)
	}
	if err := f.Publish(ctx, []ledger.Entry{entry(5, now)}); err != nil {
		t.Fatal(err)
	}

	got, err := f.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []uint64{5, 4, 3} {
		if got[i].Seq != want {
			t.Errorf("got[%d].Seq = %d, want %d", i, got[i].Seq, want)
		}
	}
	if !got[0].Amount.Equal(decimal.RequireFromString("4.5")) || got[0].Kind != ledger.KindClaim {
		t.Errorf("decoded entry = %+v", got[0])
	}
}

func TestRedisFeedRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	f := newFeed(t, 10, time.Hour, now)

	err := f.Publish(ctx, []ledger.Entry{
		entry(1, now.Add(-3*time.Hour)),
		entry(2, now.Add(-30*time.Minute)),
		entry(3, now),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Seq != 2 {
		t.Fatalf("got %+v", got)
	}
}
