package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bria-engine/internal/ledger"
)

const defaultKey = "bria:activity"

// Redis keeps the activity stream in a sorted set scored by ledger sequence,
// so entries published out of order still read back in commit order. The
// set is trimmed to Size members; entries older than Retention are hidden.
type Redis struct {
	Client    *redis.Client
	Key       string
	Size      int
	Retention time.Duration
	Now       func() time.Time
}

func NewRedis(rdb *redis.Client, size int, retention time.Duration) *Redis {
	if size <= 0 {
		size = 100
	}
	return &Redis{Client: rdb, Key: defaultKey, Size: size, Retention: retention, Now: time.Now}
}

func (r *Redis) Publish(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.Seq, err)
		}
		members = append(members, redis.Z{Score: float64(e.Seq), Member: data})
	}

	pipe := r.Client.TxPipeline()
	pipe.ZAdd(ctx, r.Key, members...)
	pipe.ZRemRangeByRank(ctx, r.Key, 0, int64(-r.Size-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish activity: %w", err)
	}
	return nil
}

func (r *Redis) Recent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 || limit > r.Size {
		limit = r.Size
	}
	raw, err := r.Client.ZRevRange(ctx, r.Key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activity: %w", err)
	}

	var cutoff time.Time
	if r.Retention > 0 {
		cutoff = r.Now().Add(-r.Retention)
	}
	out := make([]ledger.Entry, 0, len(raw))
	for _, item := range raw {
		var e ledger.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode activity: %w", err)
		}
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
