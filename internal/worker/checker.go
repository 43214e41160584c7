package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"bria-engine/internal/engine"
	"bria-engine/internal/referral"
)

// ExpiryNotifier warns an owner that a machine is about to expire.
type ExpiryNotifier interface {
	MachineExpiring(ctx context.Context, u referral.User, m engine.MachineView) error
}

// Checker periodically warns owners of machines expiring within a day and
// moves machines past their lifetime to Expired.
type Checker struct {
	Engine   *engine.Engine
	Redis    *redis.Client
	Notifier ExpiryNotifier
	Interval time.Duration
	Now      func() time.Time
}

func NewChecker(e *engine.Engine, rdb *redis.Client, n ExpiryNotifier, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Checker{
		Engine:   e,
		Redis:    rdb,
		Notifier: n,
		Interval: interval,
		Now:      time.Now,
	}
}

// Start runs a cycle immediately and then on every tick until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	log.WithField("interval", c.Interval).Info("Background expiry worker started")

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("Background expiry worker stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one notification and sweep cycle.
func (c *Checker) RunOnce(ctx context.Context) {
	log.Debug("Running expiry check cycle...")
	c.notifyExpiring(ctx)

	swept, err := c.Engine.SweepExpired(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to sweep expired machines")
	}
	for _, m := range swept {
		log.WithFields(log.Fields{
			"machine": m.ID,
			"owner":   m.Owner,
		}).Info("Machine expired")
	}
}

// notifyExpiring warns once per machine expiring in [23h, 25h].
func (c *Checker) notifyExpiring(ctx context.Context) {
	if c.Notifier == nil || c.Redis == nil {
		return
	}
	now := c.Now()
	for _, m := range c.Engine.ExpiringBetween(now.Add(23*time.Hour), now.Add(25*time.Hour)) {
		key := fmt.Sprintf("notified_24h_%s", m.ID)
		exists, err := c.Redis.Exists(ctx, key).Result()
		if err != nil {
			log.WithError(err).Warn("Failed to check notification marker")
			continue
		}
		if exists > 0 {
			continue
		}

		owner, err := c.Engine.User(m.Owner)
		if err != nil {
			continue
		}
		if err := c.Notifier.MachineExpiring(ctx, owner, m); err != nil {
			log.WithField("machine", m.ID).WithError(err).Warn("Failed to send expiry notification")
			continue
		}
		c.Redis.Set(ctx, key, "true", 48*time.Hour)
	}
}
