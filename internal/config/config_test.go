package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SweepInterval != time.Hour || cfg.LockTimeout != 5*time.Second || cfg.CommitTimeout != 10*time.Second {
		t.Errorf("durations = %s, %s, %s", cfg.SweepInterval, cfg.LockTimeout, cfg.CommitTimeout)
	}
	if !cfg.MachineSaleBonus.Equal(decimal.NewFromInt(5)) {
		t.Errorf("MachineSaleBonus = %s", cfg.MachineSaleBonus)
	}
	if cfg.ActivityFeedSize != 100 {
		t.Errorf("ActivityFeedSize = %d", cfg.ActivityFeedSize)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "SWEEP_INTERVAL=15m\nALLOWED_CIDRS=10.0.0.0/8, 192.168.0.0/16\nREFERRAL_BONUS_SCHEDULE=3,1\nDB_NAME=staking\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"SWEEP_INTERVAL", "ALLOWED_CIDRS", "REFERRAL_BONUS_SCHEDULE", "DB_NAME"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Errorf("SweepInterval = %s", cfg.SweepInterval)
	}
	if !slices.Equal(cfg.AllowedCIDRs, []string{"10.0.0.0/8", "192.168.0.0/16"}) {
		t.Errorf("AllowedCIDRs = %v", cfg.AllowedCIDRs)
	}
	if cfg.BonusSchedule != "3,1" {
		t.Errorf("BonusSchedule = %q", cfg.BonusSchedule)
	}
	if got := cfg.DSN(); got != "host=localhost user=postgres password=postgres dbname=staking port=5432 sslmode=disable TimeZone=UTC" {
		t.Errorf("DSN = %q", got)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"SWEEP_INTERVAL":     "hourly",
		"ACTIVITY_FEED_SIZE": "many",
		"MACHINE_SALE_BONUS": "five",
		"LOCK_TIMEOUT":       "5",
		"COMMIT_TIMEOUT":     "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Fatalf("%s=%q accepted", key, value)
			}
		})
	}
}
