package engine

import (
	"github.com/pkg/errors"

	"bria-engine/internal/catalog"
	"bria-engine/internal/referral"
)

var (
	ErrUnknownTier      = catalog.ErrUnknownTier
	ErrUnknownUser      = referral.ErrUnknownUser
	ErrUserExists       = referral.ErrUserExists
	ErrUplineAlreadySet = referral.ErrUplineAlreadySet
	ErrCycleDetected    = referral.ErrCycleDetected

	ErrUnknownMachine         = errors.New("unknown machine")
	ErrCapacityExceeded       = errors.New("machine capacity exceeded")
	ErrMachineExpired         = errors.New("machine expired")
	ErrMachineClosed          = errors.New("machine unstaked")
	ErrNothingToClaim         = errors.New("nothing to claim")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidSchedule        = errors.New("invalid bonus schedule")
	ErrJournalUnsettled       = errors.New("journal outcome unknown")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnknownTier, "unknown_tier"},
	{ErrUnknownUser, "unknown_user"},
	{ErrUserExists, "user_exists"},
	{ErrUplineAlreadySet, "upline_already_set"},
	{ErrCycleDetected, "cycle_detected"},
	{ErrUnknownMachine, "unknown_machine"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrMachineExpired, "machine_expired"},
	{ErrMachineClosed, "machine_unstaked"},
	{ErrNothingToClaim, "nothing_to_claim"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrConcurrentModification, "concurrent_modification"},
	{ErrInvalidSchedule, "invalid_schedule"},
	{ErrJournalUnsettled, "journal_unsettled"},
}

// Code maps an error to a stable identifier for metrics and API responses.
// Nil maps to "ok" and unclassified errors to "internal".
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
