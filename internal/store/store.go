package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bria-engine/internal/catalog"
	"bria-engine/internal/engine"
	"bria-engine/internal/ledger"
	"bria-engine/internal/models"
	"bria-engine/internal/referral"
)

// Store persists engine commits through gorm. Every Commit is one database
// transaction.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) SaveUser(ctx context.Context, u referral.User) error {
	row := models.User{ID: u.ID, Wallet: u.Wallet, TelegramID: u.TelegramID}
	if u.UplineID != "" {
		upline := u.UplineID
		row.ReferrerID = &upline
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "failed to save user %s", u.ID)
	}
	return nil
}

func (s *Store) LinkUser(ctx context.Context, userID, uplineID string) error {
	res := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND referrer_id IS NULL", userID).
		Update("referrer_id", uplineID)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to link user %s", userID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(engine.ErrUplineAlreadySet, "user %s", userID)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, rec engine.Record) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.DistributionKey != "" {
			if err := insertDistribution(tx, rec); err != nil {
				return err
			}
		}

		if len(rec.Entries) > 0 {
			rows := make([]models.LedgerEntry, len(rec.Entries))
			for i, e := range rec.Entries {
				rows[i] = entryRow(e)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return errors.Wrap(err, "failed to insert ledger entries")
			}
		}

		if rec.Machine == nil {
			return nil
		}
		row := machineRow(*rec.Machine)
		if rec.PrevVersion == 0 {
			if err := tx.Create(&row).Error; err != nil {
				return errors.Wrapf(err, "failed to insert machine %s", row.ID)
			}
			return nil
		}
		res := tx.Model(&models.Machine{}).
			Where("id = ? AND version = ?", row.ID, rec.PrevVersion).
			Updates(map[string]any{
				"staked":        row.Staked,
				"total_earned":  row.TotalEarned,
				"state":         row.State,
				"version":       row.Version,
				"activated_at":  row.ActivatedAt,
				"last_claim_at": row.LastClaimAt,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed to update machine %s", row.ID)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(engine.ErrConcurrentModification, "machine %s is not at version %d", row.ID, rec.PrevVersion)
		}
		return nil
	})
}

// Landed reports whether rec was committed. The engine is the only writer and
// assigns sequence numbers in order, so the first sequence number of rec
// identifies it; a record without entries is identified by its machine
// version.
func (s *Store) Landed(ctx context.Context, rec engine.Record) (bool, error) {
	db := s.DB.WithContext(ctx)
	var count int64
	switch {
	case len(rec.Entries) > 0:
		if err := db.Model(&models.LedgerEntry{}).Where("seq = ?", rec.Entries[0].Seq).Count(&count).Error; err != nil {
			return false, errors.Wrapf(err, "failed to look up seq %d", rec.Entries[0].Seq)
		}
	case rec.Machine != nil:
		err := db.Model(&models.Machine{}).
			Where("id = ? AND version >= ?", rec.Machine.ID, rec.Machine.Version).
			Count(&count).Error
		if err != nil {
			return false, errors.Wrapf(err, "failed to look up machine %s", rec.Machine.ID)
		}
	}
	return count > 0, nil
}

func insertDistribution(tx *gorm.DB, rec engine.Record) error {
	var count int64
	if err := tx.Model(&models.Distribution{}).Where("claim_key = ?", rec.DistributionKey).Count(&count).Error; err != nil {
		return errors.Wrap(err, "failed to check distribution")
	}
	if count > 0 {
		return errors.Wrapf(engine.ErrNothingToClaim, "claim %s already distributed", rec.DistributionKey)
	}

	d := models.Distribution{ClaimKey: rec.DistributionKey}
	for _, e := range rec.Entries {
		if e.Kind == ledger.KindClaim {
			d.ClaimSeq = e.Seq
			d.MachineID = e.MachineID
			break
		}
	}
	if err := tx.Create(&d).Error; err != nil {
		return errors.Wrap(err, "failed to record distribution")
	}
	return nil
}

// Load reads everything the engine needs to rebuild its state.
func (s *Store) Load(ctx context.Context) (engine.Snapshot, error) {
	var snap engine.Snapshot
	db := s.DB.WithContext(ctx)

	var users []models.User
	if err := db.Order("created_at, id").Find(&users).Error; err != nil {
		return snap, errors.Wrap(err, "failed to load users")
	}
	for _, u := range users {
		ru := referral.User{ID: u.ID, Wallet: u.Wallet, TelegramID: u.TelegramID}
		if u.ReferrerID != nil {
			ru.UplineID = *u.ReferrerID
		}
		snap.Users = append(snap.Users, ru)
	}

	var entries []models.LedgerEntry
	if err := db.Order("seq").Find(&entries).Error; err != nil {
		return snap, errors.Wrap(err, "failed to load ledger")
	}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, entryFromRow(e))
	}

	var machines []models.Machine
	if err := db.Order("created_at, id").Find(&machines).Error; err != nil {
		return snap, errors.Wrap(err, "failed to load machines")
	}
	for _, m := range machines {
		em, err := machineFromRow(m)
		if err != nil {
			return snap, err
		}
		snap.Machines = append(snap.Machines, em)
	}

	if err := db.Model(&models.Distribution{}).Pluck("claim_key", &snap.DistributionKeys).Error; err != nil {
		return snap, errors.Wrap(err, "failed to load distributions")
	}

	log.WithFields(log.Fields{
		"users":    len(snap.Users),
		"machines": len(snap.Machines),
		"entries":  len(snap.Entries),
	}).Debug("snapshot loaded")
	return snap, nil
}

func entryRow(e ledger.Entry) models.LedgerEntry {
	row := models.LedgerEntry{
		Seq:        e.Seq,
		UserID:     e.UserID,
		Kind:       string(e.Kind),
		Amount:     e.Amount,
		Generation: e.Generation,
		CausalRef:  e.CausalRef,
		Timestamp:  e.Timestamp.UTC(),
	}
	if e.MachineID != "" {
		id := e.MachineID
		row.MachineID = &id
	}
	return row
}

func entryFromRow(r models.LedgerEntry) ledger.Entry {
	e := ledger.Entry{
		Seq:        r.Seq,
		UserID:     r.UserID,
		Kind:       ledger.Kind(r.Kind),
		Amount:     r.Amount,
		Generation: r.Generation,
		CausalRef:  r.CausalRef,
		Timestamp:  r.Timestamp.UTC(),
	}
	if r.MachineID != nil {
		e.MachineID = *r.MachineID
	}
	return e
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func machineRow(m engine.Machine) models.Machine {
	return models.Machine{
		ID:          m.ID,
		OwnerID:     m.Owner,
		TierID:      m.Tier.ID,
		TierVersion: m.Tier.Version,
		Staked:      m.Staked,
		TotalEarned: m.TotalEarned,
		State:       m.State.String(),
		Version:     m.Version,
		ActivatedAt: timePtr(m.ActivatedAt),
		LastClaimAt: timePtr(m.LastClaimAt),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func machineFromRow(r models.Machine) (engine.Machine, error) {
	state, err := engine.ParseState(r.State)
	if err != nil {
		return engine.Machine{}, errors.Wrapf(err, "machine %s", r.ID)
	}
	m := engine.Machine{
		ID:          r.ID,
		Owner:       r.OwnerID,
		Tier:        catalog.Ref{ID: r.TierID, Version: r.TierVersion},
		Staked:      r.Staked,
		TotalEarned: r.TotalEarned,
		State:       state,
		CreatedAt:   r.CreatedAt.UTC(),
		Version:     r.Version,
	}
	if r.ActivatedAt != nil {
		m.ActivatedAt = r.ActivatedAt.UTC()
	}
	if r.LastClaimAt != nil {
		m.LastClaimAt = r.LastClaimAt.UTC()
	}
	return m, nil
}
