package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/invoices_backend/models"
	"gorm.io/gorm"
)

// snapshots past expiry are kept this long so a late undo reports expired
// rather than not found
const undoRetention = 10 * time.Minute

// UndoStore persists single-use pre-mutation snapshots.
type UndoStore struct {
	TTL time.Duration
	Now func() time.Time
}

func NewUndoStore(ttl time.Duration) *UndoStore {
	return &UndoStore{
		TTL: ttl,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// Capture stores state as the latest snapshot of the entity. resultVersion is
// the entity version the mutation will produce; undo refuses to run if the
// entity has moved past it.
func (s *UndoStore) Capture(tx *gorm.DB, ctx context.Context, entityType string, entityId int, action string, target string, state interface{}, resultVersion int, performedBy int) (*models.UndoSnapshot, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	snap := models.UndoSnapshot{
		EntityType:    entityType,
		EntityId:      entityId,
		Action:        action,
		TargetState:   target,
		State:         string(body),
		ResultVersion: resultVersion,
		PerformedBy:   performedBy,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.TTL),
	}
	if err := tx.WithContext(ctx).Create(&snap).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}

// Latest returns the newest usable snapshot. A consumed or missing snapshot
// is ErrUndoNotFound; a stale one is *UndoExpiredError.
func (s *UndoStore) Latest(tx *gorm.DB, ctx context.Context, entityType string, entityId int) (*models.UndoSnapshot, error) {
	var snap models.UndoSnapshot
	err := tx.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityId).
		Order("id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUndoNotFound
	}
	if err != nil {
		return nil, err
	}
	if snap.ConsumedAt != nil {
		return nil, ErrUndoNotFound
	}
	if !snap.ExpiresAt.After(s.Now()) {
		return nil, &UndoExpiredError{EntityType: entityType, EntityId: entityId, ExpiredAt: snap.ExpiresAt}
	}
	return &snap, nil
}

// MarkConsumed flips consumed_at once; a second caller gets ErrUndoNotFound.
func (s *UndoStore) MarkConsumed(tx *gorm.DB, ctx context.Context, snap *models.UndoSnapshot) error {
	now := s.Now()
	res := tx.WithContext(ctx).Model(&models.UndoSnapshot{}).
		Where("id = ? AND consumed_at IS NULL", snap.ID).
		UpdateColumn("consumed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUndoNotFound
	}
	snap.ConsumedAt = &now
	return nil
}

// Decode unmarshals the snapshot state into out.
func (s *UndoStore) Decode(snap *models.UndoSnapshot, out interface{}) error {
	return json.Unmarshal([]byte(snap.State), out)
}

func (s *UndoStore) SweepExpired(db *gorm.DB, ctx context.Context) (int64, error) {
	return models.DeleteExpiredSnapshots(db, ctx, s.Now().Add(-undoRetention))
}
