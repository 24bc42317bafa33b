package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// UndoSnapshot stores the pre-mutation state of an entity for a short window.
// State is JSON owned by the undo store.
type UndoSnapshot struct {
	ID            int        `gorm:"primary_key" json:"id"`
	EntityType    string     `gorm:"size:50;not null;index:idx_undo_entity,priority:1" json:"entity_type"`
	EntityId      int        `gorm:"not null;index:idx_undo_entity,priority:2" json:"entity_id"`
	Action        string     `gorm:"size:30;not null" json:"action"`
	TargetState   string     `gorm:"size:30" json:"target_state"`
	State         string     `gorm:"type:text;not null" json:"-"`
	ResultVersion int        `gorm:"not null" json:"result_version"`
	PerformedBy   int        `gorm:"not null" json:"performed_by"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt     time.Time  `gorm:"not null;index" json:"expires_at"`
	ConsumedAt    *time.Time `json:"consumed_at"`
}

// DeleteExpiredSnapshots removes snapshots that expired before the cutoff.
// Callers keep a retention margin so recent expiries still report as expired
// rather than missing.
func DeleteExpiredSnapshots(tx *gorm.DB, ctx context.Context, before time.Time) (int64, error) {
	res := tx.WithContext(ctx).Where("expires_at <= ?", before).Delete(&UndoSnapshot{})
	return res.RowsAffected, res.Error
}
