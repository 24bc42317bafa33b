package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const EntityTypeInvoice = "invoice"

// EntityLock is an advisory edit lock. One row per (entity_type, entity_id).
type EntityLock struct {
	ID           int       `gorm:"primary_key" json:"id"`
	EntityType   string    `gorm:"size:50;not null;index:uniq_entity_lock,unique" json:"entity_type"`
	EntityId     int       `gorm:"not null;index:uniq_entity_lock,unique" json:"entity_id"`
	LockedBy     int       `gorm:"not null" json:"locked_by"`
	LockedByName string    `gorm:"size:100" json:"locked_by_name"`
	LockedAt     time.Time `gorm:"not null" json:"locked_at"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expires_at"`
}

func (l *EntityLock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// DeleteExpiredLocks removes locks with expires_at <= now.
func DeleteExpiredLocks(tx *gorm.DB, ctx context.Context, now time.Time) (int64, error) {
	res := tx.WithContext(ctx).Where("expires_at <= ?", now).Delete(&EntityLock{})
	return res.RowsAffected, res.Error
}
