package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockManager hands out time-boxed advisory locks on entities. Locks live in
// the entity_locks table; the unique (entity_type, entity_id) index decides
// creation races.
type LockManager struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	TTL    time.Duration
	Now    func() time.Time
}

func NewLockManager(db *gorm.DB, logger *logrus.Logger, ttl time.Duration) *LockManager {
	return &LockManager{
		DB:     db,
		Logger: logger,
		TTL:    ttl,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	// sqlite
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func lockedError(l *models.EntityLock) *EntityLockedError {
	return &EntityLockedError{
		EntityType: l.EntityType,
		EntityId:   l.EntityId,
		Owner:      l.LockedBy,
		OwnerName:  l.LockedByName,
		ExpiresAt:  l.ExpiresAt,
	}
}

func findLock(tx *gorm.DB, ctx context.Context, entityType string, entityId int) (*models.EntityLock, error) {
	var l models.EntityLock
	err := tx.WithContext(ctx).Where("entity_type = ? AND entity_id = ?", entityType, entityId).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// latestRead makes MySQL reads see the newest committed row.
func latestRead(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "SHARE"})
	}
	return tx
}

// Acquire takes or refreshes the lock for actor. Another owner's unexpired
// lock yields *EntityLockedError.
func (m *LockManager) Acquire(ctx context.Context, entityType string, entityId int, actor Actor) (*models.EntityLock, error) {
	var result *models.EntityLock
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.Now()
		if _, err := models.DeleteExpiredLocks(tx, ctx, now); err != nil {
			return err
		}

		existing, err := findLock(tx, ctx, entityType, entityId)
		if err != nil {
			return err
		}
		if existing == nil {
			l := models.EntityLock{
				EntityType:   entityType,
				EntityId:     entityId,
				LockedBy:     actor.Id,
				LockedByName: actor.Name,
				LockedAt:     now,
				ExpiresAt:    now.Add(m.TTL),
			}
			err := tx.WithContext(ctx).Create(&l).Error
			if err == nil {
				result = &l
				return nil
			}
			if !isDuplicateKeyErr(err) {
				return err
			}
			// Lost the race. A plain read would reuse the REPEATABLE READ
			// snapshot taken before the winner committed.
			existing, err = findLock(latestRead(tx), ctx, entityType, entityId)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("lock on %s %d vanished during acquire", entityType, entityId)
			}
		}

		if existing.LockedBy != actor.Id {
			metricLockConflicts.WithLabelValues(entityType).Inc()
			return lockedError(existing)
		}

		existing.LockedAt = now
		existing.ExpiresAt = now.Add(m.TTL)
		if err := tx.WithContext(ctx).Model(&models.EntityLock{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"locked_at":  existing.LockedAt,
				"expires_at": existing.ExpiresAt,
			}).Error; err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Check sweeps expired locks and returns the current holder, or nil.
func (m *LockManager) Check(ctx context.Context, entityType string, entityId int) (*models.EntityLock, error) {
	var result *models.EntityLock
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.DeleteExpiredLocks(tx, ctx, m.Now()); err != nil {
			return err
		}
		l, err := findLock(tx, ctx, entityType, entityId)
		result = l
		return err
	})
	return result, err
}

// Release drops the lock if actor owns it. Releasing an unlocked entity is a
// no-op.
func (m *LockManager) Release(ctx context.Context, entityType string, entityId int, actor Actor) error {
	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.DeleteExpiredLocks(tx, ctx, m.Now()); err != nil {
			return err
		}
		l, err := findLock(tx, ctx, entityType, entityId)
		if err != nil || l == nil {
			return err
		}
		if l.LockedBy != actor.Id {
			return lockedError(l)
		}
		return tx.WithContext(ctx).Delete(&models.EntityLock{}, l.ID).Error
	})
}

// ForceRelease removes any lock regardless of owner. Admin only; the previous
// owner is logged and written to history.
func (m *LockManager) ForceRelease(ctx context.Context, entityType string, entityId int, admin Actor) (*models.EntityLock, error) {
	if !admin.IsAdmin {
		return nil, fmt.Errorf("force release requires an admin: %w", ErrForbidden)
	}
	var prior *models.EntityLock
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := findLock(tx, ctx, entityType, entityId)
		if err != nil || l == nil {
			return err
		}
		prior = l
		if err := tx.WithContext(ctx).Delete(&models.EntityLock{}, l.ID).Error; err != nil {
			return err
		}
		return models.SaveHistory(tx, models.HistoryActionForceRelease, entityType, entityId, l, nil,
			fmt.Sprintf("lock held by user %d (%s) force-released by user %d", l.LockedBy, l.LockedByName, admin.Id))
	})
	if err != nil {
		return nil, err
	}
	if prior != nil && m.Logger != nil {
		m.Logger.WithFields(logrus.Fields{
			"field":       "LockManager",
			"entity_type": entityType,
			"entity_id":   entityId,
			"prior_owner": prior.LockedBy,
			"expires_at":  prior.ExpiresAt.Format(time.RFC3339),
			"released_by": admin.Id,
		}).Warn("entity lock force-released")
	}
	return prior, nil
}

// assertEditable fails when someone other than actor holds an unexpired lock.
// It runs inside the caller's transaction and never writes.
func (m *LockManager) assertEditable(tx *gorm.DB, ctx context.Context, entityType string, entityId int, actor Actor) error {
	l, err := findLock(tx, ctx, entityType, entityId)
	if err != nil || l == nil {
		return err
	}
	if l.IsExpired(m.Now()) || l.LockedBy == actor.Id {
		return nil
	}
	metricLockConflicts.WithLabelValues(entityType).Inc()
	return lockedError(l)
}

// SweepExpired deletes expired locks and reports how many went.
func (m *LockManager) SweepExpired(ctx context.Context) (int64, error) {
	return models.DeleteExpiredLocks(m.DB, ctx, m.Now())
}
