package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	alice = Actor{Id: 1, Name: "alice"}
	bob   = Actor{Id: 2, Name: "bob"}
)

func TestLockHeldByOtherOwnerIsRefused(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks
	start := f.now

	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, alice)
	require.NoError(t, err)
	f.advance(time.Minute)

	_, err = locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, bob)
	var locked *EntityLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, alice.Id, locked.Owner)
	assert.Equal(t, "alice", locked.OwnerName)
	assert.WithinDuration(t, start.Add(5*time.Minute), locked.ExpiresAt, time.Second)

	again, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, alice)
	require.NoError(t, err)
	assert.WithinDuration(t, f.now.Add(5*time.Minute), again.ExpiresAt, time.Second)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks

	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, alice)
	require.NoError(t, err)
	f.advance(6 * time.Minute)

	l, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, bob)
	require.NoError(t, err)
	assert.Equal(t, bob.Id, l.LockedBy)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks
	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, alice)
	require.NoError(t, err)

	require.ErrorIs(t, locks.Release(f.ctx, models.EntityTypeInvoice, 5, bob), ErrEntityLocked)
	require.NoError(t, locks.Release(f.ctx, models.EntityTypeInvoice, 5, alice))

	held, err := locks.Check(f.ctx, models.EntityTypeInvoice, 5)
	require.NoError(t, err)
	assert.Nil(t, held)

	// nothing to release
	require.NoError(t, locks.Release(f.ctx, models.EntityTypeInvoice, 5, bob))
}

func TestCheckDropsExpiredLocks(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks
	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, alice)
	require.NoError(t, err)

	held, err := locks.Check(f.ctx, models.EntityTypeInvoice, 5)
	require.NoError(t, err)
	require.NotNil(t, held)

	f.advance(5 * time.Minute)
	held, err = locks.Check(f.ctx, models.EntityTypeInvoice, 5)
	require.NoError(t, err)
	assert.Nil(t, held)

	var count int64
	require.NoError(t, f.db.Model(&models.EntityLock{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestForceReleaseNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks
	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 5, alice)
	require.NoError(t, err)

	_, err = locks.ForceRelease(f.ctx, models.EntityTypeInvoice, 5, bob)
	require.ErrorIs(t, err, ErrForbidden)

	admin := Actor{Id: 3, Name: "root", IsAdmin: true}
	prior, err := locks.ForceRelease(f.ctx, models.EntityTypeInvoice, 5, admin)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, alice.Id, prior.LockedBy)

	histories, err := models.GetHistories(f.db, f.ctx, models.EntityTypeInvoice, 5)
	require.NoError(t, err)
	require.Len(t, histories, 1)
	assert.Equal(t, models.HistoryActionForceRelease, histories[0].ActionType)
}

func TestSweepRemovesOnlyExpiredLocks(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks
	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 1, alice)
	require.NoError(t, err)
	f.advance(4 * time.Minute)
	_, err = locks.Acquire(f.ctx, models.EntityTypeInvoice, 2, bob)
	require.NoError(t, err)
	f.advance(2 * time.Minute)

	n, err := locks.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAcquireLoserSeesWinnerOfCreateRace(t *testing.T) {
	f := newFixture(t)
	locks := f.svc.Locks
	expires := f.now.Add(5 * time.Minute)

	// bob's row lands between alice's lookup and her insert
	raced := false
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:race_lock", func(db *gorm.DB) {
		if raced || db.Statement.Table != "entity_locks" {
			return
		}
		raced = true
		require.NoError(t, db.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO entity_locks (entity_type, entity_id, locked_by, locked_by_name, locked_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
			models.EntityTypeInvoice, 9, bob.Id, bob.Name, f.now, expires).Error)
	}))

	_, err := locks.Acquire(f.ctx, models.EntityTypeInvoice, 9, alice)
	require.True(t, raced)
	var locked *EntityLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, bob.Id, locked.Owner)
	assert.Equal(t, "bob", locked.OwnerName)
	assert.WithinDuration(t, expires, locked.ExpiresAt, time.Second)
}
