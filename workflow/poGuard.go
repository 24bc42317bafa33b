package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// PoGuard serializes PO capacity checks across processes with a short Redis
// lock per purchase order. Without Redis it lets callers through.
type PoGuard struct {
	Locker *redislock.Client
	Logger *logrus.Logger
	TTL    time.Duration
}

func NewPoGuard(locker *redislock.Client, logger *logrus.Logger) *PoGuard {
	return &PoGuard{Locker: locker, Logger: logger, TTL: 15 * time.Second}
}

func poLockKey(poId int) string {
	return fmt.Sprintf("po-capacity:%d", poId)
}

// Hold locks every PO in poIds in ascending order and returns a release func.
// A PO already held elsewhere yields *EntityLockedError.
func (g *PoGuard) Hold(ctx context.Context, poIds []int) (func(), error) {
	noop := func() {}
	if g == nil || len(poIds) == 0 {
		return noop, nil
	}
	if g.Locker == nil {
		if g.Logger != nil {
			g.Logger.WithFields(logrus.Fields{
				"field":  "PoGuard",
				"po_ids": poIds,
			}).Warn("redis lock not ready; proceeding without po capacity lock")
		}
		return noop, nil
	}

	ids := append([]int(nil), poIds...)
	sort.Ints(ids)
	var held []*redislock.Lock
	release := func() {
		for _, l := range held {
			if err := l.Release(context.Background()); err != nil && g.Logger != nil {
				g.Logger.WithFields(logrus.Fields{
					"field": "PoGuard",
					"key":   l.Key(),
				}).Warn("failed to release redis lock: " + err.Error())
			}
		}
	}
	for _, id := range ids {
		lock, err := g.Locker.Obtain(ctx, poLockKey(id), g.TTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			release()
			metricLockConflicts.WithLabelValues("purchase_order").Inc()
			return noop, &EntityLockedError{EntityType: "purchase_order", EntityId: id, ExpiresAt: time.Now().UTC().Add(g.TTL)}
		}
		if err != nil {
			// redis trouble is not a reason to refuse the write
			if g.Logger != nil {
				g.Logger.WithFields(logrus.Fields{
					"field": "PoGuard",
					"po_id": id,
				}).Warn("error obtaining redis lock; proceeding without it: " + err.Error())
			}
			continue
		}
		held = append(held, lock)
	}
	return release, nil
}
