package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// OutboxStatus is the delivery view of one outbox row for an entity.
type OutboxStatus struct {
	RecordId      int        `json:"record_id"`
	Kind          OutboxKind `json:"kind"`
	EventName     string     `json:"event_name"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at"`
	LastError     *string    `json:"last_error"`
	SentAt        *time.Time `json:"sent_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// GetOutboxStatus lists the outbox rows written for an entity, newest first.
func GetOutboxStatus(db *gorm.DB, ctx context.Context, referenceType string, referenceId int) ([]OutboxStatus, error) {
	var recs []OutboxMessage
	if err := db.WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
		Order("id DESC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]OutboxStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, OutboxStatus{
			RecordId:      rec.ID,
			Kind:          rec.Kind,
			EventName:     rec.EventName,
			Status:        rec.Status,
			Attempts:      rec.Attempts,
			NextAttemptAt: rec.NextAttemptAt,
			LastError:     rec.LastError,
			SentAt:        rec.SentAt,
			CreatedAt:     rec.CreatedAt,
		})
	}
	return out, nil
}

// OutboxBacklog counts rows per status. SENT is left out; it only grows.
func OutboxBacklog(db *gorm.DB, ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := db.WithContext(ctx).Model(&OutboxMessage{}).
		Select("status, COUNT(*) AS n").
		Where("status <> ?", OutboxStatusSent).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := map[string]int64{
		OutboxStatusPending:    0,
		OutboxStatusProcessing: 0,
		OutboxStatusFailed:     0,
		OutboxStatusDead:       0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
