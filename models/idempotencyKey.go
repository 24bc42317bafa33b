package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey remembers the outcome of a client-keyed create so a retried
// request returns the first result instead of a second invoice.
// Unique constraint: (actor_id, operation, idempotency_key).
type IdempotencyKey struct {
	ID             int               `gorm:"primary_key" json:"id"`
	ActorId        int               `gorm:"not null;index:uniq_idem,unique" json:"actor_id"`
	Operation      string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"operation"`
	IdempotencyKey string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"idempotency_key"`
	Status         IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResultId       *int              `json:"result_id"`
	LastError      *string           `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
