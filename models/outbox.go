package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/invoices_backend/utils"
	"gorm.io/gorm"
)

// Outbox statuses for OutboxMessage.Status.
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSent       = "SENT"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDead       = "DEAD"
)

type OutboxKind string

const (
	// OutboxKindNotification is published to the notification topic.
	OutboxKindNotification OutboxKind = "notification"
	// OutboxKindStamp regenerates the stamped PDF of an invoice.
	OutboxKindStamp OutboxKind = "stamp"
)

// Notification event names.
const (
	EventInvoiceCreated       = "invoice.created"
	EventInvoiceStatusChanged = "invoice.status_changed"
	EventInvoiceAllocated     = "invoice.allocated"
	EventInvoiceDeleted       = "invoice.deleted"
	EventInvoiceSplit         = "invoice.split"
	EventInvoiceUnsplit       = "invoice.unsplit"
	EventInvoiceUndone        = "invoice.undone"
	EventInvoicePaidToVendor  = "invoice.paid_to_vendor"
	EventInvoiceStamp         = "invoice.stamp"
	EventPoOverrideApproved   = "purchase_order.override_approved"
	EventDrawSubmitted        = "draw.submitted"
	EventDrawFunded           = "draw.funded"
)

// OutboxMessage is written in the same transaction as the mutation that
// caused it; the dispatcher delivers it after commit.
type OutboxMessage struct {
	ID            int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	Kind          OutboxKind `gorm:"size:30;not null;index" json:"kind"`
	EventName     string     `gorm:"size:100;not null" json:"event_name"`
	ReferenceType string     `gorm:"size:50;not null;index:idx_outbox_ref,priority:1" json:"reference_type"`
	ReferenceId   int        `gorm:"not null;index:idx_outbox_ref,priority:2" json:"reference_id"`
	Payload       string     `gorm:"type:text" json:"payload"`
	Status        string     `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	SentAt        *time.Time `json:"sent_at"`
	ExternalId    *string    `gorm:"size:255" json:"external_id"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueOutbox records a message inside tx.
func EnqueueOutbox(tx *gorm.DB, ctx context.Context, kind OutboxKind, eventName string, refType string, refId int, payload interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	record := OutboxMessage{
		Kind:          kind,
		EventName:     eventName,
		ReferenceType: refType,
		ReferenceId:   refId,
		Payload:       string(body),
		Status:        OutboxStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.WithContext(ctx).Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
