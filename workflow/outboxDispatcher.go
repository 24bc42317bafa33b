package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errSkipped marks a message that has nothing to do; it is recorded as sent.
var errSkipped = errors.New("skipped")

type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	Notifier  Notifier
	Stamper   Stamper
	Documents DocumentStore

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, notifier Notifier) *OutboxDispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		Notifier:       notifier,
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.WithFields(logrus.Fields{"field": "OutboxDispatcher"}).Error("claim failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and delivers it. It returns the number of
// messages attempted.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.DB == nil {
		return 0, nil
	}
	now := d.Now()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.OutboxMessage
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// eligible: PENDING/FAILED that are due, or PROCESSING with a stale lock
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxStatusPending, models.OutboxStatusFailed}, now, models.OutboxStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max delivery attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.OutboxStatusDead
				if err := tx.Model(&models.OutboxMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.OutboxStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			claimed[i].Status = models.OutboxStatusProcessing
			claimed[i].Attempts++
			if err := tx.Model(&models.OutboxMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          models.OutboxStatusProcessing,
				"locked_at":       now,
				"locked_by":       d.DispatcherID,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, rec := range claimed {
		if rec.Status == models.OutboxStatusDead {
			metricOutbox.WithLabelValues(string(rec.Kind), "dead").Inc()
			continue
		}
		attempted++
		externalId, derr := d.deliver(ctx, rec)
		switch {
		case derr == nil:
			d.markSent(ctx, rec, externalId)
			metricOutbox.WithLabelValues(string(rec.Kind), "sent").Inc()
		case errors.Is(derr, errSkipped):
			d.markSent(ctx, rec, "")
			metricOutbox.WithLabelValues(string(rec.Kind), "skipped").Inc()
		default:
			d.markFailed(ctx, rec, derr)
		}
	}
	return attempted, nil
}

func (d *OutboxDispatcher) deliver(ctx context.Context, rec models.OutboxMessage) (string, error) {
	switch rec.Kind {
	case models.OutboxKindNotification:
		return d.notify(ctx, rec)
	case models.OutboxKindStamp:
		return "", d.stamp(ctx, rec)
	}
	return "", fmt.Errorf("unknown outbox kind %q", rec.Kind)
}

func (d *OutboxDispatcher) notify(ctx context.Context, rec models.OutboxMessage) (string, error) {
	if d.Notifier == nil {
		return "", errors.New("no notifier configured")
	}
	payload := json.RawMessage(rec.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	ctx = utils.SetCorrelationIdInContext(ctx, rec.CorrelationId)
	return d.Notifier.Publish(ctx, config.InvoiceEventMessage{
		OutboxId:      rec.ID,
		EventName:     rec.EventName,
		ReferenceType: rec.ReferenceType,
		ReferenceId:   rec.ReferenceId,
		Payload:       payload,
		CorrelationId: rec.CorrelationId,
		OccurredAt:    rec.CreatedAt,
	})
}

// stamp regenerates the stamped copy of the invoice PDF from its current
// state. Invoices without a document, or a service without a stamper, skip.
func (d *OutboxDispatcher) stamp(ctx context.Context, rec models.OutboxMessage) error {
	if d.Stamper == nil || d.Documents == nil {
		return errSkipped
	}
	var inv models.Invoice
	err := d.DB.WithContext(ctx).Unscoped().Preload("Allocations").First(&inv, rec.ReferenceId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errSkipped
	}
	if err != nil {
		return err
	}
	if inv.DocumentUrl == "" {
		return errSkipped
	}
	original, err := d.Documents.Get(ctx, inv.DocumentUrl)
	if err != nil {
		return err
	}
	stamped, err := d.Stamper.Stamp(ctx, original, stampMetadataOf(&inv))
	if err != nil {
		return err
	}
	name := fmt.Sprintf("stamped/%d-v%d%s", inv.ID, inv.Version, path.Ext(inv.DocumentUrl))
	url, err := d.Documents.Put(ctx, name, stamped, "application/pdf")
	if err != nil {
		return err
	}
	// not a user edit; the version stays as is
	return d.DB.WithContext(ctx).Unscoped().Model(&models.Invoice{}).Where("id = ?", inv.ID).
		UpdateColumn("stamped_document_url", url).Error
}

func stampMetadataOf(inv *models.Invoice) StampMetadata {
	codes := make([]int, 0, len(inv.Allocations))
	for _, a := range inv.Allocations {
		codes = append(codes, a.CostCodeId)
	}
	return StampMetadata{
		InvoiceId:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Status:        string(inv.Status),
		ApprovedBy:    inv.ApprovedBy,
		ApprovedAt:    inv.ApprovedAt,
		PaidAt:        inv.PaidAt,
		PaidToVendor:  inv.PaidToVendor,
		JobId:         inv.JobId,
		CostCodes:     utils.SortedInts(utils.UniqueSlice(codes)),
		Amount:        inv.Amount.StringFixed(2),
	}
}

func (d *OutboxDispatcher) markSent(ctx context.Context, rec models.OutboxMessage, externalId string) {
	now := d.Now()
	fields := map[string]interface{}{
		"status":          models.OutboxStatusSent,
		"sent_at":         now,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": nil,
	}
	if externalId != "" {
		fields["external_id"] = externalId
	}
	if err := d.DB.WithContext(ctx).Model(&models.OutboxMessage{}).Where("id = ?", rec.ID).Updates(fields).Error; err != nil {
		config.LogError(d.Logger, "outboxDispatcher.go", "markSent", "Updates", rec.ID, err)
	}
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec models.OutboxMessage, err error) {
	db := d.DB.WithContext(ctx)
	now := d.Now()
	msg := err.Error()
	log := d.Logger.WithFields(logrus.Fields{
		"field":          "OutboxDispatcher",
		"record_id":      rec.ID,
		"kind":           rec.Kind,
		"event_name":     rec.EventName,
		"attempt":        rec.Attempts,
		"correlation_id": rec.CorrelationId,
	})

	if d.MaxAttempts > 0 && rec.Attempts >= d.MaxAttempts {
		_ = db.Model(&models.OutboxMessage{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
			"status":          models.OutboxStatusDead,
			"last_error":      &msg,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
		metricOutbox.WithLabelValues(string(rec.Kind), "dead").Inc()
		log.Error("outbox delivery moved to DEAD after max attempts: " + msg)
		return
	}

	next := now.Add(d.backoff(rec.Attempts))
	_ = db.Model(&models.OutboxMessage{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"status":          models.OutboxStatusFailed,
		"last_error":      &msg,
		"next_attempt_at": &next,
		"locked_at":       nil,
		"locked_by":       nil,
	}).Error
	metricOutbox.WithLabelValues(string(rec.Kind), "failed").Inc()
	log.WithField("next_attempt_at", next.Format(time.RFC3339Nano)).Error("outbox delivery failed: " + msg)
}

func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}

// LogNotifier writes notifications to the log. Used when no topic is
// configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Publish(_ context.Context, msg config.InvoiceEventMessage) (string, error) {
	logger := n.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"field":          "Notification",
		"event_name":     msg.EventName,
		"reference_type": msg.ReferenceType,
		"reference_id":   msg.ReferenceId,
		"correlation_id": msg.CorrelationId,
	}).Info(string(msg.Payload))
	return fmt.Sprintf("log-%d", msg.OutboxId), nil
}
