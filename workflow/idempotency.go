package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("a request with this idempotency key is still in progress")

const idempotencyStaleAfter = 5 * time.Minute

// Idempotency operation names.
const (
	OperationCreateInvoice = "invoice.create"
	OperationIntake        = "invoice.intake"
)

// beginIdempotency inserts STARTED. When the key already SUCCEEDED it returns
// the stored row so the caller can replay the result.
func beginIdempotency(db *gorm.DB, ctx context.Context, actorId int, operation, key string, now time.Time) (*models.IdempotencyKey, error) {
	row := models.IdempotencyKey{
		ActorId:        actorId,
		Operation:      operation,
		IdempotencyKey: key,
		Status:         models.IdempotencyStatusStarted,
	}
	err := db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, err
	}

	var existing models.IdempotencyKey
	if err := db.WithContext(ctx).
		Where("actor_id = ? AND operation = ? AND idempotency_key = ?", actorId, operation, key).
		First(&existing).Error; err != nil {
		return nil, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return &existing, nil
	case models.IdempotencyStatusStarted:
		// a stale STARTED row belongs to a request that died midway
		if now.Sub(existing.UpdatedAt) < idempotencyStaleAfter {
			return nil, ErrIdempotencyInProgress
		}
	}
	return nil, db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func finishIdempotency(db *gorm.DB, ctx context.Context, actorId int, operation, key string, resultId int, cause error) error {
	fields := map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "result_id": resultId, "last_error": nil}
	if cause != nil {
		msg := cause.Error()
		fields = map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}
	}
	return db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("actor_id = ? AND operation = ? AND idempotency_key = ?", actorId, operation, key).
		Updates(fields).Error
}

// Idempotent runs create at most once per (actor, operation, key). A replay
// of a succeeded key returns the invoice id recorded the first time with
// replayed set. A failed attempt may be retried under the same key. An empty
// key runs create directly.
func (s *InvoiceService) Idempotent(ctx context.Context, operation, key string, create func(context.Context) (int, error)) (invoiceId int, replayed bool, err error) {
	if key == "" {
		id, err := create(ctx)
		return id, false, err
	}
	actor, err := ActorFromContext(ctx)
	if err != nil {
		return 0, false, err
	}

	prior, err := beginIdempotency(s.DB, ctx, actor.Id, operation, key, s.now())
	if err != nil {
		return 0, false, err
	}
	if prior != nil && prior.ResultId != nil {
		return *prior.ResultId, true, nil
	}

	id, cerr := create(ctx)
	if ferr := finishIdempotency(s.DB, ctx, actor.Id, operation, key, id, cerr); ferr != nil {
		config.LogError(s.Logger, "idempotency.go", "Idempotent", "finish key "+key, operation, ferr)
	}
	return id, false, cerr
}
