package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// InvoiceService drives the invoice lifecycle. Every mutating call runs in a
// single gorm transaction: checks, ledger totals, status write, undo snapshot,
// history and outbox rows commit together or not at all.
type InvoiceService struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Settings   config.EngineSettings
	Locks      *LockManager
	Snapshots  *UndoStore
	Duplicates *DuplicateDetector
	Reconciler *AllocationReconciler
	Validator  *ValidationEngine
	PoGuard    *PoGuard
	Documents  DocumentStore
	Extractor  Extractor

	now func() time.Time
}

func NewInvoiceService(db *gorm.DB, logger *logrus.Logger, settings config.EngineSettings) *InvoiceService {
	if logger == nil {
		logger = config.GetLogger()
	}
	reconciler := &AllocationReconciler{Logger: logger}
	s := &InvoiceService{
		DB:         db,
		Logger:     logger,
		Settings:   settings,
		Locks:      NewLockManager(db, logger, settings.LockTTL),
		Snapshots:  NewUndoStore(settings.UndoTTL),
		Duplicates: NewDuplicateDetector(settings.DuplicateBlockThreshold, settings.DuplicateWarnThreshold),
		Reconciler: reconciler,
		Validator:  &ValidationEngine{Reconciler: reconciler, RequirePartialCodingNote: settings.RequirePartialCodingNote},
	}
	s.SetClock(func() time.Time { return time.Now().UTC() })
	return s
}

// SetClock replaces the time source of the service and its lock and undo
// stores.
func (s *InvoiceService) SetClock(now func() time.Time) {
	s.now = now
	if s.Locks != nil {
		s.Locks.Now = now
	}
	if s.Snapshots != nil {
		s.Snapshots.Now = now
	}
}

func (s *InvoiceService) startSpan(ctx context.Context, name string, invoiceId int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "InvoiceService."+name, trace.WithAttributes(attribute.Int("invoice.id", invoiceId)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// loadInvoice reads a live invoice. Soft-deleted rows are NotFound.
func loadInvoice(tx *gorm.DB, ctx context.Context, id int) (*models.Invoice, error) {
	var inv models.Invoice
	err := tx.WithContext(ctx).Where("id = ?", id).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(models.EntityTypeInvoice, id)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func loadInvoiceUnscoped(tx *gorm.DB, ctx context.Context, id int) (*models.Invoice, error) {
	var inv models.Invoice
	err := tx.WithContext(ctx).Unscoped().Where("id = ?", id).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(models.EntityTypeInvoice, id)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func checkExpectedVersion(inv *models.Invoice, expected *int) error {
	if expected != nil && *expected != inv.Version {
		return &VersionConflictError{EntityType: models.EntityTypeInvoice, EntityId: inv.ID, Expected: *expected, Actual: inv.Version}
	}
	return nil
}

// saveInvoice writes fields guarded by the version read earlier and bumps it.
func saveInvoice(tx *gorm.DB, ctx context.Context, inv *models.Invoice, fields map[string]interface{}) error {
	fields["version"] = inv.Version + 1
	res := tx.WithContext(ctx).Unscoped().Model(&models.Invoice{}).
		Where("id = ? AND version = ?", inv.ID, inv.Version).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		actual := -1
		if cur, err := loadInvoiceUnscoped(tx, ctx, inv.ID); err == nil {
			actual = cur.Version
		}
		return &VersionConflictError{EntityType: models.EntityTypeInvoice, EntityId: inv.ID, Expected: inv.Version, Actual: actual}
	}
	inv.Version++
	return nil
}

func (s *InvoiceService) GetInvoice(ctx context.Context, id int) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.DB.WithContext(ctx).Preload("Allocations").Where("id = ?", id).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(models.EntityTypeInvoice, id)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *InvoiceService) reload(ctx context.Context, id int) *models.Invoice {
	var inv models.Invoice
	if err := s.DB.WithContext(ctx).Unscoped().Preload("Allocations").Where("id = ?", id).First(&inv).Error; err != nil {
		config.LogError(s.Logger, "invoiceService.go", "reload", "load invoice", id, err)
		return nil
	}
	return &inv
}

// CreateInvoice records a new invoice in needs_review. A match at or above
// the block threshold fails with *DuplicateError unless AllowDuplicate is set.
func (s *InvoiceService) CreateInvoice(ctx context.Context, input NewInvoice) (*CreateInvoiceResult, error) {
	if err := validateRequest(input); err != nil {
		return nil, err
	}
	return s.createInvoice(ctx, input)
}

func (s *InvoiceService) createInvoice(ctx context.Context, input NewInvoice) (*CreateInvoiceResult, error) {
	ctx, span := s.startSpan(ctx, "CreateInvoice", 0)
	var err error
	defer func() { endSpan(span, err) }()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	result := &CreateInvoiceResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dup, err := s.Duplicates.Check(tx, ctx, DuplicateQuery{
			VendorId:      input.VendorId,
			JobId:         input.JobId,
			InvoiceNumber: input.InvoiceNumber,
			Amount:        input.Amount,
			InvoiceDate:   input.InvoiceDate,
			ContentHash:   input.ContentHash,
		})
		if err != nil {
			return err
		}
		if len(dup.Matches) > 0 {
			result.Duplicates = dup
		}
		if dup.IsDuplicate && !input.AllowDuplicate {
			return dup.asError()
		}

		inv := models.Invoice{
			InvoiceNumber:        input.InvoiceNumber,
			NormalizedNumber:     NormalizeInvoiceNumber(input.InvoiceNumber),
			VendorId:             input.VendorId,
			JobId:                input.JobId,
			PoId:                 input.PoId,
			Amount:               input.Amount,
			InvoiceType:          models.InvoiceTypeFor(input.Amount),
			Status:               models.InvoiceStatusNeedsReview,
			InvoiceDate:          input.InvoiceDate,
			DocumentUrl:          input.DocumentUrl,
			ContentHash:          input.ContentHash,
			Notes:                input.Notes,
			Version:              1,
			ExtractionConfidence: input.ExtractionConfidence,
			ExtractionRaw:        input.ExtractionRaw,
			CreatedBy:            actor.Id,
		}
		if err := tx.WithContext(ctx).Create(&inv).Error; err != nil {
			return err
		}
		if err := models.SaveHistory(tx, models.HistoryActionCreate, models.EntityTypeInvoice, inv.ID, nil, inv, "invoice created"); err != nil {
			return err
		}
		if best := dup.Best(); best != nil && best.Confidence >= s.Settings.DuplicateWarnThreshold {
			desc := fmt.Sprintf("possible duplicate of invoice %d (%s, confidence %.2f)", best.InvoiceId, best.Reason, best.Confidence)
			if err := models.SaveHistory(tx, models.HistoryActionWarning, models.EntityTypeInvoice, inv.ID, nil, dup, desc); err != nil {
				return err
			}
		}
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventInvoiceCreated, models.EntityTypeInvoice, inv.ID, invoiceEventPayload(&inv, "", nil)); err != nil {
			return err
		}
		result.Invoice = &inv
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// UpdateInvoice edits header fields while the invoice is still under review.
func (s *InvoiceService) UpdateInvoice(ctx context.Context, id int, input UpdateInvoice) (*models.Invoice, error) {
	if err := validateRequest(input); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "UpdateInvoice", id)
	var err error
	defer func() { endSpan(span, err) }()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var parentId *int
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := loadInvoice(tx, ctx, id)
		if err != nil {
			return err
		}
		if err := checkExpectedVersion(inv, input.ExpectedVersion); err != nil {
			return err
		}
		switch inv.Status {
		case models.InvoiceStatusNeedsReview, models.InvoiceStatusReadyForApproval, models.InvoiceStatusDenied:
		default:
			return NewValidationError("status", fmt.Sprintf("invoice in %s cannot be edited", inv.Status))
		}
		if err := s.Locks.assertEditable(tx, ctx, models.EntityTypeInvoice, id, actor); err != nil {
			return err
		}
		before := *inv

		fields := map[string]interface{}{}
		if input.InvoiceNumber != nil {
			inv.InvoiceNumber = *input.InvoiceNumber
			inv.NormalizedNumber = NormalizeInvoiceNumber(*input.InvoiceNumber)
			fields["invoice_number"] = inv.InvoiceNumber
			fields["normalized_number"] = inv.NormalizedNumber
		}
		if input.VendorId != nil {
			inv.VendorId = input.VendorId
			fields["vendor_id"] = *input.VendorId
		}
		if input.JobId != nil {
			inv.JobId = input.JobId
			fields["job_id"] = *input.JobId
		}
		if input.ClearPo {
			inv.PoId = nil
			fields["po_id"] = nil
		} else if input.PoId != nil {
			inv.PoId = input.PoId
			fields["po_id"] = *input.PoId
		}
		if input.Amount != nil {
			if input.Amount.IsZero() {
				return NewValidationError("amount", "amount must be non-zero")
			}
			if ledger.PolarityOf(*input.Amount) != ledger.PolarityOf(inv.Amount) {
				allocs, err := models.GetInvoiceAllocations(tx, ctx, id)
				if err != nil {
					return err
				}
				if len(allocs) > 0 {
					return NewValidationError("amount", "amount sign cannot change while allocations exist")
				}
			}
			inv.Amount = *input.Amount
			inv.InvoiceType = models.InvoiceTypeFor(inv.Amount)
			fields["amount"] = inv.Amount
			fields["invoice_type"] = inv.InvoiceType
		}
		if input.InvoiceDate != nil {
			inv.InvoiceDate = input.InvoiceDate
			fields["invoice_date"] = *input.InvoiceDate
		}
		if input.Notes != nil {
			inv.Notes = *input.Notes
			fields["notes"] = inv.Notes
		}
		if len(fields) == 0 {
			return nil
		}
		if err := saveInvoice(tx, ctx, inv, fields); err != nil {
			return err
		}
		if err := models.SaveHistory(tx, models.HistoryActionUpdate, models.EntityTypeInvoice, id, before, inv, "invoice updated"); err != nil {
			return err
		}
		parentId = inv.ParentInvoiceId
		return nil
	})
	if err != nil {
		return nil, err
	}
	if parentId != nil {
		s.reconcileSplitParent(ctx, *parentId)
	}
	return s.reload(ctx, id), nil
}

// Allocate replaces the allocation set of an invoice. Committed invoices are
// re-coded: their old contributions are reversed before the new set applies,
// and the new set must clear PO capacity.
func (s *InvoiceService) Allocate(ctx context.Context, id int, req AllocateRequest) (*AllocationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Allocate", id)
	var err error
	defer func() { endSpan(span, err) }()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	pre, err := loadInvoice(s.DB, ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := s.PoGuard.Hold(ctx, poIdsOf(pre, allocationModels(req.Allocations)))
	if err != nil {
		return nil, err
	}
	defer release()

	result := &AllocationResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := loadInvoice(tx, ctx, id)
		if err != nil {
			return err
		}
		if err := checkExpectedVersion(inv, req.ExpectedVersion); err != nil {
			return err
		}
		switch inv.Status {
		case models.InvoiceStatusSplit:
			return NewValidationError("status", "a split invoice carries no allocations; code its children")
		case models.InvoiceStatusPaid:
			return NewValidationError("status", "paid invoices cannot be re-coded")
		}
		if err := s.Locks.assertEditable(tx, ctx, models.EntityTypeInvoice, id, actor); err != nil {
			return err
		}

		committed := inv.Status.IsCommitted()
		allocs := allocationModels(req.Allocations)
		if committed {
			allocs, err = s.Reconciler.InheritPurchaseOrder(tx, ctx, inv, allocs)
			if err != nil {
				return err
			}
		}
		report := ledger.CheckBalance(inv.Amount, models.AllocationLines(allocs), committed)
		if ve := violationsAsValidation(report.Violations); ve != nil {
			return ve
		}

		var overrides []*PoOverageError
		if committed {
			overages, err := s.Reconciler.CheckPoCapacity(tx, ctx, inv, allocs)
			if err != nil {
				return err
			}
			if err := s.resolveOverages(overages, req.OverridePo); err != nil {
				return err
			}
			overrides = overages
		}

		old, err := models.GetInvoiceAllocations(tx, ctx, id)
		if err != nil {
			return err
		}
		saved, warnings, err := s.Reconciler.Reconcile(tx, ctx, inv, old, allocs)
		if err != nil {
			return err
		}
		partial := report.Status == ledger.BalanceStatusPartial
		fields := map[string]interface{}{
			"partially_allocated": partial,
			"partial_coding_note": req.PartialCodingNote,
		}
		if err := saveInvoice(tx, ctx, inv, fields); err != nil {
			return err
		}
		inv.PartiallyAllocated = partial
		inv.PartialCodingNote = req.PartialCodingNote

		if err := models.SaveHistory(tx, models.HistoryActionAllocate, models.EntityTypeInvoice, id, old, saved,
			fmt.Sprintf("allocations replaced (%d lines, %s)", len(saved), report.Status)); err != nil {
			return err
		}
		if err := s.recordOverrides(tx, ctx, actor, inv, overrides); err != nil {
			return err
		}
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventInvoiceAllocated, models.EntityTypeInvoice, id, invoiceEventPayload(inv, "", nil)); err != nil {
			return err
		}

		result.Allocations = saved
		result.Balance = report
		result.Warnings = warnings
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Invoice = s.reload(ctx, id)
	return result, nil
}

// resolveOverages turns unresolved overages into the first *PoOverageError.
func (s *InvoiceService) resolveOverages(overages []*PoOverageError, override bool) error {
	if len(overages) == 0 {
		return nil
	}
	if !override {
		return overages[0]
	}
	if !s.Settings.PoOverrideEnabled {
		return NewValidationError("override_po", "purchase order overrides are disabled")
	}
	return nil
}

// recordOverrides writes the audit trail of every approved PO overage.
func (s *InvoiceService) recordOverrides(tx *gorm.DB, ctx context.Context, actor Actor, inv *models.Invoice, overrides []*PoOverageError) error {
	for _, o := range overrides {
		desc := fmt.Sprintf("purchase order %d overage of %s approved by user %d (remaining %s, invoice %s)",
			o.PoId, o.OverageAmount.StringFixed(2), actor.Id, o.Remaining.StringFixed(2), o.InvoiceAmount.StringFixed(2))
		if err := models.SaveHistory(tx, models.HistoryActionOverride, models.EntityTypeInvoice, inv.ID, nil, o, desc); err != nil {
			return err
		}
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventPoOverrideApproved, "purchase_order", o.PoId, o); err != nil {
			return err
		}
		metricPoOverrides.Inc()
		s.Logger.WithFields(logrus.Fields{
			"field":      "InvoiceService",
			"invoice_id": inv.ID,
			"po_id":      o.PoId,
			"overage":    o.OverageAmount.StringFixed(2),
			"user_id":    actor.Id,
		}).Warn("purchase order overage overridden")
	}
	return nil
}

// poIdsOf collects every PO an operation might bill against.
func poIdsOf(inv *models.Invoice, allocs []models.Allocation) []int {
	seen := map[int]bool{}
	var out []int
	add := func(id *int) {
		if id != nil && !seen[*id] {
			seen[*id] = true
			out = append(out, *id)
		}
	}
	if inv != nil {
		add(inv.PoId)
	}
	for _, a := range allocs {
		add(a.PoId)
	}
	return out
}

// invoiceEventPayload is the notification body for invoice events.
func invoiceEventPayload(inv *models.Invoice, from models.InvoiceStatus, extra map[string]interface{}) map[string]interface{} {
	p := map[string]interface{}{
		"invoice_id":     inv.ID,
		"invoice_number": inv.InvoiceNumber,
		"status":         inv.Status,
		"amount":         inv.Amount.StringFixed(2),
		"version":        inv.Version,
	}
	if from != "" {
		p["from"] = from
	}
	if inv.JobId != nil {
		p["job_id"] = *inv.JobId
	}
	if inv.VendorId != nil {
		p["vendor_id"] = *inv.VendorId
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}
