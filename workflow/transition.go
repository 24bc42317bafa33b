package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"gorm.io/gorm"
)

// invoiceSnapshot is the undo state of one invoice: the fields a transition
// may touch, its allocations and its draw membership.
type invoiceSnapshot struct {
	Status             models.InvoiceStatus `json:"status"`
	IsSplitParent      bool                 `json:"is_split_parent"`
	ApprovedAt         *time.Time           `json:"approved_at"`
	ApprovedBy         *int                 `json:"approved_by"`
	PaidAt             *time.Time           `json:"paid_at"`
	PartiallyAllocated bool                 `json:"partially_allocated"`
	PartialCodingNote  string               `json:"partial_coding_note"`
	Deleted            bool                 `json:"deleted"`
	Allocations        []models.Allocation  `json:"allocations"`
	DrawId             *int                 `json:"draw_id"`
	ChildIds           []int                `json:"child_ids,omitempty"`
}

func snapshotOf(inv *models.Invoice, allocs []models.Allocation, drawId *int) invoiceSnapshot {
	return invoiceSnapshot{
		Status:             inv.Status,
		IsSplitParent:      inv.IsSplitParent,
		ApprovedAt:         inv.ApprovedAt,
		ApprovedBy:         inv.ApprovedBy,
		PaidAt:             inv.PaidAt,
		PartiallyAllocated: inv.PartiallyAllocated,
		PartialCodingNote:  inv.PartialCodingNote,
		Deleted:            inv.IsDeleted(),
		Allocations:        allocs,
		DrawId:             drawId,
	}
}

func transitionOutcome(err error) string {
	var (
		invalid  *InvalidTransitionError
		precond  *PreconditionError
		overage  *PoOverageError
		locked   *EntityLockedError
		conflict *VersionConflictError
		valErr   *ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &precond):
		return "precondition_failed"
	case errors.As(err, &overage):
		return "po_overage"
	case errors.As(err, &locked):
		return "locked"
	case errors.As(err, &conflict):
		return "version_conflict"
	case errors.As(err, &valErr):
		return "validation_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}

// Transition moves an invoice to req.Target. Illegal moves fail before any
// read of related records; failed requirements come back as
// *PreconditionError, PO overages as *PoOverageError.
func (s *InvoiceService) Transition(ctx context.Context, id int, req TransitionRequest) (*TransitionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	target, ok := models.ParseInvoiceStatus(req.Target)
	if !ok {
		return nil, NewValidationError("target_status", fmt.Sprintf("unknown status %q", req.Target))
	}
	if target == models.InvoiceStatusSplit {
		return nil, NewValidationError("target_status", "use the split operation to split an invoice")
	}

	ctx, span := s.startSpan(ctx, "Transition", id)
	started := s.now()
	var err error
	defer func() {
		metricTransitions.WithLabelValues(string(target), transitionOutcome(err)).Inc()
		metricTransitionDuration.WithLabelValues(string(target)).Observe(time.Since(started).Seconds())
		endSpan(span, err)
	}()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	pre, err := loadInvoice(s.DB, ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(pre.Status, target) {
		err = &InvalidTransitionError{From: string(pre.Status), To: string(target), Allowed: AllowedTargets(pre.Status)}
		return nil, err
	}
	var guardIds []int
	if target == models.InvoiceStatusApproved {
		existing, lerr := models.GetInvoiceAllocations(s.DB, ctx, id)
		if lerr != nil {
			err = lerr
			return nil, err
		}
		guardIds = poIdsOf(pre, append(existing, allocationModels(req.Allocations)...))
	}
	release, err := s.PoGuard.Hold(ctx, guardIds)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &TransitionResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.transitionTx(tx, ctx, actor, id, target, req, result)
	})
	if err != nil {
		return nil, err
	}

	result.Invoice = s.reload(ctx, id)
	if result.Invoice != nil && result.Invoice.ParentInvoiceId != nil {
		s.reconcileSplitParent(ctx, *result.Invoice.ParentInvoiceId)
	}
	return result, nil
}

func (s *InvoiceService) transitionTx(tx *gorm.DB, ctx context.Context, actor Actor, id int, target models.InvoiceStatus, req TransitionRequest, result *TransitionResult) error {
	inv, err := loadInvoice(tx, ctx, id)
	if err != nil {
		return err
	}
	if err := checkExpectedVersion(inv, req.ExpectedVersion); err != nil {
		return err
	}
	from := inv.Status
	result.From = from
	// re-checked in case the status moved since the pre-read
	if !CanTransition(from, target) {
		return &InvalidTransitionError{From: string(from), To: string(target), Allowed: AllowedTargets(from)}
	}
	if err := s.Locks.assertEditable(tx, ctx, models.EntityTypeInvoice, id, actor); err != nil {
		return err
	}

	old, err := models.GetInvoiceAllocations(tx, ctx, id)
	if err != nil {
		return err
	}
	currentDraw, err := models.GetInvoiceDrawId(tx, ctx, id)
	if err != nil {
		return err
	}

	allocsChanged := req.Allocations != nil
	effective := old
	if allocsChanged {
		effective = allocationModels(req.Allocations)
	}
	if target == models.InvoiceStatusApproved {
		inherited, err := s.Reconciler.InheritPurchaseOrder(tx, ctx, inv, effective)
		if err != nil {
			return err
		}
		if !allocsChanged && !sameAllocationRefs(effective, inherited) {
			allocsChanged = true
		}
		effective = inherited
	}

	ev, err := s.Validator.Evaluate(tx, ctx, requirementInput{
		Invoice:           inv,
		Target:            target,
		Allocations:       effective,
		DrawId:            req.DrawId,
		CurrentDrawId:     currentDraw,
		PartialCodingNote: req.PartialCodingNote,
	})
	if err != nil {
		return err
	}
	if len(ev.Violations) > 0 {
		return &PreconditionError{Target: string(target), Violations: ev.Violations}
	}
	if err := s.resolveOverages(ev.Overages, req.OverridePo); err != nil {
		return err
	}
	result.Overrides = ev.Overages
	result.Balance = ev.Balance
	if allocsChanged && ev.Balance == nil {
		report := ledger.CheckBalance(inv.Amount, models.AllocationLines(effective), false)
		if ve := violationsAsValidation(report.Violations); ve != nil {
			return ve
		}
	}

	before := snapshotOf(inv, old, currentDraw)
	snap, err := s.Snapshots.Capture(tx, ctx, models.EntityTypeInvoice, id, "transition", string(target), before, inv.Version+1, actor.Id)
	if err != nil {
		return err
	}
	result.UndoExpiresAt = &snap.ExpiresAt

	// ledger totals follow the committed set
	wasCommitted := from.IsCommitted()
	willCommit := target.IsCommitted()
	billingChanged := allocsChanged || wasCommitted != willCommit
	touchedPos := poIdsOf(nil, append(append([]models.Allocation{}, old...), effective...))
	if billingChanged {
		if wasCommitted {
			if _, err := s.Reconciler.ApplyContributions(tx, ctx, inv, old, -1); err != nil {
				return err
			}
		}
		applied := old
		if allocsChanged {
			applied, err = models.ReplaceInvoiceAllocations(tx, ctx, id, effective)
			if err != nil {
				return err
			}
		}
		if willCommit {
			warnings, err := s.Reconciler.ApplyContributions(tx, ctx, inv, applied, 1)
			if err != nil {
				return err
			}
			result.Warnings = append(result.Warnings, warnings...)
		}
	}

	// draw membership
	switch {
	case target == models.InvoiceStatusInDraw:
		if err := models.AddInvoiceToDraw(tx, ctx, ev.Draw.ID, id); err != nil {
			return err
		}
	case from == models.InvoiceStatusInDraw && target != models.InvoiceStatusPaid:
		if _, err := models.RemoveInvoiceFromDraw(tx, ctx, id); err != nil {
			return err
		}
	}

	now := s.now()
	fields := map[string]interface{}{}
	action := models.HistoryActionTransition
	event := models.EventInvoiceStatusChanged
	if target == models.InvoiceStatusDeleted {
		fields["deleted_at"] = now
		action = models.HistoryActionDelete
		event = models.EventInvoiceDeleted
	} else {
		fields["status"] = target
		inv.Status = target
	}
	switch {
	case target == models.InvoiceStatusApproved:
		fields["approved_at"] = now
		fields["approved_by"] = actor.Id
	case wasCommitted && !willCommit:
		fields["approved_at"] = nil
		fields["approved_by"] = nil
	}
	if target == models.InvoiceStatusPaid {
		fields["paid_at"] = now
	}
	if ev.Balance != nil {
		result.Partial = ev.Balance.Status == ledger.BalanceStatusPartial
		fields["partially_allocated"] = result.Partial
		fields["partial_coding_note"] = req.PartialCodingNote
	}
	if err := saveInvoice(tx, ctx, inv, fields); err != nil {
		return err
	}
	if billingChanged {
		if err := s.Reconciler.RefreshPurchaseOrders(tx, ctx, touchedPos); err != nil {
			return err
		}
	}

	desc := fmt.Sprintf("%s -> %s", from, target)
	if req.Reason != "" {
		desc += ": " + req.Reason
	}
	if err := models.SaveHistory(tx, action, models.EntityTypeInvoice, id, map[string]interface{}{"status": from}, map[string]interface{}{"status": target}, desc); err != nil {
		return err
	}
	if err := s.recordOverrides(tx, ctx, actor, inv, ev.Overages); err != nil {
		return err
	}
	if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, event, models.EntityTypeInvoice, id,
		invoiceEventPayload(inv, from, map[string]interface{}{"target": target, "partial": result.Partial})); err != nil {
		return err
	}
	if target == models.InvoiceStatusApproved || target == models.InvoiceStatusPaid {
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindStamp, models.EventInvoiceStamp, models.EntityTypeInvoice, id, map[string]interface{}{"status": target}); err != nil {
			return err
		}
	}
	return nil
}

// sameAllocationRefs reports whether PO and CO references line up row by row.
func sameAllocationRefs(a, b []models.Allocation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !utils.EqualIntPtr(a[i].PoId, b[i].PoId) || !utils.EqualIntPtr(a[i].ChangeOrderId, b[i].ChangeOrderId) {
			return false
		}
	}
	return true
}
