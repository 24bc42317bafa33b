package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"gorm.io/gorm"
)

func undoOutcome(err error) string {
	var expired *UndoExpiredError
	switch {
	case err == nil:
		return "restored"
	case errors.As(err, &expired):
		return "expired"
	case errors.Is(err, ErrUndoNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	}
	return "error"
}

// Undo restores the entity to its latest snapshot. The snapshot is consumed
// whether the restore came from a transition, a deletion or a split.
func (s *InvoiceService) Undo(ctx context.Context, entityType string, entityId int) (*models.Invoice, error) {
	if entityType != models.EntityTypeInvoice {
		return nil, NewValidationError("entity_type", fmt.Sprintf("undo is not supported for %q", entityType))
	}
	ctx, span := s.startSpan(ctx, "Undo", entityId)
	var err error
	defer func() {
		metricUndo.WithLabelValues(undoOutcome(err)).Inc()
		endSpan(span, err)
	}()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var parentId *int
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap, err := s.Snapshots.Latest(tx, ctx, entityType, entityId)
		if err != nil {
			return err
		}
		inv, err := loadInvoiceUnscoped(tx, ctx, entityId)
		if err != nil {
			return err
		}
		if inv.Version != snap.ResultVersion {
			return &VersionConflictError{EntityType: entityType, EntityId: entityId, Expected: snap.ResultVersion, Actual: inv.Version}
		}
		if err := s.Locks.assertEditable(tx, ctx, entityType, entityId, actor); err != nil {
			return err
		}
		var state invoiceSnapshot
		if err := s.Snapshots.Decode(snap, &state); err != nil {
			return fmt.Errorf("decode undo snapshot %d: %w", snap.ID, err)
		}

		if snap.Action == "split" {
			if _, err := s.unsplitTx(tx, ctx, inv); err != nil {
				return err
			}
		}
		if err := s.restoreTx(tx, ctx, inv, state); err != nil {
			return err
		}
		if err := s.Snapshots.MarkConsumed(tx, ctx, snap); err != nil {
			return err
		}
		desc := fmt.Sprintf("undo %s to %s, restored %s", snap.Action, snap.TargetState, state.Status)
		if err := models.SaveHistory(tx, models.HistoryActionUndo, entityType, entityId, nil, state, desc); err != nil {
			return err
		}
		parentId = inv.ParentInvoiceId
		return models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventInvoiceUndone, entityType, entityId,
			invoiceEventPayload(inv, "", map[string]interface{}{"undone_action": snap.Action, "undone_target": snap.TargetState}))
	})
	if err != nil {
		return nil, err
	}
	if parentId != nil {
		s.reconcileSplitParent(ctx, *parentId)
	}
	return s.reload(ctx, entityId), nil
}

// restoreTx puts inv back to state: running totals, allocations, draw
// membership and header fields.
func (s *InvoiceService) restoreTx(tx *gorm.DB, ctx context.Context, inv *models.Invoice, state invoiceSnapshot) error {
	current, err := models.GetInvoiceAllocations(tx, ctx, inv.ID)
	if err != nil {
		return err
	}
	if inv.Status.IsCommitted() && !inv.IsDeleted() {
		if _, err := s.Reconciler.ApplyContributions(tx, ctx, inv, current, -1); err != nil {
			return err
		}
	}
	restored, err := models.ReplaceInvoiceAllocations(tx, ctx, inv.ID, state.Allocations)
	if err != nil {
		return err
	}
	if state.Status.IsCommitted() && !state.Deleted {
		if _, err := s.Reconciler.ApplyContributions(tx, ctx, inv, restored, 1); err != nil {
			return err
		}
	}

	currentDraw, err := models.GetInvoiceDrawId(tx, ctx, inv.ID)
	if err != nil {
		return err
	}
	if !utils.EqualIntPtr(currentDraw, state.DrawId) {
		if currentDraw != nil {
			if _, err := models.RemoveInvoiceFromDraw(tx, ctx, inv.ID); err != nil {
				return err
			}
		}
		if state.DrawId != nil {
			if err := models.AddInvoiceToDraw(tx, ctx, *state.DrawId, inv.ID); err != nil {
				return err
			}
		}
	}

	fields := map[string]interface{}{
		"status":              state.Status,
		"is_split_parent":     state.IsSplitParent,
		"approved_at":         state.ApprovedAt,
		"approved_by":         state.ApprovedBy,
		"paid_at":             state.PaidAt,
		"partially_allocated": state.PartiallyAllocated,
		"partial_coding_note": state.PartialCodingNote,
	}
	if !state.Deleted {
		fields["deleted_at"] = nil
	}
	if err := saveInvoice(tx, ctx, inv, fields); err != nil {
		return err
	}
	inv.Status = state.Status
	return s.Reconciler.RefreshPurchaseOrders(tx, ctx, poIdsOf(nil, append(current, restored...)))
}
