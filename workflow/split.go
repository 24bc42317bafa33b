package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Split replaces an early-stage invoice with N children that move through
// the lifecycle on their own. The parent becomes a terminal split container.
func (s *InvoiceService) Split(ctx context.Context, id int, req SplitRequest) (*SplitResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Split", id)
	var err error
	defer func() { endSpan(span, err) }()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	result := &SplitResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := loadInvoice(tx, ctx, id)
		if err != nil {
			return err
		}
		if err := checkExpectedVersion(parent, req.ExpectedVersion); err != nil {
			return err
		}
		if parent.IsSplitParticipant() {
			return NewValidationError("invoice", "invoice is already part of a split")
		}
		if !CanTransition(parent.Status, models.InvoiceStatusSplit) {
			return &InvalidTransitionError{From: string(parent.Status), To: string(models.InvoiceStatusSplit), Allowed: AllowedTargets(parent.Status)}
		}
		if err := s.Locks.assertEditable(tx, ctx, models.EntityTypeInvoice, id, actor); err != nil {
			return err
		}
		if ve := checkSplitGroups(parent, req.Groups); ve != nil {
			return ve
		}

		allocs, err := models.GetInvoiceAllocations(tx, ctx, id)
		if err != nil {
			return err
		}
		drawId, err := models.GetInvoiceDrawId(tx, ctx, id)
		if err != nil {
			return err
		}
		state := snapshotOf(parent, allocs, drawId)

		children := make([]models.Invoice, 0, len(req.Groups))
		for i, g := range req.Groups {
			jobId := g.JobId
			if jobId == nil {
				jobId = parent.JobId
			}
			number := fmt.Sprintf("%s-%d", parent.InvoiceNumber, i+1)
			child := models.Invoice{
				InvoiceNumber:    number,
				NormalizedNumber: NormalizeInvoiceNumber(number),
				VendorId:         parent.VendorId,
				JobId:            jobId,
				PoId:             parent.PoId,
				Amount:           g.Amount,
				InvoiceType:      models.InvoiceTypeFor(g.Amount),
				Status:           models.InvoiceStatusNeedsReview,
				InvoiceDate:      parent.InvoiceDate,
				DocumentUrl:      parent.DocumentUrl,
				ContentHash:      parent.ContentHash,
				Notes:            g.Notes,
				ParentInvoiceId:  &parent.ID,
				SplitIndex:       i + 1,
				Version:          1,
				CreatedBy:        actor.Id,
			}
			if err := tx.WithContext(ctx).Create(&child).Error; err != nil {
				return err
			}
			children = append(children, child)
			state.ChildIds = append(state.ChildIds, child.ID)
		}

		if _, err := s.Snapshots.Capture(tx, ctx, models.EntityTypeInvoice, id, "split", string(models.InvoiceStatusSplit), state, parent.Version+1, actor.Id); err != nil {
			return err
		}
		// the parent is a container; its coding moves to the children
		if _, err := models.ReplaceInvoiceAllocations(tx, ctx, id, nil); err != nil {
			return err
		}
		from := parent.Status
		if err := saveInvoice(tx, ctx, parent, map[string]interface{}{
			"status":              models.InvoiceStatusSplit,
			"is_split_parent":     true,
			"partially_allocated": false,
		}); err != nil {
			return err
		}
		parent.Status = models.InvoiceStatusSplit
		parent.IsSplitParent = true

		if err := models.SaveHistory(tx, models.HistoryActionSplit, models.EntityTypeInvoice, id, map[string]interface{}{"status": from}, state.ChildIds,
			fmt.Sprintf("split into %d invoices", len(children))); err != nil {
			return err
		}
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventInvoiceSplit, models.EntityTypeInvoice, id,
			invoiceEventPayload(parent, from, map[string]interface{}{"child_ids": state.ChildIds})); err != nil {
			return err
		}
		result.Parent = parent
		result.Children = children
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func checkSplitGroups(parent *models.Invoice, groups []SplitGroup) *ValidationError {
	ve := &ValidationError{}
	if len(groups) < 2 {
		ve.Add("groups", "at least two groups are required")
		return ve
	}
	polarity := ledger.PolarityOf(parent.Amount)
	amounts := make([]ledger.Line, 0, len(groups))
	for i, g := range groups {
		field := fmt.Sprintf("groups[%d].amount", i)
		switch {
		case g.Amount.IsZero():
			ve.Add(field, "amount must be non-zero")
		case ledger.PolarityOf(g.Amount) != polarity:
			ve.Add(field, fmt.Sprintf("amount must be %s like the invoice", polarity))
		}
		amounts = append(amounts, ledger.Line{Amount: g.Amount})
	}
	if total := ledger.SumLines(amounts); !ledger.WithinTolerance(total, parent.Amount) {
		ve.Add("groups", fmt.Sprintf("groups total %s but the invoice is %s", total.StringFixed(2), parent.Amount.StringFixed(2)))
	}
	if len(ve.Fields) == 0 {
		return nil
	}
	return ve
}

// Unsplit removes every child and returns the parent to needs_review. It is
// refused once any child has committed downstream work.
func (s *InvoiceService) Unsplit(ctx context.Context, id int) (*UnsplitResult, error) {
	ctx, span := s.startSpan(ctx, "Unsplit", id)
	var err error
	defer func() { endSpan(span, err) }()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	result := &UnsplitResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := loadInvoice(tx, ctx, id)
		if err != nil {
			return err
		}
		if !parent.IsSplitParent {
			return NewValidationError("invoice", "invoice is not a split parent")
		}
		if err := s.Locks.assertEditable(tx, ctx, models.EntityTypeInvoice, id, actor); err != nil {
			return err
		}
		deleted, err := s.unsplitTx(tx, ctx, parent)
		if err != nil {
			return err
		}
		if err := models.SaveHistory(tx, models.HistoryActionUnsplit, models.EntityTypeInvoice, id, nil, nil,
			fmt.Sprintf("unsplit, %d child invoices removed", deleted)); err != nil {
			return err
		}
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventInvoiceUnsplit, models.EntityTypeInvoice, id,
			invoiceEventPayload(parent, models.InvoiceStatusSplit, map[string]interface{}{"deleted_child_count": deleted})); err != nil {
			return err
		}
		result.DeletedChildCount = deleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Parent = s.reload(ctx, id)
	return result, nil
}

// unsplitTx soft-deletes the live children of parent and resets it.
func (s *InvoiceService) unsplitTx(tx *gorm.DB, ctx context.Context, parent *models.Invoice) (int, error) {
	var children []models.Invoice
	if err := tx.WithContext(ctx).Where("parent_invoice_id = ?", parent.ID).Order("split_index ASC").Find(&children).Error; err != nil {
		return 0, err
	}
	var violations []ledger.Violation
	for _, c := range children {
		if c.Status.IsCommitted() {
			violations = append(violations, ledger.Violation{
				Code:    CodeChildCommitted,
				Field:   fmt.Sprintf("children[%d]", c.ID),
				Message: fmt.Sprintf("child invoice %s is %s", c.InvoiceNumber, c.Status),
			})
		}
	}
	if len(violations) > 0 {
		return 0, &PreconditionError{Target: string(models.InvoiceStatusNeedsReview), Violations: violations}
	}

	now := s.now()
	for i := range children {
		c := &children[i]
		if _, err := models.RemoveInvoiceFromDraw(tx, ctx, c.ID); err != nil {
			return 0, err
		}
		if err := saveInvoice(tx, ctx, c, map[string]interface{}{"deleted_at": now}); err != nil {
			return 0, err
		}
	}
	if err := saveInvoice(tx, ctx, parent, map[string]interface{}{
		"status":          models.InvoiceStatusNeedsReview,
		"is_split_parent": false,
	}); err != nil {
		return 0, err
	}
	parent.Status = models.InvoiceStatusNeedsReview
	parent.IsSplitParent = false
	return len(children), nil
}

// reconcileSplitParent re-checks a split parent after a child changed. It
// runs after the child's transaction committed and only logs on failure.
func (s *InvoiceService) reconcileSplitParent(ctx context.Context, parentId int) {
	log := s.Logger.WithFields(logrus.Fields{
		"field":     "reconcileSplitParent",
		"parent_id": parentId,
	})
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := loadInvoice(tx, ctx, parentId)
		if err != nil {
			return err
		}
		if !parent.IsSplitParent {
			return nil
		}
		var children []models.Invoice
		if err := tx.WithContext(ctx).Where("parent_invoice_id = ?", parentId).Find(&children).Error; err != nil {
			return err
		}
		if len(children) == 0 {
			if parent.Status != models.InvoiceStatusSplit {
				return nil
			}
			if err := saveInvoice(tx, ctx, parent, map[string]interface{}{
				"status":          models.InvoiceStatusNeedsReview,
				"is_split_parent": false,
			}); err != nil {
				return err
			}
			log.Warn("all split children removed; parent returned to needs_review")
			return models.SaveHistory(tx, models.HistoryActionUnsplit, models.EntityTypeInvoice, parentId, nil, nil,
				"all child invoices removed, split dissolved")
		}
		lines := make([]ledger.Line, 0, len(children))
		for _, c := range children {
			lines = append(lines, ledger.Line{Amount: c.Amount})
		}
		if total := ledger.SumLines(lines); !ledger.WithinTolerance(total, parent.Amount) {
			log.WithFields(logrus.Fields{
				"children_total": total.StringFixed(2),
				"parent_amount":  parent.Amount.StringFixed(2),
				"live_children":  len(children),
			}).Warn("split children no longer add up to the parent amount")
		}
		return nil
	})
	if err != nil {
		log.Warn("split reconciliation failed: " + err.Error())
	}
}
