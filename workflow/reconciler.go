package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllocationReconciler keeps PO line, change order and budget running totals
// in step with the allocations of committed invoices. Every method runs
// inside the caller's transaction.
type AllocationReconciler struct {
	Logger *logrus.Logger
}

// InheritPurchaseOrder fills in the invoice's PO on allocations that name
// neither a PO nor a CO. When the PO is funded by a change order, the CO is
// stamped instead. Explicit choices are never overwritten.
func (r *AllocationReconciler) InheritPurchaseOrder(tx *gorm.DB, ctx context.Context, inv *models.Invoice, allocs []models.Allocation) ([]models.Allocation, error) {
	if inv.PoId == nil {
		return allocs, nil
	}
	po, err := models.GetPurchaseOrder(tx, ctx, *inv.PoId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, NewValidationError("po_id", fmt.Sprintf("purchase order %d not found", *inv.PoId))
		}
		return nil, err
	}
	out := make([]models.Allocation, len(allocs))
	for i, a := range allocs {
		if a.PoId == nil && a.ChangeOrderId == nil {
			if po.JobChangeOrderId != nil {
				a.ChangeOrderId = utils.NewPtr(*po.JobChangeOrderId)
			} else {
				a.PoId = utils.NewPtr(po.ID)
			}
		}
		out[i] = a
	}
	return out, nil
}

// CheckPoCapacity compares, per referenced PO, what other committed invoices
// already billed plus what this set adds against the PO total. On MySQL the
// PO rows stay locked until the caller's transaction ends, so two invoices
// cannot both pass against the same remaining capacity.
func (r *AllocationReconciler) CheckPoCapacity(tx *gorm.DB, ctx context.Context, inv *models.Invoice, allocs []models.Allocation) ([]*PoOverageError, error) {
	poTx := tx
	if tx.Dialector.Name() == "mysql" {
		poTx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	incoming := map[int]decimal.Decimal{}
	for _, a := range allocs {
		if a.PoId == nil {
			continue
		}
		incoming[*a.PoId] = incoming[*a.PoId].Add(a.Amount)
	}
	var out []*PoOverageError
	for _, poId := range sortedKeys(incoming) {
		po, err := models.GetPurchaseOrder(poTx, ctx, poId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return nil, NewValidationError("allocations.po_id", fmt.Sprintf("purchase order %d not found", poId))
			}
			return nil, err
		}
		billed, err := models.PoBilledAmount(tx, ctx, poId, inv.ID)
		if err != nil {
			return nil, err
		}
		check := ledger.CheckCapacity(po.TotalAmount, billed, incoming[poId])
		if !check.Exceeded {
			continue
		}
		out = append(out, &PoOverageError{
			PoId:             poId,
			PoTotal:          po.TotalAmount,
			Billed:           billed,
			Remaining:        check.Remaining,
			InvoiceAmount:    incoming[poId],
			OverageAmount:    check.Overage,
			RequiresOverride: true,
		})
	}
	return out, nil
}

// ApplyContributions adds (sign 1) or removes (sign -1) the allocations'
// amounts from the running totals. It returns over-budget warnings raised
// while adding.
func (r *AllocationReconciler) ApplyContributions(tx *gorm.DB, ctx context.Context, inv *models.Invoice, allocs []models.Allocation, sign int) ([]string, error) {
	var warnings []string
	factor := decimal.NewFromInt(int64(sign))
	poIds := map[int]decimal.Decimal{}

	for _, a := range allocs {
		delta := a.Amount.Mul(factor)
		if a.ChangeOrderId != nil {
			if _, err := models.ApplyChangeOrderInvoicedDelta(tx, ctx, *a.ChangeOrderId, delta); err != nil {
				return nil, r.inconsistent(inv, a, "change_order", err)
			}
		}
		if a.PoLineItemId != nil {
			if err := models.ApplyPoLineItemInvoicedDelta(tx, ctx, *a.PoLineItemId, delta); err != nil {
				return nil, r.inconsistent(inv, a, "po_line_item", err)
			}
		}
		if a.PoId != nil {
			poIds[*a.PoId] = decimal.Zero
		}
		jobId := a.JobId
		if jobId == nil {
			jobId = inv.JobId
		}
		if jobId == nil {
			continue
		}
		line, found, err := models.ApplyBudgetInvoicedDelta(tx, ctx, *jobId, a.CostCodeId, delta)
		if err != nil {
			return nil, r.inconsistent(inv, a, "budget_line", err)
		}
		if found && sign > 0 && line.IsOverBudget() {
			warnings = append(warnings, fmt.Sprintf("cost code %d on job %d is over budget: invoiced %s of %s",
				line.CostCodeId, line.JobId, line.InvoicedAmount.StringFixed(2), line.BudgetAmount.StringFixed(2)))
		}
	}

	if err := r.RefreshPurchaseOrders(tx, ctx, sortedKeys(poIds)); err != nil {
		return nil, err
	}
	return utils.UniqueSlice(warnings), nil
}

// RefreshPurchaseOrders recomputes the billing status of each PO. Callers
// that change an invoice status run it again after the status write, since
// billing counts committed invoices only.
func (r *AllocationReconciler) RefreshPurchaseOrders(tx *gorm.DB, ctx context.Context, poIds []int) error {
	for _, poId := range poIds {
		if _, err := models.RefreshPoBillingStatus(tx, ctx, poId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// Reconcile swaps the allocation set of inv. For committed invoices the old
// set is reversed before the new one is applied so totals never double count.
func (r *AllocationReconciler) Reconcile(tx *gorm.DB, ctx context.Context, inv *models.Invoice, oldAllocs, newAllocs []models.Allocation) ([]models.Allocation, []string, error) {
	committed := inv.Status.IsCommitted()
	if committed && len(oldAllocs) > 0 {
		if _, err := r.ApplyContributions(tx, ctx, inv, oldAllocs, -1); err != nil {
			return nil, nil, err
		}
	}
	saved, err := models.ReplaceInvoiceAllocations(tx, ctx, inv.ID, newAllocs)
	if err != nil {
		return nil, nil, err
	}
	var warnings []string
	if committed {
		warnings, err = r.ApplyContributions(tx, ctx, inv, saved, 1)
		if err != nil {
			return nil, nil, err
		}
		// POs the invoice moved away from were last refreshed while the old
		// rows still counted.
		if err := r.RefreshPurchaseOrders(tx, ctx, poIdsOf(nil, oldAllocs)); err != nil {
			return nil, nil, err
		}
	}
	return saved, warnings, nil
}

// inconsistent logs a failed running-total write. The surrounding transaction
// rolls back on the returned error.
func (r *AllocationReconciler) inconsistent(inv *models.Invoice, a models.Allocation, target string, err error) error {
	metricLedgerInconsistency.Inc()
	logger := r.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"field":                "AllocationReconciler",
		"ledger_inconsistency": true,
		"invoice_id":           inv.ID,
		"allocation_id":        a.ID,
		"target":               target,
	}).Error("running total update failed: " + err.Error())
	return fmt.Errorf("update %s running total for invoice %d: %w", target, inv.ID, err)
}

func sortedKeys(m map[int]decimal.Decimal) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
