package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LedgerDrift is one running total that does not match what the committed
// allocations say it should be.
type LedgerDrift struct {
	Target   string          `json:"target"` // change_order|po_line_item|budget_line
	Id       int             `json:"id"`
	Stored   decimal.Decimal `json:"stored"`
	Expected decimal.Decimal `json:"expected"`
}

func (d LedgerDrift) String() string {
	return fmt.Sprintf("%s %d: stored %s, expected %s", d.Target, d.Id, d.Stored.StringFixed(2), d.Expected.StringFixed(2))
}

type LedgerAuditReport struct {
	InvoicesScanned int           `json:"invoices_scanned"`
	Drifts          []LedgerDrift `json:"drifts"`
	Fixed           bool          `json:"fixed"`
}

type budgetKey struct {
	JobId      int
	CostCodeId int
}

// AuditLedger recomputes every running total from committed, non-deleted
// invoices and reports what drifted. With fix set, stored totals are
// overwritten in one transaction.
func AuditLedger(ctx context.Context, db *gorm.DB, logger *logrus.Logger, fix bool) (*LedgerAuditReport, error) {
	if logger == nil {
		logger = config.GetLogger()
	}
	report := &LedgerAuditReport{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoices []models.Invoice
		if err := tx.WithContext(ctx).Preload("Allocations").
			Where("status IN ?", models.CommittedStatuses()).
			Find(&invoices).Error; err != nil {
			return err
		}
		report.InvoicesScanned = len(invoices)

		coTotals := map[int]decimal.Decimal{}
		lineTotals := map[int]decimal.Decimal{}
		budgetTotals := map[budgetKey]decimal.Decimal{}
		for _, inv := range invoices {
			for _, a := range inv.Allocations {
				if a.ChangeOrderId != nil {
					coTotals[*a.ChangeOrderId] = coTotals[*a.ChangeOrderId].Add(a.Amount)
				}
				if a.PoLineItemId != nil {
					lineTotals[*a.PoLineItemId] = lineTotals[*a.PoLineItemId].Add(a.Amount)
				}
				jobId := a.JobId
				if jobId == nil {
					jobId = inv.JobId
				}
				if jobId != nil {
					k := budgetKey{JobId: *jobId, CostCodeId: a.CostCodeId}
					budgetTotals[k] = budgetTotals[k].Add(a.Amount)
				}
			}
		}

		var cos []models.ChangeOrder
		if err := tx.WithContext(ctx).Order("id ASC").Find(&cos).Error; err != nil {
			return err
		}
		for _, co := range cos {
			expected := ledger.ClampNonNegative(coTotals[co.ID])
			if ledger.WithinTolerance(co.InvoicedAmount, expected) {
				continue
			}
			report.Drifts = append(report.Drifts, LedgerDrift{Target: "change_order", Id: co.ID, Stored: co.InvoicedAmount, Expected: expected})
			if fix {
				if err := tx.Model(&models.ChangeOrder{}).Where("id = ?", co.ID).UpdateColumn("invoiced_amount", expected).Error; err != nil {
					return err
				}
			}
		}

		var lines []models.PurchaseOrderLineItem
		if err := tx.WithContext(ctx).Order("id ASC").Find(&lines).Error; err != nil {
			return err
		}
		poIds := map[int]decimal.Decimal{}
		for _, l := range lines {
			expected := lineTotals[l.ID]
			if ledger.WithinTolerance(l.InvoicedAmount, expected) {
				continue
			}
			report.Drifts = append(report.Drifts, LedgerDrift{Target: "po_line_item", Id: l.ID, Stored: l.InvoicedAmount, Expected: expected})
			poIds[l.PoId] = decimal.Zero
			if fix {
				if err := tx.Model(&models.PurchaseOrderLineItem{}).Where("id = ?", l.ID).UpdateColumn("invoiced_amount", expected).Error; err != nil {
					return err
				}
			}
		}

		var budgets []models.BudgetLine
		if err := tx.WithContext(ctx).Order("id ASC").Find(&budgets).Error; err != nil {
			return err
		}
		for _, b := range budgets {
			expected := budgetTotals[budgetKey{JobId: b.JobId, CostCodeId: b.CostCodeId}]
			if ledger.WithinTolerance(b.InvoicedAmount, expected) {
				continue
			}
			report.Drifts = append(report.Drifts, LedgerDrift{Target: "budget_line", Id: b.ID, Stored: b.InvoicedAmount, Expected: expected})
			if fix {
				if err := tx.Model(&models.BudgetLine{}).Where("id = ?", b.ID).UpdateColumn("invoiced_amount", expected).Error; err != nil {
					return err
				}
			}
		}

		if fix {
			for _, poId := range sortedKeys(poIds) {
				if _, err := models.RefreshPoBillingStatus(tx, ctx, poId); err != nil {
					return err
				}
			}
			report.Fixed = len(report.Drifts) > 0
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "ledgerAudit.go", "AuditLedger", "Transaction", nil, err)
		return nil, err
	}
	for _, d := range report.Drifts {
		logger.WithFields(logrus.Fields{
			"field":    "AuditLedger",
			"target":   d.Target,
			"id":       d.Id,
			"stored":   d.Stored.StringFixed(2),
			"expected": d.Expected.StringFixed(2),
			"fixed":    fix,
		}).Warn("running total drift")
	}
	return report, nil
}

// SweepExpired clears expired entity locks and undo snapshots past
// retention.
func (s *InvoiceService) SweepExpired(ctx context.Context) (locks int64, snapshots int64, err error) {
	locks, err = s.Locks.SweepExpired(ctx)
	if err != nil {
		config.LogError(s.Logger, "ledgerAudit.go", "SweepExpired", "locks", nil, err)
		return 0, 0, err
	}
	snapshots, err = s.Snapshots.SweepExpired(s.DB, ctx)
	if err != nil {
		config.LogError(s.Logger, "ledgerAudit.go", "SweepExpired", "snapshots", nil, err)
		return locks, 0, err
	}
	s.Logger.WithFields(logrus.Fields{
		"field":     "SweepExpired",
		"locks":     locks,
		"snapshots": snapshots,
	}).Info("expired rows swept")
	return locks, snapshots, nil
}
