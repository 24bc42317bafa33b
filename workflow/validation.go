package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"gorm.io/gorm"
)

// Violation codes raised by transition requirements. Allocation codes come
// from the ledger package.
const (
	CodeMissingJob      = "missing_job"
	CodeMissingVendor   = "missing_vendor"
	CodeDrawRequired    = "draw_required"
	CodeDrawNotFound    = "draw_not_found"
	CodeDrawClosed      = "draw_closed"
	CodeDrawJobMismatch = "draw_job_mismatch"
	CodeFundedDraw      = "funded_draw"
	CodePartialNote     = "partial_coding_note"
	CodeChildCommitted  = "child_committed"
)

type requirementInput struct {
	Invoice           *models.Invoice
	Target            models.InvoiceStatus
	Allocations       []models.Allocation
	DrawId            *int
	CurrentDrawId     *int
	PartialCodingNote string
}

type evaluation struct {
	Violations []ledger.Violation
	Balance    *ledger.BalanceReport
	Overages   []*PoOverageError
	Draw       *models.Draw
}

func (e *evaluation) add(v ...ledger.Violation) {
	e.Violations = append(e.Violations, v...)
}

// ValidationEngine evaluates the requirements of a target status. It reads
// but never writes.
type ValidationEngine struct {
	Reconciler               *AllocationReconciler
	RequirePartialCodingNote bool
}

func (v *ValidationEngine) Evaluate(tx *gorm.DB, ctx context.Context, in requirementInput) (*evaluation, error) {
	ev := &evaluation{}
	for _, req := range requirementsFor(in.Target) {
		var err error
		switch req {
		case reqJobAndVendor:
			ev.add(checkJobAndVendor(in.Invoice)...)
		case reqAllocationBalance:
			v.checkBalance(ev, in)
		case reqPoCapacity:
			// capacity is meaningless on a set that already failed the balance rule
			if len(ev.Violations) == 0 {
				ev.Overages, err = v.Reconciler.CheckPoCapacity(tx, ctx, in.Invoice, in.Allocations)
			}
		case reqDrawOpen:
			err = checkDrawOpen(tx, ctx, ev, in)
		case reqDrawFunded:
			err = checkDrawFunded(tx, ctx, ev, in)
		default:
			err = fmt.Errorf("unknown requirement %q", req)
		}
		if err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func checkJobAndVendor(inv *models.Invoice) []ledger.Violation {
	var out []ledger.Violation
	if inv.JobId == nil {
		out = append(out, ledger.Violation{Code: CodeMissingJob, Field: "job_id", Message: "job is required"})
	}
	if inv.VendorId == nil {
		out = append(out, ledger.Violation{Code: CodeMissingVendor, Field: "vendor_id", Message: "vendor is required"})
	}
	return out
}

func (v *ValidationEngine) checkBalance(ev *evaluation, in requirementInput) {
	report := ledger.CheckBalance(in.Invoice.Amount, models.AllocationLines(in.Allocations), true)
	ev.Balance = &report
	ev.add(report.Violations...)
	if v.RequirePartialCodingNote && report.Status == ledger.BalanceStatusPartial && in.PartialCodingNote == "" {
		ev.add(ledger.Violation{Code: CodePartialNote, Field: "partial_coding_note", Message: "a note is required when the invoice is only partially coded"})
	}
}

func checkDrawOpen(tx *gorm.DB, ctx context.Context, ev *evaluation, in requirementInput) error {
	if in.DrawId == nil {
		ev.add(ledger.Violation{Code: CodeDrawRequired, Field: "draw_id", Message: "a draw is required"})
		return nil
	}
	draw, err := models.GetDraw(tx, ctx, *in.DrawId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		ev.add(ledger.Violation{Code: CodeDrawNotFound, Field: "draw_id", Message: fmt.Sprintf("draw %d not found", *in.DrawId)})
		return nil
	}
	if err != nil {
		return err
	}
	ev.Draw = draw
	if draw.Status.IsFundedState() {
		ev.add(ledger.Violation{Code: CodeDrawClosed, Field: "draw_id", Message: fmt.Sprintf("draw %d is already %s", draw.ID, draw.Status)})
	}
	if in.Invoice.JobId != nil && *in.Invoice.JobId != draw.JobId {
		ev.add(ledger.Violation{Code: CodeDrawJobMismatch, Field: "draw_id", Message: fmt.Sprintf("draw %d belongs to job %d", draw.ID, draw.JobId)})
	}
	return nil
}

func checkDrawFunded(tx *gorm.DB, ctx context.Context, ev *evaluation, in requirementInput) error {
	if in.CurrentDrawId == nil {
		ev.add(ledger.Violation{Code: CodeFundedDraw, Field: "draw_id", Message: "invoice is not in a draw"})
		return nil
	}
	draw, err := models.GetDraw(tx, ctx, *in.CurrentDrawId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		ev.add(ledger.Violation{Code: CodeFundedDraw, Field: "draw_id", Message: "invoice draw no longer exists"})
		return nil
	}
	if err != nil {
		return err
	}
	ev.Draw = draw
	if !draw.Status.AllowsPayment() {
		ev.add(ledger.Violation{Code: CodeFundedDraw, Field: "draw_id", Message: fmt.Sprintf("draw %d is %s, not funded", draw.ID, draw.Status)})
	}
	return nil
}

// violationsAsValidation turns allocation violations into a field error for
// operations that are not transitions.
func violationsAsValidation(violations []ledger.Violation) *ValidationError {
	if len(violations) == 0 {
		return nil
	}
	ve := &ValidationError{}
	for _, v := range violations {
		field := v.Field
		if field == "" {
			field = v.Code
		}
		if prev, ok := ve.Fields[field]; ok {
			ve.Add(field, prev+"; "+v.Message)
			continue
		}
		ve.Add(field, v.Message)
	}
	return ve
}
