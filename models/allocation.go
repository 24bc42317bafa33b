package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Allocation codes part of an invoice to a cost code, optionally against a
// PO (and PO line) or a change order, never both.
type Allocation struct {
	ID            int             `gorm:"primary_key" json:"id"`
	InvoiceId     int             `gorm:"index;not null" json:"invoice_id"`
	CostCodeId    int             `gorm:"index;not null" json:"cost_code_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	JobId         *int            `gorm:"index" json:"job_id"`
	PoId          *int            `gorm:"index" json:"po_id"`
	PoLineItemId  *int            `gorm:"index" json:"po_line_item_id"`
	ChangeOrderId *int            `gorm:"index" json:"change_order_id"`
	PendingCo     bool            `gorm:"not null;default:false" json:"pending_co"`
	Notes         string          `gorm:"size:500" json:"notes"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (a Allocation) Line() ledger.Line {
	return ledger.Line{
		Amount:        a.Amount,
		CostCodeId:    a.CostCodeId,
		PoId:          a.PoId,
		ChangeOrderId: a.ChangeOrderId,
	}
}

func AllocationLines(allocs []Allocation) []ledger.Line {
	lines := make([]ledger.Line, 0, len(allocs))
	for _, a := range allocs {
		lines = append(lines, a.Line())
	}
	return lines
}

func GetInvoiceAllocations(tx *gorm.DB, ctx context.Context, invoiceId int) ([]Allocation, error) {
	var allocs []Allocation
	err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceId).Order("id ASC").Find(&allocs).Error
	return allocs, err
}

// ReplaceInvoiceAllocations swaps the whole allocation set of an invoice.
func ReplaceInvoiceAllocations(tx *gorm.DB, ctx context.Context, invoiceId int, allocs []Allocation) ([]Allocation, error) {
	if err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceId).Delete(&Allocation{}).Error; err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, nil
	}
	rows := make([]Allocation, len(allocs))
	for i, a := range allocs {
		a.ID = 0
		a.InvoiceId = invoiceId
		rows[i] = a
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
