package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusOpen            PurchaseOrderStatus = "open"
	PurchaseOrderStatusPartiallyBilled PurchaseOrderStatus = "partially_billed"
	PurchaseOrderStatusFullyBilled     PurchaseOrderStatus = "fully_billed"
	PurchaseOrderStatusClosed          PurchaseOrderStatus = "closed"
)

type PurchaseOrder struct {
	ID               int                 `gorm:"primary_key" json:"id"`
	JobId            int                 `gorm:"index;not null" json:"job_id"`
	VendorId         int                 `gorm:"index;not null" json:"vendor_id"`
	PoNumber         string              `gorm:"size:100;not null" json:"po_number"`
	TotalAmount      decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	Status           PurchaseOrderStatus `gorm:"size:30;not null;default:'open'" json:"status"`
	JobChangeOrderId *int                `gorm:"index" json:"job_change_order_id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`

	LineItems []PurchaseOrderLineItem `gorm:"foreignKey:PoId" json:"line_items,omitempty"`
}

type PurchaseOrderLineItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	PoId           int             `gorm:"index;not null" json:"po_id"`
	CostCodeId     int             `gorm:"index;not null" json:"cost_code_id"`
	Description    string          `gorm:"size:500" json:"description"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	InvoicedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"invoiced_amount"`
}

// PoBilledAmount sums allocation amounts referencing poId on invoices in a
// committed status, skipping excludeInvoiceId.
func PoBilledAmount(tx *gorm.DB, ctx context.Context, poId int, excludeInvoiceId int) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := tx.WithContext(ctx).
		Model(&Allocation{}).
		Joins("JOIN invoices ON invoices.id = allocations.invoice_id").
		Where("allocations.po_id = ?", poId).
		Where("invoices.status IN ?", CommittedStatuses()).
		Where("invoices.deleted_at IS NULL").
		Where("invoices.id <> ?", excludeInvoiceId).
		Pluck("allocations.amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.Sum(amounts...), nil
}

func GetPurchaseOrder(tx *gorm.DB, ctx context.Context, poId int) (*PurchaseOrder, error) {
	var po PurchaseOrder
	if err := tx.WithContext(ctx).Where("id = ?", poId).First(&po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &po, nil
}

// ApplyPoLineItemInvoicedDelta moves the running invoiced total of a PO line.
func ApplyPoLineItemInvoicedDelta(tx *gorm.DB, ctx context.Context, lineItemId int, delta decimal.Decimal) error {
	var line PurchaseOrderLineItem
	if err := tx.WithContext(ctx).Where("id = ?", lineItemId).First(&line).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("purchase order line item not found")
		}
		return err
	}
	return tx.WithContext(ctx).Model(&PurchaseOrderLineItem{}).
		Where("id = ?", lineItemId).
		UpdateColumn("invoiced_amount", line.InvoicedAmount.Add(delta)).Error
}

// RefreshPoBillingStatus recomputes the billing status of an open PO from its
// committed allocations. Closed POs are left alone.
func RefreshPoBillingStatus(tx *gorm.DB, ctx context.Context, poId int) (*PurchaseOrder, error) {
	po, err := GetPurchaseOrder(tx, ctx, poId)
	if err != nil {
		return nil, err
	}
	if po.Status == PurchaseOrderStatusClosed {
		return po, nil
	}
	billed, err := PoBilledAmount(tx, ctx, poId, 0)
	if err != nil {
		return nil, err
	}

	status := PurchaseOrderStatusOpen
	switch {
	case billed.GreaterThanOrEqual(po.TotalAmount.Sub(ledger.Tolerance)) && po.TotalAmount.IsPositive():
		status = PurchaseOrderStatusFullyBilled
	case billed.IsPositive():
		status = PurchaseOrderStatusPartiallyBilled
	}
	if status != po.Status {
		if err := tx.WithContext(ctx).Model(&PurchaseOrder{}).Where("id = ?", poId).UpdateColumn("status", status).Error; err != nil {
			return nil, err
		}
		po.Status = status
	}
	return po, nil
}
