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

type DrawStatus string

const (
	DrawStatusDraft           DrawStatus = "draft"
	DrawStatusSubmitted       DrawStatus = "submitted"
	DrawStatusFunded          DrawStatus = "funded"
	DrawStatusPartiallyFunded DrawStatus = "partially_funded"
	DrawStatusOverfunded      DrawStatus = "overfunded"
)

// IsFundedState covers every status reached by recording funding.
func (s DrawStatus) IsFundedState() bool {
	switch s {
	case DrawStatusFunded, DrawStatusPartiallyFunded, DrawStatusOverfunded:
		return true
	}
	return false
}

// AllowsPayment is true once the lender has covered the whole draw.
func (s DrawStatus) AllowsPayment() bool {
	return s == DrawStatusFunded || s == DrawStatusOverfunded
}

// Draw is a payment request to the lender grouping invoices of one job.
type Draw struct {
	ID           int             `gorm:"primary_key" json:"id"`
	JobId        int             `gorm:"index;not null" json:"job_id"`
	DrawNumber   int             `gorm:"not null" json:"draw_number"`
	Status       DrawStatus      `gorm:"size:30;not null;default:'draft'" json:"status"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	FundedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"funded_amount"`
	SubmittedAt  *time.Time      `json:"submitted_at"`
	FundedAt     *time.Time      `json:"funded_at"`
	CreatedBy    int             `gorm:"not null;default:0" json:"created_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// DrawInvoice is draw membership. An invoice belongs to at most one draw.
type DrawInvoice struct {
	ID        int       `gorm:"primary_key" json:"id"`
	DrawId    int       `gorm:"index;not null" json:"draw_id"`
	InvoiceId int       `gorm:"not null;uniqueIndex" json:"invoice_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetDraw(tx *gorm.DB, ctx context.Context, drawId int) (*Draw, error) {
	var draw Draw
	if err := tx.WithContext(ctx).Where("id = ?", drawId).First(&draw).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &draw, nil
}

// GetInvoiceDrawId returns the draw an invoice belongs to, or nil.
func GetInvoiceDrawId(tx *gorm.DB, ctx context.Context, invoiceId int) (*int, error) {
	var di DrawInvoice
	err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceId).First(&di).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &di.DrawId, nil
}

func AddInvoiceToDraw(tx *gorm.DB, ctx context.Context, drawId int, invoiceId int) error {
	if err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceId).Delete(&DrawInvoice{}).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Create(&DrawInvoice{DrawId: drawId, InvoiceId: invoiceId}).Error; err != nil {
		return err
	}
	_, err := RecomputeDrawTotal(tx, ctx, drawId)
	return err
}

// RemoveInvoiceFromDraw drops membership and returns the draw it left, if any.
func RemoveInvoiceFromDraw(tx *gorm.DB, ctx context.Context, invoiceId int) (*int, error) {
	drawId, err := GetInvoiceDrawId(tx, ctx, invoiceId)
	if err != nil || drawId == nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceId).Delete(&DrawInvoice{}).Error; err != nil {
		return nil, err
	}
	if _, err := RecomputeDrawTotal(tx, ctx, *drawId); err != nil {
		return nil, err
	}
	return drawId, nil
}

func GetDrawInvoices(tx *gorm.DB, ctx context.Context, drawId int) ([]Invoice, error) {
	var invoices []Invoice
	err := tx.WithContext(ctx).
		Joins("JOIN draw_invoices ON draw_invoices.invoice_id = invoices.id").
		Where("draw_invoices.draw_id = ?", drawId).
		Order("invoices.id ASC").
		Find(&invoices).Error
	return invoices, err
}

// RecomputeDrawTotal sets total_amount to the sum of live member invoices.
func RecomputeDrawTotal(tx *gorm.DB, ctx context.Context, drawId int) (decimal.Decimal, error) {
	invoices, err := GetDrawInvoices(tx, ctx, drawId)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, inv := range invoices {
		total = total.Add(inv.Amount)
	}
	err = tx.WithContext(ctx).Model(&Draw{}).Where("id = ?", drawId).UpdateColumn("total_amount", total).Error
	return total, err
}

// FundingStatusFor maps a cumulative funded amount onto a draw status.
func FundingStatusFor(total, funded decimal.Decimal) DrawStatus {
	switch {
	case ledger.WithinTolerance(funded, total):
		return DrawStatusFunded
	case funded.LessThan(total):
		return DrawStatusPartiallyFunded
	default:
		return DrawStatusOverfunded
	}
}
