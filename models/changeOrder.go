package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ChangeOrder struct {
	ID             int             `gorm:"primary_key" json:"id"`
	JobId          int             `gorm:"index;not null" json:"job_id"`
	Number         string          `gorm:"size:100;not null" json:"number"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	InvoicedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"invoiced_amount"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ApplyChangeOrderInvoicedDelta sets invoiced_amount = max(0, invoiced_amount + delta)
// and returns the new value.
func ApplyChangeOrderInvoicedDelta(tx *gorm.DB, ctx context.Context, changeOrderId int, delta decimal.Decimal) (decimal.Decimal, error) {
	var co ChangeOrder
	if err := tx.WithContext(ctx).Where("id = ?", changeOrderId).First(&co).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, errors.New("change order not found")
		}
		return decimal.Zero, err
	}
	next := ledger.ClampNonNegative(co.InvoicedAmount.Add(delta))
	if err := tx.WithContext(ctx).Model(&ChangeOrder{}).
		Where("id = ?", changeOrderId).
		UpdateColumn("invoiced_amount", next).Error; err != nil {
		return decimal.Zero, err
	}
	return next, nil
}
