package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BudgetLine is the job budget for one cost code.
type BudgetLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	JobId          int             `gorm:"not null;index:uniq_budget_line,unique" json:"job_id"`
	CostCodeId     int             `gorm:"not null;index:uniq_budget_line,unique" json:"cost_code_id"`
	BudgetAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"budget_amount"`
	InvoicedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"invoiced_amount"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b BudgetLine) IsOverBudget() bool {
	return b.InvoicedAmount.GreaterThan(b.BudgetAmount)
}

// ApplyBudgetInvoicedDelta moves the invoiced total of the (job, cost code)
// budget line. found is false when the job has no budget for the code.
func ApplyBudgetInvoicedDelta(tx *gorm.DB, ctx context.Context, jobId int, costCodeId int, delta decimal.Decimal) (line *BudgetLine, found bool, err error) {
	var bl BudgetLine
	err = tx.WithContext(ctx).Where("job_id = ? AND cost_code_id = ?", jobId, costCodeId).First(&bl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	bl.InvoicedAmount = bl.InvoicedAmount.Add(delta)
	if err := tx.WithContext(ctx).Model(&BudgetLine{}).
		Where("id = ?", bl.ID).
		UpdateColumn("invoiced_amount", bl.InvoicedAmount).Error; err != nil {
		return nil, true, err
	}
	return &bl, true, nil
}
