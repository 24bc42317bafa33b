package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const entityTypeDraw = "draw"

// DrawService manages draws. Invoices join and leave a draw only through
// invoice transitions.
type DrawService struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewDrawService(db *gorm.DB, logger *logrus.Logger) *DrawService {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &DrawService{DB: db, Logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

type DrawDetail struct {
	Draw     *models.Draw     `json:"draw"`
	Invoices []models.Invoice `json:"invoices"`
}

func loadDraw(tx *gorm.DB, ctx context.Context, id int) (*models.Draw, error) {
	draw, err := models.GetDraw(tx, ctx, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, notFound(entityTypeDraw, id)
	}
	return draw, err
}

// CreateDraw opens the next draft draw for a job.
func (d *DrawService) CreateDraw(ctx context.Context, req CreateDrawRequest) (*models.Draw, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var draw models.Draw
	err = d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var numbers []int
		if err := tx.WithContext(ctx).Model(&models.Draw{}).Where("job_id = ?", req.JobId).Pluck("draw_number", &numbers).Error; err != nil {
			return err
		}
		next := 1
		for _, n := range numbers {
			if n >= next {
				next = n + 1
			}
		}
		draw = models.Draw{
			JobId:        req.JobId,
			DrawNumber:   next,
			Status:       models.DrawStatusDraft,
			TotalAmount:  decimal.Zero,
			FundedAmount: decimal.Zero,
			CreatedBy:    actor.Id,
		}
		if err := tx.WithContext(ctx).Create(&draw).Error; err != nil {
			return err
		}
		return models.SaveHistory(tx, models.HistoryActionCreate, entityTypeDraw, draw.ID, nil, draw,
			fmt.Sprintf("draw %d opened for job %d", draw.DrawNumber, draw.JobId))
	})
	if err != nil {
		return nil, err
	}
	return &draw, nil
}

func (d *DrawService) GetDraw(ctx context.Context, id int) (*DrawDetail, error) {
	draw, err := loadDraw(d.DB, ctx, id)
	if err != nil {
		return nil, err
	}
	invoices, err := models.GetDrawInvoices(d.DB, ctx, id)
	if err != nil {
		return nil, err
	}
	return &DrawDetail{Draw: draw, Invoices: invoices}, nil
}

// SubmitDraw sends a draft draw with at least one invoice to the lender.
func (d *DrawService) SubmitDraw(ctx context.Context, id int) (*models.Draw, error) {
	if _, err := ActorFromContext(ctx); err != nil {
		return nil, err
	}
	var draw *models.Draw
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		draw, err = loadDraw(tx, ctx, id)
		if err != nil {
			return err
		}
		if draw.Status != models.DrawStatusDraft {
			return NewValidationError("status", fmt.Sprintf("draw is %s, only draft draws can be submitted", draw.Status))
		}
		total, err := models.RecomputeDrawTotal(tx, ctx, id)
		if err != nil {
			return err
		}
		invoices, err := models.GetDrawInvoices(tx, ctx, id)
		if err != nil {
			return err
		}
		if len(invoices) == 0 {
			return NewValidationError("invoices", "a draw needs at least one invoice before it is submitted")
		}
		now := d.Now()
		if err := tx.WithContext(ctx).Model(&models.Draw{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       models.DrawStatusSubmitted,
			"submitted_at": now,
		}).Error; err != nil {
			return err
		}
		draw.Status = models.DrawStatusSubmitted
		draw.SubmittedAt = &now
		draw.TotalAmount = total
		if err := models.SaveHistory(tx, models.HistoryActionTransition, entityTypeDraw, id,
			map[string]interface{}{"status": models.DrawStatusDraft}, map[string]interface{}{"status": draw.Status},
			fmt.Sprintf("draw submitted with %d invoices totalling %s", len(invoices), total.StringFixed(2))); err != nil {
			return err
		}
		return models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventDrawSubmitted, entityTypeDraw, id, map[string]interface{}{
			"draw_id":       id,
			"job_id":        draw.JobId,
			"draw_number":   draw.DrawNumber,
			"total_amount":  total.StringFixed(2),
			"invoice_count": len(invoices),
		})
	})
	if err != nil {
		return nil, err
	}
	return draw, nil
}

// RecordDrawFunding adds a lender payment to the draw. The status follows
// the cumulative funded amount: funded within 0.01 of the total, partially
// funded below it, overfunded above it.
func (d *DrawService) RecordDrawFunding(ctx context.Context, id int, req FundingRequest) (*models.Draw, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := ActorFromContext(ctx); err != nil {
		return nil, err
	}
	var draw *models.Draw
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		draw, err = loadDraw(tx, ctx, id)
		if err != nil {
			return err
		}
		if draw.Status == models.DrawStatusDraft {
			return NewValidationError("status", "draw must be submitted before funding is recorded")
		}
		funded := draw.FundedAmount.Add(req.Amount)
		if funded.IsNegative() {
			return NewValidationError("amount", fmt.Sprintf("funding would drop below zero (funded %s)", draw.FundedAmount.StringFixed(2)))
		}
		from := draw.Status
		status := models.FundingStatusFor(draw.TotalAmount, funded)
		fields := map[string]interface{}{
			"funded_amount": funded,
			"status":        status,
		}
		if status.AllowsPayment() && draw.FundedAt == nil {
			now := d.Now()
			fields["funded_at"] = now
			draw.FundedAt = &now
		}
		if err := tx.WithContext(ctx).Model(&models.Draw{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return err
		}
		draw.FundedAmount = funded
		draw.Status = status

		if status == models.DrawStatusOverfunded {
			d.Logger.WithFields(logrus.Fields{
				"field":   "DrawService",
				"draw_id": id,
				"total":   draw.TotalAmount.StringFixed(2),
				"funded":  funded.StringFixed(2),
				"excess":  funded.Sub(draw.TotalAmount).StringFixed(2),
			}).Warn("draw overfunded")
		}
		desc := fmt.Sprintf("funding of %s recorded, %s of %s funded", req.Amount.StringFixed(2), funded.StringFixed(2), draw.TotalAmount.StringFixed(2))
		if err := models.SaveHistory(tx, models.HistoryActionUpdate, entityTypeDraw, id,
			map[string]interface{}{"status": from}, map[string]interface{}{"status": status, "funded_amount": funded}, desc); err != nil {
			return err
		}
		return models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventDrawFunded, entityTypeDraw, id, map[string]interface{}{
			"draw_id":       id,
			"status":        status,
			"funded_amount": funded.StringFixed(2),
			"total_amount":  draw.TotalAmount.StringFixed(2),
			"balanced":      ledger.WithinTolerance(funded, draw.TotalAmount),
		})
	})
	if err != nil {
		return nil, err
	}
	return draw, nil
}
