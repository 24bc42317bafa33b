package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/invoices_backend/models"
	"gorm.io/gorm"
)

// MarkPaidToVendor records that the vendor received the money for a paid
// invoice. It can be recorded once.
func (s *InvoiceService) MarkPaidToVendor(ctx context.Context, id int, info PaymentInfo) (*models.Invoice, error) {
	if err := validateRequest(info); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "MarkPaidToVendor", id)
	var err error
	defer func() { endSpan(span, err) }()

	actor, err := ActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := loadInvoice(tx, ctx, id)
		if err != nil {
			return err
		}
		if err := checkExpectedVersion(inv, info.ExpectedVersion); err != nil {
			return err
		}
		if inv.Status != models.InvoiceStatusPaid {
			return NewValidationError("status", fmt.Sprintf("invoice is %s; only paid invoices can be marked paid to vendor", inv.Status))
		}
		if inv.PaidToVendor {
			return NewValidationError("paid_to_vendor", "invoice is already marked paid to vendor")
		}
		if err := s.Locks.assertEditable(tx, ctx, models.EntityTypeInvoice, id, actor); err != nil {
			return err
		}
		paidAt := s.now()
		if info.PaidAt != nil {
			paidAt = info.PaidAt.UTC()
		}
		if err := saveInvoice(tx, ctx, inv, map[string]interface{}{
			"paid_to_vendor":     true,
			"paid_to_vendor_at":  paidAt,
			"paid_to_vendor_by":  actor.Id,
			"paid_to_vendor_ref": info.Reference,
		}); err != nil {
			return err
		}
		inv.PaidToVendor = true
		if err := models.SaveHistory(tx, models.HistoryActionUpdate, models.EntityTypeInvoice, id, nil,
			map[string]interface{}{"paid_to_vendor": true, "reference": info.Reference}, "marked paid to vendor"); err != nil {
			return err
		}
		if err := models.EnqueueOutbox(tx, ctx, models.OutboxKindNotification, models.EventInvoicePaidToVendor, models.EntityTypeInvoice, id,
			invoiceEventPayload(inv, "", map[string]interface{}{"reference": info.Reference})); err != nil {
			return err
		}
		return models.EnqueueOutbox(tx, ctx, models.OutboxKindStamp, models.EventInvoiceStamp, models.EntityTypeInvoice, id, map[string]interface{}{"paid_to_vendor": true})
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, id), nil
}
