package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/invoices_backend/models"
)

// InvoiceFilter narrows ListInvoices. Zero values do not filter.
type InvoiceFilter struct {
	Status   string  `form:"status"`
	VendorId int     `form:"vendor_id"`
	JobId    int     `form:"job_id"`
	PoId     int     `form:"po_id"`
	Limit    int     `form:"limit"`
	After    *string `form:"after"`
}

type InvoicePage struct {
	Edges    []models.Edge[models.Invoice] `json:"edges"`
	PageInfo *models.PageInfo              `json:"pageInfo"`
}

// ListInvoices pages live invoices newest first. Split children are listed
// like any other invoice; the parent stays listed with status split.
func (s *InvoiceService) ListInvoices(ctx context.Context, f InvoiceFilter) (*InvoicePage, error) {
	q := s.DB.WithContext(ctx).Model(&models.Invoice{})
	if f.Status != "" {
		st, ok := models.ParseInvoiceStatus(f.Status)
		if !ok {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
		}
		q = q.Where("status = ?", st)
	}
	if f.VendorId > 0 {
		q = q.Where("vendor_id = ?", f.VendorId)
	}
	if f.JobId > 0 {
		q = q.Where("job_id = ?", f.JobId)
	}
	if f.PoId > 0 {
		q = q.Where("po_id = ?", f.PoId)
	}
	edges, info, err := models.FetchPage[models.Invoice](q, f.Limit, f.After)
	if errors.Is(err, models.ErrInvalidCursor) {
		return nil, NewValidationError("after", err.Error())
	}
	if err != nil {
		return nil, err
	}
	return &InvoicePage{Edges: edges, PageInfo: info}, nil
}

type DrawPage struct {
	Edges    []models.Edge[models.Draw] `json:"edges"`
	PageInfo *models.PageInfo           `json:"pageInfo"`
}

func (d *DrawService) ListDraws(ctx context.Context, jobId int, limit int, after *string) (*DrawPage, error) {
	q := d.DB.WithContext(ctx).Model(&models.Draw{})
	if jobId > 0 {
		q = q.Where("job_id = ?", jobId)
	}
	edges, info, err := models.FetchPage[models.Draw](q, limit, after)
	if errors.Is(err, models.ErrInvalidCursor) {
		return nil, NewValidationError("after", err.Error())
	}
	if err != nil {
		return nil, err
	}
	return &DrawPage{Edges: edges, PageInfo: info}, nil
}
