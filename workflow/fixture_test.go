package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/internal/testdb"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	t      *testing.T
	db     *gorm.DB
	logger *logrus.Logger
	svc    *InvoiceService
	draws  *DrawService
	ctx    context.Context
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		t:      t,
		db:     testdb.Open(t),
		logger: logger,
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.svc = NewInvoiceService(f.db, logger, config.DefaultEngineSettings())
	f.svc.SetClock(clock)
	f.draws = NewDrawService(f.db, logger)
	f.draws.Now = clock
	f.ctx = utils.WithActor(context.Background(), 7, "casey")
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) as(id int, name string) context.Context {
	return utils.WithActor(context.Background(), id, name)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

type invoiceOpt func(*NewInvoice)

func onJob(job, vendor int) invoiceOpt {
	return func(in *NewInvoice) {
		in.JobId = utils.NewPtr(job)
		in.VendorId = utils.NewPtr(vendor)
	}
}

func onPo(po int) invoiceOpt {
	return func(in *NewInvoice) { in.PoId = utils.NewPtr(po) }
}

func dated(d time.Time) invoiceOpt {
	return func(in *NewInvoice) { in.InvoiceDate = &d }
}

func (f *fixture) createInvoice(number, amount string, opts ...invoiceOpt) *models.Invoice {
	f.t.Helper()
	in := NewInvoice{InvoiceNumber: number, Amount: dec(amount)}
	for _, o := range opts {
		o(&in)
	}
	res, err := f.svc.CreateInvoice(f.ctx, in)
	require.NoError(f.t, err)
	return res.Invoice
}

func (f *fixture) seedPo(job, vendor int, total string) *models.PurchaseOrder {
	f.t.Helper()
	po := models.PurchaseOrder{JobId: job, VendorId: vendor, PoNumber: "PO-1", TotalAmount: dec(total), Status: models.PurchaseOrderStatusOpen}
	require.NoError(f.t, f.db.Create(&po).Error)
	return &po
}

func (f *fixture) seedBudget(job, costCode int, budget string) *models.BudgetLine {
	f.t.Helper()
	bl := models.BudgetLine{JobId: job, CostCodeId: costCode, BudgetAmount: dec(budget), InvoicedAmount: decimal.Zero}
	require.NoError(f.t, f.db.Create(&bl).Error)
	return &bl
}

func (f *fixture) seedChangeOrder(job int, amount string) *models.ChangeOrder {
	f.t.Helper()
	co := models.ChangeOrder{JobId: job, Number: "CO-1", Amount: dec(amount), InvoicedAmount: decimal.Zero}
	require.NoError(f.t, f.db.Create(&co).Error)
	return &co
}

func alloc(costCode int, amount string) AllocationInput {
	return AllocationInput{CostCodeId: costCode, Amount: dec(amount)}
}

func (f *fixture) move(id int, target models.InvoiceStatus, req TransitionRequest) (*TransitionResult, error) {
	req.Target = string(target)
	return f.svc.Transition(f.ctx, id, req)
}

// approve walks an invoice from needs_review to approved with allocs.
func (f *fixture) approve(id int, allocs ...AllocationInput) *TransitionResult {
	f.t.Helper()
	_, err := f.move(id, models.InvoiceStatusReadyForApproval, TransitionRequest{})
	require.NoError(f.t, err)
	res, err := f.move(id, models.InvoiceStatusApproved, TransitionRequest{Allocations: allocs})
	require.NoError(f.t, err)
	return res
}

// fundedDraw puts an approved invoice into a new draw and funds it in full.
func (f *fixture) fundedDraw(job int, invoiceId int) *models.Draw {
	f.t.Helper()
	draw, err := f.draws.CreateDraw(f.ctx, CreateDrawRequest{JobId: job})
	require.NoError(f.t, err)
	_, err = f.move(invoiceId, models.InvoiceStatusInDraw, TransitionRequest{DrawId: &draw.ID})
	require.NoError(f.t, err)
	submitted, err := f.draws.SubmitDraw(f.ctx, draw.ID)
	require.NoError(f.t, err)
	funded, err := f.draws.RecordDrawFunding(f.ctx, draw.ID, FundingRequest{Amount: submitted.TotalAmount})
	require.NoError(f.t, err)
	return funded
}

func (f *fixture) invoice(id int) *models.Invoice {
	f.t.Helper()
	var inv models.Invoice
	require.NoError(f.t, f.db.Unscoped().Preload("Allocations").First(&inv, id).Error)
	return &inv
}

func (f *fixture) outboxEvents(refType string, refId int) []string {
	f.t.Helper()
	var names []string
	require.NoError(f.t, f.db.Model(&models.OutboxMessage{}).
		Where("reference_type = ? AND reference_id = ?", refType, refId).
		Order("id ASC").Pluck("event_name", &names).Error)
	return names
}
