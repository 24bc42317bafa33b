package workflow

import (
	"testing"

	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invoiceNumbers(page *InvoicePage) []string {
	out := make([]string, 0, len(page.Edges))
	for _, e := range page.Edges {
		out = append(out, e.Node.InvoiceNumber)
	}
	return out
}

func TestListInvoicesFilters(t *testing.T) {
	f := newFixture(t)
	a := f.createInvoice("L-1", "100", onJob(1, 2))
	f.createInvoice("L-2", "200", onJob(1, 3))
	f.createInvoice("L-3", "300", onJob(2, 2))
	po := f.seedPo(2, 2, "1000")
	f.createInvoice("L-4", "400", onJob(2, 2), onPo(po.ID))
	_, err := f.move(a.ID, models.InvoiceStatusReadyForApproval, TransitionRequest{})
	require.NoError(t, err)

	page, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"L-4", "L-3", "L-2", "L-1"}, invoiceNumbers(page))

	page, err = f.svc.ListInvoices(f.ctx, InvoiceFilter{VendorId: 2, JobId: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"L-4", "L-3"}, invoiceNumbers(page))

	page, err = f.svc.ListInvoices(f.ctx, InvoiceFilter{PoId: po.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"L-4"}, invoiceNumbers(page))

	page, err = f.svc.ListInvoices(f.ctx, InvoiceFilter{Status: "ready_for_approval"})
	require.NoError(t, err)
	assert.Equal(t, []string{"L-1"}, invoiceNumbers(page))
}

func TestListInvoicesHidesDeleted(t *testing.T) {
	f := newFixture(t)
	gone := f.createInvoice("L-5", "100", onJob(1, 2))
	f.createInvoice("L-6", "100", onJob(1, 3))
	_, err := f.move(gone.ID, models.InvoiceStatusDeleted, TransitionRequest{})
	require.NoError(t, err)

	page, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"L-6"}, invoiceNumbers(page))
}

func TestListInvoicesPagesByCursor(t *testing.T) {
	f := newFixture(t)
	for _, n := range []string{"P-1", "P-2", "P-3", "P-4", "P-5"} {
		f.createInvoice(n, "10", onJob(1, 2))
	}

	first, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"P-5", "P-4"}, invoiceNumbers(first))
	assert.True(t, first.PageInfo.HasNextPage)

	second, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{Limit: 2, After: &first.PageInfo.EndCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"P-3", "P-2"}, invoiceNumbers(second))

	last, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{Limit: 2, After: &second.PageInfo.EndCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1"}, invoiceNumbers(last))
	assert.False(t, last.PageInfo.HasNextPage)
}

func TestListInvoicesRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{After: utils.NewPtr("not a cursor!")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "after")

	_, err = f.svc.ListInvoices(f.ctx, InvoiceFilter{Status: "archived"})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "status")
}

func TestListInvoicesAcceptsLegacyStatus(t *testing.T) {
	f := newFixture(t)
	f.createInvoice("L-7", "10", onJob(1, 2))

	page, err := f.svc.ListInvoices(f.ctx, InvoiceFilter{Status: "received"})
	require.NoError(t, err)
	assert.Equal(t, []string{"L-7"}, invoiceNumbers(page))
}

func TestListDrawsByJob(t *testing.T) {
	f := newFixture(t)
	for _, job := range []int{1, 2, 1} {
		_, err := f.draws.CreateDraw(f.ctx, CreateDrawRequest{JobId: job})
		require.NoError(t, err)
	}

	page, err := f.draws.ListDraws(f.ctx, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, page.Edges, 2)
	assert.Equal(t, 2, page.Edges[0].Node.DrawNumber)
	assert.Equal(t, 1, page.Edges[1].Node.DrawNumber)

	all, err := f.draws.ListDraws(f.ctx, 0, 1, nil)
	require.NoError(t, err)
	require.Len(t, all.Edges, 1)
	assert.True(t, all.PageInfo.HasNextPage)
	assert.Equal(t, 1, all.Edges[0].Node.JobId)
	assert.Equal(t, 2, all.Edges[0].Node.DrawNumber)

	next, err := f.draws.ListDraws(f.ctx, 0, 1, &all.PageInfo.EndCursor)
	require.NoError(t, err)
	require.Len(t, next.Edges, 1)
	assert.Equal(t, 2, next.Edges[0].Node.JobId)
	assert.Equal(t, 1, next.Edges[0].Node.DrawNumber)
}
