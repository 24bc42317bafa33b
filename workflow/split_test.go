package workflow

import (
	"testing"

	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitInTwo(first, second string) SplitRequest {
	return SplitRequest{Groups: []SplitGroup{
		{Amount: dec(first), Notes: "framing"},
		{JobId: utils.NewPtr(3), Amount: dec(second), Notes: "roofing"},
	}}
}

func TestSplitCreatesChildrenInNeedsReview(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-500", "1000", onJob(1, 2))

	res, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("600", "400"))
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStatusSplit, res.Parent.Status)
	assert.True(t, res.Parent.IsSplitParent)
	require.Len(t, res.Children, 2)
	assert.Equal(t, "INV-500-1", res.Children[0].InvoiceNumber)
	assert.Equal(t, "INV-500-2", res.Children[1].InvoiceNumber)
	for _, c := range res.Children {
		assert.Equal(t, models.InvoiceStatusNeedsReview, c.Status)
		assert.Equal(t, parent.VendorId, c.VendorId)
		require.NotNil(t, c.ParentInvoiceId)
		assert.Equal(t, parent.ID, *c.ParentInvoiceId)
	}
	assert.Equal(t, 1, *res.Children[0].JobId)
	assert.Equal(t, 3, *res.Children[1].JobId)
}

func TestSplitGroupsMustSumToParent(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-501", "1000", onJob(1, 2))

	_, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("600", "300"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "groups")

	_, err = f.svc.Split(f.ctx, parent.ID, splitInTwo("600", "399.995"))
	require.NoError(t, err)
}

func TestSplitNeedsTwoGroups(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-502", "1000", onJob(1, 2))
	_, err := f.svc.Split(f.ctx, parent.ID, SplitRequest{Groups: []SplitGroup{{Amount: dec("1000")}}})
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestSplitRejectsCommittedAndParticipants(t *testing.T) {
	f := newFixture(t)
	approved := f.createInvoice("INV-503", "1000", onJob(1, 2))
	f.approve(approved.ID, alloc(1, "1000"))

	_, err := f.svc.Split(f.ctx, approved.ID, splitInTwo("500", "500"))
	require.ErrorIs(t, err, ErrInvalidTransition)

	parent := f.createInvoice("INV-504", "1000", onJob(1, 2))
	res, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("500", "500"))
	require.NoError(t, err)

	_, err = f.svc.Split(f.ctx, res.Children[0].ID, splitInTwo("250", "250"))
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestSplitParentCannotBeAllocated(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-505", "1000", onJob(1, 2))
	_, err := f.svc.Allocate(f.ctx, parent.ID, AllocateRequest{Allocations: []AllocationInput{alloc(1, "1000")}})
	require.NoError(t, err)

	_, err = f.svc.Split(f.ctx, parent.ID, splitInTwo("500", "500"))
	require.NoError(t, err)
	assert.Empty(t, f.invoice(parent.ID).Allocations)

	_, err = f.svc.Allocate(f.ctx, parent.ID, AllocateRequest{Allocations: []AllocationInput{alloc(1, "1000")}})
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestUnsplitRemovesChildren(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-506", "1000", onJob(1, 2))
	res, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("700", "300"))
	require.NoError(t, err)

	out, err := f.svc.Unsplit(f.ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.DeletedChildCount)
	assert.Equal(t, models.InvoiceStatusNeedsReview, out.Parent.Status)
	assert.False(t, out.Parent.IsSplitParent)
	for _, c := range res.Children {
		assert.True(t, f.invoice(c.ID).IsDeleted())
	}

	_, err = f.svc.Unsplit(f.ctx, parent.ID)
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestUnsplitRefusedOnceChildCommitted(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-507", "1000", onJob(1, 2))
	res, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("700", "300"))
	require.NoError(t, err)
	f.approve(res.Children[0].ID, alloc(1, "700"))

	_, err = f.svc.Unsplit(f.ctx, parent.ID)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.HasCode(CodeChildCommitted))
	assert.Equal(t, models.InvoiceStatusSplit, f.invoice(parent.ID).Status)
}

func TestUndoSplit(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-508", "1000", onJob(1, 2))
	_, err := f.svc.Allocate(f.ctx, parent.ID, AllocateRequest{Allocations: []AllocationInput{alloc(4, "1000")}})
	require.NoError(t, err)
	res, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("500", "500"))
	require.NoError(t, err)

	restored, err := f.svc.Undo(f.ctx, models.EntityTypeInvoice, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusNeedsReview, restored.Status)
	assert.False(t, restored.IsSplitParent)
	require.Len(t, restored.Allocations, 1)
	assert.Equal(t, 4, restored.Allocations[0].CostCodeId)
	for _, c := range res.Children {
		assert.True(t, f.invoice(c.ID).IsDeleted())
	}
}

func TestDeletingEveryChildDissolvesSplit(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("INV-509", "1000", onJob(1, 2))
	res, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("500", "500"))
	require.NoError(t, err)

	for _, c := range res.Children {
		_, err := f.move(c.ID, models.InvoiceStatusDeleted, TransitionRequest{})
		require.NoError(t, err)
	}

	stored := f.invoice(parent.ID)
	assert.Equal(t, models.InvoiceStatusNeedsReview, stored.Status)
	assert.False(t, stored.IsSplitParent)
}
