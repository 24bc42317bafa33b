package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInvoiceNumber(t *testing.T) {
	cases := map[string]string{
		"INV-001":         "001",
		"inv 001":         "001",
		"Invoice #001":    "001",
		"Invoice No. 5":   "5",
		"no-42":           "42",
		"NOVA-7":          "va7",
		"INV-A12":         "a12",
		"invoice":         "invoice",
		"  A/B 12 ":       "ab12",
		"Inventory-2024":  "entory2024",
		"INVOICE-INV-9":   "9",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeInvoiceNumber(in), in)
	}
}

func (f *fixture) checkDuplicates(q DuplicateQuery) *DuplicateResult {
	f.t.Helper()
	res, err := f.svc.Duplicates.Check(f.db, f.ctx, q)
	require.NoError(f.t, err)
	return res
}

func TestDuplicateRulesRankByConfidence(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	existing := f.createInvoice("A-1001", "1000", onJob(1, 5), dated(day))

	cases := []struct {
		name   string
		q      DuplicateQuery
		reason string
	}{
		{"same vendor and number", DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "a 1001", Amount: dec("1")}, MatchVendorNumber},
		{"amount within 1% same day", DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "ZZ", Amount: dec("1009"), InvoiceDate: &day}, MatchAmountDate},
		{"number contained and amount", DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "A-10011", Amount: dec("995")}, MatchFuzzyNumberAmount},
		{"same job number other vendor", DuplicateQuery{VendorId: utils.NewPtr(6), JobId: utils.NewPtr(1), InvoiceNumber: "A1001", Amount: dec("3")}, MatchNumberOtherVendor},
		{"amount only", DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "QQ", Amount: dec("1000")}, MatchAmountOnly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.checkDuplicates(tc.q)
			best := res.Best()
			require.NotNil(t, best)
			assert.Equal(t, existing.ID, best.InvoiceId)
			assert.Equal(t, tc.reason, best.Reason)
			assert.Equal(t, matchConfidence[tc.reason], best.Confidence)
		})
	}
}

func TestDuplicateVerdictThresholds(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	f.createInvoice("B-1", "500", onJob(1, 5), dated(day))

	block := f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "B-1", Amount: dec("500")})
	assert.True(t, block.IsDuplicate)
	assert.False(t, block.IsLikelyDuplicate)

	likely := f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "C-9", Amount: dec("500"), InvoiceDate: &day})
	assert.False(t, likely.IsDuplicate)
	assert.True(t, likely.IsLikelyDuplicate)

	weak := f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "C-9", Amount: dec("500")})
	assert.False(t, weak.IsDuplicate)
	assert.False(t, weak.IsLikelyDuplicate)
	require.Len(t, weak.Matches, 1)

	clear := f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(8), InvoiceNumber: "B-1", Amount: dec("500")})
	assert.Empty(t, clear.Matches)
}

func TestContentHashMatchIsCertain(t *testing.T) {
	f := newFixture(t)
	hash := utils.ContentHash([]byte("%PDF-1.4 scanned"))
	res, err := f.svc.CreateInvoice(f.ctx, NewInvoice{InvoiceNumber: "H-1", Amount: dec("10"), ContentHash: hash})
	require.NoError(t, err)

	dup := f.checkDuplicates(DuplicateQuery{InvoiceNumber: "other", Amount: dec("999"), ContentHash: hash})
	best := dup.Best()
	require.NotNil(t, best)
	assert.Equal(t, res.Invoice.ID, best.InvoiceId)
	assert.Equal(t, MatchContentHash, best.Reason)
	assert.Equal(t, 1.0, best.Confidence)
}

func TestSplitParentsAndExcludedInvoiceNeverMatch(t *testing.T) {
	f := newFixture(t)
	parent := f.createInvoice("S-1", "1000", onJob(1, 5))
	_, err := f.svc.Split(f.ctx, parent.ID, splitInTwo("600", "400"))
	require.NoError(t, err)

	res := f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(5), InvoiceNumber: "S-1", Amount: dec("1000")})
	for _, m := range res.Matches {
		assert.NotEqual(t, parent.ID, m.InvoiceId)
		assert.NotEqual(t, models.InvoiceStatusSplit, m.Status)
	}

	solo := f.createInvoice("T-1", "50", onJob(1, 6))
	res = f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(6), InvoiceNumber: "T-1", Amount: dec("50"), ExcludeInvoiceId: solo.ID})
	assert.Empty(t, res.Matches)
}

func TestDeletedInvoicesDoNotMatch(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice("D-1", "50", onJob(1, 6))
	_, err := f.move(inv.ID, models.InvoiceStatusDeleted, TransitionRequest{})
	require.NoError(t, err)

	res := f.checkDuplicates(DuplicateQuery{VendorId: utils.NewPtr(6), InvoiceNumber: "D-1", Amount: dec("50")})
	assert.Empty(t, res.Matches)
}
