package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInvoiceStatus(t *testing.T) {
	cases := []struct {
		in   string
		want InvoiceStatus
		ok   bool
	}{
		{"approved", InvoiceStatusApproved, true},
		{" In_Draw ", InvoiceStatusInDraw, true},
		{"received", InvoiceStatusNeedsReview, true},
		{"NEEDS_APPROVAL", InvoiceStatusReadyForApproval, true},
		{"deleted", InvoiceStatusDeleted, true},
		{"archived", "archived", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseInvoiceStatus(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestCommittedStatuses(t *testing.T) {
	for _, s := range CommittedStatuses() {
		assert.True(t, InvoiceStatus(s).IsCommitted(), s)
	}
	for _, s := range []InvoiceStatus{InvoiceStatusNeedsReview, InvoiceStatusReadyForApproval, InvoiceStatusDenied, InvoiceStatusSplit} {
		assert.False(t, s.IsCommitted(), s)
	}
}

func TestInvoiceTypeFollowsSign(t *testing.T) {
	assert.Equal(t, InvoiceTypeCreditMemo, InvoiceTypeFor(decimal.NewFromInt(-5)))
	assert.Equal(t, InvoiceTypeStandard, InvoiceTypeFor(decimal.NewFromInt(5)))
}

func TestFundingStatusFor(t *testing.T) {
	total := decimal.RequireFromString("1000")
	assert.Equal(t, DrawStatusFunded, FundingStatusFor(total, decimal.RequireFromString("999.995")))
	assert.Equal(t, DrawStatusPartiallyFunded, FundingStatusFor(total, decimal.RequireFromString("400")))
	assert.Equal(t, DrawStatusOverfunded, FundingStatusFor(total, decimal.RequireFromString("1000.02")))

	assert.True(t, DrawStatusPartiallyFunded.IsFundedState())
	assert.False(t, DrawStatusPartiallyFunded.AllowsPayment())
	assert.True(t, DrawStatusOverfunded.AllowsPayment())
	assert.False(t, DrawStatusSubmitted.IsFundedState())
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor(42)
	id, err := DecodeCursor(&c)
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	id, err = DecodeCursor(nil)
	require.NoError(t, err)
	assert.Zero(t, id)

	for _, bad := range []string{"%%%", EncodeCursor(0), "bm90LWFuLWlk"} {
		_, err := DecodeCursor(&bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, DefaultPageSize, ClampPageSize(-3))
	assert.Equal(t, 10, ClampPageSize(10))
	assert.Equal(t, MaxPageSize, ClampPageSize(5000))
}

func TestBudgetLineOverBudget(t *testing.T) {
	bl := BudgetLine{BudgetAmount: decimal.NewFromInt(100), InvoicedAmount: decimal.NewFromInt(100)}
	assert.False(t, bl.IsOverBudget())
	bl.InvoicedAmount = decimal.RequireFromString("100.01")
	assert.True(t, bl.IsOverBudget())
}
