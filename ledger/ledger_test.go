package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(v int) *int { return &v }

func hasCode(vs []Violation, code string) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestCheckBalance_StandardExact(t *testing.T) {
	r := CheckBalance(d("1000"), []Line{
		{Amount: d("600"), CostCodeId: 1},
		{Amount: d("400"), CostCodeId: 2},
	}, true)
	require.True(t, r.OK(), "%v", r.Violations)
	assert.Equal(t, BalanceStatusBalanced, r.Status)
	assert.True(t, r.Unallocated.IsZero())
}

func TestCheckBalance_StandardWithinTolerance(t *testing.T) {
	r := CheckBalance(d("1000"), []Line{{Amount: d("1000.01"), CostCodeId: 1}}, true)
	require.True(t, r.OK())
	assert.Equal(t, BalanceStatusBalanced, r.Status)
}

func TestCheckBalance_StandardOverAllocated(t *testing.T) {
	r := CheckBalance(d("1000"), []Line{{Amount: d("1000.02"), CostCodeId: 1}}, true)
	require.False(t, r.OK())
	assert.Equal(t, BalanceStatusOver, r.Status)
	assert.True(t, hasCode(r.Violations, CodeOverAllocated))
}

func TestCheckBalance_UnderAllocatedIsPartial(t *testing.T) {
	r := CheckBalance(d("1000"), []Line{{Amount: d("600"), CostCodeId: 1}}, true)
	require.True(t, r.OK())
	assert.Equal(t, BalanceStatusPartial, r.Status)
	assert.True(t, r.Unallocated.Equal(d("400")))
}

func TestCheckBalance_Credit(t *testing.T) {
	ok := CheckBalance(d("-500"), []Line{{Amount: d("-300"), CostCodeId: 1}, {Amount: d("-200"), CostCodeId: 1}}, true)
	require.True(t, ok.OK(), "%v", ok.Violations)
	assert.Equal(t, BalanceStatusBalanced, ok.Status)

	partial := CheckBalance(d("-500"), []Line{{Amount: d("-100"), CostCodeId: 1}}, true)
	require.True(t, partial.OK())
	assert.Equal(t, BalanceStatusPartial, partial.Status)

	over := CheckBalance(d("-500"), []Line{{Amount: d("-500.02"), CostCodeId: 1}}, true)
	assert.True(t, hasCode(over.Violations, CodeOverAllocated))

	positive := CheckBalance(d("-500"), []Line{{Amount: d("100"), CostCodeId: 1}}, true)
	assert.True(t, hasCode(positive.Violations, CodePolarity))
}

func TestCheckBalance_EmptySet(t *testing.T) {
	r := CheckBalance(d("100"), nil, true)
	assert.True(t, hasCode(r.Violations, CodeNoAllocations))

	r = CheckBalance(d("100"), nil, false)
	assert.True(t, r.OK())
	assert.Equal(t, BalanceStatusEmpty, r.Status)
}

func TestCheckLines_Rules(t *testing.T) {
	vs := CheckLines(d("100"), []Line{
		{Amount: decimal.Zero, CostCodeId: 1},
		{Amount: d("10"), CostCodeId: 0},
		{Amount: d("-5"), CostCodeId: 1},
		{Amount: d("5"), CostCodeId: 1, PoId: intPtr(1), ChangeOrderId: intPtr(2)},
	})
	assert.True(t, hasCode(vs, CodeZeroAmount))
	assert.True(t, hasCode(vs, CodeMissingCostCode))
	assert.True(t, hasCode(vs, CodeMixedSigns))
	assert.True(t, hasCode(vs, CodePolarity))
	assert.True(t, hasCode(vs, CodePoCoExclusive))
}

func TestCheckCapacity(t *testing.T) {
	c := CheckCapacity(d("10000"), d("8000"), d("3000"))
	require.True(t, c.Exceeded)
	assert.True(t, c.Remaining.Equal(d("2000")))
	assert.True(t, c.Overage.Equal(d("1000")))

	c = CheckCapacity(d("10000"), d("8000"), d("2000.01"))
	assert.False(t, c.Exceeded)

	// credits reduce the projected total
	c = CheckCapacity(d("10000"), d("10000"), d("-500"))
	assert.False(t, c.Exceeded)
}

func TestClampAndPercent(t *testing.T) {
	assert.True(t, ClampNonNegative(d("-3")).IsZero())
	assert.True(t, ClampNonNegative(d("3")).Equal(d("3")))
	assert.True(t, WithinPercent(d("1000"), d("1009.99"), 1))
	assert.False(t, WithinPercent(d("1000"), d("1010.01"), 1))
	assert.Equal(t, PolarityCredit, PolarityOf(d("-1")))
	assert.Equal(t, PolarityStandard, PolarityOf(decimal.Zero))
}
