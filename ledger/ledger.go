// Package ledger holds the pure money rules shared by the invoice workflow:
// signed amounts, the 0.01 tolerance band and allocation polarity.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tolerance is the absolute slack allowed when comparing allocation sums and
// capacity limits.
var Tolerance = decimal.NewFromFloat(0.01)

type Polarity int

const (
	PolarityStandard Polarity = iota
	PolarityCredit
)

func (p Polarity) String() string {
	if p == PolarityCredit {
		return "credit"
	}
	return "standard"
}

// PolarityOf treats zero as standard.
func PolarityOf(amount decimal.Decimal) Polarity {
	if amount.IsNegative() {
		return PolarityCredit
	}
	return PolarityStandard
}

type BalanceStatus string

const (
	BalanceStatusBalanced BalanceStatus = "balanced"
	BalanceStatusPartial  BalanceStatus = "partial"
	BalanceStatusOver     BalanceStatus = "over_allocated"
	BalanceStatusEmpty    BalanceStatus = "unallocated"
)

// Violation codes reported by CheckBalance.
const (
	CodeNoAllocations   = "no_allocations"
	CodeZeroAmount      = "zero_amount"
	CodeMissingCostCode = "missing_cost_code"
	CodeMixedSigns      = "mixed_signs"
	CodePolarity        = "polarity_mismatch"
	CodeOverAllocated   = "over_allocated"
	CodePoCoExclusive   = "po_co_exclusive"
)

type Violation struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("%s (%s): %s", v.Code, v.Field, v.Message)
}

// Line is the ledger view of one allocation row.
type Line struct {
	Amount        decimal.Decimal
	CostCodeId    int
	PoId          *int
	ChangeOrderId *int
}

type BalanceReport struct {
	InvoiceAmount decimal.Decimal
	Allocated     decimal.Decimal
	Unallocated   decimal.Decimal
	Status        BalanceStatus
	Violations    []Violation
}

func (r BalanceReport) OK() bool {
	return len(r.Violations) == 0
}

func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

func SumLines(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// WithinTolerance reports |a-b| <= Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// ClampNonNegative returns max(0, d).
func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// CheckLines validates each line on its own: non-zero amount, cost code
// present, polarity matching the invoice, no PO and CO together, and no
// mixed signs across the set.
func CheckLines(invoiceAmount decimal.Decimal, lines []Line) []Violation {
	var out []Violation
	polarity := PolarityOf(invoiceAmount)
	var pos, neg int
	for i, l := range lines {
		field := fmt.Sprintf("allocations[%d]", i)
		if l.Amount.IsZero() {
			out = append(out, Violation{Code: CodeZeroAmount, Field: field + ".amount", Message: "allocation amount must be non-zero"})
			continue
		}
		if l.CostCodeId <= 0 {
			out = append(out, Violation{Code: CodeMissingCostCode, Field: field + ".cost_code_id", Message: "cost code is required"})
		}
		if l.PoId != nil && l.ChangeOrderId != nil {
			out = append(out, Violation{Code: CodePoCoExclusive, Field: field, Message: "an allocation cannot reference both a purchase order and a change order"})
		}
		if l.Amount.IsPositive() {
			pos++
			if polarity == PolarityCredit {
				out = append(out, Violation{Code: CodePolarity, Field: field + ".amount", Message: "credit invoice allocations must be negative"})
			}
		} else {
			neg++
			if polarity == PolarityStandard {
				out = append(out, Violation{Code: CodePolarity, Field: field + ".amount", Message: "standard invoice allocations must be positive"})
			}
		}
	}
	if pos > 0 && neg > 0 {
		out = append(out, Violation{Code: CodeMixedSigns, Field: "allocations", Message: "allocations mix positive and negative amounts"})
	}
	return out
}

// CheckBalance applies the allocation balance rule. Under-allocation is
// reported as partial, never as a violation. requireAny makes an empty set a
// violation, which is what approval needs.
func CheckBalance(invoiceAmount decimal.Decimal, lines []Line, requireAny bool) BalanceReport {
	allocated := SumLines(lines)
	report := BalanceReport{
		InvoiceAmount: invoiceAmount,
		Allocated:     allocated,
		Unallocated:   invoiceAmount.Sub(allocated),
	}
	if len(lines) == 0 {
		report.Status = BalanceStatusEmpty
		if requireAny {
			report.Violations = append(report.Violations, Violation{Code: CodeNoAllocations, Field: "allocations", Message: "at least one allocation is required"})
		}
		return report
	}

	report.Violations = append(report.Violations, CheckLines(invoiceAmount, lines)...)

	over := false
	if PolarityOf(invoiceAmount) == PolarityCredit {
		// credit: sum must not go below the (negative) invoice amount
		over = allocated.LessThan(invoiceAmount.Sub(Tolerance))
	} else {
		over = allocated.GreaterThan(invoiceAmount.Add(Tolerance))
	}

	switch {
	case over:
		report.Status = BalanceStatusOver
		report.Violations = append(report.Violations, Violation{
			Code:    CodeOverAllocated,
			Field:   "allocations",
			Message: fmt.Sprintf("allocations total %s exceeds invoice amount %s", allocated.StringFixed(2), invoiceAmount.StringFixed(2)),
		})
	case WithinTolerance(allocated, invoiceAmount):
		report.Status = BalanceStatusBalanced
	default:
		report.Status = BalanceStatusPartial
	}
	return report
}

// CapacityCheck compares billed+incoming against a capacity limit.
type CapacityCheck struct {
	Total     decimal.Decimal
	Billed    decimal.Decimal
	Incoming  decimal.Decimal
	Remaining decimal.Decimal
	Overage   decimal.Decimal
	Exceeded  bool
}

func CheckCapacity(total, billed, incoming decimal.Decimal) CapacityCheck {
	c := CapacityCheck{
		Total:     total,
		Billed:    billed,
		Incoming:  incoming,
		Remaining: total.Sub(billed),
	}
	projected := billed.Add(incoming)
	if projected.GreaterThan(total.Add(Tolerance)) {
		c.Exceeded = true
		c.Overage = projected.Sub(total)
	}
	return c
}

// WithinPercent reports |a-b| <= pct% of |a|.
func WithinPercent(a, b decimal.Decimal, pct int64) bool {
	limit := a.Abs().Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100))
	return a.Sub(b).Abs().LessThanOrEqual(limit)
}
