package workflow

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Match reasons, highest confidence first.
const (
	MatchContentHash          = "content_hash"
	MatchVendorNumber         = "vendor_number"
	MatchAmountDate           = "amount_and_date"
	MatchFuzzyNumberAmount    = "fuzzy_number_and_amount"
	MatchNumberOtherVendor    = "job_number_other_vendor"
	MatchAmountOnly           = "amount_only"
	duplicateAmountPercentage = 1
)

var matchConfidence = map[string]float64{
	MatchContentHash:       1.00,
	MatchVendorNumber:      0.99,
	MatchAmountDate:        0.85,
	MatchFuzzyNumberAmount: 0.80,
	MatchNumberOtherVendor: 0.70,
	MatchAmountOnly:        0.50,
}

type DuplicateQuery struct {
	VendorId         *int
	JobId            *int
	InvoiceNumber    string
	Amount           decimal.Decimal
	InvoiceDate      *time.Time
	ContentHash      string
	ExcludeInvoiceId int
}

type DuplicateMatch struct {
	InvoiceId     int                  `json:"invoice_id"`
	InvoiceNumber string               `json:"invoice_number"`
	VendorId      *int                 `json:"vendor_id"`
	Amount        decimal.Decimal      `json:"amount"`
	Status        models.InvoiceStatus `json:"status"`
	Confidence    float64              `json:"confidence"`
	Reason        string               `json:"reason"`
}

type DuplicateResult struct {
	Matches           []DuplicateMatch `json:"matches"`
	IsDuplicate       bool             `json:"is_duplicate"`
	IsLikelyDuplicate bool             `json:"is_likely_duplicate"`
}

// Best is the highest-confidence match or nil.
func (r *DuplicateResult) Best() *DuplicateMatch {
	if r == nil || len(r.Matches) == 0 {
		return nil
	}
	return &r.Matches[0]
}

func (r *DuplicateResult) asError() *DuplicateError {
	best := r.Best()
	if best == nil {
		return nil
	}
	return &DuplicateError{
		MatchedInvoiceId: best.InvoiceId,
		Confidence:       best.Confidence,
		Reason:           best.Reason,
		Matches:          r.Matches,
	}
}

type DuplicateDetector struct {
	BlockThreshold float64
	WarnThreshold  float64
}

func NewDuplicateDetector(block, warn float64) *DuplicateDetector {
	return &DuplicateDetector{BlockThreshold: block, WarnThreshold: warn}
}

// NormalizeInvoiceNumber lowercases, drops everything but letters and digits
// and strips leading invoice/inv/no prefixes. "INV-001", "inv 001" and
// "Invoice #001" all become "001".
func NormalizeInvoiceNumber(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	n := b.String()
	// "invoice no 5" needs two passes; a bare prefix is kept as the number
	for i := 0; i < 2; i++ {
		prefix := leadingPrefix(n)
		if prefix == "" || len(n) == len(prefix) {
			break
		}
		n = n[len(prefix):]
	}
	return n
}

func leadingPrefix(n string) string {
	for _, p := range []string{"invoice", "inv", "no"} {
		if strings.HasPrefix(n, p) {
			return p
		}
	}
	return ""
}

// Check scores every live invoice that could match q. Split containers and
// soft-deleted invoices never match.
func (d *DuplicateDetector) Check(tx *gorm.DB, ctx context.Context, q DuplicateQuery) (*DuplicateResult, error) {
	normalized := NormalizeInvoiceNumber(q.InvoiceNumber)

	var conds []string
	var args []interface{}
	if q.ContentHash != "" {
		conds = append(conds, "content_hash = ?")
		args = append(args, q.ContentHash)
	}
	if q.VendorId != nil {
		conds = append(conds, "vendor_id = ?")
		args = append(args, *q.VendorId)
	}
	if q.JobId != nil && normalized != "" {
		conds = append(conds, "(job_id = ? AND normalized_number = ?)")
		args = append(args, *q.JobId, normalized)
	}
	result := &DuplicateResult{}
	if len(conds) == 0 {
		metricDuplicateChecks.WithLabelValues("clear").Inc()
		return result, nil
	}

	var candidates []models.Invoice
	err := tx.WithContext(ctx).
		Where(strings.Join(conds, " OR "), args...).
		Where("status <> ?", models.InvoiceStatusSplit).
		Where("id <> ?", q.ExcludeInvoiceId).
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		reason := scoreCandidate(q, normalized, c)
		if reason == "" {
			continue
		}
		result.Matches = append(result.Matches, DuplicateMatch{
			InvoiceId:     c.ID,
			InvoiceNumber: c.InvoiceNumber,
			VendorId:      c.VendorId,
			Amount:        c.Amount,
			Status:        c.Status,
			Confidence:    matchConfidence[reason],
			Reason:        reason,
		})
	}
	sort.SliceStable(result.Matches, func(i, j int) bool {
		return result.Matches[i].Confidence > result.Matches[j].Confidence
	})

	verdict := "clear"
	if best := result.Best(); best != nil {
		result.IsDuplicate = best.Confidence >= d.BlockThreshold
		result.IsLikelyDuplicate = !result.IsDuplicate && best.Confidence >= d.WarnThreshold
		switch {
		case result.IsDuplicate:
			verdict = "duplicate"
		case result.IsLikelyDuplicate:
			verdict = "likely"
		default:
			verdict = "weak"
		}
	}
	metricDuplicateChecks.WithLabelValues(verdict).Inc()
	return result, nil
}

// scoreCandidate returns the strongest rule c satisfies, or "".
func scoreCandidate(q DuplicateQuery, normalized string, c models.Invoice) string {
	if q.ContentHash != "" && c.ContentHash == q.ContentHash {
		return MatchContentHash
	}
	candNumber := c.NormalizedNumber
	if candNumber == "" {
		candNumber = NormalizeInvoiceNumber(c.InvoiceNumber)
	}
	sameVendor := q.VendorId != nil && c.VendorId != nil && *q.VendorId == *c.VendorId
	amountMatch := ledger.WithinPercent(q.Amount, c.Amount, duplicateAmountPercentage)

	if sameVendor && normalized != "" && candNumber == normalized {
		return MatchVendorNumber
	}
	if sameVendor && amountMatch && q.InvoiceDate != nil && c.InvoiceDate != nil && utils.SameDay(*q.InvoiceDate, *c.InvoiceDate) {
		return MatchAmountDate
	}
	if sameVendor && amountMatch && normalized != "" && candNumber != "" &&
		(strings.Contains(candNumber, normalized) || strings.Contains(normalized, candNumber)) {
		return MatchFuzzyNumberAmount
	}
	if q.JobId != nil && c.JobId != nil && *q.JobId == *c.JobId &&
		normalized != "" && candNumber == normalized && !utils.EqualIntPtr(q.VendorId, c.VendorId) {
		return MatchNumberOtherVendor
	}
	if sameVendor && amountMatch {
		return MatchAmountOnly
	}
	return ""
}
