package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusNeedsReview      InvoiceStatus = "needs_review"
	InvoiceStatusReadyForApproval InvoiceStatus = "ready_for_approval"
	InvoiceStatusApproved         InvoiceStatus = "approved"
	InvoiceStatusInDraw           InvoiceStatus = "in_draw"
	InvoiceStatusPaid             InvoiceStatus = "paid"
	InvoiceStatusDenied           InvoiceStatus = "denied"
	InvoiceStatusSplit            InvoiceStatus = "split"
	// InvoiceStatusDeleted is a transition target only; deleted invoices keep
	// their last status and carry deleted_at.
	InvoiceStatusDeleted InvoiceStatus = "deleted"
)

var legacyStatusAliases = map[string]InvoiceStatus{
	"received":       InvoiceStatusNeedsReview,
	"needs_approval": InvoiceStatusReadyForApproval,
}

var knownStatuses = map[InvoiceStatus]bool{
	InvoiceStatusNeedsReview:      true,
	InvoiceStatusReadyForApproval: true,
	InvoiceStatusApproved:         true,
	InvoiceStatusInDraw:           true,
	InvoiceStatusPaid:             true,
	InvoiceStatusDenied:           true,
	InvoiceStatusSplit:            true,
	InvoiceStatusDeleted:          true,
}

// ParseInvoiceStatus normalizes case and legacy aliases. ok is false for
// anything outside the closed set.
func ParseInvoiceStatus(s string) (InvoiceStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	if alias, found := legacyStatusAliases[key]; found {
		return alias, true
	}
	st := InvoiceStatus(key)
	return st, knownStatuses[st]
}

// IsCommitted reports whether invoices in this status count against PO, CO
// and budget capacity.
func (s InvoiceStatus) IsCommitted() bool {
	switch s {
	case InvoiceStatusApproved, InvoiceStatusInDraw, InvoiceStatusPaid:
		return true
	}
	return false
}

// CommittedStatuses is the committed set as plain strings for IN queries.
func CommittedStatuses() []string {
	return []string{string(InvoiceStatusApproved), string(InvoiceStatusInDraw), string(InvoiceStatusPaid)}
}

type InvoiceType string

const (
	InvoiceTypeStandard   InvoiceType = "standard"
	InvoiceTypeCreditMemo InvoiceType = "credit_memo"
)

// InvoiceTypeFor derives the type from the amount sign.
func InvoiceTypeFor(amount decimal.Decimal) InvoiceType {
	if amount.IsNegative() {
		return InvoiceTypeCreditMemo
	}
	return InvoiceTypeStandard
}

type Invoice struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	InvoiceNumber        string          `gorm:"size:100;not null;index" json:"invoice_number"`
	NormalizedNumber     string          `gorm:"size:100;index" json:"-"`
	VendorId             *int            `gorm:"index" json:"vendor_id"`
	JobId                *int            `gorm:"index" json:"job_id"`
	PoId                 *int            `gorm:"index" json:"po_id"`
	Amount               decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	InvoiceType          InvoiceType     `gorm:"size:20;not null;default:'standard'" json:"invoice_type"`
	Status               InvoiceStatus   `gorm:"size:30;not null;index" json:"status"`
	InvoiceDate          *time.Time      `json:"invoice_date"`
	DocumentUrl          string          `gorm:"size:1024" json:"document_url"`
	StampedDocumentUrl   string          `gorm:"size:1024" json:"stamped_document_url"`
	ContentHash          string          `gorm:"size:64;index" json:"content_hash"`
	Notes                string          `gorm:"type:text" json:"notes"`
	ParentInvoiceId      *int            `gorm:"index" json:"parent_invoice_id"`
	IsSplitParent        bool            `gorm:"not null;default:false" json:"is_split_parent"`
	SplitIndex           int             `gorm:"not null;default:0" json:"split_index"`
	Version              int             `gorm:"not null;default:1" json:"version"`
	PartiallyAllocated   bool            `gorm:"not null;default:false" json:"partially_allocated"`
	PartialCodingNote    string          `gorm:"type:text" json:"partial_coding_note"`
	PaidToVendor         bool            `gorm:"not null;default:false" json:"paid_to_vendor"`
	PaidToVendorAt       *time.Time      `json:"paid_to_vendor_at"`
	PaidToVendorBy       *int            `json:"paid_to_vendor_by"`
	PaidToVendorRef      string          `gorm:"size:255" json:"paid_to_vendor_ref"`
	PaidAt               *time.Time      `json:"paid_at"`
	ApprovedAt           *time.Time      `json:"approved_at"`
	ApprovedBy           *int            `json:"approved_by"`
	ExtractionConfidence float64         `gorm:"not null;default:0" json:"extraction_confidence"`
	ExtractionRaw        string          `gorm:"type:text" json:"-"`
	CreatedBy            int             `gorm:"not null;default:0" json:"created_by"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt  `gorm:"index" json:"deleted_at"`

	Allocations []Allocation `gorm:"foreignKey:InvoiceId" json:"allocations,omitempty"`
}

func (inv *Invoice) IsCredit() bool {
	return inv.Amount.IsNegative()
}

func (inv *Invoice) IsSplitChild() bool {
	return inv.ParentInvoiceId != nil
}

// IsSplitParticipant is true for split parents and split children.
func (inv *Invoice) IsSplitParticipant() bool {
	return inv.IsSplitParent || inv.ParentInvoiceId != nil
}

func (inv *Invoice) IsDeleted() bool {
	return inv.DeletedAt.Valid
}
