package workflow

import (
	"time"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
)

type NewInvoice struct {
	InvoiceNumber  string          `json:"invoice_number" validate:"required,max=100"`
	VendorId       *int            `json:"vendor_id" validate:"omitempty,gt=0"`
	JobId          *int            `json:"job_id" validate:"omitempty,gt=0"`
	PoId           *int            `json:"po_id" validate:"omitempty,gt=0"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	InvoiceDate    *time.Time      `json:"invoice_date"`
	DocumentUrl    string          `json:"document_url" validate:"max=1024"`
	ContentHash    string          `json:"content_hash" validate:"omitempty,len=64,hexadecimal"`
	Notes          string          `json:"notes"`
	AllowDuplicate bool            `json:"allow_duplicate"`

	ExtractionConfidence float64 `json:"-"`
	ExtractionRaw        string  `json:"-"`
}

// UpdateInvoice fields are applied only when non-nil.
type UpdateInvoice struct {
	ExpectedVersion *int             `json:"expected_version"`
	InvoiceNumber   *string          `json:"invoice_number" validate:"omitempty,min=1,max=100"`
	VendorId        *int             `json:"vendor_id" validate:"omitempty,gt=0"`
	JobId           *int             `json:"job_id" validate:"omitempty,gt=0"`
	PoId            *int             `json:"po_id" validate:"omitempty,gt=0"`
	ClearPo         bool             `json:"clear_po"`
	Amount          *decimal.Decimal `json:"amount"`
	InvoiceDate     *time.Time       `json:"invoice_date"`
	Notes           *string          `json:"notes"`
}

type AllocationInput struct {
	CostCodeId    int             `json:"cost_code_id"`
	Amount        decimal.Decimal `json:"amount"`
	JobId         *int            `json:"job_id" validate:"omitempty,gt=0"`
	PoId          *int            `json:"po_id" validate:"omitempty,gt=0"`
	PoLineItemId  *int            `json:"po_line_item_id" validate:"omitempty,gt=0"`
	ChangeOrderId *int            `json:"change_order_id" validate:"omitempty,gt=0"`
	PendingCo     bool            `json:"pending_co"`
	Notes         string          `json:"notes" validate:"max=500"`
}

func (a AllocationInput) toModel() models.Allocation {
	return models.Allocation{
		CostCodeId:    a.CostCodeId,
		Amount:        a.Amount,
		JobId:         a.JobId,
		PoId:          a.PoId,
		PoLineItemId:  a.PoLineItemId,
		ChangeOrderId: a.ChangeOrderId,
		PendingCo:     a.PendingCo,
		Notes:         a.Notes,
	}
}

func allocationModels(in []AllocationInput) []models.Allocation {
	out := make([]models.Allocation, 0, len(in))
	for _, a := range in {
		out = append(out, a.toModel())
	}
	return out
}

type AllocateRequest struct {
	Allocations       []AllocationInput `json:"allocations" validate:"dive"`
	ExpectedVersion   *int              `json:"expected_version"`
	OverridePo        bool              `json:"override_po"`
	PartialCodingNote string            `json:"partial_coding_note"`
}

type AllocationResult struct {
	Invoice     *models.Invoice      `json:"invoice"`
	Allocations []models.Allocation  `json:"allocations"`
	Balance     ledger.BalanceReport `json:"balance"`
	Warnings    []string             `json:"warnings,omitempty"`
}

// TransitionRequest moves an invoice to Target. Allocations, when non-nil,
// replace the stored set as part of the same transition.
type TransitionRequest struct {
	Target            string            `json:"target_status" validate:"required"`
	ExpectedVersion   *int              `json:"expected_version"`
	Allocations       []AllocationInput `json:"allocations" validate:"omitempty,dive"`
	DrawId            *int              `json:"draw_id" validate:"omitempty,gt=0"`
	OverridePo        bool              `json:"override_po"`
	PartialCodingNote string            `json:"partial_coding_note"`
	Reason            string            `json:"reason" validate:"max=500"`
}

type TransitionResult struct {
	Invoice       *models.Invoice       `json:"invoice"`
	From          models.InvoiceStatus  `json:"from"`
	Balance       *ledger.BalanceReport `json:"balance,omitempty"`
	Partial       bool                  `json:"partial"`
	Overrides     []*PoOverageError     `json:"overrides,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
	UndoExpiresAt *time.Time            `json:"undo_expires_at,omitempty"`
}

type CreateInvoiceResult struct {
	Invoice    *models.Invoice  `json:"invoice"`
	Duplicates *DuplicateResult `json:"duplicates,omitempty"`
}

type SplitGroup struct {
	JobId  *int            `json:"job_id" validate:"omitempty,gt=0"`
	Amount decimal.Decimal `json:"amount" validate:"required"`
	Notes  string          `json:"notes"`
}

type SplitRequest struct {
	Groups          []SplitGroup `json:"groups" validate:"required,min=2,dive"`
	ExpectedVersion *int         `json:"expected_version"`
}

type SplitResult struct {
	Parent   *models.Invoice  `json:"parent"`
	Children []models.Invoice `json:"children"`
}

type UnsplitResult struct {
	Parent            *models.Invoice `json:"parent"`
	DeletedChildCount int             `json:"deleted_child_count"`
}

type PaymentInfo struct {
	ExpectedVersion *int       `json:"expected_version"`
	PaidAt          *time.Time `json:"paid_at"`
	Reference       string     `json:"reference" validate:"max=255"`
}

type CreateDrawRequest struct {
	JobId int `json:"job_id" validate:"required,gt=0"`
}

type FundingRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

// validateRequest runs struct tags and converts failures to *ValidationError.
func validateRequest(v interface{}) error {
	fields, err := utils.ValidateStruct(v)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
