package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
)

// ExtractionResult is what the AI extraction service returns. Any field may
// be empty.
type ExtractionResult struct {
	InvoiceNumber string           `json:"invoice_number"`
	VendorId      *int             `json:"vendor_id"`
	VendorName    string           `json:"vendor_name"`
	JobId         *int             `json:"job_id"`
	PoId          *int             `json:"po_id"`
	Amount        *decimal.Decimal `json:"amount"`
	InvoiceDate   *time.Time       `json:"invoice_date"`
	Confidence    float64          `json:"confidence"`
	Raw           json.RawMessage  `json:"raw,omitempty"`
}

type Extractor interface {
	Extract(ctx context.Context, document []byte, mimeType string) (*ExtractionResult, error)
}

type DocumentStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// UploadSigner is implemented by stores that let clients upload directly.
type UploadSigner interface {
	SignUpload(ctx context.Context, objectKey, contentType string, expires time.Duration) (*utils.SignedUpload, error)
}

type StampMetadata struct {
	InvoiceId     int        `json:"invoice_id"`
	InvoiceNumber string     `json:"invoice_number"`
	Status        string     `json:"status"`
	ApprovedBy    *int       `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	PaidToVendor  bool       `json:"paid_to_vendor"`
	JobId         *int       `json:"job_id,omitempty"`
	CostCodes     []int      `json:"cost_codes,omitempty"`
	Amount        string     `json:"amount"`
}

type Stamper interface {
	Stamp(ctx context.Context, pdf []byte, meta StampMetadata) ([]byte, error)
}

// Notifier delivers notification events and returns the sink's message id.
type Notifier interface {
	Publish(ctx context.Context, msg config.InvoiceEventMessage) (string, error)
}
