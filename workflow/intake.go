package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	maxIntakeSizeBytes = 10 << 20
	maxImageDimension  = 2000
	signedUploadTTL    = 15 * time.Minute
)

// IntakeRequest is an uploaded invoice document plus whatever the uploader
// already knows. Caller values win over extraction.
type IntakeRequest struct {
	FileName       string           `json:"file_name" validate:"required,max=255"`
	ContentType    string           `json:"content_type" validate:"required"`
	Data           []byte           `json:"-"`
	InvoiceNumber  string           `json:"invoice_number" validate:"max=100"`
	VendorId       *int             `json:"vendor_id" validate:"omitempty,gt=0"`
	JobId          *int             `json:"job_id" validate:"omitempty,gt=0"`
	PoId           *int             `json:"po_id" validate:"omitempty,gt=0"`
	Amount         *decimal.Decimal `json:"amount"`
	InvoiceDate    *time.Time       `json:"invoice_date"`
	Notes          string           `json:"notes"`
	AllowDuplicate bool             `json:"allow_duplicate"`
}

type IntakeResult struct {
	Invoice         *CreateInvoiceResult `json:"result"`
	DocumentUrl     string               `json:"document_url"`
	Extraction      *ExtractionResult    `json:"extraction,omitempty"`
	ExtractionError string               `json:"extraction_error,omitempty"`
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// normalizeImage auto-orients and bounds a photographed invoice to
// maxImageDimension, re-encoded as JPEG.
func normalizeImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() > maxImageDimension || b.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Intake stores an uploaded document, runs extraction under the configured
// timeout and creates the invoice in needs_review. Extraction failure never
// fails the upload; the invoice is created with whatever is known.
func (s *InvoiceService) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := checkIntakeSize(req.Data); err != nil {
		return nil, err
	}
	if _, err := ActorFromContext(ctx); err != nil {
		return nil, err
	}
	log := s.Logger.WithFields(logrus.Fields{"field": "Intake", "file_name": req.FileName})

	stored, contentType := req.Data, req.ContentType
	if isImage(req.ContentType) {
		if normalized, err := normalizeImage(req.Data); err != nil {
			log.Warn("image normalization failed; storing original: " + err.Error())
		} else {
			stored, contentType = normalized, "image/jpeg"
		}
	}

	documentUrl := ""
	if s.Documents != nil {
		url, err := s.Documents.Put(ctx, utils.GenerateObjectName("invoices", req.FileName), stored, contentType)
		if err != nil {
			return nil, err
		}
		documentUrl = url
	} else {
		log.Warn("no document store configured; document not kept")
	}

	result, err := s.intake(ctx, log, req, documentUrl)
	if err != nil && documentUrl != "" {
		if derr := s.Documents.Delete(ctx, documentUrl); derr != nil {
			log.Warn("failed to remove document after rejected intake: " + derr.Error())
		}
		result.DocumentUrl = ""
	}
	return result, err
}

// StoredIntakeRequest names a document the client already uploaded through
// a signed URL.
type StoredIntakeRequest struct {
	IntakeRequest
	DocumentUrl string `json:"document_url" validate:"required"`
}

// IntakeStored runs intake on a document that is already in the store. The
// object is left in place when the invoice is rejected so the client can
// retry, for example with allow_duplicate.
func (s *InvoiceService) IntakeStored(ctx context.Context, req StoredIntakeRequest) (*IntakeResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if s.Documents == nil {
		return nil, fmt.Errorf("document store: %w", ErrUnsupported)
	}
	if _, err := ActorFromContext(ctx); err != nil {
		return nil, err
	}
	data, err := s.Documents.Get(ctx, req.DocumentUrl)
	if errors.Is(err, utils.ErrDocumentNotFound) {
		return nil, NewValidationError("document_url", "document not found")
	}
	if err != nil {
		return nil, err
	}
	if err := checkIntakeSize(data); err != nil {
		return nil, err
	}
	in := req.IntakeRequest
	in.Data = data
	log := s.Logger.WithFields(logrus.Fields{"field": "IntakeStored", "document_url": req.DocumentUrl})
	return s.intake(ctx, log, in, req.DocumentUrl)
}

// PrepareUpload hands out a signed upload URL when the document store can
// issue one.
func (s *InvoiceService) PrepareUpload(ctx context.Context, fileName, contentType string) (*utils.SignedUpload, error) {
	if strings.TrimSpace(fileName) == "" {
		return nil, NewValidationError("file_name", "file_name is required")
	}
	if strings.TrimSpace(contentType) == "" {
		return nil, NewValidationError("content_type", "content_type is required")
	}
	if !utils.IsUploadableContentType(contentType) {
		return nil, NewValidationError("content_type", "content_type must be a PDF or an image")
	}
	signer, ok := s.Documents.(UploadSigner)
	if !ok {
		return nil, fmt.Errorf("signed upload: %w", ErrUnsupported)
	}
	return signer.SignUpload(ctx, utils.GenerateObjectName("invoices", fileName), contentType, signedUploadTTL)
}

func checkIntakeSize(data []byte) error {
	if len(data) == 0 {
		return NewValidationError("file", "document is empty")
	}
	if len(data) > maxIntakeSizeBytes {
		return NewValidationError("file", "document exceeds 10MB")
	}
	return nil
}

// intake merges extraction into the caller's fields and creates the invoice.
// The content hash is always taken over the bytes as uploaded.
func (s *InvoiceService) intake(ctx context.Context, log *logrus.Entry, req IntakeRequest, documentUrl string) (*IntakeResult, error) {
	result := &IntakeResult{DocumentUrl: documentUrl}
	input := NewInvoice{
		InvoiceNumber:  req.InvoiceNumber,
		VendorId:       req.VendorId,
		JobId:          req.JobId,
		PoId:           req.PoId,
		InvoiceDate:    req.InvoiceDate,
		DocumentUrl:    documentUrl,
		ContentHash:    utils.ContentHash(req.Data),
		Notes:          req.Notes,
		AllowDuplicate: req.AllowDuplicate,
	}
	if req.Amount != nil {
		input.Amount = *req.Amount
	}

	if s.Extractor != nil {
		extracted, err := s.extract(ctx, req.Data, req.ContentType)
		if err != nil {
			result.ExtractionError = err.Error()
			log.Warn("extraction failed; creating invoice without it: " + err.Error())
		} else if extracted != nil {
			result.Extraction = extracted
			mergeExtraction(&input, extracted)
		}
	}

	created, err := s.createInvoice(ctx, input)
	result.Invoice = created
	return result, err
}

func (s *InvoiceService) extract(ctx context.Context, data []byte, contentType string) (*ExtractionResult, error) {
	timeout := s.Settings.ExtractionTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := s.Extractor.Extract(ectx, data, contentType)
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && ectx.Err() != nil) {
		return nil, errors.New("extraction timed out")
	}
	return out, err
}

// mergeExtraction fills fields the caller left empty.
func mergeExtraction(in *NewInvoice, ex *ExtractionResult) {
	if in.InvoiceNumber == "" {
		in.InvoiceNumber = strings.TrimSpace(ex.InvoiceNumber)
	}
	if in.VendorId == nil {
		in.VendorId = ex.VendorId
	}
	if in.JobId == nil {
		in.JobId = ex.JobId
	}
	if in.PoId == nil {
		in.PoId = ex.PoId
	}
	if in.Amount.IsZero() && ex.Amount != nil {
		in.Amount = *ex.Amount
	}
	if in.InvoiceDate == nil {
		in.InvoiceDate = ex.InvoiceDate
	}
	in.ExtractionConfidence = ex.Confidence
	if len(ex.Raw) > 0 {
		in.ExtractionRaw = string(ex.Raw)
	}
}
