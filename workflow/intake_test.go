package workflow

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	result *ExtractionResult
	err    error
	block  bool
	calls  int
}

func (e *fakeExtractor) Extract(ctx context.Context, _ []byte, _ string) (*ExtractionResult, error) {
	e.calls++
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.result, e.err
}

func (f *fixture) withDocuments() *utils.MemoryDocumentStore {
	store := utils.NewMemoryDocumentStore()
	f.svc.Documents = store
	return store
}

func pdfUpload() IntakeRequest {
	return IntakeRequest{FileName: "scan.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 invoice body")}
}

func TestIntakeMergesExtractionCallerWins(t *testing.T) {
	f := newFixture(t)
	store := f.withDocuments()
	amount := dec("1250.50")
	day := time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)
	f.svc.Extractor = &fakeExtractor{result: &ExtractionResult{
		InvoiceNumber: " EX-77 ",
		VendorId:      utils.NewPtr(4),
		JobId:         utils.NewPtr(9),
		Amount:        &amount,
		InvoiceDate:   &day,
		Confidence:    0.92,
		Raw:           []byte(`{"vendor":"Acme Framing"}`),
	}}

	req := pdfUpload()
	req.JobId = utils.NewPtr(1)
	res, err := f.svc.Intake(f.ctx, req)
	require.NoError(t, err)

	inv := res.Invoice.Invoice
	assert.Equal(t, "EX-77", inv.InvoiceNumber)
	assert.Equal(t, 4, *inv.VendorId)
	assert.Equal(t, 1, *inv.JobId)
	assertDecimal(t, "1250.50", inv.Amount)
	assert.Equal(t, 0.92, inv.ExtractionConfidence)
	assert.JSONEq(t, `{"vendor":"Acme Framing"}`, inv.ExtractionRaw)
	assert.Equal(t, utils.ContentHash(req.Data), inv.ContentHash)
	assert.Equal(t, res.DocumentUrl, inv.DocumentUrl)
	assert.Equal(t, 1, store.Len())

	stored, err := store.Get(f.ctx, res.DocumentUrl)
	require.NoError(t, err)
	assert.Equal(t, req.Data, stored)
}

func TestIntakeToleratesExtractionFailure(t *testing.T) {
	f := newFixture(t)
	f.withDocuments()
	f.svc.Extractor = &fakeExtractor{err: errors.New("model unavailable")}

	req := pdfUpload()
	req.InvoiceNumber = "MAN-1"
	req.Amount = utils.NewPtr(dec("40"))
	res, err := f.svc.Intake(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "model unavailable", res.ExtractionError)
	assert.Nil(t, res.Extraction)
	assert.Equal(t, "MAN-1", res.Invoice.Invoice.InvoiceNumber)
}

func TestIntakeExtractionTimesOut(t *testing.T) {
	f := newFixture(t)
	f.withDocuments()
	f.svc.Settings.ExtractionTimeout = 20 * time.Millisecond
	f.svc.Extractor = &fakeExtractor{block: true}

	req := pdfUpload()
	req.Amount = utils.NewPtr(decimal.NewFromInt(15))
	res, err := f.svc.Intake(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "extraction timed out", res.ExtractionError)
	assert.NotNil(t, res.Invoice.Invoice)
}

func TestIntakeDuplicateRemovesStoredDocument(t *testing.T) {
	f := newFixture(t)
	store := f.withDocuments()
	f.createInvoice("DUP-1", "100", onJob(1, 5))

	req := pdfUpload()
	req.InvoiceNumber = "DUP-1"
	req.VendorId = utils.NewPtr(5)
	req.Amount = utils.NewPtr(dec("100"))
	res, err := f.svc.Intake(f.ctx, req)

	var de *DuplicateError
	require.ErrorAs(t, err, &de)
	assert.Empty(t, res.DocumentUrl)
	assert.Zero(t, store.Len())
}

func TestIntakeNormalizesPhotos(t *testing.T) {
	f := newFixture(t)
	store := f.withDocuments()

	img := image.NewRGBA(image.Rect(0, 0, 2400, 60))
	for x := 0; x < 2400; x++ {
		img.Set(x, 30, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	original := buf.Bytes()

	res, err := f.svc.Intake(f.ctx, IntakeRequest{
		FileName:    "photo.png",
		ContentType: "image/png",
		Data:        original,
		Amount:      utils.NewPtr(dec("75")),
	})
	require.NoError(t, err)

	stored, err := store.Get(f.ctx, res.DocumentUrl)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, stored[:2])

	decoded, _, err := image.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	assert.LessOrEqual(t, decoded.Bounds().Dx(), 2000)
	assert.Equal(t, utils.ContentHash(original), res.Invoice.Invoice.ContentHash)
}

func TestIntakeSizeLimits(t *testing.T) {
	f := newFixture(t)
	f.withDocuments()

	req := pdfUpload()
	req.Data = nil
	_, err := f.svc.Intake(f.ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "file")

	req.Data = make([]byte, maxIntakeSizeBytes+1)
	_, err = f.svc.Intake(f.ctx, req)
	require.ErrorAs(t, err, &ve)
}

func TestIntakeStored(t *testing.T) {
	f := newFixture(t)
	store := f.withDocuments()
	url, err := store.Put(f.ctx, "invoices/pre.pdf", []byte("%PDF-1.4 uploaded"), "application/pdf")
	require.NoError(t, err)

	req := StoredIntakeRequest{IntakeRequest: pdfUpload(), DocumentUrl: url}
	req.Data = nil
	req.Amount = utils.NewPtr(dec("12"))
	res, err := f.svc.IntakeStored(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, url, res.Invoice.Invoice.DocumentUrl)
	assert.Equal(t, utils.ContentHash([]byte("%PDF-1.4 uploaded")), res.Invoice.Invoice.ContentHash)

	req.DocumentUrl = "mem://invoices/missing.pdf"
	_, err = f.svc.IntakeStored(f.ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "document_url")
}

func TestIntakeStoredNeedsStore(t *testing.T) {
	f := newFixture(t)
	req := StoredIntakeRequest{IntakeRequest: pdfUpload(), DocumentUrl: "mem://x.pdf"}
	_, err := f.svc.IntakeStored(f.ctx, req)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPrepareUploadUnsupportedByMemoryStore(t *testing.T) {
	f := newFixture(t)
	f.withDocuments()

	_, err := f.svc.PrepareUpload(f.ctx, "scan.pdf", "application/pdf")
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = f.svc.PrepareUpload(f.ctx, " ", "application/pdf")
	require.ErrorIs(t, err, ErrValidationFailed)

	_, err = f.svc.PrepareUpload(f.ctx, "setup.exe", "application/x-msdownload")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "content_type")
}
