package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/mmdatafocus/invoices_backend/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractionClientDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/extract", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-Id"))

		var body extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		doc, err := base64.StdEncoding.DecodeString(body.Document)
		require.NoError(t, err)
		assert.Equal(t, "pdf-bytes", string(doc))
		assert.Equal(t, "application/pdf", body.MimeType)

		_, _ = w.Write([]byte(`{"invoice_number":"INV-9","vendor_id":4,"amount":"1200.50","confidence":0.9}`))
	}))
	defer srv.Close()

	c, err := NewExtractionClient(srv.URL, "secret", time.Second)
	require.NoError(t, err)

	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")
	out, err := c.Extract(ctx, []byte("pdf-bytes"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "INV-9", out.InvoiceNumber)
	require.NotNil(t, out.VendorId)
	assert.Equal(t, 4, *out.VendorId)
	require.NotNil(t, out.Amount)
	assert.Equal(t, "1200.5", out.Amount.String())
	assert.InDelta(t, 0.9, out.Confidence, 0.0001)
	assert.NotEmpty(t, out.Raw)
}

func TestExtractionClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewExtractionClient(srv.URL, "", time.Second)
	require.NoError(t, err)
	_, err = c.Extract(context.Background(), []byte("x"), "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestStampClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body stampRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 7, body.Metadata.InvoiceId)
		assert.Equal(t, "approved", body.Metadata.Status)
		_ = json.NewEncoder(w).Encode(stampResponse{Document: base64.StdEncoding.EncodeToString([]byte("stamped"))})
	}))
	defer srv.Close()

	c, err := NewStampClient(srv.URL, "", time.Second)
	require.NoError(t, err)
	out, err := c.Stamp(context.Background(), []byte("original"), workflow.StampMetadata{InvoiceId: 7, Status: "approved"})
	require.NoError(t, err)
	assert.Equal(t, "stamped", string(out))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewStampClient("  ", "", time.Second)
	assert.Error(t, err)
}
