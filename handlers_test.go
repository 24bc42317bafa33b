package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/internal/testdb"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/mmdatafocus/invoices_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	api    *api
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	db := testdb.Open(t)

	a := &api{
		DB:       db,
		Logger:   logger,
		Invoices: workflow.NewInvoiceService(db, logger, config.DefaultEngineSettings()),
		Draws:    workflow.NewDrawService(db, logger),
	}
	return &testServer{t: t, api: a, router: newRouter(a)}
}

func (s *testServer) token(id int, name, role string) string {
	s.t.Helper()
	tok, err := utils.JwtGenerate(id, name, role)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func newInvoiceBody(number, amount string) gin.H {
	return gin.H{"invoice_number": number, "amount": amount, "vendor_id": 2, "job_id": 1}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodGet, "/healthz", "", nil).Code)

	w := s.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"route not found"}`, w.Body.String())
}

func TestInvoiceRoutesNeedActor(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/invoices", "", newInvoiceBody("H-1", "10"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateInvoiceWithIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(7, "casey", "member")

	w := s.do(http.MethodPost, "/invoices", tok, newInvoiceBody("H-2", "125.50"), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[workflow.CreateInvoiceResult](t, w)
	assert.Equal(t, models.InvoiceStatusNeedsReview, first.Invoice.Status)

	w = s.do(http.MethodPost, "/invoices", tok, newInvoiceBody("H-2", "125.50"), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	replay := decode[workflow.CreateInvoiceResult](t, w)
	assert.Equal(t, first.Invoice.ID, replay.Invoice.ID)

	w = s.do(http.MethodPost, "/invoices", tok, newInvoiceBody("H-2", "125.50"))
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "duplicate_detected", body["error"])
	assert.EqualValues(t, first.Invoice.ID, body["matched_invoice_id"])
}

func TestCreateInvoiceValidation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(7, "casey", "member")

	w := s.do(http.MethodPost, "/invoices", tok, gin.H{"amount": "10"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "validation_failed", body["error"])
	assert.Contains(t, body["fields"], "invoice_number")

	w = s.do(http.MethodPost, "/invoices", tok, "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransitionErrorsMapToStatusCodes(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(7, "casey", "member")
	created := decode[workflow.CreateInvoiceResult](t, s.do(http.MethodPost, "/invoices", tok, newInvoiceBody("H-3", "100")))
	path := "/invoices/" + strconv.Itoa(created.Invoice.ID)

	w := s.do(http.MethodPost, path+"/transition", tok, gin.H{"target_status": "paid"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_transition", decode[map[string]interface{}](t, w)["error"])

	w = s.do(http.MethodPost, path+"/transition", tok, gin.H{"target_status": "ready_for_approval", "expected_version": 9})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "version_conflict", decode[map[string]interface{}](t, w)["error"])

	w = s.do(http.MethodPost, path+"/transition", tok, gin.H{"target_status": "ready_for_approval"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, path+"/transition", tok, gin.H{"target_status": "approved"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "precondition_failed", decode[map[string]interface{}](t, w)["error"])

	w = s.do(http.MethodPost, "/undo/invoice/"+strconv.Itoa(created.Invoice.ID), tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.InvoiceStatusNeedsReview, decode[models.Invoice](t, w).Status)

	w = s.do(http.MethodGet, "/invoices/9999", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodGet, "/invoices/abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLockConflictIsLocked(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(1, "alice", "member")
	bob := s.token(2, "bob", "member")

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/locks/invoice/5", alice, nil).Code)
	w := s.do(http.MethodPost, "/locks/invoice/5", bob, nil)
	require.Equal(t, http.StatusLocked, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "alice", body["owner_name"])

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/locks/invoice/5/force", bob, nil).Code)
	admin := s.token(3, "morgan", utils.RoleAdmin)
	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, "/locks/invoice/5/force", admin, nil).Code)

	w = s.do(http.MethodGet, "/locks/invoice/5", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]interface{}](t, w)["locked"])
}

func TestOpsRoutesAreAdminOnly(t *testing.T) {
	s := newTestServer(t)
	member := s.token(7, "casey", "member")
	admin := s.token(3, "morgan", utils.RoleAdmin)
	created := decode[workflow.CreateInvoiceResult](t, s.do(http.MethodPost, "/invoices", member, newInvoiceBody("H-4", "100")))

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/internal/ops/outbox/backlog", member, nil).Code)

	w := s.do(http.MethodGet, "/internal/ops/outbox/backlog", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	backlog := decode[map[string]int](t, w)
	assert.Equal(t, 1, backlog[models.OutboxStatusPending])

	var rec models.OutboxMessage
	require.NoError(t, s.api.DB.Where("reference_id = ?", created.Invoice.ID).First(&rec).Error)

	w = s.do(http.MethodPost, "/internal/ops/outbox/replay", admin, gin.H{"record_id": rec.ID})
	assert.Equal(t, http.StatusNotFound, w.Code, "pending rows are not replayable")

	require.NoError(t, s.api.DB.Model(&rec).Updates(map[string]interface{}{"status": models.OutboxStatusDead, "attempts": 20}).Error)
	w = s.do(http.MethodPost, "/internal/ops/outbox/replay", admin, gin.H{"record_id": rec.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, s.api.DB.First(&rec, rec.ID).Error)
	assert.Equal(t, models.OutboxStatusFailed, rec.Status)
	assert.Zero(t, rec.Attempts)

	w = s.do(http.MethodGet, "/invoices/"+strconv.Itoa(created.Invoice.ID)+"/outbox", member, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.OutboxStatus](t, w), 1)

	w = s.do(http.MethodPost, "/internal/ops/ledger-audit", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDrawRoutes(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(7, "casey", "member")

	w := s.do(http.MethodPost, "/draws", tok, gin.H{"job_id": 4})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	draw := decode[models.Draw](t, w)
	assert.Equal(t, 1, draw.DrawNumber)

	w = s.do(http.MethodGet, "/draws?job_id=4", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[workflow.DrawPage](t, w)
	require.Len(t, page.Edges, 1)

	w = s.do(http.MethodGet, "/draws/"+strconv.Itoa(draw.ID)+"/export", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "draw-"+strconv.Itoa(draw.ID)+".xlsx")
	assert.NotEmpty(t, w.Body.Bytes())

	w = s.do(http.MethodPost, "/draws/"+strconv.Itoa(draw.ID)+"/submit", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadURLNeedsSigningStore(t *testing.T) {
	s := newTestServer(t)
	s.api.Invoices.Documents = utils.NewMemoryDocumentStore()
	tok := s.token(7, "casey", "member")

	w := s.do(http.MethodPost, "/invoices/upload-url", tok, gin.H{"file_name": "a.pdf", "content_type": "application/pdf"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
