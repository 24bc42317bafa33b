package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/middlewares"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxUploadBytes = 10 << 20

// api binds the workflow services to HTTP.
type api struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Invoices *workflow.InvoiceService
	Draws    *workflow.DrawService
}

func newRouter(a *api, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(extra...)
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(a.Logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", middlewares.RequireActor())
	authed.GET("/invoices", a.listInvoices)
	authed.POST("/invoices", a.createInvoice)
	authed.POST("/invoices/upload", a.uploadInvoice)
	authed.POST("/invoices/upload-url", a.createUploadURL)
	authed.POST("/invoices/intake", a.intakeStored)
	authed.POST("/invoices/duplicates/check", a.checkDuplicates)
	authed.GET("/invoices/:id", a.getInvoice)
	authed.PATCH("/invoices/:id", a.updateInvoice)
	authed.PUT("/invoices/:id/allocations", a.allocate)
	authed.POST("/invoices/:id/transition", a.transition)
	authed.POST("/invoices/:id/split", a.split)
	authed.POST("/invoices/:id/unsplit", a.unsplit)
	authed.POST("/invoices/:id/paid-to-vendor", a.markPaidToVendor)
	authed.GET("/invoices/:id/outbox", a.invoiceOutbox)
	authed.POST("/undo/:entity_type/:id", a.undo)

	authed.GET("/locks/:entity_type/:id", a.checkLock)
	authed.POST("/locks/:entity_type/:id", a.acquireLock)
	authed.DELETE("/locks/:entity_type/:id", a.releaseLock)
	authed.DELETE("/locks/:entity_type/:id/force", middlewares.RequireAdmin(), a.forceReleaseLock)

	authed.GET("/draws", a.listDraws)
	authed.POST("/draws", a.createDraw)
	authed.GET("/draws/:id", a.getDraw)
	authed.POST("/draws/:id/submit", a.submitDraw)
	authed.POST("/draws/:id/funding", a.recordFunding)
	authed.GET("/draws/:id/export", a.exportDraw)

	ops := authed.Group("/internal/ops", middlewares.RequireAdmin())
	ops.POST("/outbox/replay", a.outboxReplay)
	ops.GET("/outbox/backlog", a.outboxBacklog)
	ops.POST("/ledger-audit", a.ledgerAudit)

	r.NoRoute(customNotFoundHandler)
	return r
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func bind(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return false
	}
	return true
}

// writeError maps workflow errors to status codes and bodies.
func (a *api) writeError(c *gin.Context, err error) {
	var (
		ve   *workflow.ValidationError
		ite  *workflow.InvalidTransitionError
		pe   *workflow.PreconditionError
		poe  *workflow.PoOverageError
		de   *workflow.DuplicateError
		le   *workflow.EntityLockedError
		vce  *workflow.VersionConflictError
		uee  *workflow.UndoExpiredError
		nfe  *workflow.NotFoundError
		code = http.StatusInternalServerError
		body = gin.H{"error": err.Error()}
	)
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		body = gin.H{"error": "validation_failed", "fields": ve.Fields}
	case errors.As(err, &nfe):
		code = http.StatusNotFound
		body = gin.H{"error": "not_found", "entity_type": nfe.EntityType, "entity_id": nfe.EntityId}
	case errors.Is(err, workflow.ErrUndoNotFound):
		code = http.StatusNotFound
		body = gin.H{"error": "undo_not_found"}
	case errors.As(err, &vce):
		code = http.StatusConflict
		body = gin.H{"error": "version_conflict", "expected": vce.Expected, "actual": vce.Actual}
	case errors.As(err, &de):
		code = http.StatusConflict
		body = gin.H{"error": "duplicate_detected", "matched_invoice_id": de.MatchedInvoiceId, "confidence": de.Confidence, "reason": de.Reason, "matches": de.Matches}
	case errors.As(err, &poe):
		code = http.StatusConflict
		body = gin.H{"error": "po_overage", "overage": poe}
	case errors.As(err, &ite):
		code = http.StatusUnprocessableEntity
		body = gin.H{"error": "invalid_transition", "from": ite.From, "to": ite.To, "allowed": ite.Allowed}
	case errors.As(err, &pe):
		code = http.StatusUnprocessableEntity
		body = gin.H{"error": "precondition_failed", "target": pe.Target, "violations": pe.Violations}
	case errors.As(err, &le):
		code = http.StatusLocked
		body = gin.H{"error": "entity_locked", "owner": le.Owner, "owner_name": le.OwnerName, "expires_at": le.ExpiresAt}
	case errors.As(err, &uee):
		code = http.StatusGone
		body = gin.H{"error": "undo_expired", "expired_at": uee.ExpiredAt}
	case errors.Is(err, workflow.ErrForbidden):
		code = http.StatusForbidden
		body = gin.H{"error": "forbidden"}
	case errors.Is(err, workflow.ErrIdempotencyInProgress):
		code = http.StatusConflict
		body = gin.H{"error": "idempotency_in_progress"}
	case errors.Is(err, workflow.ErrUnsupported):
		code = http.StatusNotImplemented
		body = gin.H{"error": err.Error()}
	default:
		config.LogError(a.Logger, "handlers.go", "writeError", c.FullPath(), nil, err)
		body = gin.H{"error": "internal error"}
	}
	c.JSON(code, body)
}

const idempotencyHeader = "Idempotency-Key"

// replayInvoice answers a retried create with the invoice made the first time.
func (a *api) replayInvoice(c *gin.Context, id int) (*workflow.CreateInvoiceResult, bool) {
	inv, err := a.Invoices.GetInvoice(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return nil, false
	}
	c.Header("Idempotent-Replayed", "true")
	return &workflow.CreateInvoiceResult{Invoice: inv}, true
}

func (a *api) createInvoice(c *gin.Context) {
	var req workflow.NewInvoice
	if !bind(c, &req) {
		return
	}
	var res *workflow.CreateInvoiceResult
	id, replayed, err := a.Invoices.Idempotent(c.Request.Context(), workflow.OperationCreateInvoice, c.GetHeader(idempotencyHeader),
		func(ctx context.Context) (int, error) {
			var err error
			res, err = a.Invoices.CreateInvoice(ctx, req)
			if err != nil {
				return 0, err
			}
			return res.Invoice.ID, nil
		})
	if err != nil {
		a.writeError(c, err)
		return
	}
	if replayed {
		if out, ok := a.replayInvoice(c, id); ok {
			c.JSON(http.StatusOK, out)
		}
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (a *api) listInvoices(c *gin.Context) {
	var f workflow.InvoiceFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := a.Invoices.ListInvoices(c.Request.Context(), f)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type uploadURLRequest struct {
	FileName    string `json:"file_name" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

func (a *api) createUploadURL(c *gin.Context) {
	var req uploadURLRequest
	if !bind(c, &req) {
		return
	}
	signed, err := a.Invoices.PrepareUpload(c.Request.Context(), req.FileName, req.ContentType)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, signed)
}

func (a *api) intakeStored(c *gin.Context) {
	var req workflow.StoredIntakeRequest
	if !bind(c, &req) {
		return
	}
	a.runIntake(c, func(ctx context.Context) (*workflow.IntakeResult, error) {
		return a.Invoices.IntakeStored(ctx, req)
	})
}

// runIntake wraps an intake call in the Idempotency-Key contract.
func (a *api) runIntake(c *gin.Context, intake func(context.Context) (*workflow.IntakeResult, error)) {
	var res *workflow.IntakeResult
	id, replayed, err := a.Invoices.Idempotent(c.Request.Context(), workflow.OperationIntake, c.GetHeader(idempotencyHeader),
		func(ctx context.Context) (int, error) {
			var err error
			res, err = intake(ctx)
			if err != nil {
				return 0, err
			}
			return res.Invoice.Invoice.ID, nil
		})
	if err != nil {
		a.writeError(c, err)
		return
	}
	if replayed {
		if out, ok := a.replayInvoice(c, id); ok {
			c.JSON(http.StatusOK, &workflow.IntakeResult{Invoice: out, DocumentUrl: out.Invoice.DocumentUrl})
		}
		return
	}
	c.JSON(http.StatusCreated, res)
}

func optionalInt(c *gin.Context, key string) (*int, bool) {
	v := c.PostForm(key)
	if v == "" {
		return nil, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return nil, false
	}
	return &n, true
}

// uploadInvoice takes a multipart form: file plus optional invoice fields.
func (a *api) uploadInvoice(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	req := workflow.IntakeRequest{
		FileName:       fh.Filename,
		ContentType:    fh.Header.Get("Content-Type"),
		Data:           data,
		InvoiceNumber:  c.PostForm("invoice_number"),
		Notes:          c.PostForm("notes"),
		AllowDuplicate: c.PostForm("allow_duplicate") == "true",
	}
	if req.ContentType == "" {
		req.ContentType = http.DetectContentType(data)
	}
	var ok bool
	if req.VendorId, ok = optionalInt(c, "vendor_id"); !ok {
		return
	}
	if req.JobId, ok = optionalInt(c, "job_id"); !ok {
		return
	}
	if req.PoId, ok = optionalInt(c, "po_id"); !ok {
		return
	}
	if v := c.PostForm("amount"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		req.Amount = &amount
	}
	if v := c.PostForm("invoice_date"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice_date"})
			return
		}
		req.InvoiceDate = &d
	}

	a.runIntake(c, func(ctx context.Context) (*workflow.IntakeResult, error) {
		return a.Invoices.Intake(ctx, req)
	})
}

type duplicateCheckRequest struct {
	VendorId         *int            `json:"vendor_id"`
	JobId            *int            `json:"job_id"`
	InvoiceNumber    string          `json:"invoice_number"`
	Amount           decimal.Decimal `json:"amount"`
	InvoiceDate      *time.Time      `json:"invoice_date"`
	ContentHash      string          `json:"content_hash"`
	ExcludeInvoiceId int             `json:"exclude_invoice_id"`
}

func (a *api) checkDuplicates(c *gin.Context) {
	var req duplicateCheckRequest
	if !bind(c, &req) {
		return
	}
	res, err := a.Invoices.Duplicates.Check(a.DB, c.Request.Context(), workflow.DuplicateQuery{
		VendorId:         req.VendorId,
		JobId:            req.JobId,
		InvoiceNumber:    req.InvoiceNumber,
		Amount:           req.Amount,
		InvoiceDate:      req.InvoiceDate,
		ContentHash:      req.ContentHash,
		ExcludeInvoiceId: req.ExcludeInvoiceId,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) getInvoice(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	inv, err := a.Invoices.GetInvoice(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (a *api) updateInvoice(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.UpdateInvoice
	if !bind(c, &req) {
		return
	}
	inv, err := a.Invoices.UpdateInvoice(c.Request.Context(), id, req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (a *api) allocate(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.AllocateRequest
	if !bind(c, &req) {
		return
	}
	res, err := a.Invoices.Allocate(c.Request.Context(), id, req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) transition(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.TransitionRequest
	if !bind(c, &req) {
		return
	}
	res, err := a.Invoices.Transition(c.Request.Context(), id, req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) split(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.SplitRequest
	if !bind(c, &req) {
		return
	}
	res, err := a.Invoices.Split(c.Request.Context(), id, req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) unsplit(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	res, err := a.Invoices.Unsplit(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) markPaidToVendor(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.PaymentInfo
	if !bind(c, &req) {
		return
	}
	inv, err := a.Invoices.MarkPaidToVendor(c.Request.Context(), id, req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (a *api) undo(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	inv, err := a.Invoices.Undo(c.Request.Context(), c.Param("entity_type"), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (a *api) lockTarget(c *gin.Context) (string, int, workflow.Actor, bool) {
	id, ok := pathId(c)
	if !ok {
		return "", 0, workflow.Actor{}, false
	}
	actor, err := workflow.ActorFromContext(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return "", 0, workflow.Actor{}, false
	}
	return c.Param("entity_type"), id, actor, true
}

func (a *api) checkLock(c *gin.Context) {
	entityType, id, _, ok := a.lockTarget(c)
	if !ok {
		return
	}
	lock, err := a.Invoices.Locks.Check(c.Request.Context(), entityType, id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": lock != nil, "lock": lock})
}

func (a *api) acquireLock(c *gin.Context) {
	entityType, id, actor, ok := a.lockTarget(c)
	if !ok {
		return
	}
	lock, err := a.Invoices.Locks.Acquire(c.Request.Context(), entityType, id, actor)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (a *api) releaseLock(c *gin.Context) {
	entityType, id, actor, ok := a.lockTarget(c)
	if !ok {
		return
	}
	if err := a.Invoices.Locks.Release(c.Request.Context(), entityType, id, actor); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) forceReleaseLock(c *gin.Context) {
	entityType, id, actor, ok := a.lockTarget(c)
	if !ok {
		return
	}
	prior, err := a.Invoices.Locks.ForceRelease(c.Request.Context(), entityType, id, actor)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": prior})
}

func (a *api) createDraw(c *gin.Context) {
	var req workflow.CreateDrawRequest
	if !bind(c, &req) {
		return
	}
	draw, err := a.Draws.CreateDraw(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, draw)
}

func (a *api) listDraws(c *gin.Context) {
	jobId, _ := strconv.Atoi(c.Query("job_id"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	var after *string
	if v := c.Query("after"); v != "" {
		after = &v
	}
	page, err := a.Draws.ListDraws(c.Request.Context(), jobId, limit, after)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *api) getDraw(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	detail, err := a.Draws.GetDraw(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (a *api) submitDraw(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	draw, err := a.Draws.SubmitDraw(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, draw)
}

func (a *api) recordFunding(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workflow.FundingRequest
	if !bind(c, &req) {
		return
	}
	draw, err := a.Draws.RecordDrawFunding(c.Request.Context(), id, req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, draw)
}

func (a *api) exportDraw(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	data, err := a.Draws.ExportDraw(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="draw-%d.xlsx"`, id))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id" binding:"required,gt=0"`
}

// outboxReplay puts a FAILED or DEAD message back in the queue.
func (a *api) outboxReplay(c *gin.Context) {
	var req outboxReplayRequest
	if !bind(c, &req) {
		return
	}
	now := time.Now().UTC()
	res := a.DB.WithContext(c.Request.Context()).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND status IN ?", req.RecordId, []string{models.OutboxStatusFailed, models.OutboxStatusDead}).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusFailed,
			"attempts":        0,
			"next_attempt_at": &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      nil,
		})
	if res.Error != nil {
		a.writeError(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no failed or dead outbox message with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record_id":       req.RecordId,
		"status":          models.OutboxStatusFailed,
		"next_attempt_at": now.Format(time.RFC3339Nano),
	})
}

func (a *api) outboxBacklog(c *gin.Context) {
	counts, err := models.OutboxBacklog(a.DB, c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (a *api) invoiceOutbox(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if _, err := a.Invoices.GetInvoice(c.Request.Context(), id); err != nil {
		a.writeError(c, err)
		return
	}
	rows, err := models.GetOutboxStatus(a.DB, c.Request.Context(), models.EntityTypeInvoice, id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *api) ledgerAudit(c *gin.Context) {
	fix := c.Query("fix") == "true"
	report, err := workflow.AuditLedger(c.Request.Context(), a.DB, a.Logger, fix)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
