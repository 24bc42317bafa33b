package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/integration"
	"github.com/mmdatafocus/invoices_backend/middlewares"
	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/mmdatafocus/invoices_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("invoices_backend")

// RateLimiter is a fixed-window request counter in Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts per user when authenticated, per IP otherwise.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:ip:" + c.ClientIP()
	if id, ok := utils.GetUserIdFromContext(c.Request.Context()); ok && id > 0 {
		key = fmt.Sprintf("ratelimit:user:%d", id)
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// limiter is best effort
		c.Next()
		return
	}
	if count == 1 {
		rl.client.Expire(c.Request.Context(), key, rl.window)
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	// production requires an explicit allowlist in CORS_ALLOWED_ORIGINS
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return cors.New(corsConfig)
}

// tracingMiddleware opens a span per request so workflow spans nest under it.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate DDL can block tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	if err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error; err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Warn("failed to set isolation level: " + err.Error())
	}

	settings := config.LoadEngineSettings()
	invoices := workflow.NewInvoiceService(db, logger, settings)
	invoices.PoGuard = workflow.NewPoGuard(config.GetRedisLock(), logger)

	documents, err := utils.NewDocumentStoreFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "storage"}).Warn("document store disabled: " + err.Error())
	} else {
		invoices.Documents = documents
	}

	extractor, stamper, err := integration.FromEnv(settings.ExtractionTimeout)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "integration"}).Fatal(err.Error())
	}
	if extractor != nil {
		invoices.Extractor = extractor
	}

	var notifier workflow.Notifier = workflow.LogNotifier{Logger: logger}
	if os.Getenv("PUBSUB_TOPIC") != "" {
		ps, err := config.NewPubSubNotifierFromEnv()
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
		}
		defer ps.Close()
		notifier = ps
	}
	dispatcher := workflow.NewOutboxDispatcher(db, logger, notifier)
	dispatcher.Documents = invoices.Documents
	if stamper != nil {
		dispatcher.Stamper = stamper
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go dispatcher.Run(workerCtx)
	go runSweeper(workerCtx, invoices, time.Minute)

	a := &api{DB: db, Logger: logger, Invoices: invoices, Draws: workflow.NewDrawService(db, logger)}
	extra := []gin.HandlerFunc{
		middlewares.CorrelationMiddleware(uuid.NewString),
		tracingMiddleware(),
		corsMiddleware(),
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") && config.GetRedisDB() != nil {
		limit := int64(600)
		if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")), 10, 64); err == nil && n > 0 {
			limit = n
		}
		windowSec := int64(60)
		if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")), 10, 64); err == nil && n > 0 {
			windowSec = n
		}
		extra = append(extra, NewRateLimiter(config.GetRedisDB(), limit, time.Duration(windowSec)*time.Second).RateLimitMiddleware)
	}
	r := newRouter(a, extra...)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	log.Printf("invoices api listening on :%s", port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop background workers before draining requests
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func runSweeper(ctx context.Context, invoices *workflow.InvoiceService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = invoices.SweepExpired(ctx)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
