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
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/middlewares"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/mmdatafocus/stocktake_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("stocktake-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// respondCountError maps engine error codes onto HTTP statuses so operator
// clients can branch on status class and read the code for detail.
func respondCountError(c *gin.Context, err error) {
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	ce := models.CountErrorFrom(err)
	if ce == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusConflict
	switch ce.Code {
	case models.ErrCodeInvalidSlot, models.ErrCodeManualResolutionDenied:
		status = http.StatusForbidden
	case models.ErrCodeDuplicateOperator, models.ErrCodeEmptySector:
		status = http.StatusUnprocessableEntity
	}

	c.JSON(status, gin.H{
		"error":           ce.Message,
		"code":            ce.Code,
		"stock_count_id":  utils.NilIfEmpty(ce.StockCountId),
		"sector_count_id": utils.NilIfEmpty(ce.SectorCountId),
		"count_line_id":   utils.NilIfEmpty(ce.CountLineId),
		"expected":        utils.NilIfEmpty(ce.Expected),
		"actual":          utils.NilIfEmpty(ce.Actual),
	})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

/* stock count handlers */

func createStockCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockCount
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		run, err := models.CreateStockCount(c.Request.Context(), &input)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusCreated, run)
	}
}

func listStockCountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = min(n, 100)
			}
		}
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}
		var status *models.StockCountStatus
		if v := c.Query("status"); v != "" {
			s := models.StockCountStatus(v)
			status = &s
		}

		edges, pageInfo, err := models.PaginateStockCounts(c.Request.Context(), limit, after, status)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"edges": edges, "page_info": pageInfo})
	}
}

func getStockCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		run, err := models.GetStockCount(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func cancelStockCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		run, err := models.CancelStockCount(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func commitStockCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "ProcessStockCountCommit")
		defer span.End()

		run, err := workflow.ProcessStockCountCommit(ctx, id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{
			"stock_count_id": run.ID,
			"current_status": run.CurrentStatus,
			"committed_at":   run.CommittedAt,
			"correlation_id": cid,
		})
	}
}

func listStockAdjustmentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		logs, err := models.GetStockAdjustmentLogs(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

/* sector session handlers */

type assignOperatorsRequest struct {
	OperatorAId int `json:"operator_a_id" binding:"required"`
	OperatorBId int `json:"operator_b_id" binding:"required"`
}

func assignOperatorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req assignOperatorsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		session, err := models.AssignSectorOperators(c.Request.Context(), id, req.OperatorAId, req.OperatorBId)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func getSectorCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		session, err := models.GetSectorCount(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func sectorProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		progress, err := models.GetOperatorProgress(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

func cancelSectorCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		session, err := models.CancelSectorCount(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func reopenSectorCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		session, err := models.ReopenSectorCount(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

/* count line handlers */

type submitCountRequest struct {
	Qty   decimal.Decimal `json:"qty" binding:"required"`
	Notes string          `json:"notes"`
}

func submitCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req submitCountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		line, err := models.SubmitCount(c.Request.Context(), id, req.Qty, req.Notes)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func requestRecountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		line, err := models.RequestRecount(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

type resolveManuallyRequest struct {
	Qty           decimal.Decimal `json:"qty" binding:"required"`
	Justification string          `json:"justification" binding:"required"`
}

func resolveManuallyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req resolveManuallyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		line, err := models.ResolveManually(c.Request.Context(), id, req.Qty, req.Justification)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func getCountLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		line, err := models.GetCountLine(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func listAttemptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		attempts, err := models.ListCountAttempts(c.Request.Context(), id)
		if err != nil {
			respondCountError(c, err)
			return
		}
		c.JSON(http.StatusOK, attempts)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe and scrapes.
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		// Gate app endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/", middlewares.AuthMiddleware())
	{
		api.POST("/stock-counts", createStockCountHandler())
		api.GET("/stock-counts", listStockCountsHandler())
		api.GET("/stock-counts/:id", getStockCountHandler())
		api.POST("/stock-counts/:id/cancel", cancelStockCountHandler())
		api.POST("/stock-counts/:id/commit", commitStockCountHandler())
		api.GET("/stock-counts/:id/adjustments", listStockAdjustmentsHandler())

		api.GET("/sector-counts/:id", getSectorCountHandler())
		api.POST("/sector-counts/:id/operators", assignOperatorsHandler())
		api.GET("/sector-counts/:id/progress", sectorProgressHandler())
		api.POST("/sector-counts/:id/cancel", cancelSectorCountHandler())
		api.POST("/sector-counts/:id/reopen", reopenSectorCountHandler())

		api.GET("/count-lines/:id", getCountLineHandler())
		api.POST("/count-lines/:id/counts", submitCountHandler())
		api.POST("/count-lines/:id/recount", requestRecountHandler())
		api.POST("/count-lines/:id/resolve", resolveManuallyHandler())
		api.GET("/count-lines/:id/attempts", listAttemptsHandler())
	}
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
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
