package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SigningKey     string
	Issuer         string
}

// Server translates ledger results into transport responses.
type Server struct {
	logger  *zap.Logger
	service *credits.Service
}

// NewRouter builds the gin engine with auth, cors, and the ledger routes.
func NewRouter(cfg Config, service *credits.Service, logger *zap.Logger) (*gin.Engine, error) {
	validator, err := NewTokenValidator([]byte(cfg.SigningKey), cfg.Issuer)
	if err != nil {
		return nil, err
	}
	server := &Server{logger: logger, service: service}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(validator.GinMiddleware())

	api.GET("/balance", server.handleBalance)
	api.POST("/credit", server.handleCredit)
	api.POST("/debit", server.handleDebit)
	api.POST("/holds", server.handlePlaceHold)
	api.POST("/holds/:id/commit", server.handleCommitHold)
	api.POST("/holds/:id/release", server.handleReleaseHold)
	api.GET("/transactions", server.handleListTransactions)

	return router, nil
}

// Run serves the router until context cancellation, then shuts down
// gracefully.
func Run(ctx context.Context, cfg Config, service *credits.Service, logger *zap.Logger) error {
	router, err := NewRouter(cfg, service, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type amountRequest struct {
	Amount      int64          `json:"amount"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Endpoint    string         `json:"endpoint"`
	Metadata    map[string]any `json:"metadata"`
}

type holdRequest struct {
	Amount     int64 `json:"amount"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

type commitRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := requestUserID(ctx)
	if !ok {
		return
	}
	balance, err := server.service.GetOrCreateBalance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(balance))
}

func (server *Server) handleCredit(ctx *gin.Context) {
	userID, ok := requestUserID(ctx)
	if !ok {
		return
	}
	request, amount, transactionType, ok := server.bindAmountRequest(ctx, credits.TransactionSubscriptionAdd)
	if !ok {
		return
	}
	record, err := server.service.Credit(ctx.Request.Context(), userID, amount, transactionType, request.Description,
		credits.WithEndpoint(request.Endpoint))
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionPayload(record))
}

func (server *Server) handleDebit(ctx *gin.Context) {
	userID, ok := requestUserID(ctx)
	if !ok {
		return
	}
	request, amount, transactionType, ok := server.bindAmountRequest(ctx, credits.TransactionUsage)
	if !ok {
		return
	}
	record, err := server.service.Debit(ctx.Request.Context(), userID, amount, transactionType, request.Description,
		credits.WithEndpoint(request.Endpoint))
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionPayload(record))
}

func (server *Server) handlePlaceHold(ctx *gin.Context) {
	userID, ok := requestUserID(ctx)
	if !ok {
		return
	}
	var request holdRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	hold, err := server.service.PlaceHold(ctx.Request.Context(), userID, amount, time.Duration(request.TTLSeconds)*time.Second)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, holdPayload(hold))
}

func (server *Server) handleCommitHold(ctx *gin.Context) {
	if _, ok := requestUserID(ctx); !ok {
		return
	}
	holdID, err := credits.NewHoldID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hold_id", err.Error()))
		return
	}
	var request commitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	record, err := server.service.CommitHold(ctx.Request.Context(), holdID, amount, request.Description)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionPayload(record))
}

func (server *Server) handleReleaseHold(ctx *gin.Context) {
	if _, ok := requestUserID(ctx); !ok {
		return
	}
	holdID, err := credits.NewHoldID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hold_id", err.Error()))
		return
	}
	if err := server.service.ReleaseHold(ctx.Request.Context(), holdID); err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	userID, ok := requestUserID(ctx)
	if !ok {
		return
	}
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be between 1 and 200"))
		return
	}
	records, err := server.service.ListTransactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(records))
	for _, record := range records {
		payload = append(payload, transactionPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) bindAmountRequest(ctx *gin.Context, defaultType credits.TransactionType) (amountRequest, credits.CreditAmount, credits.TransactionType, bool) {
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return amountRequest{}, 0, "", false
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return amountRequest{}, 0, "", false
	}
	transactionType := defaultType
	if request.Type != "" {
		transactionType, err = credits.ParseTransactionType(request.Type)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", err.Error()))
			return amountRequest{}, 0, "", false
		}
	}
	return request, amount, transactionType, true
}

// respondLedgerError maps domain outcomes onto transport statuses. Business
// conditions carry detail; infrastructure faults stay generic.
func (server *Server) respondLedgerError(ctx *gin.Context, err error) {
	var insufficient credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_credits",
				"message":   insufficient.Error(),
				"required":  insufficient.Required,
				"available": insufficient.Available,
			},
		})
		return
	}
	switch {
	case errors.Is(err, credits.ErrHoldNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("hold_not_found", "hold not found"))
	case errors.Is(err, credits.ErrHoldNotActive):
		ctx.JSON(http.StatusConflict, errorResponse("hold_not_active", "hold already committed, released, or expired"))
	case errors.Is(err, credits.ErrInvalidHoldTTL), errors.Is(err, credits.ErrInvalidCreditAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, credits.ErrLockTimeout):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("busy", "account busy, retry later"))
	default:
		server.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "operation failed"))
	}
}

func requestUserID(ctx *gin.Context) (credits.UserID, bool) {
	authContext, ok := getAuthContext(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(authContext.UserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

func balancePayload(balance credits.Balance) gin.H {
	return gin.H{
		"account_id":        balance.AccountID,
		"credits_balance":   balance.CreditsBalance,
		"active_holds":      balance.ActiveHolds,
		"available_credits": balance.AvailableCredits,
		"subscription_tier": balance.Tier.String(),
	}
}

func transactionPayload(record credits.Transaction) gin.H {
	return gin.H{
		"transaction_id": record.TransactionID,
		"amount":         record.Amount,
		"balance_after":  record.BalanceAfter,
		"type":           record.Type.String(),
		"status":         record.Status.String(),
		"description":    record.Description,
		"endpoint":       record.Endpoint,
		"created":        record.CreatedUnixUTC,
	}
}

func holdPayload(hold credits.Hold) gin.H {
	return gin.H{
		"hold_id":    hold.HoldID,
		"amount":     hold.Amount,
		"is_active":  hold.IsActive,
		"expires_at": hold.ExpiresAtUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
