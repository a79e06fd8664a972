// Package httpapi exposes the credit service to collaborators over HTTP: the
// operation orchestrator reserves, commits, and releases holds; the payment
// gateway confirms purchases; clients read balances and history.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/luminapix/creditd/pkg/credits"
)

// Server wires the gin router over the credit service.
type Server struct {
	service *credits.Service
	logger  *zap.Logger
	cfg     Config
}

// NewServer validates cfg and returns a Server.
func NewServer(cfg Config, service *credits.Service, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.New("credit service is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{service: service, logger: logger, cfg: cfg}, nil
}

// Router builds the HTTP routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	api.Use(identityMiddleware([]byte(server.cfg.JWTSigningKey), server.cfg.JWTIssuer))
	api.GET("/balance", server.handleBalance)
	api.GET("/entries", server.handleListEntries)
	api.POST("/reservations", server.handleReserve)
	api.POST("/reservations/:id/commit", server.handleCommit)
	api.POST("/reservations/:id/release", server.handleRelease)

	webhooks := router.Group("/v1/purchases")
	webhooks.Use(webhookMiddleware(server.cfg.WebhookToken))
	webhooks.POST("", server.handlePurchase)

	return router
}

// Run serves until ctx is done, then drains with a bounded shutdown.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type reserveRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	OperationID string `json:"operation_id" binding:"required"`
}

type commitRequest struct {
	ActualAmount *int64 `json:"actual_amount" binding:"required"`
}

type purchaseRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
	Metadata  string `json:"metadata"`
}

type reservationResponse struct {
	ReservationID string `json:"reservation_id"`
	AccountID     string `json:"account_id"`
	OperationID   string `json:"operation_id"`
	HeldAmount    int64  `json:"held_amount"`
	State         string `json:"state"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
}

type entryResponse struct {
	EntryID          string `json:"entry_id"`
	Kind             string `json:"kind"`
	Amount           int64  `json:"amount"`
	OperationID      string `json:"operation_id"`
	ReservationID    string `json:"reservation_id,omitempty"`
	ResultingBalance int64  `json:"resulting_balance"`
	Metadata         string `json:"metadata"`
	CreatedAt        int64  `json:"created_at"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, ok := accountIDFromContext(ctx)
	if !ok {
		abortUnauthorized(ctx, "missing account identity")
		return
	}
	balance, err := server.service.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":   balance.Total.Int64(),
		"available": balance.Available.Int64(),
	})
}

func (server *Server) handleListEntries(ctx *gin.Context) {
	accountID, ok := accountIDFromContext(ctx)
	if !ok {
		abortUnauthorized(ctx, "missing account identity")
		return
	}
	limit := clampLimit(ctx.DefaultQuery("limit", ""))
	entries, err := server.service.ListEntries(ctx.Request.Context(), accountID, limit)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryResponse{
			EntryID:          entry.EntryID,
			Kind:             entry.Kind.String(),
			Amount:           entry.Amount.Int64(),
			OperationID:      entry.OperationID,
			ReservationID:    entry.ReservationID,
			ResultingBalance: entry.ResultingBalance.Int64(),
			Metadata:         entry.MetadataJSON,
			CreatedAt:        entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": out})
}

func (server *Server) handleReserve(ctx *gin.Context) {
	accountID, ok := accountIDFromContext(ctx)
	if !ok {
		abortUnauthorized(ctx, "missing account identity")
		return
	}
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	reservation, err := server.service.Reserve(ctx.Request.Context(), accountID, credits.Credits(request.Amount), request.OperationID)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapReservation(reservation))
}

func (server *Server) handleCommit(ctx *gin.Context) {
	accountID, ok := accountIDFromContext(ctx)
	if !ok {
		abortUnauthorized(ctx, "missing account identity")
		return
	}
	reservationID := ctx.Param("id")
	var request commitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	reservation, err := server.service.Commit(ctx.Request.Context(), accountID, reservationID, credits.Credits(*request.ActualAmount))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapReservation(reservation))
}

func (server *Server) handleRelease(ctx *gin.Context) {
	accountID, ok := accountIDFromContext(ctx)
	if !ok {
		abortUnauthorized(ctx, "missing account identity")
		return
	}
	reservationID := ctx.Param("id")
	reservation, err := server.service.Release(ctx.Request.Context(), accountID, reservationID)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapReservation(reservation))
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	account, err := server.service.ApplyPurchase(ctx.Request.Context(), request.AccountID, credits.Credits(request.Amount), request.PaymentID, request.Metadata)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id": account.AccountID,
		"balance":    account.Balance.Int64(),
	})
}

func mapReservation(reservation credits.Reservation) reservationResponse {
	return reservationResponse{
		ReservationID: reservation.ReservationID,
		AccountID:     reservation.AccountID,
		OperationID:   reservation.OperationID,
		HeldAmount:    reservation.HeldAmount.Int64(),
		State:         reservation.State.String(),
		CreatedAt:     reservation.CreatedUnixUTC,
		ExpiresAt:     reservation.ExpiresAtUnixUTC,
	}
}

// renderError maps domain outcomes to HTTP statuses. Business outcomes are
// ordinary responses; only storage faults surface as 500.
func (server *Server) renderError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_credits"})
	case errors.Is(err, credits.ErrReservationNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "reservation_not_found"})
	case errors.Is(err, credits.ErrReservationExpired):
		ctx.JSON(http.StatusConflict, gin.H{"error": "reservation_expired"})
	case errors.Is(err, credits.ErrAlreadyTerminal):
		ctx.JSON(http.StatusConflict, gin.H{"error": "already_terminal"})
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidAccountID),
		errors.Is(err, credits.ErrInvalidOperationID),
		errors.Is(err, credits.ErrInvalidPaymentID),
		errors.Is(err, credits.ErrInvalidReservationID),
		errors.Is(err, credits.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		server.logger.Error("credit operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func clampLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListEntriesLimit
	}
	if limit > maxListEntriesLimit {
		return maxListEntriesLimit
	}
	return limit
}
