// Package api exposes the payment pipeline over HTTP for the point-of-sale UI
// and the NFC reader bridge.
package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/auth"
	"github.com/0gfoundation/0g-nfc-pay/internal/metrics"
	"github.com/0gfoundation/0g-nfc-pay/internal/nfc"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
	"github.com/0gfoundation/0g-nfc-pay/internal/payment"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// Handler wires the pipeline routes onto a Gin engine.
type Handler struct {
	nfc         *nfc.Manager
	relay       *nfc.Relay
	sessions    *payment.Registry
	sessionDeps payment.Deps
	rdb         *redis.Client
	rec         metrics.Recorder
	log         *zap.Logger

	scanMu   sync.Mutex
	scanGen  uint64
	lastScan scanResult
}

// NewHandler builds the routes. sessionDeps is the template every payment
// session is opened with.
func NewHandler(mgr *nfc.Manager, relay *nfc.Relay, reg *payment.Registry, sessionDeps payment.Deps,
	rdb *redis.Client, rec metrics.Recorder, log *zap.Logger) *Handler {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Handler{
		nfc:         mgr,
		relay:       relay,
		sessions:    reg,
		sessionDeps: sessionDeps,
		rdb:         rdb,
		rec:         rec,
		log:         log,
	}
}

// Register mounts all routes under rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Capability / tags ──────────────────────────────────────────────────
	rg.GET("/compat", h.handleCompat)
	rg.POST("/tags/encode", h.handleEncode)
	rg.POST("/tags/decode", h.handleDecode)
	rg.POST("/tags/write", h.handleWrite)

	// ── Scan session and reader bridge ─────────────────────────────────────
	rg.GET("/scan", h.handleScanStatus)
	rg.POST("/scan/start", h.handleScanStart)
	rg.POST("/scan/stop", h.handleScanStop)
	rg.POST("/scan/permission", h.handlePermission)
	rg.POST("/scan/reading", h.handleReading)
	rg.GET("/scan/write", h.handlePendingWrite)
	rg.POST("/scan/write", h.handleWriteResult)

	// ── Payment sessions ───────────────────────────────────────────────────
	rg.POST("/sessions", h.handleOpenSession)
	rg.GET("/sessions/:id", h.withSession(h.handleView))
	rg.GET("/sessions/:id/ws", h.withSession(h.handleStream))
	rg.POST("/sessions/:id/connect", auth.Middleware(h.rdb, "connect"), h.withSession(h.handleConnect))
	rg.POST("/sessions/:id/refresh", h.withSession(h.handleRefresh))
	rg.POST("/sessions/:id/pay", h.withSession(h.handlePay))
	rg.POST("/sessions/:id/retry", h.withSession(h.handleRetry))
	rg.POST("/sessions/:id/disconnect", h.withSession(h.handleDisconnect))
	rg.POST("/sessions/:id/complete", h.withSession(h.handleComplete))
	rg.POST("/sessions/:id/close", h.withSession(h.handleClose))
}

const sessionKey = "payment_session"

// withSession resolves :id before calling next.
func (h *Handler) withSession(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.sessions.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(sessionKey, s)
		next(c)
	}
}

func session(c *gin.Context) *payment.Session {
	return c.MustGet(sessionKey).(*payment.Session)
}

// ── Errors ──────────────────────────────────────────────────────────────────

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var pe *payerr.Error
	if errors.As(err, &pe) {
		body["kind"] = pe.Kind.String()
		body["retryable"] = pe.Kind.Retryable()
	}
	c.AbortWithStatusJSON(statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrClosed):
		return http.StatusGone
	case errors.Is(err, payment.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, payment.ErrSignerMismatch):
		return http.StatusForbidden
	case errors.Is(err, tag.ErrInvalidPayload):
		return http.StatusBadRequest
	}
	switch payerr.KindOf(err) {
	case payerr.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case payerr.KindUnsupportedPlatform:
		return http.StatusUnprocessableEntity
	case payerr.KindPermissionDenied:
		return http.StatusForbidden
	case payerr.KindTagParse, payerr.KindTagHardware:
		return http.StatusConflict
	case payerr.KindBalanceQuery, payerr.KindNetworkTimeout:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
