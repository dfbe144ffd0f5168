package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-nfc-pay/internal/auth"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// handleOpenSession opens a payment session from a raw tag record, for
// readers that decode outside the scan relay.
func (h *Handler) handleOpenSession(c *gin.Context) {
	var body recordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record is required"})
		return
	}
	p, err := tag.Decode([]byte(body.Record))
	if err != nil {
		writeError(c, err)
		return
	}
	s := h.sessions.Open(*p, h.sessionDeps)
	c.JSON(http.StatusCreated, s.View())
}

func (h *Handler) handleView(c *gin.Context) {
	c.JSON(http.StatusOK, session(c).View())
}

// handleConnect binds the wallet proven by the signed request.
func (h *Handler) handleConnect(c *gin.Context) {
	wallet, ok := auth.Wallet(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wallet not authenticated"})
		return
	}
	s := session(c)
	if err := s.Connect(c.Request.Context(), wallet); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.View())
}

func (h *Handler) handleRefresh(c *gin.Context) {
	s := session(c)
	if err := s.Refresh(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.View())
}

// handlePay returns once settlement has started; progress arrives on the
// stream or by polling the session.
func (h *Handler) handlePay(c *gin.Context) {
	s := session(c)
	if err := s.Pay(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.View())
}

func (h *Handler) handleRetry(c *gin.Context) {
	s := session(c)
	if err := s.Retry(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.View())
}

func (h *Handler) handleDisconnect(c *gin.Context) {
	s := session(c)
	if err := s.Disconnect(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.View())
}

func (h *Handler) handleComplete(c *gin.Context) {
	r, err := session(c).Complete()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) handleClose(c *gin.Context) {
	session(c).Close()
	c.Status(http.StatusNoContent)
}
