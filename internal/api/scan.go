package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/compat"
	"github.com/0gfoundation/0g-nfc-pay/internal/metrics"
	"github.com/0gfoundation/0g-nfc-pay/internal/nfc"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// scanResult is the outcome of the latest tap in the current scan session.
type scanResult struct {
	Serial    string              `json:"serial,omitempty"`
	Product   *tag.ProductPayload `json:"product,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Error     string              `json:"error,omitempty"`
	Kind      string              `json:"kind,omitempty"`
}

type scanStatus struct {
	State nfc.State   `json:"state"`
	Error string      `json:"error,omitempty"`
	Last  *scanResult `json:"last,omitempty"`
}

// scanStopper stops the manager only while the scan it was created for is
// still the current one.
type scanStopper struct {
	h   *Handler
	gen uint64
}

func (s scanStopper) Stop() {
	s.h.scanMu.Lock()
	current := s.h.scanGen == s.gen
	s.h.scanMu.Unlock()
	if current {
		s.h.nfc.Stop()
	}
}

// ── Capability / tags ───────────────────────────────────────────────────────

func (h *Handler) handleCompat(c *gin.Context) {
	c.JSON(http.StatusOK, compat.Probe(compat.EnvironmentFromRequest(c.Request)))
}

type recordBody struct {
	Record string `json:"record" binding:"required"`
}

func (h *Handler) handleEncode(c *gin.Context) {
	var p tag.ProductPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	raw, err := tag.Encode(p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordBody{Record: string(raw)})
}

func (h *Handler) handleDecode(c *gin.Context) {
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
	c.JSON(http.StatusOK, p)
}

// handleWrite blocks until the bridge reports the write outcome or the
// request is abandoned.
func (h *Handler) handleWrite(c *gin.Context) {
	var p tag.ProductPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := tag.Validate(p); err != nil {
		writeError(c, err)
		return
	}
	h.bumpScan()
	if err := h.nfc.Write(c.Request.Context(), compat.EnvironmentFromRequest(c.Request), p); err != nil {
		writeError(c, err)
		return
	}
	state, _ := h.nfc.State()
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// ── Scan session ────────────────────────────────────────────────────────────

func (h *Handler) handleScanStatus(c *gin.Context) {
	state, err := h.nfc.State()
	status := scanStatus{State: state}
	if err != nil {
		status.Error = err.Error()
	}
	h.scanMu.Lock()
	if h.lastScan != (scanResult{}) {
		last := h.lastScan
		status.Last = &last
	}
	h.scanMu.Unlock()
	c.JSON(http.StatusOK, status)
}

func (h *Handler) handleScanStart(c *gin.Context) {
	gen := h.bumpScan()
	// The scan outlives this request; Stop or a read ends it.
	events, err := h.nfc.StartScan(context.Background(), compat.EnvironmentFromRequest(c.Request))
	if err != nil {
		writeError(c, err)
		return
	}
	go h.consumeScan(gen, events)

	state, _ := h.nfc.State()
	c.JSON(http.StatusAccepted, scanStatus{State: state})
}

func (h *Handler) handleScanStop(c *gin.Context) {
	h.bumpScan()
	h.nfc.Stop()
	c.JSON(http.StatusOK, scanStatus{State: nfc.StateIdle})
}

// bumpScan invalidates stoppers held by earlier sessions and clears the last
// result.
func (h *Handler) bumpScan() uint64 {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()
	h.scanGen++
	h.lastScan = scanResult{}
	return h.scanGen
}

func (h *Handler) setLastScan(gen uint64, r scanResult) {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()
	if h.scanGen == gen {
		h.lastScan = r
	}
}

// consumeScan turns each product read into a payment session.
func (h *Handler) consumeScan(gen uint64, events <-chan nfc.ScanEvent) {
	for ev := range events {
		if ev.Err != nil {
			kind := payerr.KindOf(ev.Err)
			if kind == payerr.KindTagParse {
				h.rec.IncCounter(metrics.TagParseErrors, nil)
			}
			h.setLastScan(gen, scanResult{Serial: ev.Serial, Error: ev.Err.Error(), Kind: kind.String()})
			h.log.Warn("tag rejected", zap.String("serial", ev.Serial), zap.Error(ev.Err))
			continue
		}

		h.rec.IncCounter(metrics.TagsRead, nil)
		deps := h.sessionDeps
		deps.Scan = scanStopper{h: h, gen: gen}
		s := h.sessions.Open(*ev.Product, deps)
		h.setLastScan(gen, scanResult{Serial: ev.Serial, Product: ev.Product, SessionID: s.ID()})
		h.log.Info("payment session opened from tap",
			zap.String("session", s.ID()),
			zap.String("product", ev.Product.ProductID),
		)
	}
}

// ── Reader bridge ───────────────────────────────────────────────────────────

type permissionBody struct {
	Granted bool `json:"granted"`
}

func (h *Handler) handlePermission(c *gin.Context) {
	var body permissionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.relay.SetPermission(body.Granted)
	c.Status(http.StatusNoContent)
}

// recordIn accepts either raw bytes (base64 in JSON) or text.
type recordIn struct {
	RecordType string `json:"recordType"`
	MediaType  string `json:"mediaType"`
	Data       []byte `json:"data"`
	Text       string `json:"text"`
}

type readingBody struct {
	Serial  string     `json:"serial"`
	Records []recordIn `json:"records"`
	// Error is "absent", "locked", "permission" or a free-form reader message.
	Error string `json:"error"`
}

func (b readingBody) reading() nfc.Reading {
	rd := nfc.Reading{Serial: b.Serial}
	if b.Error != "" {
		rd.Err = bridgeError(b.Error)
		return rd
	}
	for _, r := range b.Records {
		data := r.Data
		if r.Text != "" {
			data = []byte(r.Text)
		}
		rd.Records = append(rd.Records, nfc.Record{RecordType: r.RecordType, MediaType: r.MediaType, Data: data})
	}
	return rd
}

func bridgeError(msg string) error {
	switch msg {
	case "absent":
		return nfc.ErrTagAbsent
	case "locked":
		return nfc.ErrTagLocked
	case "permission":
		return nfc.ErrPermission
	}
	return errors.New(msg)
}

func (h *Handler) handleReading(c *gin.Context) {
	var body readingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.relay.Push(body.reading()) {
		c.JSON(http.StatusConflict, gin.H{"error": "no scan is listening"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) handlePendingWrite(c *gin.Context) {
	data, ok := h.relay.PendingWrite()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record": string(data),
		"data":   base64.StdEncoding.EncodeToString(data),
	})
}

type writeResultBody struct {
	Error string `json:"error"`
}

func (h *Handler) handleWriteResult(c *gin.Context) {
	var body writeResultBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var err error
	if body.Error != "" {
		err = bridgeError(body.Error)
	}
	if !h.relay.CompleteWrite(err) {
		c.JSON(http.StatusConflict, gin.H{"error": "no write is pending"})
		return
	}
	c.Status(http.StatusNoContent)
}
