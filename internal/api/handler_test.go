package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/auth"
	"github.com/0gfoundation/0g-nfc-pay/internal/nfc"
	"github.com/0gfoundation/0g-nfc-pay/internal/payment"
	"github.com/0gfoundation/0g-nfc-pay/internal/preflight"
	"github.com/0gfoundation/0g-nfc-pay/internal/settlement"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeChecker struct {
	mu     sync.Mutex
	enough bool
}

func (f *fakeChecker) setEnough(v bool) {
	f.mu.Lock()
	f.enough = v
	f.mu.Unlock()
}

func (f *fakeChecker) Check(_ context.Context, _ tag.ProductPayload, account common.Address) (*preflight.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &preflight.Snapshot{
		Account:          account,
		TokenBalance:     big.NewInt(50_000),
		GasBalance:       big.NewInt(1),
		Required:         big.NewInt(20_000),
		TokenSufficient:  f.enough,
		GasSufficient:    true,
		HasEnoughBalance: f.enough,
		CheckedAt:        time.Now(),
	}, nil
}

func (f *fakeChecker) Amount(tag.ProductPayload) (*big.Int, error) { return big.NewInt(20_000), nil }

func (f *fakeChecker) Token() common.Address { return common.HexToAddress("0x2222") }

type fakeSettler struct {
	account common.Address
	release chan struct{}
}

func (f *fakeSettler) Account() common.Address { return f.account }

func (f *fakeSettler) Settle(ctx context.Context, _ settlement.Request) (*settlement.Result, error) {
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &settlement.Result{
		ApprovalHash:    common.HexToHash("0xa11"),
		TransactionHash: common.HexToHash("0xabc123"),
		BlockNumber:     7,
	}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

const androidUA = "Mozilla/5.0 (Linux; Android 14; Pixel 8) Chrome/126.0.0.0 Mobile Safari/537.36"

var beanie = tag.ProductPayload{
	ProductID:       "hat-beanie-003",
	Name:            "Wool Beanie",
	Price:           20000,
	Currency:        "KRW",
	MerchantID:      "merchant-042",
	ContractAddress: "0x1111111111111111111111111111111111111111",
}

type fixture struct {
	router   *gin.Engine
	h        *Handler
	mgr      *nfc.Manager
	relay    *nfc.Relay
	sessions *payment.Registry
	checker  *fakeChecker
	settler  *fakeSettler
	key      []byte
	wallet   common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		relay:    nfc.NewRelay(),
		sessions: payment.NewRegistry(),
		checker:  &fakeChecker{enough: true},
		key:      crypto.FromECDSA(key),
		wallet:   crypto.PubkeyToAddress(key.PublicKey),
	}
	f.settler = &fakeSettler{account: f.wallet, release: make(chan struct{})}
	f.mgr = nfc.NewManager(f.relay, zap.NewNop())
	deps := payment.Deps{Checker: f.checker, Settler: f.settler, Log: zap.NewNop()}
	f.h = NewHandler(f.mgr, f.relay, f.sessions, deps, rdb, nil, zap.NewNop())

	f.router = gin.New()
	f.h.Register(f.router.Group("/api"))
	t.Cleanup(f.sessions.CloseAll)
	t.Cleanup(f.mgr.Stop)
	return f
}

func (f *fixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

var bridgeHeaders = map[string]string{
	"User-Agent":        androidUA,
	"X-Forwarded-Proto": "https",
	"X-NFC-Api":         "ndef",
}

// signedHeaders authenticates the fixture wallet for action on session id.
func (f *fixture) signedHeaders(t *testing.T, action, id, nonce string) map[string]string {
	t.Helper()
	msg, _ := json.Marshal(auth.SignedRequest{
		Action:    action,
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
		Nonce:     nonce,
		SessionID: id,
	})
	key, err := crypto.ToECDSA(f.key)
	if err != nil {
		t.Fatal(err)
	}
	sig, _ := crypto.Sign(auth.HashMessage(msg), key)
	sig[64] += 27
	return map[string]string{
		auth.HeaderAddress:   f.wallet.Hex(),
		auth.HeaderMessage:   base64.StdEncoding.EncodeToString(msg),
		auth.HeaderSignature: "0x" + hex.EncodeToString(sig),
	}
}

func encoded(t *testing.T, p tag.ProductPayload) string {
	t.Helper()
	raw, err := tag.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (f *fixture) openSession(t *testing.T) payment.View {
	t.Helper()
	w := f.do(http.MethodPost, "/api/sessions", recordBody{Record: encoded(t, beanie)}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("open session: %d %s", w.Code, w.Body.String())
	}
	return decodeBody[payment.View](t, w)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── compat / tags ─────────────────────────────────────────────────────────────

func TestCompat(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/compat", nil, bridgeHeaders)
	if r := decodeBody[map[string]any](t, w); r["supported"] != true {
		t.Errorf("android chrome over https: %v", r)
	}

	w = f.do(http.MethodGet, "/api/compat", nil, map[string]string{"User-Agent": "Mozilla/5.0 (iPhone) Safari/605.1"})
	if r := decodeBody[map[string]any](t, w); r["supported"] != false || r["reason"] == "" {
		t.Errorf("iphone: %v", r)
	}
}

func TestEncodeDecode(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/tags/encode", beanie, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("encode: %d %s", w.Code, w.Body.String())
	}
	rec := decodeBody[recordBody](t, w)

	w = f.do(http.MethodPost, "/api/tags/decode", rec, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("decode: %d %s", w.Code, w.Body.String())
	}
	if p := decodeBody[tag.ProductPayload](t, w); p.ProductID != beanie.ProductID || p.Price != beanie.Price {
		t.Errorf("decoded: %+v", p)
	}
}

func TestEncode_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	bad := beanie
	bad.Price = 0

	w := f.do(http.MethodPost, "/api/tags/encode", bad, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "price") {
		t.Errorf("error should name the field: %s", body)
	}
}

func TestDecode_Garbage(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/tags/decode", recordBody{Record: "not json"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

// ── scan relay ────────────────────────────────────────────────────────────────

func TestScan_UnsupportedPlatform(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/scan/start", nil, map[string]string{"User-Agent": "Mozilla/5.0 (iPhone) Safari/605.1"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	if body := decodeBody[map[string]any](t, w); body["kind"] != "UNSUPPORTED_PLATFORM" {
		t.Errorf("kind: %v", body["kind"])
	}
}

func TestScan_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodPost, "/api/scan/permission", permissionBody{Granted: false}, nil); w.Code != http.StatusNoContent {
		t.Fatalf("permission: %d", w.Code)
	}
	w := f.do(http.MethodPost, "/api/scan/start", nil, bridgeHeaders)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
}

func TestScan_ReadingOpensSession(t *testing.T) {
	f := newFixture(t)

	if w := f.do(http.MethodPost, "/api/scan/start", nil, bridgeHeaders); w.Code != http.StatusAccepted {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	// A tag without product data is reported and the scan keeps listening.
	junk := readingBody{Serial: "04:aa", Records: []recordIn{{RecordType: "text", Text: "hello"}}}
	if w := f.do(http.MethodPost, "/api/scan/reading", junk, nil); w.Code != http.StatusAccepted {
		t.Fatalf("junk reading: %d", w.Code)
	}
	waitFor(t, "parse error", func() bool {
		st := decodeBody[scanStatus](t, f.do(http.MethodGet, "/api/scan", nil, nil))
		return st.Last != nil && st.Last.Kind == "TAG_PARSE_ERROR" && st.State == nfc.StateScanning
	})

	good := readingBody{Serial: "04:bb", Records: []recordIn{{RecordType: "mime", MediaType: "application/json", Data: []byte(encoded(t, beanie))}}}
	if w := f.do(http.MethodPost, "/api/scan/reading", good, nil); w.Code != http.StatusAccepted {
		t.Fatalf("reading: %d", w.Code)
	}

	var st scanStatus
	waitFor(t, "session from tap", func() bool {
		st = decodeBody[scanStatus](t, f.do(http.MethodGet, "/api/scan", nil, nil))
		return st.Last != nil && st.Last.SessionID != ""
	})
	if st.State != nfc.StateTagRead || st.Last.Product.ProductID != beanie.ProductID {
		t.Errorf("status: %+v", st)
	}

	w := f.do(http.MethodGet, "/api/sessions/"+st.Last.SessionID, nil, nil)
	if v := decodeBody[payment.View](t, w); v.Step != payment.StepConnect {
		t.Errorf("session step: %s", v.Step)
	}

	// The scan already ended, so further readings have nowhere to go.
	waitFor(t, "relay scan closed", func() bool { return !f.relay.Scanning() })
	if w := f.do(http.MethodPost, "/api/scan/reading", good, nil); w.Code != http.StatusConflict {
		t.Errorf("reading after tap: %d", w.Code)
	}
}

func TestScan_Stop(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/scan/start", nil, bridgeHeaders)
	if w := f.do(http.MethodPost, "/api/scan/stop", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("stop: %d", w.Code)
	}
	if st, _ := f.mgr.State(); st != nfc.StateIdle {
		t.Errorf("state: %s", st)
	}
	if f.relay.Scanning() {
		waitFor(t, "relay scan closed", func() bool { return !f.relay.Scanning() })
	}
}

func TestScanStopper_IgnoresStaleSession(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/scan/start", nil, bridgeHeaders)
	stale := scanStopper{h: f.h, gen: f.h.scanGen - 1}
	stale.Stop()
	if st, _ := f.mgr.State(); st != nfc.StateScanning {
		t.Errorf("stale stopper stopped the scan: %s", st)
	}
}

func TestWrite_ThroughBridge(t *testing.T) {
	f := newFixture(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.do(http.MethodPost, "/api/tags/write", beanie, bridgeHeaders) }()

	var pending map[string]string
	waitFor(t, "pending write", func() bool {
		w := f.do(http.MethodGet, "/api/scan/write", nil, nil)
		if w.Code != http.StatusOK {
			return false
		}
		pending = decodeBody[map[string]string](t, w)
		return true
	})
	if p, err := tag.Decode([]byte(pending["record"])); err != nil || p.ProductID != beanie.ProductID {
		t.Fatalf("pending record: %v %+v", err, p)
	}

	if w := f.do(http.MethodPost, "/api/scan/write", writeResultBody{}, nil); w.Code != http.StatusNoContent {
		t.Fatalf("write result: %d", w.Code)
	}
	select {
	case w := <-done:
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), string(nfc.StateWriteSuccess)) {
			t.Errorf("write: %d %s", w.Code, w.Body.String())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write request never returned")
	}

	if w := f.do(http.MethodGet, "/api/scan/write", nil, nil); w.Code != http.StatusNoContent {
		t.Errorf("nothing should be pending: %d", w.Code)
	}
}

func TestWrite_LockedTag(t *testing.T) {
	f := newFixture(t)
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.do(http.MethodPost, "/api/tags/write", beanie, bridgeHeaders) }()

	waitFor(t, "pending write", func() bool {
		return f.do(http.MethodGet, "/api/scan/write", nil, nil).Code == http.StatusOK
	})
	f.do(http.MethodPost, "/api/scan/write", writeResultBody{Error: "locked"}, nil)

	w := <-done
	if w.Code != http.StatusConflict {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	if body := decodeBody[map[string]any](t, w); body["kind"] != "TAG_HARDWARE_ERROR" {
		t.Errorf("kind: %v", body["kind"])
	}
}

// ── payment sessions ──────────────────────────────────────────────────────────

func TestSession_PurchaseFlow(t *testing.T) {
	f := newFixture(t)
	v := f.openSession(t)
	base := "/api/sessions/" + v.ID

	w := f.do(http.MethodPost, base+"/connect", nil, f.signedHeaders(t, "connect", v.ID, "n-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("connect: %d %s", w.Code, w.Body.String())
	}
	if v := decodeBody[payment.View](t, w); v.Step != payment.StepConfirm || !v.CanPay || v.Account != f.wallet.Hex() {
		t.Fatalf("after connect: %+v", v)
	}

	w = f.do(http.MethodPost, base+"/pay", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("pay: %d %s", w.Code, w.Body.String())
	}
	if v := decodeBody[payment.View](t, w); v.Step != payment.StepProcessing {
		t.Fatalf("after pay: %s", v.Step)
	}

	// Completing before confirmation is refused.
	if w := f.do(http.MethodPost, base+"/complete", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("early complete: %d", w.Code)
	}

	close(f.settler.release)
	waitFor(t, "success", func() bool {
		return decodeBody[payment.View](t, f.do(http.MethodGet, base, nil, nil)).Step == payment.StepSuccess
	})

	w = f.do(http.MethodPost, base+"/complete", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}
	r := decodeBody[map[string]any](t, w)
	if r["transactionHash"] != common.HexToHash("0xabc123").Hex() || r["amount"] != float64(20000) {
		t.Errorf("receipt: %v", r)
	}

	if w := f.do(http.MethodGet, base, nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("completed session should be gone: %d", w.Code)
	}
}

func TestSession_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.checker.setEnough(false)
	v := f.openSession(t)
	base := "/api/sessions/" + v.ID

	w := f.do(http.MethodPost, base+"/connect", nil, f.signedHeaders(t, "connect", v.ID, "n-2"))
	if v := decodeBody[payment.View](t, w); v.Step != payment.StepConfirm || v.CanPay {
		t.Fatalf("after connect: %+v", v)
	}

	w = f.do(http.MethodPost, base+"/pay", nil, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("pay: %d %s", w.Code, w.Body.String())
	}
	if body := decodeBody[map[string]any](t, w); body["kind"] != "INSUFFICIENT_BALANCE" {
		t.Errorf("kind: %v", body["kind"])
	}
	if v := decodeBody[payment.View](t, f.do(http.MethodGet, base, nil, nil)); v.Step != payment.StepConfirm {
		t.Errorf("step: %s", v.Step)
	}

	// Topping up and refreshing enables payment.
	f.checker.setEnough(true)
	w = f.do(http.MethodPost, base+"/refresh", nil, nil)
	if v := decodeBody[payment.View](t, w); !v.CanPay {
		t.Errorf("after refresh: %+v", v)
	}
}

func TestSession_ConnectRequiresSignature(t *testing.T) {
	f := newFixture(t)
	v := f.openSession(t)

	if w := f.do(http.MethodPost, "/api/sessions/"+v.ID+"/connect", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: %d", w.Code)
	}
	// A signature for another session is refused.
	other := f.signedHeaders(t, "connect", "some-other-session", "n-3")
	if w := f.do(http.MethodPost, "/api/sessions/"+v.ID+"/connect", nil, other); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong session: %d", w.Code)
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	v := f.openSession(t)
	base := "/api/sessions/" + v.ID

	for _, action := range []string{"/pay", "/retry", "/complete", "/refresh"} {
		if w := f.do(http.MethodPost, base+action, nil, nil); w.Code != http.StatusConflict {
			t.Errorf("%s from Connect: %d", action, w.Code)
		}
	}
}

func TestSession_NotFound(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodGet, "/api/sessions/missing", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("status: %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/sessions", recordBody{Record: `{"type":"product"}`}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid record: %d", w.Code)
	}
}

func TestSession_Close(t *testing.T) {
	f := newFixture(t)
	v := f.openSession(t)
	if w := f.do(http.MethodPost, "/api/sessions/"+v.ID+"/close", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("close: %d", w.Code)
	}
	if f.sessions.Len() != 0 {
		t.Errorf("registry still holds %d sessions", f.sessions.Len())
	}
}

// ── stream ────────────────────────────────────────────────────────────────────

func TestStream_Transitions(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	v := f.openSession(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + v.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var tr payment.Transition
	if err := conn.ReadJSON(&tr); err != nil {
		t.Fatalf("initial view: %v", err)
	}
	if tr.To != payment.StepConnect || tr.View.ID != v.ID {
		t.Fatalf("initial: %+v", tr)
	}

	f.do(http.MethodPost, "/api/sessions/"+v.ID+"/connect", nil, f.signedHeaders(t, "connect", v.ID, "n-4"))
	if err := conn.ReadJSON(&tr); err != nil {
		t.Fatalf("connect transition: %v", err)
	}
	if tr.From != payment.StepConnect || tr.To != payment.StepConfirm {
		t.Errorf("transition: %s -> %s", tr.From, tr.To)
	}

	f.do(http.MethodPost, "/api/sessions/"+v.ID+"/close", nil, nil)
	if err := conn.ReadJSON(&tr); err != nil {
		t.Fatalf("close transition: %v", err)
	}
	if tr.To != payment.StepClosed {
		t.Errorf("last transition: %s", tr.To)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}
