package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSetup wires the middleware in front of a handler that echoes the wallet.
func testSetup(t *testing.T) (*miniredis.Miniredis, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := gin.New()
	r.POST("/api/sessions/:id/connect", Middleware(rdb, "connect"), func(c *gin.Context) {
		w, _ := Wallet(c)
		c.JSON(http.StatusOK, gin.H{"wallet": w.Hex()})
	})
	return mr, r
}

func buildRequest(t *testing.T, sr SignedRequest, path string) (*http.Request, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg, _ := json.Marshal(sr)
	sig, _ := crypto.Sign(HashMessage(msg), key)
	sig[64] += 27

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(HeaderAddress, wallet)
	req.Header.Set(HeaderMessage, base64.StdEncoding.EncodeToString(msg))
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return req, wallet
}

func connectMsg(session, nonce string, expiresIn time.Duration) SignedRequest {
	return SignedRequest{
		Action:    "connect",
		ExpiresAt: time.Now().Add(expiresIn).Unix(),
		Nonce:     nonce,
		SessionID: session,
	}
}

func serve(r *gin.Engine, req *http.Request) (int, map[string]string) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

// ── accepted ──────────────────────────────────────────────────────────────────

func TestMiddleware_ValidRequest(t *testing.T) {
	_, r := testSetup(t)

	req, wallet := buildRequest(t, connectMsg("sess-1", "n-valid", 2*time.Minute), "/api/sessions/sess-1/connect")
	code, body := serve(r, req)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, body)
	}
	if body["wallet"] != wallet {
		t.Errorf("wallet: got %s want %s", body["wallet"], wallet)
	}
}

// ── rejected ──────────────────────────────────────────────────────────────────

func TestMiddleware_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		msg     SignedRequest
		path    string
		mutate  func(*http.Request)
		wantErr string
	}{
		{"missing headers", connectMsg("sess-1", "n1", time.Minute), "/api/sessions/sess-1/connect",
			func(r *http.Request) { r.Header.Del(HeaderSignature) }, "missing auth headers"},
		{"expired", connectMsg("sess-1", "n2", -time.Second), "/api/sessions/sess-1/connect",
			nil, "request expired"},
		{"too far ahead", connectMsg("sess-1", "n3", 10*time.Minute), "/api/sessions/sess-1/connect",
			nil, "expires_at too far in future"},
		{"other session", connectMsg("sess-2", "n4", time.Minute), "/api/sessions/sess-1/connect",
			nil, "signed message does not match request"},
		{"other action", SignedRequest{Action: "pay", ExpiresAt: time.Now().Add(time.Minute).Unix(), Nonce: "n5", SessionID: "sess-1"},
			"/api/sessions/sess-1/connect", nil, "signed message does not match request"},
		{"wrong wallet", connectMsg("sess-1", "n6", time.Minute), "/api/sessions/sess-1/connect",
			func(r *http.Request) { r.Header.Set(HeaderAddress, "0x000000000000000000000000000000000000dEaD") }, "invalid signature"},
		{"bad encoding", connectMsg("sess-1", "n7", time.Minute), "/api/sessions/sess-1/connect",
			func(r *http.Request) { r.Header.Set(HeaderMessage, "%%%") }, "invalid X-Signed-Message encoding"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, r := testSetup(t)
			req, _ := buildRequest(t, tc.msg, tc.path)
			if tc.mutate != nil {
				tc.mutate(req)
			}
			code, body := serve(r, req)
			if code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", code)
			}
			if body["error"] != tc.wantErr {
				t.Errorf("error: got %q want %q", body["error"], tc.wantErr)
			}
		})
	}
}

func TestMiddleware_NonceReplay(t *testing.T) {
	mr, r := testSetup(t)
	path := "/api/sessions/sess-1/connect"

	req1, _ := buildRequest(t, connectMsg("sess-1", "n-replay", 2*time.Minute), path)
	if code, body := serve(r, req1); code != http.StatusOK {
		t.Fatalf("first request: %d %v", code, body)
	}

	// Same nonce from another wallet is still blocked.
	req2, _ := buildRequest(t, connectMsg("sess-1", "n-replay", 2*time.Minute), path)
	code, body := serve(r, req2)
	if code != http.StatusUnauthorized || body["error"] != "nonce already used" {
		t.Fatalf("replay: %d %v", code, body)
	}

	if ttl := mr.TTL(nonceKeyPrefix + "n-replay"); ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("nonce ttl: %s", ttl)
	}
}
