package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/api"
	"github.com/0gfoundation/0g-nfc-pay/internal/chain"
	"github.com/0gfoundation/0g-nfc-pay/internal/config"
	"github.com/0gfoundation/0g-nfc-pay/internal/metrics"
	"github.com/0gfoundation/0g-nfc-pay/internal/nfc"
	"github.com/0gfoundation/0g-nfc-pay/internal/payment"
	"github.com/0gfoundation/0g-nfc-pay/internal/preflight"
	"github.com/0gfoundation/0g-nfc-pay/internal/settlement"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (demo wallet signer) ─────────────────────────────────────
	signer, err := chain.KeyedTransactor(cfg.Chain.SignerKey, cfg.Chain.ChainID)
	if err != nil {
		log.Fatal("signer init failed", zap.Error(err))
	}
	onchain, err := chain.Dial(cfg.Chain.RPCURL, signer)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	token := common.HexToAddress(cfg.Chain.TokenAddress)
	checkTokenDecimals(ctx, onchain, token, cfg.Chain.TokenDecimals, log)

	// ── Settlement store (abandon sagas interrupted by the last run) ──────────
	store := settlement.NewRedisStore(rdb)
	if n, err := settlement.RecoverInterrupted(ctx, store, log); err != nil {
		log.Error("saga recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Warn("interrupted settlements abandoned", zap.Int("count", n))
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheusRecorder(reg)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	engine := settlement.NewEngine(onchain, store, cfg.Chain.ConfirmTimeout(), rec, log)
	checker := preflight.NewChecker(onchain, token, cfg.Chain.TokenDecimals)

	relay := nfc.NewRelay()
	mgr := nfc.NewManager(relay, log)
	sessions := payment.NewRegistry()

	deps := payment.Deps{
		Checker:      checker,
		Settler:      engine,
		Merchant:     common.HexToAddress(cfg.Chain.MerchantAddress),
		PollInterval: cfg.Preflight.PollInterval(),
		Log:          log,
		Metrics:      rec,
	}
	handler := api.NewHandler(mgr, relay, sessions, deps, rdb, rec, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(handler, reg),
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signer", onchain.Account().Hex()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	// Sagas cut short here are abandoned by the next startup.
	mgr.Stop()
	sessions.CloseAll()
	log.Info("shutdown complete")
}

func newRouter(h *api.Handler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	h.Register(r.Group("/api"))
	return r
}

// tokenDecimalsReader is the chain read checkTokenDecimals needs.
type tokenDecimalsReader interface {
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// checkTokenDecimals warns when the configured decimals disagree with the
// token contract. Prices would be converted at the wrong scale.
func checkTokenDecimals(ctx context.Context, r tokenDecimalsReader, token common.Address, configured int32, log *zap.Logger) bool {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	onchain, err := r.TokenDecimals(readCtx, token)
	if err != nil {
		log.Warn("token decimals unavailable", zap.String("token", token.Hex()), zap.Error(err))
		return false
	}
	if int32(onchain) != configured {
		log.Warn("TOKEN_DECIMALS disagrees with token contract",
			zap.Int32("configured", configured),
			zap.Uint8("onchain", onchain),
		)
		return false
	}
	return true
}
