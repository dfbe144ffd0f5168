// Package settlement runs the two-step approve-then-pay saga that moves a
// buyer's tokens to the merchant.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/chain"
	"github.com/0gfoundation/0g-nfc-pay/internal/metrics"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
)

// Engine settles purchases through an injected Broadcaster. It never retries.
type Engine struct {
	bc             Broadcaster
	store          Store
	confirmTimeout time.Duration
	rec            metrics.Recorder
	log            *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewEngine(bc Broadcaster, store Store, confirmTimeout time.Duration, rec metrics.Recorder, log *zap.Logger) *Engine {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Engine{
		bc:             bc,
		store:          store,
		confirmTimeout: confirmTimeout,
		rec:            rec,
		log:            log,
		inflight:       make(map[string]struct{}),
	}
}

// Account is the address the engine pays from.
func (e *Engine) Account() common.Address { return e.bc.Account() }

// Settle approves the payment contract for exactly req.Amount, waits for that
// approval to be mined, records it, then calls pay and waits again.
// Returned errors are *payerr.Error except ErrSettlementInFlight.
func (e *Engine) Settle(ctx context.Context, req Request) (*Result, error) {
	if req.Balance == nil || !req.Balance.HasEnoughBalance {
		return nil, payerr.Newf(payerr.KindInsufficientBalance, "balance check did not pass for %s", req.Product.ProductID)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, payerr.Newf(payerr.KindUnknownSettlement, "invalid amount %v", req.Amount)
	}

	if !e.acquire(req.SessionID) {
		return nil, ErrSettlementInFlight
	}
	defer e.release(req.SessionID)

	log := e.log.With(zap.String("session", req.SessionID), zap.String("product", req.Product.ProductID))
	spender := common.HexToAddress(req.Product.ContractAddress)
	saga := Saga{
		SessionID:  req.SessionID,
		Account:    e.bc.Account().Hex(),
		Token:      req.Token.Hex(),
		Spender:    spender.Hex(),
		Recipient:  req.Recipient.Hex(),
		Amount:     req.Amount.String(),
		ProductID:  req.Product.ProductID,
		MerchantID: req.Product.MerchantID,
	}

	res, err := e.run(ctx, req, spender, &saga, log)
	if err != nil {
		perr := Classify(err)
		saga.State = SagaFailed
		saga.Error = perr.Error()
		e.record(ctx, saga, log)
		e.rec.IncCounter(metrics.SettlementsError, map[string]string{"kind": perr.Kind.String()})
		log.Warn("settlement failed", zap.Stringer("kind", perr.Kind), zap.Error(err))
		return nil, perr
	}

	saga.State = SagaSettled
	e.record(ctx, saga, log)
	e.rec.IncCounter(metrics.SettlementsOK, nil)
	log.Info("settlement confirmed",
		zap.String("tx", res.TransactionHash.Hex()),
		zap.Uint64("block", res.BlockNumber),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, req Request, spender common.Address, saga *Saga, log *zap.Logger) (*Result, error) {
	// Phase 1: approve.
	approveHash, err := e.bc.Approve(ctx, req.Token, spender, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	saga.State = SagaApprovalSubmitted
	saga.ApprovalTx = approveHash.Hex()
	e.record(ctx, *saga, log)
	log.Info("approval submitted", zap.String("tx", approveHash.Hex()))

	start := time.Now()
	if _, err := e.wait(ctx, approveHash); err != nil {
		return nil, fmt.Errorf("approval confirmation: %w", err)
	}
	e.rec.ObserveLatency(metrics.ApprovalLatency, time.Since(start), nil)

	saga.State = SagaApprovalConfirmed
	saga.UpdatedAt = time.Now().Unix()
	if err := e.store.Put(ctx, *saga); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	// Phase 2: pay.
	payHash, err := e.bc.Pay(ctx, chain.PaymentCall{
		Contract:   spender,
		Recipient:  req.Recipient,
		Amount:     req.Amount,
		ProductID:  req.Product.ProductID,
		MerchantID: req.Product.MerchantID,
	})
	if err != nil {
		return nil, fmt.Errorf("pay: %w", err)
	}
	saga.State = SagaPaymentSubmitted
	saga.PaymentTx = payHash.Hex()
	e.record(ctx, *saga, log)
	log.Info("payment submitted", zap.String("tx", payHash.Hex()))

	start = time.Now()
	conf, err := e.wait(ctx, payHash)
	if err != nil {
		return nil, fmt.Errorf("payment confirmation: %w", err)
	}
	e.rec.ObserveLatency(metrics.PaymentLatency, time.Since(start), nil)

	return &Result{
		ApprovalHash:    approveHash,
		TransactionHash: conf.TxHash,
		BlockHash:       conf.BlockHash,
		BlockNumber:     conf.BlockNumber,
		GasUsed:         conf.GasUsed,
	}, nil
}

// wait bounds one confirmation by confirmTimeout. Running out of time is a
// NetworkTimeout; cancellation by the caller is passed through.
func (e *Engine) wait(ctx context.Context, hash common.Hash) (*chain.Confirmation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	conf, err := e.bc.WaitConfirmed(waitCtx, hash)
	if err == nil {
		return conf, nil
	}
	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return nil, payerr.New(payerr.KindNetworkTimeout, fmt.Errorf("no confirmation for %s within %s", hash.Hex(), e.confirmTimeout))
	}
	return nil, err
}

// record persists progress that has already happened on chain. A store
// failure here does not undo the transaction, so it is only logged.
func (e *Engine) record(ctx context.Context, saga Saga, log *zap.Logger) {
	saga.UpdatedAt = time.Now().Unix()
	if err := e.store.Put(context.WithoutCancel(ctx), saga); err != nil {
		log.Error("persist saga", zap.String("state", string(saga.State)), zap.Error(err))
	}
}

func (e *Engine) acquire(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[sessionID]; busy {
		return false
	}
	e.inflight[sessionID] = struct{}{}
	return true
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.inflight, sessionID)
	e.mu.Unlock()
}
