// Package payment sequences preflight, settlement and receipt derivation
// into one cancellable, retryable purchase.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/metrics"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
	"github.com/0gfoundation/0g-nfc-pay/internal/preflight"
	"github.com/0gfoundation/0g-nfc-pay/internal/receipt"
	"github.com/0gfoundation/0g-nfc-pay/internal/settlement"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

const subscriberBuffer = 16

// Session is one purchase attempt for one scanned product. All methods are
// safe for concurrent use.
type Session struct {
	id      string
	product tag.ProductPayload
	deps    Deps
	log     *zap.Logger
	rec     metrics.Recorder
	now     func() time.Time
	onClose []func(id string)

	// ctx lives until Close; settlement and polling derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	step         Step
	account      *common.Address
	balance      *preflight.Snapshot
	lastErr      error
	result       *settlement.Result
	settleCancel context.CancelFunc
	poller       *preflight.Poller
	pollCancel   context.CancelFunc
	subs         map[int]chan Transition
	nextSub      int
}

type Option func(*Session)

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithOnClose registers fn to run once the session reaches Closed.
func WithOnClose(fn func(id string)) Option {
	return func(s *Session) { s.onClose = append(s.onClose, fn) }
}

// New starts a session in Connect for a product decoded from a tag.
func New(product tag.ProductPayload, deps Deps, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		product: product,
		deps:    deps,
		log:     deps.Log,
		rec:     deps.Metrics,
		now:     time.Now,
		step:    StepConnect,
		subs:    make(map[int]chan Transition),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.rec == nil {
		s.rec = metrics.NoopRecorder{}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.id))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Product() tag.ProductPayload { return s.product }

func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Err is the error that put the session in Error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect binds account and runs the first preflight. On success the session
// moves to Confirm; a failed balance query leaves it in Connect.
func (s *Session) Connect(ctx context.Context, account common.Address) error {
	if account == (common.Address{}) {
		return errors.New("connect: account required")
	}
	if err := s.guard("connect", StepConnect, StepConfirm); err != nil {
		return err
	}

	snap, err := s.check(ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked("connect", StepConnect, StepConfirm); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	s.account = &account
	s.balance = snap
	s.setStep(StepConfirm)
	s.startPollerLocked()
	s.log.Info("account connected",
		zap.String("account", account.Hex()),
		zap.Bool("has_enough_balance", snap.HasEnoughBalance),
	)
	return nil
}

// Refresh re-runs the preflight while in Confirm.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if err := s.guardLocked("refresh", StepConfirm); err != nil {
		s.mu.Unlock()
		return err
	}
	account := *s.account
	s.mu.Unlock()

	snap, err := s.check(ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepConfirm || s.account == nil || *s.account != account {
		// Moved on while querying; the read is stale.
		return nil
	}
	if err != nil {
		return err
	}
	s.balance = snap
	s.setStep(StepConfirm)
	return nil
}

// CanPay reports whether Pay would start a settlement.
func (s *Session) CanPay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canPayLocked()
}

func (s *Session) canPayLocked() bool {
	return s.step == StepConfirm && s.balance != nil && s.balance.HasEnoughBalance
}

// Pay re-checks balances and, if they suffice, moves to Processing and starts
// settlement in the background. It is a no-op while Processing. Insufficient
// balance keeps the session in Confirm and returns InsufficientBalance.
func (s *Session) Pay(ctx context.Context) error {
	s.mu.Lock()
	if s.step == StepProcessing {
		s.mu.Unlock()
		return nil
	}
	if err := s.guardLocked("pay", StepConfirm); err != nil {
		s.mu.Unlock()
		return err
	}
	account := *s.account
	if signer := s.deps.Settler.Account(); signer != (common.Address{}) && signer != account {
		s.mu.Unlock()
		return fmt.Errorf("%w: connected %s, signer %s", ErrSignerMismatch, account.Hex(), signer.Hex())
	}
	s.mu.Unlock()

	snap, err := s.check(ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == StepProcessing {
		return nil
	}
	if err := s.guardLocked("pay", StepConfirm); err != nil {
		return err
	}
	if err != nil {
		s.fail(err)
		return err
	}
	s.balance = snap
	if !snap.HasEnoughBalance {
		s.setStep(StepConfirm)
		return payerr.Newf(payerr.KindInsufficientBalance,
			"token sufficient=%t gas sufficient=%t", snap.TokenSufficient, snap.GasSufficient)
	}

	amount, err := s.deps.Checker.Amount(s.product)
	if err != nil {
		s.fail(err)
		return err
	}
	req := settlement.Request{
		SessionID: s.id,
		Product:   s.product,
		Token:     s.deps.Checker.Token(),
		Recipient: settlement.Recipient(s.product, s.deps.Merchant),
		Amount:    amount,
		Balance:   snap,
	}

	settleCtx, cancel := context.WithCancel(s.ctx)
	s.settleCancel = cancel
	s.lastErr = nil
	if s.poller != nil {
		s.poller.Suspend()
	}
	s.setStep(StepProcessing)
	go s.settle(settleCtx, req)

	s.log.Info("settlement started", zap.String("amount", amount.String()))
	return nil
}

func (s *Session) settle(ctx context.Context, req settlement.Request) {
	res, err := s.deps.Settler.Settle(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settleCancel != nil {
		s.settleCancel()
		s.settleCancel = nil
	}
	if s.step != StepProcessing {
		// Closed while waiting.
		return
	}
	if err != nil {
		s.fail(settlement.Classify(err))
		return
	}
	if s.result == nil {
		s.result = res
	}
	s.setStep(StepSuccess)
	s.log.Info("payment confirmed", zap.String("tx", s.result.TransactionHash.Hex()))
}

// Complete derives the receipt for a confirmed payment and closes the session.
func (s *Session) Complete() (*receipt.Receipt, error) {
	s.mu.Lock()
	if err := s.guardLocked("complete", StepSuccess); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	r := receipt.Derive(s.product, *s.result, *s.account, s.now())
	stop := s.closeLocked()
	s.mu.Unlock()

	stop()
	s.log.Info("payment completed", zap.String("nft_token_id", r.NFTTokenID))
	return &r, nil
}

// Retry leaves Error. With an account bound it runs a fresh preflight and
// returns to Confirm; otherwise it returns to Connect. A failed preflight
// keeps the session in Error with the new cause.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if err := s.guardLocked("retry", StepError); err != nil {
		s.mu.Unlock()
		return err
	}
	s.result = nil
	if s.account == nil {
		s.lastErr = nil
		s.balance = nil
		s.setStep(StepConnect)
		s.mu.Unlock()
		return nil
	}
	account := *s.account
	s.mu.Unlock()

	snap, err := s.check(ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked("retry", StepError); err != nil {
		return err
	}
	if err != nil {
		s.fail(err)
		return err
	}
	s.lastErr = nil
	s.balance = snap
	s.setStep(StepConfirm)
	if s.poller != nil {
		s.poller.Resume()
	}
	return nil
}

// Disconnect unbinds the account and returns to Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked("disconnect", StepConnect, StepConfirm, StepError); err != nil {
		return err
	}
	s.stopPollerLocked()
	s.account = nil
	s.balance = nil
	s.lastErr = nil
	s.result = nil
	s.setStep(StepConnect)
	return nil
}

// Close ends the session from any step. It cancels a settlement wait, stops
// balance polling and any attached scan. Calling it again does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.step == StepClosed {
		s.mu.Unlock()
		return
	}
	stop := s.closeLocked()
	s.mu.Unlock()

	stop()
	s.log.Info("payment session closed")
}

// closeLocked moves to Closed and returns the work that must run unlocked.
func (s *Session) closeLocked() func() {
	if s.settleCancel != nil {
		s.settleCancel()
		s.settleCancel = nil
	}
	s.stopPollerLocked()
	s.setStep(StepClosed)
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.cancel()

	return func() {
		if s.deps.Scan != nil {
			s.deps.Scan.Stop()
		}
		for _, fn := range s.onClose {
			fn(s.id)
		}
	}
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription. Slow subscribers miss transitions rather than block the
// session. The channel closes when the session closes.
func (s *Session) Subscribe() (<-chan Transition, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Transition, subscriberBuffer)
	if s.step == StepClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		ID:      s.id,
		Step:    s.step,
		Product: s.product,
		Balance: s.balance,
		CanPay:  s.canPayLocked(),
		Error:   errorView(s.lastErr),
	}
	if s.account != nil {
		v.Account = s.account.Hex()
	}
	if s.result != nil {
		v.TransactionHash = s.result.TransactionHash.Hex()
	}
	return v
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *Session) check(ctx context.Context, account common.Address) (*preflight.Snapshot, error) {
	snap, err := s.deps.Checker.Check(ctx, s.product, account)
	outcome := "ok"
	if err != nil {
		outcome = payerr.KindOf(err).String()
	} else if !snap.HasEnoughBalance {
		outcome = payerr.KindInsufficientBalance.String()
	}
	s.rec.IncCounter(metrics.PreflightChecks, map[string]string{"kind": outcome})
	return snap, err
}

func (s *Session) guard(action string, allowed ...Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guardLocked(action, allowed...)
}

func (s *Session) guardLocked(action string, allowed ...Step) error {
	if s.step == StepClosed {
		return ErrClosed
	}
	for _, st := range allowed {
		if s.step == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, action, s.step)
}

func (s *Session) fail(err error) {
	s.lastErr = err
	s.setStep(StepError)
	s.log.Warn("payment failed", zap.Stringer("kind", payerr.KindOf(err)), zap.Error(err))
}

// setStep records the step and notifies subscribers. Re-entering the same
// step still notifies, since the view may have changed.
func (s *Session) setStep(to Step) {
	from := s.step
	s.step = to
	t := Transition{From: from, To: to, At: s.now(), View: s.viewLocked()}
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (s *Session) startPollerLocked() {
	if s.deps.PollInterval <= 0 {
		return
	}
	if s.poller != nil {
		s.poller.Resume()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.poller = preflight.NewPoller(s.deps.PollInterval, s.pollRefresh, s.log)
	s.pollCancel = cancel
	go s.poller.Run(ctx)
}

func (s *Session) stopPollerLocked() {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.poller, s.pollCancel = nil, nil
}

func (s *Session) pollRefresh(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrClosed) {
		s.log.Debug("background balance refresh failed", zap.Error(err))
	}
}
