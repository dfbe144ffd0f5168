package payment

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/metrics"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
	"github.com/0gfoundation/0g-nfc-pay/internal/preflight"
	"github.com/0gfoundation/0g-nfc-pay/internal/settlement"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// Step is the user-facing state of a purchase.
type Step string

const (
	StepConnect    Step = "CONNECT"
	StepConfirm    Step = "CONFIRM"
	StepProcessing Step = "PROCESSING"
	StepSuccess    Step = "SUCCESS"
	StepError      Step = "ERROR"
	StepClosed     Step = "CLOSED"
)

var (
	ErrInvalidTransition = errors.New("action not allowed in current step")
	ErrClosed            = errors.New("payment session closed")
	ErrSignerMismatch    = errors.New("connected account is not the signing account")
)

// BalanceChecker is the preflight the session runs. preflight.Checker
// implements it.
type BalanceChecker interface {
	Check(ctx context.Context, p tag.ProductPayload, account common.Address) (*preflight.Snapshot, error)
	Amount(p tag.ProductPayload) (*big.Int, error)
	Token() common.Address
}

// Settler runs the on-chain settlement. settlement.Engine implements it.
type Settler interface {
	Account() common.Address
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
}

// Stopper is an attached scan session the payment stops on Close.
type Stopper interface {
	Stop()
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Checker BalanceChecker
	Settler Settler
	// Merchant receives payment when the product's merchantId is not an address.
	Merchant common.Address
	// Scan, when set, is stopped on Close.
	Scan Stopper
	// PollInterval enables background balance refresh in Confirm. Zero disables it.
	PollInterval time.Duration

	Log     *zap.Logger
	Metrics metrics.Recorder
}

// ErrorView is the serializable form of a session error.
type ErrorView struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func errorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	kind := payerr.KindOf(err)
	return &ErrorView{Kind: kind.String(), Message: err.Error(), Retryable: kind.Retryable()}
}

// View is a point-in-time snapshot of a session for observers.
type View struct {
	ID              string              `json:"id"`
	Step            Step                `json:"step"`
	Product         tag.ProductPayload  `json:"product"`
	Account         string              `json:"account,omitempty"`
	Balance         *preflight.Snapshot `json:"balance,omitempty"`
	CanPay          bool                `json:"canPay"`
	Error           *ErrorView          `json:"error,omitempty"`
	TransactionHash string              `json:"transactionHash,omitempty"`
}

// Transition is published on every step change, and when the balance shown
// in Confirm changes.
type Transition struct {
	From Step      `json:"from"`
	To   Step      `json:"to"`
	At   time.Time `json:"at"`
	View View      `json:"view"`
}
