package settlement

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-nfc-pay/internal/chain"
	"github.com/0gfoundation/0g-nfc-pay/internal/preflight"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// ErrSettlementInFlight is returned when a session already has a settlement running.
var ErrSettlementInFlight = errors.New("settlement already in flight for session")

// Broadcaster signs, submits and watches transactions for one account.
// chain.Client implements it.
type Broadcaster interface {
	Account() common.Address
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	Pay(ctx context.Context, call chain.PaymentCall) (common.Hash, error)
	WaitConfirmed(ctx context.Context, hash common.Hash) (*chain.Confirmation, error)
}

// Request is everything a settlement needs. Balance must come from a preflight
// check taken for this purchase.
type Request struct {
	SessionID string
	Product   tag.ProductPayload
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
	Balance   *preflight.Snapshot
}

// Result describes a confirmed payment.
type Result struct {
	ApprovalHash    common.Hash `json:"approvalHash"`
	TransactionHash common.Hash `json:"transactionHash"`
	BlockHash       common.Hash `json:"blockHash"`
	BlockNumber     uint64      `json:"blockNumber"`
	GasUsed         uint64      `json:"gasUsed"`
}

// SagaState is the persisted progress of one settlement.
type SagaState string

const (
	SagaApprovalSubmitted SagaState = "APPROVAL_SUBMITTED"
	SagaApprovalConfirmed SagaState = "APPROVAL_CONFIRMED"
	SagaPaymentSubmitted  SagaState = "PAYMENT_SUBMITTED"
	SagaSettled           SagaState = "SETTLED"
	SagaFailed            SagaState = "FAILED"
	SagaAbandoned         SagaState = "ABANDONED"
)

// Interrupted reports whether a saga stopped between submission and outcome.
func (s SagaState) Interrupted() bool {
	switch s {
	case SagaApprovalSubmitted, SagaApprovalConfirmed, SagaPaymentSubmitted:
		return true
	}
	return false
}

// Saga is the stored record of one settlement attempt.
type Saga struct {
	SessionID  string
	Account    string
	Token      string
	Spender    string
	Recipient  string
	Amount     string
	ProductID  string
	MerchantID string
	State      SagaState
	ApprovalTx string
	PaymentTx  string
	Error      string
	UpdatedAt  int64
}

// Store persists sagas.
type Store interface {
	Put(ctx context.Context, s Saga) error
	Get(ctx context.Context, sessionID string) (*Saga, error)
	ScanInterrupted(ctx context.Context) ([]Saga, error)
	MarkAbandoned(ctx context.Context, sessionID string) error
}

// Recipient is the merchant's payout address: merchantId when it is itself a
// hex address, otherwise the configured fallback.
func Recipient(p tag.ProductPayload, fallback common.Address) common.Address {
	if common.IsHexAddress(p.MerchantID) {
		return common.HexToAddress(p.MerchantID)
	}
	return fallback
}
