// Package preflight decides whether an account can pay for a product before
// anything is submitted on chain.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// minGas is the native balance (0.001 of the gas token) an account must hold
// to cover the approve and pay transactions.
var minGas = big.NewInt(1_000_000_000_000_000)

// MinGas returns a copy of the minimum native balance in wei.
func MinGas() *big.Int { return new(big.Int).Set(minGas) }

// BalanceReader reads on-chain balances. chain.Client implements it.
type BalanceReader interface {
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Snapshot is one balance check result.
type Snapshot struct {
	Account          common.Address `json:"account"`
	TokenBalance     *big.Int       `json:"tokenBalance"`
	GasBalance       *big.Int       `json:"gasBalance"`
	Required         *big.Int       `json:"required"`
	TokenSufficient  bool           `json:"tokenSufficient"`
	GasSufficient    bool           `json:"gasSufficient"`
	HasEnoughBalance bool           `json:"hasEnoughBalance"`
	CheckedAt        time.Time      `json:"checkedAt"`
}

// Checker compares an account's balances against a product's price.
type Checker struct {
	reader   BalanceReader
	token    common.Address
	decimals int32
}

func NewChecker(reader BalanceReader, token common.Address, decimals int32) *Checker {
	return &Checker{reader: reader, token: token, decimals: decimals}
}

// Token is the payable token address.
func (c *Checker) Token() common.Address { return c.token }

// Amount converts p.Price to token base units. A price that cannot be paid
// is reported as an invalid tag payload.
func (c *Checker) Amount(p tag.ProductPayload) (*big.Int, error) {
	amount, err := BaseUnits(p.Price, c.decimals)
	if err != nil {
		return nil, payerr.New(payerr.KindTagParse, &tag.ValidationError{Field: "price", Reason: err.Error()})
	}
	return amount, nil
}

// Check reads both balances. A read failure is a BalanceQuery error, never an
// insufficient snapshot.
func (c *Checker) Check(ctx context.Context, p tag.ProductPayload, account common.Address) (*Snapshot, error) {
	required, err := c.Amount(p)
	if err != nil {
		return nil, err
	}

	tokenBal, err := c.reader.TokenBalance(ctx, c.token, account)
	if err != nil {
		return nil, payerr.New(payerr.KindBalanceQuery, fmt.Errorf("token balance: %w", err))
	}
	gasBal, err := c.reader.NativeBalance(ctx, account)
	if err != nil {
		return nil, payerr.New(payerr.KindBalanceQuery, fmt.Errorf("gas balance: %w", err))
	}

	s := &Snapshot{
		Account:         account,
		TokenBalance:    tokenBal,
		GasBalance:      gasBal,
		Required:        required,
		TokenSufficient: tokenBal.Cmp(required) >= 0,
		GasSufficient:   gasBal.Cmp(minGas) >= 0,
		CheckedAt:       time.Now(),
	}
	s.HasEnoughBalance = s.TokenSufficient && s.GasSufficient
	return s, nil
}

var errNonPositivePrice = errors.New("price must be positive")

// BaseUnits returns price × 10^decimals, rounded up so a payment never falls
// short of the displayed price.
func BaseUnits(price float64, decimals int32) (*big.Int, error) {
	d := decimal.NewFromFloat(price)
	if !d.IsPositive() {
		return nil, errNonPositivePrice
	}
	return d.Shift(decimals).Ceil().BigInt(), nil
}
