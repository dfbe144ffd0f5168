package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrReverted is returned by WaitConfirmed when a mined transaction failed.
var ErrReverted = errors.New("transaction reverted")

// ErrUnknownTx is returned by WaitConfirmed for a hash this client did not send.
var ErrUnknownTx = errors.New("transaction not sent by this client")

const erc20ABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

const paymentABIJSON = `[
 {"type":"function","name":"pay","stateMutability":"nonpayable",
  "inputs":[
   {"name":"recipient","type":"address"},
   {"name":"amount","type":"uint256"},
   {"name":"productId","type":"string"},
   {"name":"merchantId","type":"string"}],
  "outputs":[]}
]`

var (
	erc20ABI   = mustParseABI(erc20ABIJSON)
	paymentABI = mustParseABI(paymentABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PaymentCall is one invocation of the payment contract's pay method.
type PaymentCall struct {
	Contract   common.Address
	Recipient  common.Address
	Amount     *big.Int
	ProductID  string
	MerchantID string
}

// Confirmation is the mined outcome of a successful transaction.
type Confirmation struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Backend is the subset of ethclient.Client the client needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client wraps go-ethereum with the ERC-20 and payment contract calls used by
// preflight and settlement. The signer is injected; Client never holds a key.
type Client struct {
	backend Backend
	auth    *bind.TransactOpts

	// sendMu keeps nonce assignment ordered for the single signer.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[common.Hash]*types.Transaction
}

// Dial connects to rpcURL. auth may be nil for read-only use.
func Dial(rpcURL string, auth *bind.TransactOpts) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewClient(eth, auth), nil
}

func NewClient(backend Backend, auth *bind.TransactOpts) *Client {
	return &Client{
		backend: backend,
		auth:    auth,
		pending: make(map[common.Hash]*types.Transaction),
	}
}

// Account returns the signer's address, or the zero address when read-only.
func (c *Client) Account() common.Address {
	if c.auth == nil {
		return common.Address{}
	}
	return c.auth.From
}

func (c *Client) erc20(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, erc20ABI, c.backend, c.backend, c.backend)
}

// TokenBalance returns owner's ERC-20 balance in base units.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.erc20(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected %d outputs", len(out))
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// TokenDecimals reads the token's decimals() value.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	var out []interface{}
	if err := c.erc20(token).Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals: unexpected %d outputs", len(out))
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// NativeBalance returns owner's gas-token balance in wei.
func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	return bal, nil
}

// transactOpts copies the injected signer with ctx attached.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.auth == nil {
		return nil, errors.New("no signer configured")
	}
	opts := *c.auth
	opts.Context = ctx
	return &opts, nil
}

// Approve submits approve(spender, amount) on token and returns the tx hash
// without waiting for it to be mined.
func (c *Client) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, c.erc20(token), "approve", spender, amount)
}

// Pay submits pay(recipient, amount, productId, merchantId).
func (c *Client) Pay(ctx context.Context, call PaymentCall) (common.Hash, error) {
	bound := bind.NewBoundContract(call.Contract, paymentABI, c.backend, c.backend, c.backend)
	return c.transact(ctx, bound, "pay", call.Recipient, call.Amount, call.ProductID, call.MerchantID)
}

func (c *Client) transact(ctx context.Context, bound *bind.BoundContract, method string, args ...interface{}) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}

	c.sendMu.Lock()
	tx, err := bound.Transact(opts, method, args...)
	c.sendMu.Unlock()
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", method, err)
	}

	c.mu.Lock()
	c.pending[tx.Hash()] = tx
	c.mu.Unlock()
	return tx.Hash(), nil
}

// WaitConfirmed blocks until the transaction is mined or ctx ends. A reverted
// transaction returns ErrReverted.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) (*Confirmation, error) {
	c.mu.Lock()
	tx, ok := c.pending[hash]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, hash.Hex())
	}

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}

	c.mu.Lock()
	delete(c.pending, hash)
	c.mu.Unlock()

	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return &Confirmation{
		TxHash:      receipt.TxHash,
		BlockHash:   receipt.BlockHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}
