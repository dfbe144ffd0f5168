// Command checkbal runs one balance preflight for an account against a
// product price, exactly as the payment flow does before enabling Pay.
//
// Usage:
//
//	go run ./cmd/checkbal/ --rpc <url> --token 0x... --account 0x... --price 20000 [--decimals 18]
//
// With --decimals -1 the token's decimals() is read from the chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-nfc-pay/internal/chain"
	"github.com/0gfoundation/0g-nfc-pay/internal/preflight"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

type options struct {
	token    common.Address
	account  common.Address
	price    float64
	decimals int
}

// reader is the chain access checkbal needs.
type reader interface {
	preflight.BalanceReader
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

func main() {
	rpcURL := flag.String("rpc", "https://evmrpc-testnet.0g.ai", "EVM RPC endpoint")
	token := flag.String("token", "", "ERC-20 payment token address")
	account := flag.String("account", "", "buyer account address")
	price := flag.Float64("price", 0, "product price in whole token units")
	decimals := flag.Int("decimals", 18, "token decimals (-1 reads them from the chain)")
	flag.Parse()

	for name, v := range map[string]string{"--token": *token, "--account": *account} {
		if !common.IsHexAddress(v) {
			fmt.Fprintf(os.Stderr, "error: %s must be a hex address\n", name)
			os.Exit(1)
		}
	}

	client, err := chain.Dial(*rpcURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial rpc: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := options{
		token:    common.HexToAddress(*token),
		account:  common.HexToAddress(*account),
		price:    *price,
		decimals: *decimals,
	}
	if err := run(ctx, client, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "preflight: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, r reader, opts options, out io.Writer) error {
	decimals := opts.decimals
	if decimals < 0 {
		d, err := r.TokenDecimals(ctx, opts.token)
		if err != nil {
			return err
		}
		decimals = int(d)
	}

	checker := preflight.NewChecker(r, opts.token, int32(decimals))
	snap, err := checker.Check(ctx, tag.ProductPayload{Price: opts.price}, opts.account)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "account:   %s\n", snap.Account.Hex())
	fmt.Fprintf(out, "required:  %s\n", snap.Required)
	fmt.Fprintf(out, "token:     %s (sufficient=%t)\n", snap.TokenBalance, snap.TokenSufficient)
	fmt.Fprintf(out, "gas:       %s wei (sufficient=%t)\n", snap.GasBalance, snap.GasSufficient)
	enc, _ := json.Marshal(snap)
	fmt.Fprintf(out, "snapshot:  %s\n", enc)
	if !snap.HasEnoughBalance {
		return fmt.Errorf("insufficient balance")
	}
	return nil
}
