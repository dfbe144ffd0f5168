// Command tagtool encodes, decodes and validates NFC product records.
//
// The encoded record is the text a merchant writes to a tag as a single
// NDEF record (text or application/json).
//
// Usage:
//
//	go run ./cmd/tagtool/ encode --product-id hat-beanie-003 --name "Wool Beanie" \
//	  --price 20000 --currency KRW --merchant-id merchant-042 --contract 0x... [--chain-id 16602]
//	go run ./cmd/tagtool/ decode < record.json
//	go run ./cmd/tagtool/ validate --record '{"type":"product",...}'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: tagtool <encode|decode|validate> [flags]")
		return 2
	}
	switch args[0] {
	case "encode":
		return encode(args[1:], stdout, stderr)
	case "decode":
		return decode(args[1:], stdin, stdout, stderr, true)
	case "validate":
		return decode(args[1:], stdin, stdout, stderr, false)
	}
	fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	return 2
}

func encode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var p tag.ProductPayload
	fs.StringVar(&p.ProductID, "product-id", "", "product identifier")
	fs.StringVar(&p.Name, "name", "", "display name")
	fs.Float64Var(&p.Price, "price", 0, "price in whole token units")
	fs.StringVar(&p.Currency, "currency", "", "display currency code")
	fs.StringVar(&p.MerchantID, "merchant-id", "", "merchant identifier or payout address")
	fs.StringVar(&p.MerchantName, "merchant-name", "", "merchant display name")
	fs.StringVar(&p.ContractAddress, "contract", "", "payment contract address")
	fs.Int64Var(&p.ChainID, "chain-id", 0, "chain ID (informational)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	raw, err := tag.Encode(p)
	if err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(raw))
	return 0
}

// decode reads the record from --record or stdin. With print set it writes
// the decoded payload; otherwise it only reports validity.
func decode(args []string, stdin io.Reader, stdout, stderr io.Writer, print bool) int {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	record := fs.String("record", "", "record text (default: read stdin)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	raw := []byte(*record)
	if *record == "" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "read stdin: %v\n", err)
			return 1
		}
		raw = []byte(strings.TrimSpace(string(b)))
	}

	p, err := tag.Decode(raw)
	if err != nil {
		fmt.Fprintf(stderr, "invalid: %v\n", err)
		return 1
	}
	if !print {
		fmt.Fprintf(stdout, "ok: %s (%s)\n", p.ProductID, p.Name)
		return 0
	}
	out, _ := json.MarshalIndent(p, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}
