package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

var encodeArgs = []string{
	"encode",
	"--product-id", "hat-beanie-003",
	"--name", "Wool Beanie",
	"--price", "20000",
	"--currency", "KRW",
	"--merchant-id", "merchant-042",
	"--contract", "0x1111111111111111111111111111111111111111",
}

func TestEncodeThenDecode(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(encodeArgs, nil, &out, &errOut); code != 0 {
		t.Fatalf("encode exit %d: %s", code, errOut.String())
	}
	record := out.String()

	out.Reset()
	if code := run([]string{"decode"}, strings.NewReader(record), &out, &errOut); code != 0 {
		t.Fatalf("decode exit %d: %s", code, errOut.String())
	}
	var p tag.ProductPayload
	if err := json.Unmarshal(out.Bytes(), &p); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if p.ProductID != "hat-beanie-003" || p.Price != 20000 {
		t.Errorf("payload: %+v", p)
	}
}

func TestEncode_MissingField(t *testing.T) {
	var out, errOut bytes.Buffer
	args := append([]string{}, encodeArgs[:len(encodeArgs)-2]...) // drop --contract
	if code := run(args, nil, &out, &errOut); code != 1 {
		t.Fatalf("exit: %d", code)
	}
	if !strings.Contains(errOut.String(), "contractAddress") {
		t.Errorf("stderr should name the field: %s", errOut.String())
	}
}

func TestValidate(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"validate", "--record", `{"type":"coupon","version":"1.0","data":{}}`}, nil, &out, &errOut); code != 1 {
		t.Errorf("foreign envelope accepted: exit %d", code)
	}
	if code := run([]string{"validate", "--record", "garbage"}, nil, &out, &errOut); code != 1 {
		t.Errorf("garbage accepted: exit %d", code)
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"burn"}, nil, &out, &errOut); code != 2 {
		t.Errorf("exit: %d", code)
	}
	if code := run(nil, nil, &out, &errOut); code != 2 {
		t.Errorf("no args exit: %d", code)
	}
}
