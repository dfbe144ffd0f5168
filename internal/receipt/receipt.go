// Package receipt builds the record handed to the buyer after a confirmed
// payment. Receipts are derived on demand and never stored here.
package receipt

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-nfc-pay/internal/settlement"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

type Receipt struct {
	TransactionHash string  `json:"transactionHash"`
	ProductID       string  `json:"productId"`
	ProductName     string  `json:"productName"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	MerchantID      string  `json:"merchantId"`
	MerchantName    string  `json:"merchantName"`
	Payer           string  `json:"payer"`
	BlockHash       string  `json:"blockHash"`
	BlockNumber     uint64  `json:"blockNumber"`
	GasUsed         uint64  `json:"gasUsed"`
	NFTTokenID      string  `json:"nftTokenId"`
	IssuedAt        int64   `json:"issuedAt"`
}

func Derive(p tag.ProductPayload, res settlement.Result, payer common.Address, at time.Time) Receipt {
	return Receipt{
		TransactionHash: res.TransactionHash.Hex(),
		ProductID:       p.ProductID,
		ProductName:     p.Name,
		Amount:          p.Price,
		Currency:        p.Currency,
		MerchantID:      p.MerchantID,
		MerchantName:    p.MerchantName,
		Payer:           payer.Hex(),
		BlockHash:       res.BlockHash.Hex(),
		BlockNumber:     res.BlockNumber,
		GasUsed:         res.GasUsed,
		NFTTokenID:      NFTTokenID(res.TransactionHash),
		IssuedAt:        at.UnixMilli(),
	}
}

// NFTTokenID is the low 64 bits of keccak256(hash) in decimal.
func NFTTokenID(hash common.Hash) string {
	digest := crypto.Keccak256(hash.Bytes())
	return strconv.FormatUint(binary.BigEndian.Uint64(digest[24:]), 10)
}
