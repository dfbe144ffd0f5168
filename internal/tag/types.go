package tag

// EnvelopeTypeProduct is the only envelope type this pipeline accepts.
const (
	EnvelopeTypeProduct = "product"
	EnvelopeVersion     = "1.0"
)

// ProductPayload is the product/merchant record carried by an NFC tag.
// Timestamp is epoch milliseconds; Decode overwrites it with decode time.
type ProductPayload struct {
	ProductID       string  `json:"productId" validate:"required,notblank"`
	Name            string  `json:"name" validate:"required,notblank"`
	Price           float64 `json:"price" validate:"gt=0"`
	Currency        string  `json:"currency"`
	MerchantID      string  `json:"merchantId" validate:"required,notblank"`
	MerchantName    string  `json:"merchantName"`
	ContractAddress string  `json:"contractAddress" validate:"required,eth_addr"`
	ChainID         int64   `json:"chainId"`
	Timestamp       int64   `json:"timestamp"`
}

// Envelope wraps a payload so other record kinds can share the tag format.
type Envelope struct {
	Type    string         `json:"type"`
	Version string         `json:"version"`
	Data    ProductPayload `json:"data"`
}
