package nfc

import (
	"context"
	"errors"

	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// State of the scan/write session.
type State string

const (
	StateIdle              State = "IDLE"
	StatePermissionPending State = "PERMISSION_PENDING"
	StateScanning          State = "SCANNING"
	StateTagRead           State = "TAG_READ"
	StateScanError         State = "SCAN_ERROR"
	StateWriting           State = "WRITING"
	StateWriteSuccess      State = "WRITE_SUCCESS"
	StateWriteError        State = "WRITE_ERROR"
)

// Errors a Hardware implementation reports.
var (
	ErrPermission = errors.New("nfc: permission denied")
	ErrTagAbsent  = errors.New("nfc: no tag in range")
	ErrTagLocked  = errors.New("nfc: tag unreadable or read-only")
)

// Record is one NDEF record as delivered by the reader.
type Record struct {
	RecordType string `json:"recordType"`
	MediaType  string `json:"mediaType,omitempty"`
	Data       []byte `json:"data"`
}

// Reading is one detection event, or a read error when Err is set.
type Reading struct {
	Serial  string
	Records []Record
	Err     error
}

// Hardware is the read/write primitive the manager drives. Scan delivers
// readings until ctx is cancelled, then closes the channel.
type Hardware interface {
	RequestPermission(ctx context.Context) error
	Scan(ctx context.Context) (<-chan Reading, error)
	Write(ctx context.Context, data []byte) error
}

// ScanEvent is delivered to the scan consumer: a product, or an error.
type ScanEvent struct {
	Serial  string
	Product *tag.ProductPayload
	Err     error
}
