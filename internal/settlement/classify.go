package settlement

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/0gfoundation/0g-nfc-pay/internal/chain"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
)

// codeUserRejected is the EIP-1193 provider error for a declined signature.
const codeUserRejected = 4001

// Classify maps a signer or node failure onto the settlement error kinds.
// Anything it cannot place is KindUnknownSettlement. Already classified errors
// pass through unchanged.
func Classify(err error) *payerr.Error {
	if err == nil {
		return nil
	}
	var pe *payerr.Error
	if errors.As(err, &pe) {
		return pe
	}
	return payerr.New(classifyKind(err), err)
}

func classifyKind(err error) payerr.Kind {
	msg := strings.ToLower(err.Error())

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return payerr.KindUserRejectedSigning
	}
	if strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "rejected by user") {
		return payerr.KindUserRejectedSigning
	}

	if strings.Contains(msg, "insufficient funds") {
		return payerr.KindInsufficientFunds
	}

	if errors.Is(err, chain.ErrReverted) || strings.Contains(msg, "execution reverted") {
		return payerr.KindContractReverted
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return payerr.KindContractReverted
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return payerr.KindNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return payerr.KindNetworkTimeout
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return payerr.KindNetworkTimeout
	}

	return payerr.KindUnknownSettlement
}
