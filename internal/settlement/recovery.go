package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RecoverInterrupted logs every saga left mid-flight by a previous run and
// marks it abandoned. Settlement is not resumed; the buyer retries from the
// approval step. Returns the number of sagas abandoned.
func RecoverInterrupted(ctx context.Context, store Store, log *zap.Logger) (int, error) {
	sagas, err := store.ScanInterrupted(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan interrupted sagas: %w", err)
	}
	n := 0
	for _, g := range sagas {
		log.Warn("abandoning interrupted settlement",
			zap.String("session", g.SessionID),
			zap.String("state", string(g.State)),
			zap.String("account", g.Account),
			zap.String("approval_tx", g.ApprovalTx),
			zap.String("payment_tx", g.PaymentTx),
		)
		if err := store.MarkAbandoned(ctx, g.SessionID); err != nil {
			log.Error("mark saga abandoned", zap.String("session", g.SessionID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
