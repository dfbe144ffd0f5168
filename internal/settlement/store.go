package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sagaKeyPrefix = "settlement:saga:"

// sagaTTL keeps finished sagas around long enough for support lookups.
const sagaTTL = 7 * 24 * time.Hour

func sagaKey(sessionID string) string {
	return sagaKeyPrefix + sessionID
}

// RedisStore keeps one hash per session.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, g Saga) error {
	key := sagaKey(g.SessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"session_id", g.SessionID,
		"account", g.Account,
		"token", g.Token,
		"spender", g.Spender,
		"recipient", g.Recipient,
		"amount", g.Amount,
		"product_id", g.ProductID,
		"merchant_id", g.MerchantID,
		"state", string(g.State),
		"approval_tx", g.ApprovalTx,
		"payment_tx", g.PaymentTx,
		"error", g.Error,
		"updated_at", g.UpdatedAt,
	)
	if g.State.Interrupted() {
		pipe.Persist(ctx, key)
	} else {
		pipe.Expire(ctx, key, sagaTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put saga %s: %w", g.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Saga, error) {
	vals, err := s.rdb.HGetAll(ctx, sagaKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return sagaFromMap(vals), nil
}

// ScanInterrupted returns sagas that stopped before reaching an outcome.
func (s *RedisStore) ScanInterrupted(ctx context.Context) ([]Saga, error) {
	var sagas []Saga
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sagaKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sagas: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			g := sagaFromMap(vals)
			if g.State.Interrupted() {
				sagas = append(sagas, *g)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return sagas, nil
}

func (s *RedisStore) MarkAbandoned(ctx context.Context, sessionID string) error {
	key := sagaKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", string(SagaAbandoned), "updated_at", time.Now().Unix())
	pipe.Expire(ctx, key, sagaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("abandon saga %s: %w", sessionID, err)
	}
	return nil
}

func sagaFromMap(m map[string]string) *Saga {
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return &Saga{
		SessionID:  m["session_id"],
		Account:    m["account"],
		Token:      m["token"],
		Spender:    m["spender"],
		Recipient:  m["recipient"],
		Amount:     m["amount"],
		ProductID:  m["product_id"],
		MerchantID: m["merchant_id"],
		State:      SagaState(m["state"]),
		ApprovalTx: m["approval_tx"],
		PaymentTx:  m["payment_tx"],
		Error:      m["error"],
		UpdatedAt:  updatedAt,
	}
}
