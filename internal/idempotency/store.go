package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-relay/internal/kv"
)

// keyTTL bounds how long a client can replay an intake. Requests older
// than this are treated as new.
const keyTTL = 24 * time.Hour

// Store maps client-supplied idempotency keys to the request ids they
// produced, so a retried POST returns the original request instead of
// queueing a second one. The mapping is best-effort: two concurrent
// intakes with the same fresh key can both be admitted, the same window
// any client retrying before the first response would hit.
type Store struct {
	store  *kv.Store
	logger *zap.Logger
}

func NewStore(store *kv.Store, logger *zap.Logger) *Store {
	return &Store{store: store, logger: logger}
}

func cacheKey(key string) string {
	return "idempotency:" + key
}

// Lookup returns the request id previously recorded for key. The second
// return is false when the key is unknown or empty.
func (s *Store) Lookup(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}

	id, ok, err := s.store.Get(ctx, cacheKey(key))
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return id, ok, nil
}

// Remember records the request id produced for key. Failures are logged
// and swallowed; losing the mapping only costs dedup on a later retry.
func (s *Store) Remember(ctx context.Context, key, requestID string) {
	if key == "" {
		return
	}

	if err := s.store.Set(ctx, cacheKey(key), requestID, keyTTL); err != nil {
		s.logger.Warn("idempotency key not stored",
			zap.String("key", key),
			zap.String("request_id", requestID),
			zap.Error(err))
		return
	}
	s.logger.Debug("idempotency key stored",
		zap.String("key", key),
		zap.String("request_id", requestID))
}
