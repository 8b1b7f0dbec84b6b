package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sms-relay/internal/kv"
)

const (
	successKeyPrefix   = "health:success:"
	failureKeyPrefix   = "health:failure:"
	unhealthyKeyPrefix = "health:unhealthy:"
)

// Status is one provider's health snapshot for the admin view.
type Status struct {
	ProviderID           string  `json:"provider_id"`
	Healthy              bool    `json:"healthy"`
	Success              int64   `json:"success"`
	Failure              int64   `json:"failure"`
	Total                int64   `json:"total"`
	FailureRatio         float64 `json:"failure_ratio"`
	UnhealthySecondsLeft float64 `json:"unhealthy_seconds_left"`
}

// Tracker keeps windowed success/failure counters per provider and a
// sticky unhealthy flag. The flag trips when the failure ratio crosses
// the threshold with enough samples and clears only by TTL expiry or an
// explicit reset, never by the ratio improving.
type Tracker struct {
	store       *kv.Store
	logger      *zap.Logger
	window      time.Duration
	threshold   float64
	minSamples  int64
	providerIDs []string
}

func NewTracker(store *kv.Store, logger *zap.Logger, window time.Duration, threshold float64, minSamples int64, providerIDs []string) *Tracker {
	return &Tracker{
		store:       store,
		logger:      logger,
		window:      window,
		threshold:   threshold,
		minSamples:  minSamples,
		providerIDs: providerIDs,
	}
}

func (t *Tracker) RecordSuccess(ctx context.Context, providerID string) error {
	if _, err := t.store.IncrWindow(ctx, successKeyPrefix+providerID, t.window); err != nil {
		return fmt.Errorf("record success %s: %w", providerID, err)
	}
	return nil
}

// RecordFailure bumps the windowed failure counter and evaluates the
// unhealthy condition. Evaluation happens only on failures; successes
// never trip or clear the flag.
func (t *Tracker) RecordFailure(ctx context.Context, providerID string) error {
	failures, err := t.store.IncrWindow(ctx, failureKeyPrefix+providerID, t.window)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", providerID, err)
	}

	successes, err := t.count(ctx, successKeyPrefix+providerID)
	if err != nil {
		return err
	}

	total := successes + failures
	if total < t.minSamples {
		return nil
	}

	ratio := float64(failures) / float64(max(int64(1), total))
	if ratio < t.threshold {
		return nil
	}

	if err := t.store.Set(ctx, unhealthyKeyPrefix+providerID, "1", t.window); err != nil {
		return fmt.Errorf("mark unhealthy %s: %w", providerID, err)
	}
	t.logger.Warn("provider marked unhealthy",
		zap.String("provider", providerID),
		zap.Float64("failure_ratio", ratio),
		zap.Int64("samples", total))
	return nil
}

// IsHealthy reports whether the provider's unhealthy flag is absent.
// Counter state never decides health directly; only the flag does.
func (t *Tracker) IsHealthy(ctx context.Context, providerID string) (bool, error) {
	flagged, err := t.store.Exists(ctx, unhealthyKeyPrefix+providerID)
	if err != nil {
		return false, fmt.Errorf("check health %s: %w", providerID, err)
	}
	return !flagged, nil
}

func (t *Tracker) Status(ctx context.Context, providerID string) (Status, error) {
	successes, err := t.count(ctx, successKeyPrefix+providerID)
	if err != nil {
		return Status{}, err
	}
	failures, err := t.count(ctx, failureKeyPrefix+providerID)
	if err != nil {
		return Status{}, err
	}
	healthy, err := t.IsHealthy(ctx, providerID)
	if err != nil {
		return Status{}, err
	}

	total := successes + failures
	st := Status{
		ProviderID:   providerID,
		Healthy:      healthy,
		Success:      successes,
		Failure:      failures,
		Total:        total,
		FailureRatio: float64(failures) / float64(max(int64(1), total)),
	}
	if !healthy {
		if ttl, err := t.store.TTL(ctx, unhealthyKeyPrefix+providerID); err == nil && ttl > 0 {
			st.UnhealthySecondsLeft = ttl.Seconds()
		}
	}
	return st, nil
}

func (t *Tracker) StatusAll(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(t.providerIDs))
	for _, id := range t.providerIDs {
		st, err := t.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Reset clears a provider's counters and its unhealthy flag.
func (t *Tracker) Reset(ctx context.Context, providerID string) error {
	return t.store.Del(ctx,
		successKeyPrefix+providerID,
		failureKeyPrefix+providerID,
		unhealthyKeyPrefix+providerID,
	)
}

func (t *Tracker) count(ctx context.Context, key string) (int64, error) {
	v, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		t.logger.Warn("unparseable health counter, reading as zero",
			zap.String("key", key),
			zap.String("value", v))
		return 0, nil
	}
	return n, nil
}
