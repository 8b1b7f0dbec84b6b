package distribution

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"sms-relay/internal/health"
	"sms-relay/internal/kv"
	"sms-relay/internal/provider"
	"sms-relay/internal/rate"
)

// ErrNoProviderAvailable means no provider can take a message right now.
// Callers decide whether that is persistent by checking whether the
// registry itself is empty.
var ErrNoProviderAvailable = errors.New("no provider available")

const (
	deficitKeyPrefix  = "distribution:deficit:"
	selectedKeyPrefix = "distribution:selected:"
)

// ProviderStats is one provider's distribution snapshot for the admin
// view.
type ProviderStats struct {
	ProviderID  string `json:"provider_id"`
	Weight      int64  `json:"weight"`
	Deficit     int64  `json:"deficit"`
	Healthy     bool   `json:"healthy"`
	WindowCount int64  `json:"window_count"`
	Selected    int64  `json:"selected"`
}

// Selector picks the provider for each dispatch: exclusions, then
// health and rate filters (read-only), then smooth weighted round-robin
// over deficit counters shared through the KV store, and only then a
// committed rate admission for the single winner.
type Selector struct {
	registry *provider.Registry
	store    *kv.Store
	health   *health.Tracker
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewSelector(registry *provider.Registry, store *kv.Store, health *health.Tracker, limiter *rate.Limiter, logger *zap.Logger) *Selector {
	return &Selector{
		registry: registry,
		store:    store,
		health:   health,
		limiter:  limiter,
		logger:   logger,
	}
}

// Pick returns the provider id to dispatch to, or ErrNoProviderAvailable.
func (s *Selector) Pick(ctx context.Context, excluded []string) (string, error) {
	all := s.registry.IDs()
	if len(all) == 0 {
		return "", ErrNoProviderAvailable
	}

	candidates := subtract(all, excluded)
	// A retry must not be stranded by its own exclusion history: when
	// every provider is excluded, the exclusions are relaxed instead.
	if len(candidates) == 0 {
		candidates = all
	}

	survivors := make([]string, 0, len(candidates))
	for _, id := range candidates {
		healthy, err := s.health.IsHealthy(ctx, id)
		if err != nil {
			return "", err
		}
		if !healthy {
			continue
		}
		admittable, err := s.limiter.WouldAdmit(ctx, id)
		if err != nil {
			return "", err
		}
		if !admittable {
			continue
		}
		survivors = append(survivors, id)
	}

	for len(survivors) > 0 {
		winner, err := s.rotate(ctx, survivors)
		if err != nil {
			return "", err
		}

		decision, err := s.limiter.AllowProvider(ctx, winner)
		if err != nil {
			return "", err
		}
		if decision.Allowed {
			if _, err := s.store.Incr(ctx, selectedKeyPrefix+winner); err != nil {
				s.logger.Warn("selection counter increment failed",
					zap.String("provider", winner),
					zap.Error(err))
			}
			return winner, nil
		}

		// The window filled between the read-only filter and the
		// commit; the denied increment was already rolled back.
		s.logger.Debug("winner lost admission race, re-rotating",
			zap.String("provider", winner),
			zap.Int64("count", decision.Count))
		survivors = remove(survivors, winner)
	}

	return "", ErrNoProviderAvailable
}

// rotate runs one smooth weighted round-robin step over ids: every
// candidate's deficit gains its weight, the highest deficit wins and
// pays back the total weight. Ids must arrive sorted so the
// lexicographically smallest id wins ties.
func (s *Selector) rotate(ctx context.Context, ids []string) (string, error) {
	var (
		winner      string
		best        int64
		totalWeight int64
	)
	for _, id := range ids {
		p, _ := s.registry.Get(id)
		totalWeight += p.Weight

		deficit, err := s.store.IncrBy(ctx, deficitKeyPrefix+id, p.Weight)
		if err != nil {
			return "", fmt.Errorf("bump deficit %s: %w", id, err)
		}
		if winner == "" || deficit > best || (deficit == best && id < winner) {
			winner, best = id, deficit
		}
	}

	if _, err := s.store.DecrBy(ctx, deficitKeyPrefix+winner, totalWeight); err != nil {
		return "", fmt.Errorf("settle deficit %s: %w", winner, err)
	}
	return winner, nil
}

// Stats reports each provider's weight, shared deficit, health, current
// window count and running pick total.
func (s *Selector) Stats(ctx context.Context) ([]ProviderStats, error) {
	providers := s.registry.All()
	out := make([]ProviderStats, 0, len(providers))
	for _, p := range providers {
		deficit, err := s.readCounter(ctx, deficitKeyPrefix+p.ID)
		if err != nil {
			return nil, err
		}
		selected, err := s.readCounter(ctx, selectedKeyPrefix+p.ID)
		if err != nil {
			return nil, err
		}
		healthy, err := s.health.IsHealthy(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		count, err := s.limiter.CurrentCount(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ProviderStats{
			ProviderID:  p.ID,
			Weight:      p.Weight,
			Deficit:     deficit,
			Healthy:     healthy,
			WindowCount: count,
			Selected:    selected,
		})
	}
	return out, nil
}

// Reset clears every deficit and pick counter.
func (s *Selector) Reset(ctx context.Context) error {
	keys := make([]string, 0, 2*s.registry.Len())
	for _, id := range s.registry.IDs() {
		keys = append(keys, deficitKeyPrefix+id, selectedKeyPrefix+id)
	}
	return s.store.Del(ctx, keys...)
}

func (s *Selector) readCounter(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.logger.Warn("unparseable distribution counter, reading as zero",
			zap.String("key", key),
			zap.String("value", v))
		return 0, nil
	}
	return n, nil
}

func subtract(ids, excluded []string) []string {
	if len(excluded) == 0 {
		return ids
	}
	drop := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, skip := drop[id]; !skip {
			out = append(out, id)
		}
	}
	return out
}

func remove(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
