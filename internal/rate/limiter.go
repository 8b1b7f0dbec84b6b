package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-relay/internal/kv"
)

// GlobalScope is the scope name for the service-wide intake window.
const GlobalScope = "global"

// Decision is the result of one admission attempt. Count is the window
// value observed by the attempt: for an admitted call the value after
// its increment, for a denied call the over-limit value that was rolled
// back.
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
}

// ScopeStats describes one admission window for the admin view.
type ScopeStats struct {
	Scope         string  `json:"scope"`
	Count         int64   `json:"count"`
	Limit         int64   `json:"limit"`
	Remaining     int64   `json:"remaining"`
	WindowSeconds float64 `json:"window_seconds"`
	ResetSeconds  float64 `json:"reset_seconds"`
}

// admitScript increments the window counter, owns the TTL on the first
// increment of a window, and rolls the increment back when it lands over
// the limit. Reply is {allowed, observed count}.
var admitScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if v > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return {0, v}
end
return {1, v}
`)

// Limiter enforces fixed admission windows over counters in the KV
// store. The window lives in each key's TTL, not in the key name, so
// every process shares the same counter for a scope.
type Limiter struct {
	store         *kv.Store
	logger        *zap.Logger
	window        time.Duration
	providerLimit int64
	globalLimit   int64
	providerIDs   []string
}

func NewLimiter(store *kv.Store, logger *zap.Logger, window time.Duration, providerLimit, globalLimit int64, providerIDs []string) *Limiter {
	return &Limiter{
		store:         store,
		logger:        logger,
		window:        window,
		providerLimit: providerLimit,
		globalLimit:   globalLimit,
		providerIDs:   providerIDs,
	}
}

func key(scope string) string {
	return "rate_limit:" + scope
}

// AllowGlobal attempts one admission against the service-wide window.
func (l *Limiter) AllowGlobal(ctx context.Context) (Decision, error) {
	return l.admit(ctx, GlobalScope, l.globalLimit)
}

// AllowProvider attempts one admission against a provider's window.
func (l *Limiter) AllowProvider(ctx context.Context, providerID string) (Decision, error) {
	return l.admit(ctx, providerID, l.providerLimit)
}

func (l *Limiter) admit(ctx context.Context, scope string, limit int64) (Decision, error) {
	res, err := l.store.Eval(ctx, admitScript, []string{key(scope)}, limit, l.window.Milliseconds())
	if err != nil {
		return Decision{}, fmt.Errorf("admit %s: %w", scope, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("admit %s: unexpected script reply %v", scope, res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return Decision{Allowed: allowed == 1, Count: count, Limit: limit}, nil
}

// CurrentCount reads a scope's window counter without touching it. A
// missing key reads as zero, as does a value that fails to parse.
func (l *Limiter) CurrentCount(ctx context.Context, scope string) (int64, error) {
	v, ok, err := l.store.Get(ctx, key(scope))
	if err != nil {
		return 0, fmt.Errorf("read count %s: %w", scope, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.logger.Warn("unparseable rate counter, reading as zero",
			zap.String("scope", scope),
			zap.String("value", v))
		return 0, nil
	}
	return n, nil
}

// WouldAdmit reports whether a provider admission would currently
// succeed, without incrementing anything. Selection uses it to filter
// candidates before committing a real admission to the winner.
func (l *Limiter) WouldAdmit(ctx context.Context, providerID string) (bool, error) {
	count, err := l.CurrentCount(ctx, providerID)
	if err != nil {
		return false, err
	}
	return count < l.providerLimit, nil
}

// LimitFor returns the configured limit for a scope.
func (l *Limiter) LimitFor(scope string) int64 {
	if scope == GlobalScope {
		return l.globalLimit
	}
	return l.providerLimit
}

// Stats reports every window (global plus each provider) for the admin
// view. Counts are best-effort reads and may lag under concurrency.
func (l *Limiter) Stats(ctx context.Context) ([]ScopeStats, error) {
	scopes := append([]string{GlobalScope}, l.providerIDs...)
	out := make([]ScopeStats, 0, len(scopes))
	for _, scope := range scopes {
		count, err := l.CurrentCount(ctx, scope)
		if err != nil {
			return nil, err
		}
		limit := l.LimitFor(scope)
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		st := ScopeStats{
			Scope:         scope,
			Count:         count,
			Limit:         limit,
			Remaining:     remaining,
			WindowSeconds: l.window.Seconds(),
		}
		if ttl, err := l.store.TTL(ctx, key(scope)); err == nil && ttl > 0 {
			st.ResetSeconds = ttl.Seconds()
		}
		out = append(out, st)
	}
	return out, nil
}

// Reset clears a scope's window counter.
func (l *Limiter) Reset(ctx context.Context, scope string) error {
	return l.store.Del(ctx, key(scope))
}
