package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type AuthAbuseScope string

const (
	AuthAbuseScopeLogin  AuthAbuseScope = "login"
	AuthAbuseScopeForgot AuthAbuseScope = "forgot"
)

// AuthAbusePolicy shapes the short-window cooldown curve. It is independent
// of the durable per-account failure counter: the guard throttles guessing
// long before account lockout triggers.
type AuthAbusePolicy struct {
	FreeAttempts     int
	BaseDelay        time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	ResetWindow      time.Duration
	CaptchaThreshold int
}

func (p AuthAbusePolicy) normalized() AuthAbusePolicy {
	if p.FreeAttempts < 0 {
		p.FreeAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = 15 * time.Minute
	}
	if p.CaptchaThreshold <= 0 {
		p.CaptchaThreshold = 5
	}
	return p
}

func (p AuthAbusePolicy) cooldownFor(attempts int) time.Duration {
	over := attempts - p.FreeAttempts
	if over <= 0 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(over-1)))
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// AbuseState is the outcome of recording one failure.
type AbuseState struct {
	Attempts        int
	Cooldown        time.Duration
	CaptchaRequired bool
}

// AbuseChallengeError wraps an authentication failure once the guard's
// captcha threshold is crossed, carrying the counter state so the transport
// layer can demand a challenge. errors.Is still matches the wrapped kind.
type AbuseChallengeError struct {
	State AbuseState
	Err   error
}

func (e *AbuseChallengeError) Error() string {
	return fmt.Sprintf("%s: challenge required after %d attempts", e.Err, e.State.Attempts)
}

func (e *AbuseChallengeError) Unwrap() error { return e.Err }

// AuthAbuseGuard is consulted before credential comparison. Both the
// identity (normalized email) and the source IP are tracked so a distributed
// guesser and a single-source guesser are each slowed down.
type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (AbuseState, error)
	Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error
}

func normalizeAuthIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

type abuseCounter struct {
	attempts      int
	lastFailure   time.Time
	cooldownUntil time.Time
}

type InMemoryAuthAbuseGuard struct {
	mu     sync.Mutex
	policy AuthAbusePolicy
	state  map[string]*abuseCounter
	now    func() time.Time
}

func NewInMemoryAuthAbuseGuard(policy AuthAbusePolicy) *InMemoryAuthAbuseGuard {
	return &InMemoryAuthAbuseGuard{
		policy: policy.normalized(),
		state:  make(map[string]*abuseCounter),
		now:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (g *InMemoryAuthAbuseGuard) WithClock(clock func() time.Time) *InMemoryAuthAbuseGuard {
	g.mu.Lock()
	defer g.mu.Unlock()
	if clock != nil {
		g.now = clock
	}
	return g
}

func (g *InMemoryAuthAbuseGuard) Check(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	var max time.Duration
	for _, key := range g.keys(scope, identity, ip) {
		c, ok := g.state[key]
		if !ok {
			continue
		}
		if g.expiredLocked(c, now) {
			delete(g.state, key)
			continue
		}
		if remaining := c.cooldownUntil.Sub(now); remaining > max {
			max = remaining
		}
	}
	return max, nil
}

func (g *InMemoryAuthAbuseGuard) RegisterFailure(_ context.Context, scope AuthAbuseScope, identity, ip string) (AbuseState, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	state := AbuseState{}
	for _, key := range g.keys(scope, identity, ip) {
		c, ok := g.state[key]
		if !ok || g.expiredLocked(c, now) {
			c = &abuseCounter{}
			g.state[key] = c
		}
		c.attempts++
		c.lastFailure = now
		cooldown := g.policy.cooldownFor(c.attempts)
		c.cooldownUntil = now.Add(cooldown)
		if c.attempts > state.Attempts {
			state.Attempts = c.attempts
		}
		if cooldown > state.Cooldown {
			state.Cooldown = cooldown
		}
	}
	state.CaptchaRequired = state.Attempts >= g.policy.CaptchaThreshold
	return state, nil
}

func (g *InMemoryAuthAbuseGuard) Reset(_ context.Context, scope AuthAbuseScope, identity, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range g.keys(scope, identity, ip) {
		delete(g.state, key)
	}
	return nil
}

func (g *InMemoryAuthAbuseGuard) expiredLocked(c *abuseCounter, now time.Time) bool {
	return now.Sub(c.lastFailure) > g.policy.ResetWindow
}

func (g *InMemoryAuthAbuseGuard) keys(scope AuthAbuseScope, identity, ip string) []string {
	keys := make([]string, 0, 2)
	if id := normalizeAuthIdentity(identity); id != "" {
		keys = append(keys, string(scope)+":id:"+id)
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		keys = append(keys, string(scope)+":ip:"+ip)
	}
	return keys
}

// RedisAuthAbuseGuard keeps the same counters in a Redis hash per subject so
// the cooldown survives process restarts and is shared across replicas.
type RedisAuthAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AuthAbusePolicy
}

func NewRedisAuthAbuseGuard(client redis.UniversalClient, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	if prefix == "" {
		prefix = "auth_abuse"
	}
	return &RedisAuthAbuseGuard{client: client, prefix: prefix, policy: policy.normalized()}
}

func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	now := time.Now()
	var max time.Duration
	for _, key := range g.subjectKeys(scope, identity, ip) {
		fields, err := g.client.HGetAll(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		if len(fields) == 0 {
			continue
		}
		_, cooldownUntil, err := parseAbuseFields(fields)
		if err != nil {
			return 0, fmt.Errorf("abuse guard state %s: %w", key, err)
		}
		if remaining := cooldownUntil.Sub(now); remaining > max {
			max = remaining
		}
	}
	return max, nil
}

func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (AbuseState, error) {
	state := AbuseState{}
	if g.client == nil {
		return state, nil
	}
	now := time.Now()
	for _, key := range g.subjectKeys(scope, identity, ip) {
		attempts, err := g.client.HIncrBy(ctx, key, "attempts", 1).Result()
		if err != nil {
			return state, err
		}
		cooldown := g.policy.cooldownFor(int(attempts))
		pipe := g.client.TxPipeline()
		pipe.HSet(ctx, key,
			"last_failure_ms", now.UnixMilli(),
			"cooldown_until_ms", now.Add(cooldown).UnixMilli(),
		)
		pipe.Expire(ctx, key, g.policy.ResetWindow)
		if _, err := pipe.Exec(ctx); err != nil {
			return state, err
		}
		if int(attempts) > state.Attempts {
			state.Attempts = int(attempts)
		}
		if cooldown > state.Cooldown {
			state.Cooldown = cooldown
		}
	}
	state.CaptchaRequired = state.Attempts >= g.policy.CaptchaThreshold
	return state, nil
}

func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	if g.client == nil {
		return nil
	}
	keys := g.subjectKeys(scope, identity, ip)
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

func (g *RedisAuthAbuseGuard) subjectKeys(scope AuthAbuseScope, identity, ip string) []string {
	keys := make([]string, 0, 2)
	if id := normalizeAuthIdentity(identity); id != "" {
		keys = append(keys, g.stateKey(scope, "id", id))
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		keys = append(keys, g.stateKey(scope, "ip", ip))
	}
	return keys
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, kind, value string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, kind, value)
}

func parseAbuseFields(fields map[string]string) (lastFailure, cooldownUntil time.Time, err error) {
	lastMs, err := strconv.ParseInt(fields["last_failure_ms"], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse last_failure_ms: %w", err)
	}
	untilMs, err := strconv.ParseInt(fields["cooldown_until_ms"], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse cooldown_until_ms: %w", err)
	}
	return time.UnixMilli(lastMs), time.UnixMilli(untilMs), nil
}
