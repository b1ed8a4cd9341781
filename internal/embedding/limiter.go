package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter throttles embedding calls. Wait blocks until a request carrying
// roughly tokens tokens may be sent.
type Limiter interface {
	Wait(ctx context.Context, tokens int64) error
}

// LimitConfig holds provider quotas. Zero disables a dimension.
type LimitConfig struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
	RequestsPerDay    int64 // only enforced by RedisLimiter
}

// LocalLimiter enforces per-minute quotas within one process.
type LocalLimiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewLocalLimiter creates a token-bucket limiter.
func NewLocalLimiter(cfg LimitConfig) *LocalLimiter {
	l := &LocalLimiter{}
	if cfg.RequestsPerMinute > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	if cfg.TokensPerMinute > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), int(cfg.TokensPerMinute))
	}
	return l
}

func (l *LocalLimiter) Wait(ctx context.Context, tokens int64) error {
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if l.tokens != nil && tokens > 0 {
		n := int(tokens)
		if n > l.tokens.Burst() {
			n = l.tokens.Burst()
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// ThrottleError is returned by RedisLimiter.CheckAndIncrement when a quota
// is close to exhaustion.
type ThrottleError struct {
	Limit      string // RPM, TPM or RPD
	Current    int64
	Max        int64
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	if e.Limit == "RPD" {
		return fmt.Sprintf("daily quota exceeded: %d/%d requests (resets in %s)", e.Current, e.Max, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("approaching %s limit (%d/%d), wait %s", e.Limit, e.Current, e.Max, e.RetryAfter.Round(time.Second))
}

// Daily reports whether the daily quota is spent. Waiting does not help.
func (e *ThrottleError) Daily() bool { return e.Limit == "RPD" }

// Counters are bumped and checked in one script so concurrent processes
// sharing a key see a consistent count.
var throttleScript = redis.NewScript(`
	local rpm_key = KEYS[1]
	local tpm_key = KEYS[2]
	local rpd_key = KEYS[3]
	local rpm_limit = tonumber(ARGV[1])
	local tpm_limit = tonumber(ARGV[2])
	local rpd_limit = tonumber(ARGV[3])
	local tokens = tonumber(ARGV[4])

	local rpm = redis.call('INCR', rpm_key)
	local tpm = redis.call('INCRBY', tpm_key, tokens)
	local rpd = redis.call('INCR', rpd_key)

	-- 70s leaves room for clock skew between writers
	if rpm == 1 then redis.call('EXPIRE', rpm_key, 70) end
	if tpm == tokens then redis.call('EXPIRE', tpm_key, 70) end
	if rpd == 1 then redis.call('EXPIRE', rpd_key, 86400) end

	if rpm_limit > 0 and rpm >= rpm_limit * 0.9 then
		return {-1, 'RPM', rpm, rpm_limit}
	end
	if tpm_limit > 0 and tpm >= tpm_limit * 0.9 then
		return {-2, 'TPM', tpm, tpm_limit}
	end
	if rpd_limit > 0 and rpd >= rpd_limit then
		return {-3, 'RPD', rpd, rpd_limit}
	end
	return {0, 'OK', rpm, tpm, rpd}
`)

// RedisLimiter shares quotas between every process embedding with the same
// model, using per-minute and per-day counters in Redis. It throttles at
// 90% of the per-minute limits.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limits LimitConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, addr, password string, db int, model string, limits LimitConfig, logger *logrus.Logger) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &RedisLimiter{
		client: client,
		prefix: "cdegraph:embed:" + model,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (r *RedisLimiter) keys(now time.Time) []string {
	minute := now.UTC().Format("2006-01-02T15:04")
	return []string{
		r.prefix + ":rpm:" + minute,
		r.prefix + ":tpm:" + minute,
		r.prefix + ":rpd:" + now.UTC().Format("2006-01-02"),
	}
}

// CheckAndIncrement counts one request of tokens tokens. It returns a
// *ThrottleError when the caller should hold off.
func (r *RedisLimiter) CheckAndIncrement(ctx context.Context, tokens int64) error {
	now := r.now()
	if tokens < 1 {
		tokens = 1
	}

	result, err := throttleScript.Run(ctx, r.client, r.keys(now),
		r.limits.RequestsPerMinute, r.limits.TokensPerMinute, r.limits.RequestsPerDay, tokens).Result()
	if err != nil {
		return fmt.Errorf("rate limiter Redis operation failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return fmt.Errorf("invalid rate limiter response format")
	}
	code, _ := values[0].(int64)
	if code == 0 {
		return nil
	}
	if len(values) < 4 {
		return fmt.Errorf("invalid rate limiter response format")
	}

	limit, _ := values[1].(string)
	current, _ := values[2].(int64)
	ceiling, _ := values[3].(int64)
	te := &ThrottleError{Limit: limit, Current: current, Max: ceiling}

	utc := now.UTC()
	if te.Daily() {
		midnight := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
		te.RetryAfter = midnight.Sub(utc)
	} else {
		te.RetryAfter = time.Duration(60-utc.Second()) * time.Second
	}
	return te
}

// Wait blocks until the shared counters allow a request. A spent daily
// quota is returned as an error immediately.
func (r *RedisLimiter) Wait(ctx context.Context, tokens int64) error {
	for {
		err := r.CheckAndIncrement(ctx, tokens)
		if err == nil {
			return nil
		}
		te, ok := err.(*ThrottleError)
		if !ok || te.Daily() {
			return err
		}

		r.logger.WithFields(logrus.Fields{
			"limit":   te.Limit,
			"current": te.Current,
			"max":     te.Max,
			"wait":    te.RetryAfter.String(),
		}).Warn("Embedding rate limit approaching, throttling")

		select {
		case <-time.After(te.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Usage returns the current minute's request and token counts and today's
// request count.
func (r *RedisLimiter) Usage(ctx context.Context) (rpm, tpm, rpd int64, err error) {
	keys := r.keys(r.now())
	pipe := r.client.Pipeline()
	rpmCmd := pipe.Get(ctx, keys[0])
	tpmCmd := pipe.Get(ctx, keys[1])
	rpdCmd := pipe.Get(ctx, keys[2])
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, 0, fmt.Errorf("failed to get usage stats: %w", err)
	}
	rpm, _ = rpmCmd.Int64()
	tpm, _ = tpmCmd.Int64()
	rpd, _ = rpdCmd.Int64()
	return rpm, tpm, rpd, nil
}

// Close closes the Redis connection
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
