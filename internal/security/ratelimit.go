package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenBucket is a per-key token bucket kept in Redis so every node
// replica behind a balancer shares one budget per caller.
type RedisTokenBucket struct {
	Redis      redis.UniversalClient
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
	// FailOpen admits requests when Redis cannot be reached.
	FailOpen bool
	Logger   *slog.Logger
	Now      func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// The bucket state is a hash {tokens, last}. The remaining balance is
// returned as a string because Lua numbers are truncated to integers on
// the way back to the client.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

var errBadScriptReply = errors.New("rate limiter: unexpected script reply")

func (l *RedisTokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return Decision{Allowed: true, Remaining: float64(l.Capacity)}, nil
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ts := float64(now().UnixNano()) / 1e9
	ttl := int64(math.Ceil(float64(l.Capacity)/l.RefillRate)) + 1
	if l.Prefix != "" {
		key = l.Prefix + ":" + key
	}

	res, err := tokenBucketScript.Run(ctx, l.Redis, []string{key}, l.Capacity, l.RefillRate, ts, ttl).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, errBadScriptReply
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, errBadScriptReply
	}
	raw, ok := res[1].(string)
	if !ok {
		return Decision{}, errBadScriptReply
	}
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, errBadScriptReply
	}

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - remaining) / l.RefillRate * float64(time.Second))
	}
	return d, nil
}

// RateLimitKey buckets callers by the bank code of a verified peer
// certificate, falling back to the remote IP.
func RateLimitKey(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 && len(r.TLS.VerifiedChains) > 0 {
		if bank, _, err := PeerIdentity(r.TLS.PeerCertificates[0]); err == nil {
			return "peer:" + bank
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				if l.FailOpen {
					logger.Warn("rate limiter unavailable, admitting request", "key", key, "error", err)
					next.ServeHTTP(w, r)
					return
				}
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				logger.Warn("rate limit exceeded", "key", key)
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
