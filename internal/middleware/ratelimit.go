package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/config"
)

// takeScript refills the bucket at KEYS[1] for the whole intervals elapsed
// since its last refill and takes one token if any is left.  It returns
// {allowed, tokens left, ms until the next refill}.
var takeScript = redis.NewScript(`
local key      = KEYS[1]
local now      = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill   = tonumber(ARGV[3])
local interval = tonumber(ARGV[4])

local s = redis.call('HMGET', key, 'tokens', 'refilled_at')
local tokens = tonumber(s[1]) or capacity
local refilled_at = tonumber(s[2]) or now

if interval > 0 and refill > 0 and now > refilled_at then
  local n = math.floor((now - refilled_at) / interval)
  if n > 0 then
    tokens = math.min(capacity, tokens + n * refill)
    refilled_at = refilled_at + n * interval
  end
end

local allowed, wait = 0, 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.max(0, interval - (now - refilled_at))
end

redis.call('HSET', key, 'tokens', tokens, 'refilled_at', refilled_at)
redis.call('EXPIRE', key, tonumber(ARGV[5]))
return {allowed, tokens, wait}
`)

// decision is the script's verdict for one request.
type decision struct {
	allowed   bool
	remaining int64
	wait      time.Duration
}

// parseDecision reads the script reply; ok is false for anything that is
// not a three-element array.
func parseDecision(reply interface{}) (d decision, ok bool) {
	arr, isArr := reply.([]interface{})
	if !isArr || len(arr) != 3 {
		return decision{}, false
	}
	d.allowed = asInt64(arr[0]) == 1
	d.remaining = asInt64(arr[1])
	d.wait = time.Duration(asInt64(arr[2])) * time.Millisecond
	return d, true
}

type bucket struct {
	cfg config.RateLimitConfig
	rdb *redis.Client
	log zerolog.Logger
}

func (b *bucket) take(ctx context.Context, key string) (decision, error) {
	reply, err := takeScript.Run(ctx, b.rdb, []string{key},
		time.Now().UnixMilli(),
		b.cfg.Capacity,
		b.cfg.RefillTokens,
		b.cfg.RefillInterval.Milliseconds(),
		int64(b.cfg.TTL/time.Second),
	).Result()
	if err != nil {
		return decision{}, err
	}
	d, ok := parseDecision(reply)
	if !ok {
		b.log.Warn().Str("key", key).Interface("reply", reply).Msg("ratelimit: unexpected script reply")
		return decision{allowed: true, remaining: -1}, nil
	}
	return d, nil
}

// NewTokenBucket limits requests with a token bucket kept in Redis, so the
// limit holds across every service process.  Without Redis, or when Redis
// errors, requests pass through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log zerolog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	b := &bucket{cfg: cfg, rdb: rdb, log: log}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			d, err := b.take(c.Request().Context(), key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("ratelimit: redis error")
				return next(c)
			}

			hdr := c.Response().Header()
			hdr.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			if d.remaining >= 0 {
				hdr.Set("X-RateLimit-Remaining", strconv.FormatInt(d.remaining, 10))
			}
			if cfg.Debug {
				hdr.Set("X-RateLimit-Key", key)
			}
			if d.allowed {
				return next(c)
			}

			secs := int(math.Ceil(d.wait.Seconds()))
			hdr.Set("Retry-After", strconv.Itoa(secs))
			if cfg.Debug {
				log.Debug().Str("key", key).Dur("wait", d.wait).Msg("ratelimit: blocked")
			}
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too_many_requests",
				"retry_after": secs,
			})
		}
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

// buildRateKey names the bucket a request draws from.  The strategy picks
// which of client ip, client id and route identify it.
func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	parts := map[string]string{
		"ip":     ip,
		"client": clientID(c),
		"route":  c.Request().Method + " " + c.Path(),
	}

	var dims []string
	switch s := strings.ToLower(cfg.KeyStrategy); s {
	case "ip", "client", "route", "ip_client", "ip_route", "client_route":
		dims = strings.Split(s, "_")
	default:
		dims = []string{"ip", "client", "route"}
	}

	key := []string{cfg.Prefix}
	for _, d := range dims {
		key = append(key, d, parts[d])
	}
	return strings.Join(key, ":")
}
