package security

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := io.ReadAll(r.Body); err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func TestBodySizeLimit(t *testing.T) {
	h := BodySizeLimit(8)(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"too":"large"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")

	// chunked bodies have no declared length and are cut off while reading
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"too":"large"}`))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCorrelationIDPropagates(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "cid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "cid-123", seen)
	assert.Equal(t, "cid-123", rec.Header().Get(CorrelationIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "cid-123", seen)

	for _, bad := range []string{"has space", "new\nline", strings.Repeat("a", 129)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, bad)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.NotEqual(t, bad, seen)
		assert.Len(t, seen, 36, "replaced by a uuid")
	}
}

func TestIPAllowlist(t *testing.T) {
	allow, err := ParseAllowlist([]string{"10.0.0.0/8", " ", "192.168.1.7", "fd00::/8"})
	require.NoError(t, err)
	require.Len(t, allow, 3)

	_, err = ParseAllowlist([]string{"not-a-cidr"})
	require.Error(t, err)
	_, err = ParseAllowlist([]string{"10.0.0.0/33"})
	require.Error(t, err)

	h := IPAllowlist(allow)(http.HandlerFunc(okHandler))
	for addr, want := range map[string]int{
		"10.1.2.3:5000":          http.StatusOK,
		"192.168.1.7:5000":       http.StatusOK,
		"192.168.1.8:5000":       http.StatusForbidden,
		"[::ffff:10.0.0.1]:5000": http.StatusOK,
		"[fd00::1]:443":          http.StatusOK,
		"172.16.0.1:5000":        http.StatusForbidden,
		"garbage":                http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, addr)
	}
}

func TestRedisTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := &RedisTokenBucket{Redis: rdb, Prefix: "sinpe", Capacity: 2, RefillRate: 0.5}

	h := RateLimitMiddleware(limiter, RateLimitKey)(http.HandlerFunc(okHandler))

	var last *httptest.ResponseRecorder
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "2", last.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 2, retry, 1)

	// another caller has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.9.9.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	limiter.FailOpen = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenBucketRefills(t *testing.T) {
	mr := miniredis.RunT(t)
	now := time.Unix(1_700_000_000, 0)
	limiter := &RedisTokenBucket{
		Redis:      redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Capacity:   1,
		RefillRate: 1,
		Now:        func() time.Time { return now },
	}
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "peer:119")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "peer:119")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	now = now.Add(500 * time.Millisecond)
	d, err = limiter.Allow(ctx, "peer:119")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 0.001)

	now = now.Add(time.Second)
	d, err = limiter.Allow(ctx, "peer:119")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimitKeyFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.4:9999"
	assert.Equal(t, "ip:10.0.0.4", RateLimitKey(req))

	req.RemoteAddr = "nonsense"
	assert.Empty(t, RateLimitKey(req))
}

const testSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_account", "amount"],
  "properties": {
    "from_account": {"type": "string", "minLength": 1},
    "amount": {"type": ["number", "string"]}
  }
}`

func TestJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator("test", testSchema)
	require.NoError(t, err)

	var got string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(contentType, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	body := `{"from_account":"CR53015200010000001234","amount":"10.00"}`
	rec := send("application/json; charset=utf-8", body)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, body, got, "handler sees the original body")

	assert.Equal(t, http.StatusUnsupportedMediaType, send("text/plain", body).Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, send("", body).Code)

	rec = send("application/json", `{"from_account":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_json")

	rec = send("application/json", `{"from_account":"x","amount":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
	assert.Contains(t, rec.Body.String(), "/amount")

	_, err = NewJSONSchemaValidator("broken", `{"type": 5}`)
	assert.Error(t, err)
}
