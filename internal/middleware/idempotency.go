package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// HeaderIdempotencyKey names the client-chosen retry key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay marks a response served from the cache.
	HeaderIdempotentReplay = "Idempotent-Replayed"
	maxIdempotencyBody     = 1 << 20
)

// IdempotencyCache stores replayable responses.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type idempotencyEntry struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Idempotency replays the first response for a repeated Idempotency-Key on mutating routes.
// Keys are scoped per caller and route. 5xx responses are not cached so a retry after a
// storage failure runs again.
func Idempotency(cache IdempotencyCache, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		cacheKey := scopedKey(c, key)
		ctx := c.Request.Context()

		if raw, ok, err := cache.Get(ctx, cacheKey); err != nil {
			logger.Warn("idempotency lookup failed", zap.Error(err))
		} else if ok {
			var cached idempotencyEntry
			if err := json.Unmarshal(raw, &cached); err == nil {
				c.Header(HeaderIdempotentReplay, "true")
				c.Data(cached.StatusCode, cached.ContentType, cached.Body)
				c.Abort()
				return
			}
			logger.Warn("idempotency: corrupt cache entry", zap.String("key", cacheKey))
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
			return
		}
		data, err := json.Marshal(idempotencyEntry{
			StatusCode:  status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := cache.Set(ctx, cacheKey, data, ttl); err != nil {
			logger.Warn("idempotency: failed to store response", zap.String("key", cacheKey), zap.Error(err))
		}
	}
}

func scopedKey(c *gin.Context, key string) string {
	h := sha256.New()
	if v, ok := c.Get(ContextUserID); ok {
		if s, ok := v.(interface{ String() string }); ok {
			h.Write([]byte(s.String()))
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(c.Request.Method + " " + c.Request.URL.Path))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return "idempotency:" + hex.EncodeToString(h.Sum(nil))
}

type bodyRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// MemoryIdempotencyCache is an in-process IdempotencyCache.
type MemoryIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryIdempotencyCache creates an empty cache.
func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{entries: make(map[string]memoryCacheEntry), now: time.Now}
}

func (m *MemoryIdempotencyCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryIdempotencyCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryCacheEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}
