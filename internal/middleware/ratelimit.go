package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"loyaltyshop/internal/models"
)

// RateLimiter implements a per-client token bucket.
type RateLimiter struct {
	mu      sync.RWMutex
	clients map[string]*clientLimiter
	rate    int           // requests per window
	window  time.Duration // refill window
	idle    time.Duration // entries unused this long are dropped
	stop    chan struct{}
	once    sync.Once
}

type clientLimiter struct {
	mu         sync.Mutex
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per window for each
// client and starts its cleanup loop. Call Stop to end it.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate,
		window:  window,
		idle:    time.Hour,
		stop:    make(chan struct{}),
	}
	go rl.cleanup(5 * time.Minute)
	return rl
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, limiter := range rl.clients {
		limiter.mu.Lock()
		if now.Sub(limiter.lastUpdate) > rl.idle {
			delete(rl.clients, key)
		}
		limiter.mu.Unlock()
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow reports whether a request from key may proceed and consumes a token.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	limiter, exists := rl.clients[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter, exists = rl.clients[key]
		if !exists {
			limiter = &clientLimiter{tokens: rl.rate, lastUpdate: time.Now()}
			rl.clients[key] = limiter
		}
		rl.mu.Unlock()
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(limiter.lastUpdate)
	if elapsed >= rl.window {
		limiter.tokens = rl.rate
		limiter.lastUpdate = now
	} else if refill := int(float64(rl.rate) * elapsed.Seconds() / rl.window.Seconds()); refill > 0 {
		limiter.tokens = min(limiter.tokens+refill, rl.rate)
		limiter.lastUpdate = now
	}

	if limiter.tokens > 0 {
		limiter.tokens--
		return true
	}
	return false
}

// ClientKey identifies the caller: the first X-Forwarded-For hop, then
// X-Real-IP, then the remote host.
func ClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimit rejects requests over the limiter's budget with 429.
func RateLimit(limiter *RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	limit := strconv.Itoa(limiter.rate)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !limiter.Allow(key) {
				logger.Warn("rate limit exceeded", zap.String("client", key), zap.String("path", r.URL.Path))
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}
