package httpapi

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limit is a token bucket refilled PerMinute times a minute and holding at most Burst.
type Limit struct {
	PerMinute int
	Burst     int
}

// Scope names the queue surface a budget protects.
type Scope string

const (
	// ScopeJoin is token creation, keyed on the joining user.
	ScopeJoin Scope = "join"
	// ScopePresence is presence submission, keyed on the token.
	ScopePresence Scope = "presence"
	// ScopeCounter is the operator desk (call-next and expire), keyed on the service.
	ScopeCounter Scope = "counter"
)

type RateLimitConfig struct {
	Client   Limit
	Join     Limit
	Presence Limit
	Counter  Limit
}

// RateLimiter holds one bucket set per client address and one per queue surface.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	client *bucketSet
	scopes map[Scope]*bucketSet
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: newBucketSet(cfg.Client, Limit{PerMinute: 120, Burst: 30}),
		scopes: map[Scope]*bucketSet{
			ScopeJoin:     newBucketSet(cfg.Join, Limit{PerMinute: 6, Burst: 3}),
			ScopePresence: newBucketSet(cfg.Presence, Limit{PerMinute: 30, Burst: 5}),
			ScopeCounter:  newBucketSet(cfg.Counter, Limit{PerMinute: 60, Burst: 10}),
		},
	}
}

// Middleware applies the per-address budget to every request.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l != nil {
			if ok, wait := l.client.take(clientIP(r)); !ok {
				writeRateLimited(w, requestIDFrom(r), wait)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Allow spends one request from the scope's bucket for key.
func (l *RateLimiter) Allow(scope Scope, key string) (bool, time.Duration) {
	if l == nil || key == "" {
		return true, 0
	}
	set, ok := l.scopes[scope]
	if !ok {
		return true, 0
	}
	return set.take(key)
}

func writeRateLimited(w http.ResponseWriter, requestID string, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// maxIdleBuckets bounds the bucket map; full buckets are dropped once it is exceeded.
const maxIdleBuckets = 10000

type bucketSet struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newBucketSet(limit, fallback Limit) *bucketSet {
	if limit.PerMinute <= 0 {
		limit.PerMinute = fallback.PerMinute
	}
	if limit.Burst <= 0 {
		limit.Burst = fallback.Burst
	}
	return &bucketSet{
		rate:    float64(limit.PerMinute) / 60.0,
		burst:   float64(limit.Burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// take reports whether key may proceed and, when it may not, how long until it can.
func (s *bucketSet) take(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		if len(s.buckets) >= maxIdleBuckets {
			s.dropFull(now)
		}
		b = &bucket{tokens: s.burst, last: now}
		s.buckets[key] = b
	}
	b.tokens = math.Min(s.burst, b.tokens+now.Sub(b.last).Seconds()*s.rate)
	b.last = now
	if b.tokens < 1 {
		return false, time.Duration((1 - b.tokens) / s.rate * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

func (s *bucketSet) dropFull(now time.Time) {
	for key, b := range s.buckets {
		if b.tokens+now.Sub(b.last).Seconds()*s.rate >= s.burst {
			delete(s.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
