package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Bucket defines rate limit parameters.
type Bucket struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultBuckets are the per-client limits for each route group.
var DefaultBuckets = map[string]Bucket{
	"track_start":  {MaxRequests: 30, Window: time.Minute},
	"track_events": {MaxRequests: 600, Window: time.Minute},
	"admin":        {MaxRequests: 120, Window: time.Minute},
	"admin_write":  {MaxRequests: 20, Window: time.Minute},
	"summary":      {MaxRequests: 5, Window: time.Minute},
}

// Limiter is an in-memory sliding-window rate limiter per key.
type Limiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	buckets map[string]Bucket
}

// New creates a new rate limiter. Entries in overrides replace the defaults.
func New(overrides map[string]Bucket) *Limiter {
	buckets := make(map[string]Bucket, len(DefaultBuckets))
	for k, v := range DefaultBuckets {
		buckets[k] = v
	}
	for k, v := range overrides {
		if v.MaxRequests > 0 && v.Window > 0 {
			buckets[k] = v
		}
	}
	return &Limiter{hits: make(map[string][]time.Time), buckets: buckets}
}

// Allow checks if a request identified by key is within the rate limit for the
// given bucket. Returns true if allowed.
func (l *Limiter) Allow(key string, bucket Bucket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-bucket.Window)

	// Prune old entries
	times := l.hits[key]
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= bucket.MaxRequests {
		l.hits[key] = pruned
		return false
	}

	l.hits[key] = append(pruned, now)
	return true
}

// Bucket returns the named bucket, or a 60/min default.
func (l *Limiter) Bucket(name string) Bucket {
	if b, ok := l.buckets[name]; ok {
		return b
	}
	return Bucket{MaxRequests: 60, Window: time.Minute}
}

// Check writes a 429 response if the client is over the limit for the given
// bucket. Returns true if the request was rejected.
func (l *Limiter) Check(w http.ResponseWriter, r *http.Request, bucketName string) bool {
	bucket := l.Bucket(bucketName)
	key := bucketName + ":" + clientIP(r)

	if l.Allow(key, bucket) {
		return false
	}

	retry := strconv.Itoa(int(bucket.Window.Seconds()))
	w.Header().Set("Retry-After", retry)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"Rate limited","retry_after_seconds":` + retry + `}`))
	return true
}

// Middleware applies the named bucket to every request.
func (l *Limiter) Middleware(bucketName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.Check(w, r, bucketName) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sweep drops keys with no hits inside the longest window.
func (l *Limiter) Sweep() int {
	var longest time.Duration
	for _, b := range l.buckets {
		if b.Window > longest {
			longest = b.Window
		}
	}
	cutoff := time.Now().Add(-longest)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, times := range l.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// clientIP reads RemoteAddr, which netguard.RealIP has already rewritten
// for requests from trusted proxies.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
