package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type window struct {
	count int
	until time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	per       time.Duration
	windows   map[string]*window
	nextSweep time.Time
}

// allow reports whether the request fits the caller's window. When it
// does not, the second return is the Retry-After value in seconds.
// Expired windows are swept at most once per period so the map does not
// grow with every distinct client IP ever seen.
func (l *rateLimiter) allow(ip string, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.After(l.nextSweep) {
		for key, wd := range l.windows {
			if now.After(wd.until) {
				delete(l.windows, key)
			}
		}
		l.nextSweep = now.Add(l.per)
	}
	wd, ok := l.windows[ip]
	if !ok || now.After(wd.until) {
		wd = &window{until: now.Add(l.per)}
		l.windows[ip] = wd
	}
	if wd.count >= l.limit {
		secs := int(wd.until.Sub(now).Seconds())
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}
	wd.count++
	return true, 0
}

// RateLimit applies a fixed-window per-IP limit. Orchestration requests
// are expensive upstream, so the limiter sits in front of the secret gate.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	limiter := &rateLimiter{
		limit:   limit,
		per:     per,
		windows: make(map[string]*window),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, secs := limiter.allow(limiterClientIP(r), time.Now())
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too_many_requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limiterClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}
	return r.RemoteAddr
}
