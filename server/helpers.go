package server

import (
	"net"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	pinRegex   = regexp.MustCompile(`^[0-9]{4,8}$`)
)

const (
	limiterEvery = 6 * time.Second // sustained rate per IP
	limiterBurst = 10
	limiterIdle  = time.Hour
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a token bucket per client IP. Idle entries are swept lazily.
type ipLimiter struct {
	visitors  map[string]*visitor
	lastSweep time.Time
	mu        sync.Mutex
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{visitors: make(map[string]*visitor)}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(limiterEvery), limiterBurst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientIP prefers the first X-Forwarded-For hop, as set by Cloud Run.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if s.limiter.allow(ip) {
		return false
	}
	s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return true
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

func isValidPIN(pin string) bool {
	return pinRegex.MatchString(pin)
}
