package main

import (
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultAuthMaxFailures = 8
	defaultAuthLockout     = 5 * time.Minute
)

type authFailures struct {
	count     int
	firstSeen time.Time
	lockUntil time.Time
}

// authLimiter locks a client out after repeated bad credentials.
type authLimiter struct {
	lock        sync.Mutex
	maxFailures int
	lockout     time.Duration
	clients     map[string]*authFailures
}

func newAuthLimiter(maxFailures int, lockout time.Duration) *authLimiter {
	if maxFailures <= 0 {
		maxFailures = defaultAuthMaxFailures
	}
	if lockout <= 0 {
		lockout = defaultAuthLockout
	}
	return &authLimiter{maxFailures: maxFailures, lockout: lockout, clients: make(map[string]*authFailures)}
}

func newAuthLimiterFromEnv() *authLimiter {
	maxFailures := envPositiveInt("CORELINK_API_AUTH_MAX_FAILURES", defaultAuthMaxFailures)
	lockoutSec := envPositiveInt("CORELINK_API_AUTH_LOCKOUT_SEC", int(defaultAuthLockout/time.Second))
	return newAuthLimiter(maxFailures, time.Duration(lockoutSec)*time.Second)
}

func envPositiveInt(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// blocked reports how long key must still wait, zero when it may try.
func (l *authLimiter) blocked(key string, now time.Time) time.Duration {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.expireLocked(now)
	if st, ok := l.clients[key]; ok && st.lockUntil.After(now) {
		return st.lockUntil.Sub(now)
	}
	return 0
}

// fail records a bad attempt and returns the lockout it triggered, if any.
func (l *authLimiter) fail(key string, now time.Time) time.Duration {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.expireLocked(now)
	st, ok := l.clients[key]
	if !ok || now.Sub(st.firstSeen) > l.lockout {
		st = &authFailures{firstSeen: now}
		l.clients[key] = st
	}
	st.count++
	if st.count < l.maxFailures {
		return 0
	}
	st.count = 0
	st.firstSeen = now
	st.lockUntil = now.Add(l.lockout)
	return l.lockout
}

func (l *authLimiter) succeed(key string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.clients, key)
}

func (l *authLimiter) expireLocked(now time.Time) {
	for key, st := range l.clients {
		locked := !st.lockUntil.IsZero()
		if (locked && !st.lockUntil.After(now)) || (!locked && now.Sub(st.firstSeen) > l.lockout) {
			delete(l.clients, key)
		}
	}
}

// apiAuth accepts a bearer token or basic auth with the token as password.
// An empty token disables authentication.
type apiAuth struct {
	token   string
	limiter *authLimiter
	now     func() time.Time
}

func (a *apiAuth) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.check(w, r) {
			next(w, r)
		}
	}
}

func (a *apiAuth) check(w http.ResponseWriter, r *http.Request) bool {
	if a == nil || a.token == "" {
		return true
	}
	now := time.Now()
	if a.now != nil {
		now = a.now()
	}
	key := clientKey(r)
	if wait := a.limiter.blocked(key, now); wait > 0 {
		tooManyAttempts(w, wait)
		return false
	}
	supplied, ok := suppliedToken(r)
	if !ok {
		a.limiter.fail(key, now)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(a.token)) != 1 {
		if wait := a.limiter.fail(key, now); wait > 0 {
			tooManyAttempts(w, wait)
			return false
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	a.limiter.succeed(key)
	return true
}

func suppliedToken(r *http.Request) (string, bool) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token), true
		}
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password, true
	}
	// Browsers cannot set headers on websocket upgrades.
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

func tooManyAttempts(w http.ResponseWriter, wait time.Duration) {
	seconds := int(wait.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, "too many auth failures, please retry later")
}

func clientKey(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
