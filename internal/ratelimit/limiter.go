// Package ratelimit implements the global + per-symbol + endpoint-class
// token buckets and the adaptive cooldown derived from venue rate-limit
// response headers (§4.9).
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies an endpoint bucket: order placement is scarcer than
// read-only polling on most venues.
type Class string

const (
	ClassOrder  Class = "order"
	ClassCancel Class = "cancel"
	ClassQuery  Class = "query"
	ClassWallet Class = "wallet"
)

// Limiter wraps a global bucket, a per-symbol bucket, and per-class buckets,
// plus an adaptive cooldown window raised from venue headers like
// X-Bapi-Limit-Status / X-Bapi-Limit.
type Limiter struct {
	global *rate.Limiter

	mu        sync.Mutex
	perSymbol map[string]*rate.Limiter
	perClass  map[Class]*rate.Limiter

	cooldownMu    sync.RWMutex
	cooldownUntil time.Time
}

// New builds a limiter with reasonable Bybit V5 defaults: 10 req/s global,
// bursts of 20, with per-class sub-buckets for order/cancel endpoints.
func New() *Limiter {
	l := &Limiter{
		global:    rate.NewLimiter(rate.Limit(10), 20),
		perSymbol: make(map[string]*rate.Limiter),
		perClass:  make(map[Class]*rate.Limiter),
	}
	l.perClass[ClassOrder] = rate.NewLimiter(rate.Limit(5), 10)
	l.perClass[ClassCancel] = rate.NewLimiter(rate.Limit(5), 10)
	l.perClass[ClassQuery] = rate.NewLimiter(rate.Limit(10), 20)
	l.perClass[ClassWallet] = rate.NewLimiter(rate.Limit(2), 4)
	return l
}

func (l *Limiter) symbolLimiter(symbol string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perSymbol[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(5), 10)
		l.perSymbol[symbol] = lim
	}
	return lim
}

// Wait blocks until the global, class and symbol buckets all admit the call,
// and until any adaptive cooldown window has elapsed.
func (l *Limiter) Wait(ctx context.Context, class Class, symbol string) error {
	l.cooldownMu.RLock()
	until := l.cooldownUntil
	l.cooldownMu.RUnlock()
	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	if classLimiter, ok := l.perClass[class]; ok {
		if err := classLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	if symbol != "" {
		if err := l.symbolLimiter(symbol).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ObserveHeaders inspects Bybit-style X-Bapi-Limit-Status / X-Bapi-Limit
// headers and, when usage is saturated, sets a short adaptive cooldown so
// subsequent calls back off before the venue starts rejecting.
func (l *Limiter) ObserveHeaders(limitStatus, limit string) {
	used, errA := strconv.Atoi(limitStatus)
	cap_, errB := strconv.Atoi(limit)
	if errA != nil || errB != nil || cap_ <= 0 {
		return
	}
	pct := float64(used) / float64(cap_)
	if pct >= 0.9 {
		l.cooldownMu.Lock()
		l.cooldownUntil = time.Now().Add(500 * time.Millisecond)
		l.cooldownMu.Unlock()
	}
}

// ObserveRetryAfter applies a venue-supplied retry-after (ms) as a hard
// cooldown, used on HTTP 429 responses.
func (l *Limiter) ObserveRetryAfter(retryAfterMs int64) {
	if retryAfterMs <= 0 {
		return
	}
	l.cooldownMu.Lock()
	candidate := time.Now().Add(time.Duration(retryAfterMs) * time.Millisecond)
	if candidate.After(l.cooldownUntil) {
		l.cooldownUntil = candidate
	}
	l.cooldownMu.Unlock()
}
