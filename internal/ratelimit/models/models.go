// Package models holds the rate limit and login lockout types shared by the
// limiter stores, services and middleware.
package models

import (
	"strings"
	"time"

	strutil "exambridge/pkg/platform/strings"
)

// EndpointClass groups endpoints that share a request budget.
type EndpointClass string

const (
	// ClassLogin covers center admin login on the main server.
	ClassLogin EndpointClass = "login"
	// ClassValidate covers access token validation on the main server.
	ClassValidate EndpointClass = "validate"
	// ClassAdmit covers candidate admission on the center LAN.
	ClassAdmit EndpointClass = "admit"
)

func (c EndpointClass) IsValid() bool {
	switch c {
	case ClassLogin, ClassValidate, ClassAdmit:
		return true
	}
	return false
}

// Limit is a sliding-window request budget.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits are the per-client budgets applied when configuration does
// not override them.
func DefaultLimits() map[EndpointClass]Limit {
	return map[EndpointClass]Limit{
		ClassLogin:    {Requests: 10, Window: time.Minute},
		ClassValidate: {Requests: 60, Window: time.Minute},
		ClassAdmit:    {Requests: 30, Window: time.Minute},
	}
}

// RateLimitResult is the outcome of one bucket check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// BucketKey builds the store key for a client and endpoint class. Colons in
// the identifier are replaced so IPv6 addresses cannot collide with the key
// separator.
func BucketKey(class EndpointClass, identifier string) string {
	return "rl:" + string(class) + ":" + sanitize(identifier)
}

// LockoutKey builds the store key for a center code and client IP pair.
func LockoutKey(code, ip string) string {
	return "lock:" + sanitize(strutil.UpperCode(code)) + ":" + sanitize(ip)
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.ReplaceAll(s, ":", "_")
}

// LoginLockout tracks consecutive failed center logins for one code and IP.
type LoginLockout struct {
	Key           string     `json:"key"`
	FailureCount  int        `json:"failure_count"`
	WindowStart   time.Time  `json:"window_start"`
	LastFailureAt time.Time  `json:"last_failure_at"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
}

// IsLockedAt reports whether the lock is still in force at now.
func (l *LoginLockout) IsLockedAt(now time.Time) bool {
	return l.LockedUntil != nil && now.Before(*l.LockedUntil)
}

// RecordFailure counts a failure, starting a fresh window when the previous
// one has passed.
func (l *LoginLockout) RecordFailure(now time.Time, window time.Duration) {
	if l.WindowStart.IsZero() || now.Sub(l.WindowStart) >= window {
		l.WindowStart = now
		l.FailureCount = 0
	}
	l.FailureCount++
	l.LastFailureAt = now
}

// ShouldLock reports whether the failure count has reached the threshold
// and no lock is in force yet.
func (l *LoginLockout) ShouldLock(now time.Time, threshold int) bool {
	return l.FailureCount >= threshold && !l.IsLockedAt(now)
}

// Lock applies a lock until now+d and starts a new failure window after it.
func (l *LoginLockout) Lock(now time.Time, d time.Duration) {
	until := now.Add(d)
	l.LockedUntil = &until
	l.FailureCount = 0
	l.WindowStart = time.Time{}
}

// Remaining returns how long the lock still holds at now.
func (l *LoginLockout) Remaining(now time.Time) time.Duration {
	if !l.IsLockedAt(now) {
		return 0
	}
	return l.LockedUntil.Sub(now)
}
