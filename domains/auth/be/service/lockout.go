package service

import (
	"fmt"
	"math"
	"time"

	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
)

// LockoutPolicy bounds failed logins per identity.
type LockoutPolicy struct {
	MaxFailures int           `env:"MAX_FAILURES" envDefault:"5"`
	Window      time.Duration `env:"WINDOW" envDefault:"15m"`
	Duration    time.Duration `env:"DURATION" envDefault:"15m"`
}

// DefaultLockoutPolicy locks an identity for 15 minutes after 5 failures within 15 minutes.
var DefaultLockoutPolicy = LockoutPolicy{MaxFailures: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultLockoutPolicy.MaxFailures
	}
	if p.Window <= 0 {
		p.Window = DefaultLockoutPolicy.Window
	}
	if p.Duration <= 0 {
		p.Duration = DefaultLockoutPolicy.Duration
	}
	return p
}

func (p LockoutPolicy) window(now time.Time) persistence.FailureWindow {
	return persistence.FailureWindow{
		Now:         now,
		WindowStart: now.Add(-p.Window),
		LockUntil:   now.Add(p.Duration),
		MaxFailures: p.MaxFailures,
	}
}

// LockoutError is returned instead of ErrInvalidCredentials while an identity is locked.
type LockoutError struct {
	LockedUntil       time.Time
	RetryAfter        time.Duration
	RetryAfterMinutes int
}

func newLockoutError(lockedUntil, now time.Time) *LockoutError {
	d := lockedUntil.Sub(now)
	minutes := int(math.Ceil(d.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return &LockoutError{LockedUntil: lockedUntil, RetryAfter: d, RetryAfterMinutes: minutes}
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked; retry after %d minutes", e.RetryAfterMinutes)
}

func locked(until *time.Time, now time.Time) bool {
	return until != nil && until.After(now)
}
