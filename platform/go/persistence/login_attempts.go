package persistence

import (
	"context"
	"fmt"
	"time"
)

// LoginAttempt is one row of login_attempts.
type LoginAttempt struct {
	Scope   string
	Subject string
	Email   string
	Success bool
	Reason  string
}

// LockoutState is the counter row after a failure was registered.
type LockoutState struct {
	FailedCount int
	LockedUntil *time.Time
}

// FailureWindow carries the wall-clock bounds computed by the caller's lockout policy.
type FailureWindow struct {
	Now         time.Time
	WindowStart time.Time // failures older than this no longer count
	LockUntil   time.Time // applied when the count reaches MaxFailures
	MaxFailures int
}

// LockoutStore keeps login_attempts and login_lockouts. Both tables exist in the
// control plane and in every tenant database.
type LockoutStore struct {
	q Querier
}

func NewLockoutStore(q Querier) *LockoutStore {
	if q == nil {
		panic("LockoutStore requires querier")
	}
	return &LockoutStore{q: q}
}

// RecordAttempt appends an attempt to the audit trail.
func (s *LockoutStore) RecordAttempt(ctx context.Context, a LoginAttempt) error {
	_, err := s.q.Exec(ctx, `
        INSERT INTO login_attempts (scope, subject, email, success, reason) VALUES ($1, $2, $3, $4, $5)`,
		a.Scope, a.Subject, a.Email, a.Success, a.Reason)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// RegisterFailure counts a failure inside the window, restarting the window when it
// has elapsed, and sets locked_until once the count reaches MaxFailures.
func (s *LockoutStore) RegisterFailure(ctx context.Context, scope, subject string, w FailureWindow) (LockoutState, error) {
	var st LockoutState
	err := s.q.QueryRow(ctx, `
        INSERT INTO login_lockouts AS l (scope, subject, failed_count, window_started_at, locked_until, updated_at)
        VALUES ($1, $2, 1, $3::timestamptz,
                CASE WHEN 1 >= $5::int THEN $4::timestamptz ELSE NULL END, $3::timestamptz)
        ON CONFLICT (scope, subject) DO UPDATE SET
            failed_count = CASE WHEN l.window_started_at < $6::timestamptz THEN 1 ELSE l.failed_count + 1 END,
            window_started_at = CASE WHEN l.window_started_at < $6::timestamptz THEN $3::timestamptz ELSE l.window_started_at END,
            locked_until = CASE
                WHEN (CASE WHEN l.window_started_at < $6::timestamptz THEN 1 ELSE l.failed_count + 1 END) >= $5::int
                    THEN $4::timestamptz
                ELSE l.locked_until
            END,
            updated_at = $3::timestamptz
        RETURNING failed_count, locked_until`,
		scope, subject, w.Now, w.LockUntil, w.MaxFailures, w.WindowStart,
	).Scan(&st.FailedCount, &st.LockedUntil)
	if err != nil {
		return LockoutState{}, fmt.Errorf("register login failure: %w", err)
	}
	return st, nil
}

// Reset clears the counter after a successful login.
func (s *LockoutStore) Reset(ctx context.Context, scope, subject string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM login_lockouts WHERE scope = $1 AND subject = $2`, scope, subject); err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	return nil
}
