// Package secerrors defines the error kinds surfaced by the detection and
// response pipeline, plus a bounded retry helper for security-critical writes.
package secerrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the referenced incident, rule or profile does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates an illegal incident status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnsupportedAction indicates an unknown containment action.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrProfileUnavailable indicates no reliable behavioral baseline exists;
	// scoring for the event is skipped, the pipeline continues.
	ErrProfileUnavailable = errors.New("behavior profile unavailable")
)

// ConfigError marks a bad rule definition. The offending rule is disabled
// and logged; other rules keep running.
type ConfigError struct {
	RuleID string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rule %s misconfigured: %v", e.RuleID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransientError marks a retryable store or transport failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ActionError marks a single containment action failure. Other actions of
// the same response proceed; the incident stays open.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Retry runs fn up to attempts times with exponential backoff, retrying only
// transient failures. Non-transient errors abort immediately.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}

	var err error
	delay := initial
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
