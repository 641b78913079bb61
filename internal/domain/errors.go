package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrIdentityMismatch   = errors.New("identity mismatch")
	ErrRobotNotFound      = errors.New("robot not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrDLQEntryNotFound   = errors.New("dlq entry not found")
	ErrNoAvailableRobot   = errors.New("no available robot")
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrCoalesced          = errors.New("execution coalesced")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// RateLimitError tells the caller how long to wait before the key admits
// another execution.
type RateLimitError struct {
	Key  string
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry in %s", e.Key, e.Wait.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
