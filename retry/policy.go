// Package retry runs an operation repeatedly with a delay between attempts.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Mode selects how the delay grows between attempts.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The zero value attempts forever with no delay.
type Policy struct {
	// MaxAttempts is the total number of attempts. Zero means unlimited.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay for linear and exponential modes. Zero means no cap.
	Max time.Duration

	// Mode defaults to ModeFixed when empty or unknown.
	Mode Mode

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned by Do when every allowed attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// ParseMode validates a mode name from configuration. An empty name yields
// ModeFixed.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFixed:
		return ModeFixed, nil
	case ModeLinear, ModeExponential:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown backoff mode %q", s)
	}
}

// Delay returns the wait before the given retry (1-based: the first retry is
// 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 || p.Initial <= 0 {
		return 0
	}

	var d time.Duration
	switch p.Mode {
	case ModeLinear:
		d = time.Duration(retryCount) * p.Initial
	case ModeExponential:
		// Stop doubling once past the cap so large counts cannot overflow.
		d = p.Initial
		for i := 1; i < retryCount; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				break
			}
		}
	default:
		return p.Initial
	}

	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Do calls op until it succeeds, the attempt limit is reached or ctx is done.
// The attempt number passed to op starts at 1.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
