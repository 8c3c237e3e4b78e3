// Package notify delivers change notifications over pluggable channels.
package notify

import (
	"context"
	"fmt"
)

// Message is a single plain-text notification.
type Message struct {
	Subject    string
	Body       string
	Recipients []string
}

// Channel is the capability every notification backend implements.
type Channel interface {
	// Name identifies the channel in logs (e.g. "email").
	Name() string

	// Send delivers msg. It returns an error if delivery failed; callers
	// decide whether to retry.
	Send(ctx context.Context, msg Message) error
}

// NotifyError wraps a delivery failure from a channel.
type NotifyError struct {
	Channel string
	Err     error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("%s: notification failed: %v", e.Channel, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// Nop is a channel that accepts every message. Useful for dry runs and tests.
type Nop struct{}

func (Nop) Name() string { return "nop" }

func (Nop) Send(_ context.Context, _ Message) error { return nil }
