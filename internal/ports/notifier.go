package ports

import "context"

// Notifier pushes human-readable event reports to the command surface.
// Implementations must be safe for concurrent use; delivery failures are
// logged, never propagated into trading decisions.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// NopNotifier is a Notifier that discards all messages.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, message string) {}
