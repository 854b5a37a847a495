package notify

import "context"

// Notifier delivers a rendered digest to a subscriber target (a user id or
// a channel id). Formatting stays with the caller; transport stays here.
// Delivery failures are returned, never retried.
type Notifier interface {
	Send(ctx context.Context, target, message string) error
}
