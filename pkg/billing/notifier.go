package billing

import "context"

// Notifier delivers dunning and lifecycle notifications. The processor calls
// it only after the subscription and ledger writes committed; a notification
// failure is logged and never rolls back or blocks acknowledgement.
type Notifier interface {
	PaymentFailed(ctx context.Context, sub *Subscription, event *HistoryEvent) error
	PaymentRecovered(ctx context.Context, sub *Subscription, event *HistoryEvent) error
	SubscriptionCanceled(ctx context.Context, sub *Subscription, event *HistoryEvent) error
}
