package billing

import (
	"context"

	"github.com/google/uuid"
)

// Store persists subscriptions and their history ledger.
//
// CreateSubscription and UpdateSubscription write the subscription and the
// history event in a single transaction: either both land or neither does.
// The history table carries a unique constraint on the provider event id, so
// replaying an already-recorded event surfaces as ErrEventAlreadyProcessed
// and the subscription row is left untouched.
//
// UpdateSubscription compares-and-swaps on Subscription.Version. A concurrent
// writer that got there first makes the update match zero rows, reported as
// ErrVersionConflict; callers reload and reapply.
type Store interface {
	// SubscriptionByID loads a subscription by its internal id.
	// Returns ErrSubscriptionNotFound when absent.
	SubscriptionByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// SubscriptionByOrganization loads the organization's subscription.
	// Returns ErrSubscriptionNotFound when the organization has none,
	// which callers interpret as the free tier.
	SubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error)

	// SubscriptionByProviderID loads a subscription by the payment
	// provider's subscription id. Returns ErrSubscriptionNotFound when
	// absent.
	SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// CreateSubscription inserts a new subscription together with its
	// originating history event. Returns ErrSubscriptionExists when the
	// organization already has a subscription row, and
	// ErrEventAlreadyProcessed when the history event's provider event id
	// was recorded before. On success the stored version is written back
	// into sub.Version.
	CreateSubscription(ctx context.Context, sub *Subscription, event *HistoryEvent) error

	// UpdateSubscription persists sub guarded by its Version and appends
	// the history event in the same transaction. Returns
	// ErrVersionConflict when the version check fails and
	// ErrEventAlreadyProcessed when the event was recorded before. On
	// success sub.Version is incremented to the stored value. A nil event
	// updates the subscription without a ledger entry.
	UpdateSubscription(ctx context.Context, sub *Subscription, event *HistoryEvent) error

	// EventProcessed reports whether a history event with the given
	// provider event id has already been recorded.
	EventProcessed(ctx context.Context, providerEventID string) (bool, error)

	// History returns the organization's billing history ordered newest
	// first.
	History(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]HistoryEvent, error)
}
