package billing

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEventType enumerates billing ledger entry kinds.
type HistoryEventType string

const (
	HistorySubscriptionCreated  HistoryEventType = "subscription_created"
	HistorySubscriptionUpdated  HistoryEventType = "subscription_updated"
	HistorySubscriptionCanceled HistoryEventType = "subscription_canceled"
	HistoryPaymentSucceeded     HistoryEventType = "payment_succeeded"
	HistoryPaymentFailed        HistoryEventType = "payment_failed"
	HistoryInvoiceCreated       HistoryEventType = "invoice_created"
	HistorySeatsAdded           HistoryEventType = "seats_added"
	HistorySeatsRemoved         HistoryEventType = "seats_removed"
	HistoryTierUpgraded         HistoryEventType = "tier_upgraded"
	HistoryTierDowngraded       HistoryEventType = "tier_downgraded"
	HistoryDowngradeScheduled   HistoryEventType = "downgrade_scheduled"
)

// HistoryStatus is the outcome recorded on a ledger row.
type HistoryStatus string

const (
	HistoryStatusSucceeded HistoryStatus = "succeeded"
	HistoryStatusFailed    HistoryStatus = "failed"
	HistoryStatusPending   HistoryStatus = "pending"
)

// HistoryEvent is one append-only billing ledger row. Rows are never mutated
// or deleted. ProviderEventID is the idempotency key for webhook-driven rows
// and empty for internal commands such as seat changes.
type HistoryEvent struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	SubscriptionID  uuid.UUID
	Type            HistoryEventType
	ProviderEventID string
	Amount          *Money
	Status          HistoryStatus
	Description     string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// Clone returns a deep copy of the ledger row.
func (e *HistoryEvent) Clone() *HistoryEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Amount != nil {
		amount := *e.Amount
		c.Amount = &amount
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
