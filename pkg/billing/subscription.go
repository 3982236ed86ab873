package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is an organization's billing subscription. Each organization
// has at most one; organizations without a row are on the free tier.
//
// Field ownership is strict: the state machine owns status, access, period,
// and grace fields; the seat engine owns SeatsTotal; the directory service
// owns SeatsActive (read-only here). Version is the store's optimistic lock.
type Subscription struct {
	ID                     uuid.UUID
	OrganizationID         uuid.UUID
	ProviderCustomerID     string
	ProviderSubscriptionID string

	Tier            Tier
	Status          Status
	BillingInterval BillingInterval

	SeatsIncluded int // shipped with the tier
	SeatsTotal    int // included + purchased additional
	SeatsActive   int // current usage, owned by the directory service

	BillingEmail string

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool

	AccessStatus        AccessStatus
	GracePeriodStartsAt *time.Time // set only while AccessStatus is grace_period
	GracePeriodEndsAt   *time.Time

	PendingDowngrade *PendingDowngrade

	// Upgrade provenance, write-once per upgrade.
	UpgradedFrom          Tier
	UpgradedAt            *time.Time
	UpgradeTriggerFeature string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingDowngrade records a provider-scheduled tier change that has not yet
// taken effect. Current tier and seats stay untouched until the provider
// flips the price at the phase boundary.
type PendingDowngrade struct {
	Tier          Tier
	EffectiveDate time.Time
}

// AdditionalSeats returns the purchased seat count beyond the tier's included
// allotment.
func (s *Subscription) AdditionalSeats() int {
	if n := s.SeatsTotal - s.SeatsIncluded; n > 0 {
		return n
	}
	return 0
}

// SeatFloor is the minimum SeatsTotal may be reduced to: never below the
// tier's included seats, never below seats currently occupied by users.
func (s *Subscription) SeatFloor() int {
	if s.SeatsActive > s.SeatsIncluded {
		return s.SeatsActive
	}
	return s.SeatsIncluded
}

// InGracePeriod reports whether a dunning grace window is currently recorded.
func (s *Subscription) InGracePeriod() bool {
	return s.GracePeriodStartsAt != nil && s.GracePeriodEndsAt != nil
}

// AccessStatusAt recomputes the access gate at a given instant. A grace
// period that expired between webhook deliveries reads as read_only even
// though the stored value hasn't been reconciled yet.
func (s *Subscription) AccessStatusAt(now time.Time) AccessStatus {
	if s.AccessStatus == AccessGracePeriod && s.GracePeriodEndsAt != nil && now.After(*s.GracePeriodEndsAt) {
		return AccessReadOnly
	}
	return s.AccessStatus
}

// Clone returns a deep copy. The state machine mutates copies only, so a
// failed apply never leaves a half-updated subscription behind.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.GracePeriodStartsAt = cloneTime(s.GracePeriodStartsAt)
	c.GracePeriodEndsAt = cloneTime(s.GracePeriodEndsAt)
	c.UpgradedAt = cloneTime(s.UpgradedAt)
	if s.PendingDowngrade != nil {
		pd := *s.PendingDowngrade
		c.PendingDowngrade = &pd
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
