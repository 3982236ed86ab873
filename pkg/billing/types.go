package billing

import (
	"fmt"
	"math"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Tier is an ordered subscription plan level bounding seat counts and entitlements.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
)

// tierRank orders tiers for upgrade/downgrade comparison.
var tierRank = map[Tier]int{
	TierFree:         0,
	TierStarter:      1,
	TierProfessional: 2,
}

// Valid reports whether the tier is a known plan level.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Above reports whether the tier ranks higher than other.
func (t Tier) Above(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

// Status is the provider-reported subscription lifecycle state.
// Values mirror the processor's own status vocabulary one-to-one.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

// Terminal reports whether the status ends the subscription's provider
// lifecycle, allowing the organization to start a fresh checkout.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// AccessStatus is the derived feature gate. It is always recomputed from the
// provider status and grace-period state; nothing writes it directly.
type AccessStatus string

const (
	AccessActive      AccessStatus = "active"
	AccessGracePeriod AccessStatus = "grace_period"
	AccessReadOnly    AccessStatus = "read_only"
	// AccessLocked is reserved for manual suspension. No lifecycle fact
	// produces it today; the mapping keeps the value valid for readers.
	AccessLocked AccessStatus = "locked"
)

// BillingInterval is the subscription billing frequency.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// Valid reports whether the interval is a supported billing frequency.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalAnnual
}

// Money is a monetary amount in the smallest currency unit.
// For example, $10.99 USD is Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  // smallest currency unit (cents for USD)
	Currency string // ISO 4217 code, upper case
}

// IsZero reports whether the amount is unset.
func (m Money) IsZero() bool {
	return m.Amount == 0 && m.Currency == ""
}

// Format renders the amount for humans, e.g. "$29.00" or "-$4.17" for credits.
// Unknown currency codes fall back to "<amount> <code>" in minor units.
func (m Money) Format() string {
	unit, err := currency.ParseISO(m.Currency)
	if err != nil {
		return fmt.Sprintf("%d %s", m.Amount, m.Currency)
	}

	scale, _ := currency.Cash.Rounding(unit)
	value := float64(m.Amount) / math.Pow10(scale)

	p := message.NewPrinter(language.English)
	return p.Sprintf("%v", currency.NarrowSymbol(unit.Amount(value)))
}
