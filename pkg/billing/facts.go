package billing

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fact is one provider event normalized at the webhook boundary. The set of
// implementations is closed: every provider event decodes to exactly one
// variant, and anything outside the handled vocabulary becomes IgnoredEvent
// rather than falling through a default branch.
type Fact interface {
	// EventID is the provider's unique delivery id, used as the idempotency key.
	EventID() string
	// EventType is the original provider event name.
	EventType() string

	fact()
}

type baseFact struct {
	id  string
	typ string
}

func (f baseFact) EventID() string   { return f.id }
func (f baseFact) EventType() string { return f.typ }
func (f baseFact) fact()             {}

// SubscriptionStarted is the completed-checkout fact: the only event carrying
// the organization id, tier, and seat count that seed a new subscription.
type SubscriptionStarted struct {
	baseFact

	OrganizationID         uuid.UUID
	ProviderCustomerID     string
	ProviderSubscriptionID string
	BillingEmail           string
	Tier                   Tier
	Seats                  int
	Interval               BillingInterval
	TriggerFeature         string
}

// SubscriptionUpdated refreshes provider-owned subscription fields. Items
// carry raw price ids and quantities; tier and seat interpretation happens in
// the state machine against the catalog.
type SubscriptionUpdated struct {
	baseFact

	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 Status
	CancelAtPeriodEnd      bool
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	Items                  []SubscriptionItem
	Metadata               map[string]string
}

// SubscriptionItem is one priced line on the provider subscription.
type SubscriptionItem struct {
	PriceID  string
	Quantity int
}

// SubscriptionDeleted ends a subscription's provider lifecycle.
type SubscriptionDeleted struct {
	baseFact

	ProviderSubscriptionID string
	ProviderCustomerID     string
}

// SchedulePhaseCreated announces provider-scheduled future phases, typically
// a downgrade taking effect at the period boundary.
type SchedulePhaseCreated struct {
	baseFact

	ScheduleID             string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Phases                 []SchedulePhase
}

// SchedulePhase is one priced window of a provider schedule.
type SchedulePhase struct {
	Start time.Time
	End   time.Time
	Items []SubscriptionItem
}

// InvoicePaymentSucceeded records a collected payment.
type InvoicePaymentSucceeded struct {
	baseFact

	InvoiceID              string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Amount                 Money
}

// InvoicePaymentFailed records a failed collection attempt.
type InvoicePaymentFailed struct {
	baseFact

	InvoiceID              string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Amount                 Money
	AttemptCount           int
	NextAttemptAt          time.Time
}

// InvoiceCreated records a new invoice awaiting collection.
type InvoiceCreated struct {
	baseFact

	InvoiceID              string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Amount                 Money
}

// IgnoredEvent is any provider event outside the handled vocabulary.
// Acknowledged for forward compatibility, never applied.
type IgnoredEvent struct {
	baseFact
}

// Provider event names this system reacts to. Everything else is ignored.
const (
	eventCheckoutCompleted       = "checkout.session.completed"
	eventSubscriptionCreated     = "customer.subscription.created"
	eventSubscriptionUpdated     = "customer.subscription.updated"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
	eventScheduleCreated         = "subscription_schedule.created"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentFailed    = "invoice.payment_failed"
	eventInvoiceCreated          = "invoice.created"
)

// DecodeFact decodes one provider event into its fact variant. The data
// argument is the raw object payload (the provider envelope's data.object).
// Signature verification must already have happened; malformed payloads for
// known event types fail with ErrMalformedPayload.
func DecodeFact(eventID, eventType string, data []byte) (Fact, error) {
	base := baseFact{id: eventID, typ: eventType}

	switch eventType {
	case eventCheckoutCompleted:
		return decodeCheckoutCompleted(base, data)
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		// A subscription created directly by the provider carries no tier
		// metadata; both events are treated as state refreshes. Creation is
		// anchored on the completed checkout.
		return decodeSubscriptionUpdated(base, data)
	case eventSubscriptionDeleted:
		return decodeSubscriptionDeleted(base, data)
	case eventScheduleCreated:
		return decodeScheduleCreated(base, data)
	case eventInvoicePaymentSucceeded, eventInvoicePaid:
		p, err := decodeInvoice(data)
		if err != nil {
			return nil, err
		}
		return InvoicePaymentSucceeded{
			baseFact:               base,
			InvoiceID:              p.ID,
			ProviderSubscriptionID: p.subscriptionID(),
			ProviderCustomerID:     p.Customer,
			Amount:                 Money{Amount: p.AmountPaid, Currency: strings.ToUpper(p.Currency)},
		}, nil
	case eventInvoicePaymentFailed:
		p, err := decodeInvoice(data)
		if err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{
			baseFact:               base,
			InvoiceID:              p.ID,
			ProviderSubscriptionID: p.subscriptionID(),
			ProviderCustomerID:     p.Customer,
			Amount:                 Money{Amount: p.AmountDue, Currency: strings.ToUpper(p.Currency)},
			AttemptCount:           p.AttemptCount,
			NextAttemptAt:          unixTime(p.NextPaymentAttempt),
		}, nil
	case eventInvoiceCreated:
		p, err := decodeInvoice(data)
		if err != nil {
			return nil, err
		}
		return InvoiceCreated{
			baseFact:               base,
			InvoiceID:              p.ID,
			ProviderSubscriptionID: p.subscriptionID(),
			ProviderCustomerID:     p.Customer,
			Amount:                 Money{Amount: p.AmountDue, Currency: strings.ToUpper(p.Currency)},
		}, nil
	default:
		return IgnoredEvent{baseFact: base}, nil
	}
}

// Checkout metadata keys. CreateCheckoutLink writes them; the completed
// checkout carries them back.
const (
	metadataOrganizationID = "organization_id"
	metadataTier           = "tier"
	metadataSeats          = "seats"
	metadataInterval       = "interval"
	metadataTriggerFeature = "trigger_feature"
)

type checkoutSessionPayload struct {
	ID              string            `json:"id"`
	Customer        string            `json:"customer"`
	Subscription    string            `json:"subscription"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

func decodeCheckoutCompleted(base baseFact, data []byte) (Fact, error) {
	var p checkoutSessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	orgID, err := uuid.Parse(p.Metadata[metadataOrganizationID])
	if err != nil {
		return nil, errors.Join(ErrMalformedPayload, errors.New("checkout session has no organization_id metadata"))
	}

	seats, err := strconv.Atoi(p.Metadata[metadataSeats])
	if err != nil || seats <= 0 {
		return nil, errors.Join(ErrMalformedPayload, errors.New("checkout session has no usable seats metadata"))
	}

	tier := Tier(p.Metadata[metadataTier])
	if !tier.Valid() {
		return nil, errors.Join(ErrMalformedPayload, errors.New("checkout session has no usable tier metadata"))
	}

	interval := BillingInterval(p.Metadata[metadataInterval])
	if !interval.Valid() {
		interval = IntervalMonthly
	}

	email := p.CustomerDetails.Email
	if email == "" {
		email = p.CustomerEmail
	}

	return SubscriptionStarted{
		baseFact:               base,
		OrganizationID:         orgID,
		ProviderCustomerID:     p.Customer,
		ProviderSubscriptionID: p.Subscription,
		BillingEmail:           email,
		Tier:                   tier,
		Seats:                  seats,
		Interval:               interval,
		TriggerFeature:         p.Metadata[metadataTriggerFeature],
	}, nil
}

type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Quantity           int   `json:"quantity"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func decodeSubscriptionUpdated(base baseFact, data []byte) (Fact, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, errors.Join(ErrMalformedPayload, errors.New("subscription payload has no id"))
	}

	// Current API versions report the billing period on items rather than on
	// the subscription itself; accept either placement.
	periodStart, periodEnd := p.CurrentPeriodStart, p.CurrentPeriodEnd
	if periodStart == 0 && len(p.Items.Data) > 0 {
		periodStart = p.Items.Data[0].CurrentPeriodStart
	}
	if periodEnd == 0 && len(p.Items.Data) > 0 {
		periodEnd = p.Items.Data[0].CurrentPeriodEnd
	}

	items := make([]SubscriptionItem, 0, len(p.Items.Data))
	for _, item := range p.Items.Data {
		items = append(items, SubscriptionItem{PriceID: item.Price.ID, Quantity: item.Quantity})
	}

	return SubscriptionUpdated{
		baseFact:               base,
		ProviderSubscriptionID: p.ID,
		ProviderCustomerID:     p.Customer,
		Status:                 Status(p.Status),
		CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		CurrentPeriodStart:     unixTime(periodStart),
		CurrentPeriodEnd:       unixTime(periodEnd),
		Items:                  items,
		Metadata:               p.Metadata,
	}, nil
}

func decodeSubscriptionDeleted(base baseFact, data []byte) (Fact, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, errors.Join(ErrMalformedPayload, errors.New("subscription payload has no id"))
	}
	return SubscriptionDeleted{
		baseFact:               base,
		ProviderSubscriptionID: p.ID,
		ProviderCustomerID:     p.Customer,
	}, nil
}

type schedulePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Phases       []struct {
		StartDate int64 `json:"start_date"`
		EndDate   int64 `json:"end_date"`
		Items     []struct {
			Price    string `json:"price"`
			Quantity int    `json:"quantity"`
		} `json:"items"`
	} `json:"phases"`
}

func decodeScheduleCreated(base baseFact, data []byte) (Fact, error) {
	var p schedulePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, errors.Join(ErrMalformedPayload, errors.New("schedule payload has no id"))
	}

	phases := make([]SchedulePhase, 0, len(p.Phases))
	for _, phase := range p.Phases {
		items := make([]SubscriptionItem, 0, len(phase.Items))
		for _, item := range phase.Items {
			items = append(items, SubscriptionItem{PriceID: item.Price, Quantity: item.Quantity})
		}
		phases = append(phases, SchedulePhase{
			Start: unixTime(phase.StartDate),
			End:   unixTime(phase.EndDate),
			Items: items,
		})
	}

	return SchedulePhaseCreated{
		baseFact:               base,
		ScheduleID:             p.ID,
		ProviderSubscriptionID: p.Subscription,
		ProviderCustomerID:     p.Customer,
		Phases:                 phases,
	}, nil
}

type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountDue          int64  `json:"amount_due"`
	AmountPaid         int64  `json:"amount_paid"`
	Currency           string `json:"currency"`
	AttemptCount       int    `json:"attempt_count"`
	NextPaymentAttempt int64  `json:"next_payment_attempt"`
}

// subscriptionID handles both invoice payload generations: older API versions
// put the subscription id at the top level, newer ones nest it under parent.
func (p invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

func decodeInvoice(data []byte) (invoicePayload, error) {
	var p invoicePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invoicePayload{}, errors.Join(ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return invoicePayload{}, errors.Join(ErrMalformedPayload, errors.New("invoice payload has no id"))
	}
	return p, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
