package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Service is the public interface for subscription billing.
type Service interface {
	// Subscription reads
	CurrentSubscription(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	AccessStatus(ctx context.Context, orgID uuid.UUID) (AccessStatus, error)
	History(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]HistoryEvent, error)

	// Billing provider interactions
	CreateCheckoutLink(ctx context.Context, params CheckoutLinkParams) (*CheckoutSession, error)
	CustomerPortalLink(ctx context.Context, orgID uuid.UUID, returnURL string) (*PortalSession, error)
	ProcessWebhook(ctx context.Context, payload []byte, signature string) error

	// Seat management
	PreviewSeatChange(ctx context.Context, subscriptionID uuid.UUID, direction SeatDirection, count int) (*SeatChangePreview, error)
	ApplySeatChange(ctx context.Context, subscriptionID uuid.UUID, direction SeatDirection, count int) (*SeatChangeResult, error)
}

// CheckoutLinkParams opens a hosted checkout for a new paid subscription.
// Everything needed to seed the subscription travels as checkout metadata
// and comes back on the completed-checkout webhook.
type CheckoutLinkParams struct {
	OrganizationID uuid.UUID
	Tier           Tier
	Seats          int
	Interval       BillingInterval
	Email          string
	TriggerFeature string
	SuccessURL     string
	CancelURL      string
}

type service struct {
	cfg       Config
	gateway   Gateway
	store     Store
	processor *Processor
	seats     *SeatEngine
	log       *slog.Logger
	now       func() time.Time
}

// NewService creates the billing service with the given dependencies.
// Panics if gateway or store is nil to fail fast during initialization.
// Use Option functions to wire the logger, event cache, notifier, metrics,
// and retry policy; the same option list configures every internal component.
func NewService(cfg Config, gateway Gateway, store Store, opts ...Option) (Service, error) {
	if gateway == nil {
		panic("billing: Gateway is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	machine := NewStateMachine(cfg, opts...)
	return &service{
		cfg:       cfg,
		gateway:   gateway,
		store:     store,
		processor: NewProcessor(gateway, store, machine, opts...),
		seats:     NewSeatEngine(cfg, gateway, store, opts...),
		log:       o.logger,
		now:       o.clock,
	}, nil
}

// CurrentSubscription returns the organization's subscription. Absence is
// reported as ErrSubscriptionNotFound and means the free tier; callers decide
// how to render that.
func (s *service) CurrentSubscription(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	return s.store.SubscriptionByOrganization(ctx, orgID)
}

// AccessStatus resolves the organization's access gate. Organizations without
// a subscription run on the free tier with full access to what it includes.
// An expired grace window degrades to read-only at read time even before the
// provider reports the terminal status.
func (s *service) AccessStatus(ctx context.Context, orgID uuid.UUID) (AccessStatus, error) {
	sub, err := s.store.SubscriptionByOrganization(ctx, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return AccessActive, nil
	}
	if err != nil {
		return "", err
	}
	return sub.AccessStatusAt(s.now()), nil
}

// History returns the organization's billing ledger, newest first. Limit is
// clamped to [1, 200] with a default of 50.
func (s *service) History(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]HistoryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, orgID, limit, offset)
}

// CreateCheckoutLink opens a hosted checkout session for a new paid
// subscription. Fails when the organization already has a live subscription;
// upgrades go through the customer portal, not a second checkout.
func (s *service) CreateCheckoutLink(ctx context.Context, params CheckoutLinkParams) (*CheckoutSession, error) {
	if params.OrganizationID == uuid.Nil {
		return nil, newValidationError("organization.required", "organization id is required")
	}
	if params.Tier == TierFree {
		return nil, newValidationError("tier.paid", "checkout requires a paid tier")
	}
	tc, err := s.cfg.TierConfig(params.Tier)
	if err != nil {
		return nil, newValidationError("tier.unknown", "unknown tier %q", params.Tier)
	}
	if params.Interval == "" {
		params.Interval = IntervalMonthly
	}
	if !params.Interval.Valid() {
		return nil, newValidationError("interval.unknown", "unknown billing interval %q", params.Interval)
	}
	if params.Seats < tc.SeatsIncluded {
		return nil, newValidationError("seats.min", "tier %s includes %d seats; cannot start with fewer", params.Tier, tc.SeatsIncluded)
	}
	if params.Seats > tc.SeatsMax {
		return nil, newValidationError("seats.max", "cannot exceed %d seats on tier %s", tc.SeatsMax, params.Tier)
	}

	if existing, err := s.store.SubscriptionByOrganization(ctx, params.OrganizationID); err == nil {
		if !existing.Status.Terminal() {
			return nil, ErrSubscriptionExists
		}
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	basePriceID, err := s.cfg.BasePriceID(params.Tier, params.Interval)
	if err != nil {
		return nil, err
	}
	additional := params.Seats - tc.SeatsIncluded
	var seatPriceID string
	if additional > 0 {
		if seatPriceID, err = s.cfg.SeatPriceID(params.Tier, params.Interval); err != nil {
			return nil, err
		}
	}

	metadata := map[string]string{
		metadataOrganizationID: params.OrganizationID.String(),
		metadataTier:           string(params.Tier),
		metadataSeats:          strconv.Itoa(params.Seats),
		metadataInterval:       string(params.Interval),
	}
	if params.TriggerFeature != "" {
		metadata[metadataTriggerFeature] = params.TriggerFeature
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutSessionParams{
		OrganizationID:  params.OrganizationID,
		CustomerEmail:   params.Email,
		BasePriceID:     basePriceID,
		SeatPriceID:     seatPriceID,
		AdditionalSeats: additional,
		Metadata:        metadata,
		SuccessURL:      params.SuccessURL,
		CancelURL:       params.CancelURL,
	})
	if err != nil {
		return nil, err
	}
	if session.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	s.log.InfoContext(ctx, "checkout session created",
		slog.String("organization_id", params.OrganizationID.String()),
		slog.String("tier", string(params.Tier)),
		slog.Int("seats", params.Seats))
	return session, nil
}

// CustomerPortalLink opens the provider-hosted portal where the customer
// manages payment methods, invoices, and cancellation.
func (s *service) CustomerPortalLink(ctx context.Context, orgID uuid.UUID, returnURL string) (*PortalSession, error) {
	sub, err := s.store.SubscriptionByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderCustomerID == "" {
		return nil, ErrNoBillingProfile
	}

	session, err := s.gateway.CreateBillingPortalSession(ctx, sub.ProviderCustomerID, returnURL)
	if err != nil {
		return nil, err
	}
	if session.URL == "" {
		return nil, ErrNoPortalURL
	}
	return session, nil
}

func (s *service) ProcessWebhook(ctx context.Context, payload []byte, signature string) error {
	return s.processor.ProcessWebhook(ctx, payload, signature)
}

func (s *service) PreviewSeatChange(ctx context.Context, subscriptionID uuid.UUID, direction SeatDirection, count int) (*SeatChangePreview, error) {
	return s.seats.Preview(ctx, subscriptionID, direction, count)
}

func (s *service) ApplySeatChange(ctx context.Context, subscriptionID uuid.UUID, direction SeatDirection, count int) (*SeatChangeResult, error) {
	return s.seats.Apply(ctx, subscriptionID, direction, count)
}
