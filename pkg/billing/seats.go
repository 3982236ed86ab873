package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/backoff"
)

// SeatDirection names which way a seat change moves the total.
type SeatDirection string

const (
	SeatAdd    SeatDirection = "add"
	SeatRemove SeatDirection = "remove"
)

// Valid reports whether the direction is one of the known values.
func (d SeatDirection) Valid() bool {
	return d == SeatAdd || d == SeatRemove
}

// SeatChangePreview is a priced quote for a proposed seat change. It is
// ephemeral: computed on demand, never persisted, and never the source of
// truth for seat counts.
type SeatChangePreview struct {
	Direction       SeatDirection
	Requested       int
	SeatsBefore     int
	SeatsAfter      int
	AdditionalSeats int
	// ProrationLines are charged or credited immediately; UpcomingLines
	// belong to the next scheduled invoice.
	ProrationLines []PreviewLine
	UpcomingLines  []PreviewLine
	// AmountDueNow sums the proration lines. Negative means a credit.
	AmountDueNow Money
}

// SeatChangeResult reports an applied seat change.
type SeatChangeResult struct {
	Subscription *Subscription
	SeatsBefore  int
	SeatsAfter   int
	// Invoice is the immediately collected proration invoice, when
	// collection ran and produced one.
	Invoice *Invoice
}

// SeatEngine previews and applies seat-count changes against the live
// provider subscription. The engine owns writes to SeatsTotal; every other
// subscription field belongs to the state machine.
type SeatEngine struct {
	cfg        Config
	gateway    Gateway
	store      Store
	log        *slog.Logger
	metrics    *Metrics
	retry      backoff.Strategy
	maxRetries int
	collect    bool
	now        func() time.Time
}

// NewSeatEngine creates a seat adjustment engine over a validated catalog.
// Panics if gateway or store is nil to fail fast during initialization.
func NewSeatEngine(cfg Config, gateway Gateway, store Store, opts ...Option) *SeatEngine {
	if gateway == nil {
		panic("billing: Gateway is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}

	o := applyOptions(opts)
	return &SeatEngine{
		cfg:        cfg,
		gateway:    gateway,
		store:      store,
		log:        o.logger,
		metrics:    o.metrics,
		retry:      o.retryBackoff,
		maxRetries: o.maxRetries,
		collect:    o.collectProrations,
		now:        o.clock,
	}
}

// Preview prices a seat change without applying it. No side effects: the
// caller may abandon the quote, and concurrent previews are safe.
func (e *SeatEngine) Preview(ctx context.Context, subscriptionID uuid.UUID, direction SeatDirection, count int) (*SeatChangePreview, error) {
	sub, err := e.store.SubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	targetTotal, err := e.validate(sub, direction, count)
	if err != nil {
		return nil, err
	}
	targetAdditional := targetTotal - sub.SeatsIncluded

	provider, err := e.gateway.RetrieveSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	change, err := e.seatItemChange(sub, provider, targetAdditional)
	if err != nil {
		return nil, err
	}

	quote, err := e.gateway.CreatePreviewInvoice(ctx, sub.ProviderSubscriptionID, []ItemChange{change})
	if err != nil {
		return nil, err
	}

	preview := &SeatChangePreview{
		Direction:       direction,
		Requested:       count,
		SeatsBefore:     sub.SeatsTotal,
		SeatsAfter:      targetTotal,
		AdditionalSeats: targetAdditional,
		AmountDueNow:    Money{Currency: quote.Currency},
	}
	for _, line := range quote.Lines {
		if line.Proration {
			preview.ProrationLines = append(preview.ProrationLines, line)
			preview.AmountDueNow.Amount += line.Amount
		} else {
			preview.UpcomingLines = append(preview.UpcomingLines, line)
		}
	}
	return preview, nil
}

// Apply re-validates the change, moves the provider subscription to the
// target quantity with prorations enabled, and persists the new seat total.
//
// Apply is not idempotent at the gateway: callers must re-preview before
// retrying a failure. A change that committed remotely but failed to persist
// locally is healed by the next subscription-updated delivery, for which the
// provider is the source of truth.
func (e *SeatEngine) Apply(ctx context.Context, subscriptionID uuid.UUID, direction SeatDirection, count int) (*SeatChangeResult, error) {
	sub, err := e.store.SubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	targetTotal, err := e.validate(sub, direction, count)
	if err != nil {
		return nil, err
	}
	targetAdditional := targetTotal - sub.SeatsIncluded

	provider, err := e.gateway.RetrieveSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	change, err := e.seatItemChange(sub, provider, targetAdditional)
	if err != nil {
		return nil, err
	}

	_, err = e.gateway.UpdateSubscription(ctx, sub.ProviderSubscriptionID, UpdateSubscriptionParams{
		Items:             []ItemChange{change},
		ProrationBehavior: ProrationCreateProrations,
	})
	if err != nil {
		// A timed-out update has an unknown outcome: the change may have
		// committed remotely. Re-fetch before reporting failure.
		if !errors.Is(err, ErrProviderUnavailable) || !e.confirmApplied(ctx, sub, targetAdditional) {
			e.metrics.recordSeatChange(direction, outcomeFailed)
			return nil, err
		}
		e.log.WarnContext(ctx, "seat update timed out but committed at provider",
			slog.String("subscription_id", sub.ID.String()),
			slog.Int("target_seats", targetTotal))
	}

	var collected *Invoice
	if direction == SeatAdd && e.collect {
		collected = e.collectProration(ctx, sub)
	}

	updated, err := e.persist(ctx, sub, direction, count, targetTotal)
	if err != nil {
		e.metrics.recordSeatChange(direction, outcomeFailed)
		return nil, fmt.Errorf("seat change applied at provider but not persisted: %w", err)
	}

	e.metrics.recordSeatChange(direction, outcomeApplied)
	e.log.InfoContext(ctx, "seat change applied",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("direction", string(direction)),
		slog.Int("seats_before", sub.SeatsTotal),
		slog.Int("seats_after", updated.SeatsTotal))

	return &SeatChangeResult{
		Subscription: updated,
		SeatsBefore:  sub.SeatsTotal,
		SeatsAfter:   updated.SeatsTotal,
		Invoice:      collected,
	}, nil
}

// validate checks the requested change against tier bounds and current usage,
// returning the target seat total.
func (e *SeatEngine) validate(sub *Subscription, direction SeatDirection, count int) (int, error) {
	if count <= 0 {
		return 0, newValidationError("seats.count", "seat count must be a positive integer")
	}
	if sub.Status.Terminal() || sub.AccessStatus == AccessReadOnly || sub.AccessStatus == AccessLocked {
		return 0, newValidationError("subscription.inactive", "subscription is not active")
	}
	if sub.ProviderSubscriptionID == "" {
		return 0, ErrNoBillingProfile
	}
	tc, err := e.cfg.TierConfig(sub.Tier)
	if err != nil {
		return 0, err
	}

	switch direction {
	case SeatAdd:
		target := sub.SeatsTotal + count
		if target > tc.SeatsMax {
			return 0, newValidationError("seats.max", "cannot exceed %d seats on tier %s", tc.SeatsMax, sub.Tier)
		}
		return target, nil
	case SeatRemove:
		target := sub.SeatsTotal - count
		if floor := sub.SeatFloor(); target < floor {
			return 0, newValidationError("seats.min",
				"cannot go below %d seats: %d in use, %d included with tier %s",
				floor, sub.SeatsActive, sub.SeatsIncluded, sub.Tier)
		}
		return target, nil
	default:
		return 0, newValidationError("seats.direction", "unknown seat change direction %q", direction)
	}
}

// seatItemChange computes the line-item mutation moving the provider
// subscription to the target additional-seat quantity. The base-plan item
// must exist remotely; its absence means the catalog and the provider
// disagree about what this subscription is.
func (e *SeatEngine) seatItemChange(sub *Subscription, provider *ProviderSubscription, targetAdditional int) (ItemChange, error) {
	basePriceID, err := e.cfg.BasePriceID(sub.Tier, sub.BillingInterval)
	if err != nil {
		return ItemChange{}, err
	}
	if _, ok := provider.ItemByPrice(basePriceID); !ok {
		return ItemChange{}, fmt.Errorf("subscription %s lacks base price %s: %w", provider.ID, basePriceID, ErrPlanItemsMismatch)
	}
	seatPriceID, err := e.cfg.SeatPriceID(sub.Tier, sub.BillingInterval)
	if err != nil {
		return ItemChange{}, err
	}

	existing, ok := provider.ItemByPrice(seatPriceID)
	switch {
	case !ok && targetAdditional > 0:
		return ItemChange{PriceID: seatPriceID, Quantity: targetAdditional}, nil
	case !ok:
		// Removing seats the provider doesn't bill: local state has drifted.
		return ItemChange{}, fmt.Errorf("subscription %s has no seat item to reduce: %w", provider.ID, ErrPlanItemsMismatch)
	case targetAdditional == 0:
		return ItemChange{ID: existing.ID, Remove: true}, nil
	default:
		return ItemChange{ID: existing.ID, PriceID: seatPriceID, Quantity: targetAdditional}, nil
	}
}

// confirmApplied re-fetches the provider subscription after an
// unknown-outcome update and reports whether the target quantity is live.
func (e *SeatEngine) confirmApplied(ctx context.Context, sub *Subscription, targetAdditional int) bool {
	provider, err := e.gateway.RetrieveSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return false
	}
	seatPriceID, err := e.cfg.SeatPriceID(sub.Tier, sub.BillingInterval)
	if err != nil {
		return false
	}
	quantity := 0
	if item, ok := provider.ItemByPrice(seatPriceID); ok {
		quantity = item.Quantity
	}
	return quantity == targetAdditional
}

// collectProration invoices the pending proration items immediately instead
// of letting them ride to the period invoice. Every step is best-effort: a
// failure here leaves the amount on the next scheduled invoice, so it is
// logged and swallowed.
func (e *SeatEngine) collectProration(ctx context.Context, sub *Subscription) *Invoice {
	inv, err := e.gateway.CreateInvoice(ctx, sub.ProviderCustomerID)
	if err != nil {
		e.log.WarnContext(ctx, "proration invoice not created, amount rolls into next invoice",
			slog.String("customer_id", sub.ProviderCustomerID),
			slog.Any("error", err))
		return nil
	}
	if inv, err = e.gateway.FinalizeInvoice(ctx, inv.ID); err != nil {
		e.log.WarnContext(ctx, "proration invoice not finalized",
			slog.String("invoice_id", inv.ID),
			slog.Any("error", err))
		return nil
	}
	paid, err := e.gateway.PayInvoice(ctx, inv.ID)
	if err != nil {
		// Collection failure starts the provider's own dunning; the
		// payment-failed webhook takes it from here.
		e.log.WarnContext(ctx, "proration invoice not paid",
			slog.String("invoice_id", inv.ID),
			slog.Any("error", err))
		return inv
	}
	return paid
}

// persist writes the new seat total with its ledger row, retrying lost
// optimistic-concurrency races against fresh state. The target total is not
// recomputed on retry: it is already live at the provider.
func (e *SeatEngine) persist(ctx context.Context, sub *Subscription, direction SeatDirection, count, targetTotal int) (*Subscription, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.recordConflictRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retry.NextInterval(attempt)):
			}
			fresh, err := e.store.SubscriptionByID(ctx, sub.ID)
			if err != nil {
				return nil, err
			}
			sub = fresh
		}

		next := sub.Clone()
		seatsBefore := next.SeatsTotal
		next.SeatsTotal = targetTotal
		next.UpdatedAt = e.now()

		event := e.newHistory(next, direction, count, seatsBefore)
		if err := e.store.UpdateSubscription(ctx, next, event); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, lastErr
}

func (e *SeatEngine) newHistory(sub *Subscription, direction SeatDirection, count, seatsBefore int) *HistoryEvent {
	typ := HistorySeatsAdded
	desc := fmt.Sprintf("Seats added: %d (%d total)", count, sub.SeatsTotal)
	if direction == SeatRemove {
		typ = HistorySeatsRemoved
		desc = fmt.Sprintf("Seats removed: %d (%d total)", count, sub.SeatsTotal)
	}
	return &HistoryEvent{
		ID:             uuid.New(),
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		Type:           typ,
		Status:         HistoryStatusSucceeded,
		Description:    desc,
		Metadata: map[string]string{
			"seats_before": strconv.Itoa(seatsBefore),
			"seats_after":  strconv.Itoa(sub.SeatsTotal),
		},
		CreatedAt: e.now(),
	}
}
