package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/backoff"
)

// Processor runs the webhook pipeline: authenticate the delivery, decode it
// into a fact, drop duplicates, apply the fact through the state machine,
// persist the outcome atomically, then dispatch owed notifications.
//
// Deliveries arrive at least once and in no particular order. Idempotency
// rests on the provider event id: the ledger's unique constraint is the
// source of truth, with an optional cache shortcut in front of it.
type Processor struct {
	gateway    Gateway
	store      Store
	machine    *StateMachine
	cache      EventCache
	notifier   Notifier
	log        *slog.Logger
	metrics    *Metrics
	retry      backoff.Strategy
	maxRetries int
	now        func() time.Time
}

// NewProcessor creates a webhook processor.
// Panics if gateway, store, or machine is nil to fail fast during initialization.
func NewProcessor(gateway Gateway, store Store, machine *StateMachine, opts ...Option) *Processor {
	if gateway == nil {
		panic("billing: Gateway is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if machine == nil {
		panic("billing: StateMachine is required")
	}

	o := applyOptions(opts)
	return &Processor{
		gateway:    gateway,
		store:      store,
		machine:    machine,
		cache:      o.cache,
		notifier:   o.notifier,
		log:        o.logger,
		metrics:    o.metrics,
		retry:      o.retryBackoff,
		maxRetries: o.maxRetries,
		now:        o.clock,
	}
}

// ProcessWebhook handles one raw webhook delivery. A nil return acknowledges
// the delivery; the provider stops redelivering. Authentication failures must
// be answered with a client error and everything else with a server error so
// the provider retries.
func (p *Processor) ProcessWebhook(ctx context.Context, payload []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}

	fact, err := p.gateway.VerifyWebhookSignature(payload, signature)
	if err != nil {
		p.metrics.recordEvent("unknown", outcomeRejected)
		return err
	}

	eventType := fact.EventType()
	start := p.now()
	defer func() {
		p.metrics.observeProcessing(eventType, p.now().Sub(start).Seconds())
	}()

	if _, ok := fact.(IgnoredEvent); ok {
		p.log.DebugContext(ctx, "ignoring webhook event",
			slog.String("event_id", fact.EventID()),
			slog.String("event_type", eventType))
		p.metrics.recordEvent(eventType, outcomeIgnored)
		return nil
	}

	if seen, err := p.seenBefore(ctx, fact.EventID()); err == nil && seen {
		p.log.DebugContext(ctx, "skipping duplicate webhook event",
			slog.String("event_id", fact.EventID()),
			slog.String("event_type", eventType))
		p.metrics.recordEvent(eventType, outcomeDuplicate)
		return nil
	} else if err != nil {
		p.metrics.recordEvent(eventType, outcomeFailed)
		return fmt.Errorf("check event idempotency: %w", err)
	}

	outcome, err := p.applyWithRetry(ctx, fact)
	switch {
	case errors.Is(err, ErrEventAlreadyProcessed):
		// Lost a race with a concurrent delivery of the same event.
		p.markSeen(ctx, fact.EventID())
		p.metrics.recordEvent(eventType, outcomeDuplicate)
		return nil
	case err != nil:
		p.metrics.recordEvent(eventType, outcomeFailed)
		return err
	case outcome == nil:
		// Nothing to act on: an invoice for a subscription this system never
		// tracked, or a schedule with no subscription attached.
		p.metrics.recordEvent(eventType, outcomeIgnored)
		return nil
	case outcome.History == nil:
		// The fact changed nothing, e.g. a redelivered checkout for a
		// subscription already on file.
		p.markSeen(ctx, fact.EventID())
		p.metrics.recordEvent(eventType, outcomeDuplicate)
		return nil
	}

	p.markSeen(ctx, fact.EventID())
	p.metrics.recordEvent(eventType, outcomeApplied)
	p.log.InfoContext(ctx, "webhook event applied",
		slog.String("event_id", fact.EventID()),
		slog.String("event_type", eventType),
		slog.String("organization_id", outcome.Subscription.OrganizationID.String()),
		slog.String("status", string(outcome.Subscription.Status)),
		slog.String("access_status", string(outcome.Subscription.AccessStatus)))

	p.runEffects(ctx, outcome)
	return nil
}

// applyWithRetry runs one load-apply-persist cycle, retrying lost
// optimistic-concurrency races with backoff. Each retry reloads the
// subscription so the fact is reapplied against the winner's state.
func (p *Processor) applyWithRetry(ctx context.Context, fact Fact) (*Outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.recordConflictRetry()
			p.log.DebugContext(ctx, "retrying webhook apply after write conflict",
				slog.String("event_id", fact.EventID()),
				slog.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retry.NextInterval(attempt)):
			}
		}

		outcome, err := p.applyOnce(ctx, fact)
		if err == nil || !isWriteConflict(err) {
			return outcome, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// applyOnce loads the subscription the fact addresses, computes the next
// state, and persists it. A nil outcome with nil error means the fact is
// deliberately skipped.
func (p *Processor) applyOnce(ctx context.Context, fact Fact) (*Outcome, error) {
	current, skip, err := p.loadCurrent(ctx, fact)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}

	outcome, err := p.machine.Apply(current, fact)
	if err != nil {
		return nil, err
	}
	if outcome.History == nil {
		return outcome, nil
	}

	if current == nil {
		err = p.store.CreateSubscription(ctx, outcome.Subscription, outcome.History)
	} else {
		err = p.store.UpdateSubscription(ctx, outcome.Subscription, outcome.History)
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// loadCurrent resolves the subscription a fact addresses, returning skip=true
// when the fact is deliberately not processed. Routing differs by variant: a
// completed checkout is keyed by organization, everything else by the
// provider subscription id.
func (p *Processor) loadCurrent(ctx context.Context, fact Fact) (*Subscription, bool, error) {
	switch f := fact.(type) {
	case SubscriptionStarted:
		// A different delivery may already have recorded this provider
		// subscription under another event id.
		if _, err := p.store.SubscriptionByProviderID(ctx, f.ProviderSubscriptionID); err == nil {
			return nil, false, ErrEventAlreadyProcessed
		} else if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, false, fmt.Errorf("load subscription by provider id: %w", err)
		}
		current, err := p.store.SubscriptionByOrganization(ctx, f.OrganizationID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("load subscription by organization: %w", err)
		}
		return current, false, nil

	case SubscriptionUpdated:
		return p.loadByProviderID(ctx, fact, f.ProviderSubscriptionID, false)
	case SubscriptionDeleted:
		return p.loadByProviderID(ctx, fact, f.ProviderSubscriptionID, false)
	case SchedulePhaseCreated:
		if f.ProviderSubscriptionID == "" {
			// Standalone schedules are not attached to any subscription.
			p.log.DebugContext(ctx, "skipping schedule without subscription",
				slog.String("event_id", fact.EventID()),
				slog.String("schedule_id", f.ScheduleID))
			return nil, true, nil
		}
		return p.loadByProviderID(ctx, fact, f.ProviderSubscriptionID, false)

	case InvoicePaymentSucceeded:
		return p.loadByProviderID(ctx, fact, f.ProviderSubscriptionID, true)
	case InvoicePaymentFailed:
		return p.loadByProviderID(ctx, fact, f.ProviderSubscriptionID, true)
	case InvoiceCreated:
		return p.loadByProviderID(ctx, fact, f.ProviderSubscriptionID, true)

	default:
		return nil, false, fmt.Errorf("unhandled fact type %T", fact)
	}
}

// loadByProviderID fetches the subscription behind a provider subscription
// id. Invoice facts tolerate an unknown subscription (one-off invoices exist
// and are none of this system's business); lifecycle facts treat it as a
// transient ordering problem and fail the delivery so the provider retries
// after the checkout event lands.
func (p *Processor) loadByProviderID(ctx context.Context, fact Fact, providerSubscriptionID string, tolerateUnknown bool) (*Subscription, bool, error) {
	if providerSubscriptionID == "" {
		if tolerateUnknown {
			p.log.DebugContext(ctx, "skipping event without subscription",
				slog.String("event_id", fact.EventID()),
				slog.String("event_type", fact.EventType()))
			return nil, true, nil
		}
		return nil, false, errors.Join(ErrMalformedPayload, errors.New("event names no subscription"))
	}

	current, err := p.store.SubscriptionByProviderID(ctx, providerSubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		if tolerateUnknown {
			p.log.WarnContext(ctx, "skipping event for unknown subscription",
				slog.String("event_id", fact.EventID()),
				slog.String("event_type", fact.EventType()),
				slog.String("provider_subscription_id", providerSubscriptionID))
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("subscription %s: %w", providerSubscriptionID, ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("load subscription by provider id: %w", err)
	}
	return current, false, nil
}

// seenBefore consults the cache shortcut, then the ledger. Cache errors are
// logged and ignored; the ledger decides.
func (p *Processor) seenBefore(ctx context.Context, eventID string) (bool, error) {
	if p.cache != nil {
		seen, err := p.cache.Seen(ctx, eventID)
		if err != nil {
			p.log.WarnContext(ctx, "event cache lookup failed",
				slog.String("event_id", eventID),
				slog.Any("error", err))
		} else if seen {
			return true, nil
		}
	}
	return p.store.EventProcessed(ctx, eventID)
}

func (p *Processor) markSeen(ctx context.Context, eventID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.MarkSeen(ctx, eventID); err != nil {
		p.log.WarnContext(ctx, "event cache write failed",
			slog.String("event_id", eventID),
			slog.Any("error", err))
	}
}

// runEffects dispatches notifications owed by a committed outcome. Failures
// are logged, never returned: the write already happened and the delivery is
// acknowledged regardless.
func (p *Processor) runEffects(ctx context.Context, outcome *Outcome) {
	if p.notifier == nil || len(outcome.Effects) == 0 {
		return
	}
	for _, effect := range outcome.Effects {
		var err error
		switch effect {
		case EffectNotifyPaymentFailed:
			err = p.notifier.PaymentFailed(ctx, outcome.Subscription, outcome.History)
		case EffectNotifyPaymentRecovered:
			err = p.notifier.PaymentRecovered(ctx, outcome.Subscription, outcome.History)
		case EffectNotifySubscriptionCanceled:
			err = p.notifier.SubscriptionCanceled(ctx, outcome.Subscription, outcome.History)
		default:
			p.log.ErrorContext(ctx, "unknown effect", slog.String("effect", string(effect)))
			continue
		}
		if err != nil {
			p.log.ErrorContext(ctx, "notification failed",
				slog.String("effect", string(effect)),
				slog.String("organization_id", outcome.Subscription.OrganizationID.String()),
				slog.Any("error", err))
		}
	}
}

// isWriteConflict reports whether a persist attempt lost a race it can win
// on retry: a stale version, or a concurrent insert for the same
// organization.
func isWriteConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrSubscriptionExists)
}
