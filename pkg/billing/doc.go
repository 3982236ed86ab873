// Package billing manages organization subscriptions backed by an external
// payment provider: webhook-driven lifecycle state, per-seat plan changes
// with proration, dunning grace periods, and an append-only billing ledger.
//
// The provider (Stripe) is the source of truth for subscription lifecycle
// state. This package never originates state transitions; it mirrors the
// provider's events into local records that the rest of the application can
// read without network calls, and issues provider API calls only for
// explicit commands such as seat changes and checkout links.
//
// # Architecture
//
// The package is split along the write paths:
//
//   - Service: facade combining reads, checkout/portal links, webhook
//     processing, and seat changes
//   - Processor: verifies, decodes, and applies webhook events exactly once
//   - StateMachine: pure transition function from (subscription, event) to
//     (subscription, ledger entry, side effects)
//   - SeatEngine: previews and applies seat quantity changes with proration
//   - Gateway: provider API abstraction (implemented by StripeGateway)
//   - Store: persistence abstraction (PgStore for PostgreSQL, MemoryStore
//     for tests)
//   - EventCache: optional Redis fast-path for duplicate webhook detection
//   - Notifier: outbound dunning notifications, invoked after commit
//
// Webhooks arrive at least once and out of order. Idempotency rests on the
// ledger's unique provider event id: the subscription update and its ledger
// entry commit in one transaction, so a replayed event fails the insert and
// is acknowledged without applying twice. Concurrent writers are serialized
// by an optimistic version check with bounded retry rather than row locks.
//
// # Quick Start
//
//	import "github.com/dmitrymomot/billingkit/pkg/billing"
//
//	cfg, err := billing.LoadCatalog("billing.yml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	gateway, err := billing.NewStripeGateway(billing.StripeConfig{
//		APIKey:        os.Getenv("STRIPE_API_KEY"),
//		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	svc, err := billing.NewService(cfg, gateway, billing.NewPgStore(pool),
//		billing.WithLogger(logger),
//		billing.WithEventCache(billing.NewRedisEventCache(redisClient, 72*time.Hour)),
//		billing.WithNotifier(notifier),
//	)
//
// # Webhook Processing
//
// Feed the raw request body and signature header to ProcessWebhook. A nil
// return means the event is durably applied (or was a duplicate, or is of no
// interest) and the provider should receive 2xx; authentication failures
// should map to 4xx so the provider does not retry them:
//
//	func webhookHandler(w http.ResponseWriter, r *http.Request) {
//		payload, err := io.ReadAll(r.Body)
//		if err != nil {
//			http.Error(w, "bad request", http.StatusBadRequest)
//			return
//		}
//
//		err = svc.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
//		switch {
//		case err == nil:
//			w.WriteHeader(http.StatusOK)
//		case billing.IsAuthenticationError(err):
//			http.Error(w, "invalid signature", http.StatusBadRequest)
//		default:
//			http.Error(w, "processing failed", http.StatusInternalServerError)
//		}
//	}
//
// Events referencing subscriptions this system has not seen yet (out-of-order
// delivery) return errors so the provider redelivers them after the creating
// event lands. Invoice events for unknown subscriptions are acknowledged
// instead, since payment events for foreign subscriptions are expected noise.
//
// # Seat Changes
//
// Seat changes are two-phase. Preview asks the provider for a proration
// quote without changing anything; Apply performs the provider update and
// then persists the new seat count:
//
//	preview, err := svc.PreviewSeatChange(ctx, subID, billing.SeatAdd, 3)
//	// preview.AmountDueNow is the prorated charge for the rest of the period
//
//	result, err := svc.ApplySeatChange(ctx, subID, billing.SeatAdd, 3)
//	if err != nil {
//		var verr *billing.ValidationError
//		if errors.As(err, &verr) {
//			// verr.Rule is "seats.max", "seats.min", ...
//		}
//	}
//
// Validation enforces the tier's seat ceiling and a floor of
// max(seats in use, seats included with the tier). If the provider call
// times out after the change may have committed remotely, Apply re-reads the
// provider state and reconciles instead of failing blind.
//
// # Access Control
//
// AccessStatus answers "what may this organization do right now" and is
// always derived, never stored authority: active, grace_period (payment
// failed, full access while dunning runs), read_only (grace exhausted or
// subscription ended), locked (manual suspension). Organizations without a
// subscription row are on the free tier and read as active:
//
//	status, err := svc.AccessStatus(ctx, orgID)
//	if status == billing.AccessReadOnly {
//		// reject writes, allow reads and data export
//	}
//
// # Error Handling
//
//	switch {
//	case errors.Is(err, billing.ErrSubscriptionNotFound):
//		// no paid subscription; organization is on the free tier
//	case errors.Is(err, billing.ErrSubscriptionExists):
//		// checkout rejected: organization already has a live subscription
//	case billing.IsValidationError(err):
//		// caller mistake, safe to surface to the user
//	case billing.IsRetryable(err):
//		// provider outage or write conflict; retry later
//	}
package billing
