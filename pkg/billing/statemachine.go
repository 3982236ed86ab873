package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Effect is a notification owed after an outcome commits. Effects never run
// inside the state machine; the processor dispatches them post-write so a
// failed write never notifies anyone.
type Effect string

const (
	EffectNotifyPaymentFailed        Effect = "notify_payment_failed"
	EffectNotifyPaymentRecovered     Effect = "notify_payment_recovered"
	EffectNotifySubscriptionCanceled Effect = "notify_subscription_canceled"
)

// Outcome is the computed result of applying one fact: the next subscription
// state, the ledger row recording it, and effects owed after commit.
// A nil History means the fact changed nothing and nothing should be written.
type Outcome struct {
	Subscription *Subscription
	History      *HistoryEvent
	Effects      []Effect
}

// StateMachine computes subscription transitions. It is pure: no I/O, no
// mutation of its input, every write decision expressed in the returned
// Outcome. The injected catalog supplies seat bounds, price mappings, and the
// grace window.
type StateMachine struct {
	cfg Config
	now func() time.Time
}

// NewStateMachine creates a state machine over a validated catalog.
func NewStateMachine(cfg Config, opts ...Option) *StateMachine {
	o := applyOptions(opts)
	return &StateMachine{cfg: cfg, now: o.clock}
}

// DeriveAccessStatus computes the access gate from the provider status and
// whether a dunning grace window is active. This is the only rule producing
// an access status; nothing in the system assigns one directly.
func DeriveAccessStatus(status Status, graceActive bool) AccessStatus {
	switch status {
	case StatusPastDue:
		return AccessGracePeriod
	case StatusActive, StatusTrialing:
		if graceActive {
			return AccessGracePeriod
		}
		return AccessActive
	default:
		// canceled, unpaid, incomplete, incomplete_expired, paused — and any
		// unrecognized provider status fails closed.
		return AccessReadOnly
	}
}

// Apply computes the next state for one fact. The same fact always yields
// the same outcome; replay protection by provider event id belongs to the
// processor, not here.
func (m *StateMachine) Apply(current *Subscription, fact Fact) (*Outcome, error) {
	switch f := fact.(type) {
	case SubscriptionStarted:
		return m.applyStarted(current, f)
	case SubscriptionUpdated:
		return m.applyUpdated(current, f)
	case SchedulePhaseCreated:
		return m.applySchedule(current, f)
	case InvoicePaymentSucceeded:
		return m.applyPaymentSucceeded(current, f)
	case InvoicePaymentFailed:
		return m.applyPaymentFailed(current, f)
	case InvoiceCreated:
		return m.applyInvoiceCreated(current, f)
	case SubscriptionDeleted:
		return m.applyDeleted(current, f)
	case IgnoredEvent:
		return &Outcome{Subscription: current.Clone()}, nil
	default:
		return nil, fmt.Errorf("unhandled fact type %T", fact)
	}
}

func (m *StateMachine) applyStarted(current *Subscription, f SubscriptionStarted) (*Outcome, error) {
	if current != nil {
		// The provider redelivered a checkout we already hold: nothing to do.
		if current.ProviderSubscriptionID == f.ProviderSubscriptionID {
			return &Outcome{Subscription: current.Clone()}, nil
		}
		if !current.Status.Terminal() {
			return nil, newInvariantViolation("subscription.single",
				"organization %s already has a live subscription", current.OrganizationID)
		}
	}

	if f.Tier == TierFree {
		return nil, newInvariantViolation("tier.paid",
			"completed checkout cannot start a free-tier subscription")
	}
	tc, err := m.cfg.TierConfig(f.Tier)
	if err != nil {
		return nil, newInvariantViolation("tier.known", "checkout names unknown tier %q", f.Tier)
	}
	if f.Seats < tc.SeatsIncluded || f.Seats > tc.SeatsMax {
		return nil, newInvariantViolation("seats.bounds",
			"checkout requests %d seats, tier %s allows %d-%d", f.Seats, f.Tier, tc.SeatsIncluded, tc.SeatsMax)
	}

	now := m.now()
	next := &Subscription{
		ID:                     uuid.New(),
		OrganizationID:         f.OrganizationID,
		ProviderCustomerID:     f.ProviderCustomerID,
		ProviderSubscriptionID: f.ProviderSubscriptionID,
		Tier:                   f.Tier,
		Status:                 StatusActive,
		BillingInterval:        f.Interval,
		SeatsIncluded:          tc.SeatsIncluded,
		SeatsTotal:             f.Seats,
		BillingEmail:           f.BillingEmail,
		AccessStatus:           AccessActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if current != nil {
		// Re-subscribe after a terminal state reuses the organization's row.
		next.ID = current.ID
		next.SeatsActive = current.SeatsActive
		next.Version = current.Version
		next.CreatedAt = current.CreatedAt
	}
	if f.TriggerFeature != "" {
		next.UpgradedFrom = TierFree
		upgradedAt := now
		next.UpgradedAt = &upgradedAt
		next.UpgradeTriggerFeature = f.TriggerFeature
	}

	if err := m.checkInvariants(next); err != nil {
		return nil, err
	}

	meta := map[string]string{
		"tier":  string(f.Tier),
		"seats": fmt.Sprintf("%d", f.Seats),
	}
	if f.TriggerFeature != "" {
		meta["trigger_feature"] = f.TriggerFeature
	}
	history := m.newHistory(next, f, HistorySubscriptionCreated, HistoryStatusSucceeded,
		fmt.Sprintf("Subscription created: %s tier, %d seats", f.Tier, f.Seats), nil, meta)

	return &Outcome{Subscription: next, History: history}, nil
}

func (m *StateMachine) applyUpdated(current *Subscription, f SubscriptionUpdated) (*Outcome, error) {
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}

	now := m.now()
	next := current.Clone()
	prevTier := next.Tier

	next.Status = f.Status
	next.CancelAtPeriodEnd = f.CancelAtPeriodEnd
	if f.ProviderCustomerID != "" {
		next.ProviderCustomerID = f.ProviderCustomerID
	}
	if !f.CurrentPeriodStart.IsZero() {
		next.CurrentPeriodStart = f.CurrentPeriodStart
	}
	if !f.CurrentPeriodEnd.IsZero() {
		next.CurrentPeriodEnd = f.CurrentPeriodEnd
	}

	historyType := HistorySubscriptionUpdated
	desc := fmt.Sprintf("Subscription updated: status %s", f.Status)
	meta := map[string]string{"status": string(f.Status)}

	if len(f.Items) > 0 {
		newTier, interval, seatQty, matched := m.resolveItems(f.Items)
		if matched {
			if newTier != prevTier {
				tc, err := m.cfg.TierConfig(newTier)
				if err != nil {
					return nil, newInvariantViolation("tier.known", "provider items name unknown tier %q", newTier)
				}
				if newTier.Above(prevTier) {
					historyType = HistoryTierUpgraded
					desc = fmt.Sprintf("Tier upgraded: %s to %s", prevTier, newTier)
					next.UpgradedFrom = prevTier
					upgradedAt := now
					next.UpgradedAt = &upgradedAt
					if feature := f.Metadata[metadataTriggerFeature]; feature != "" {
						next.UpgradeTriggerFeature = feature
					}
				} else {
					historyType = HistoryTierDowngraded
					desc = fmt.Sprintf("Tier downgraded: %s to %s", prevTier, newTier)
				}
				meta["previous_tier"] = string(prevTier)
				meta["tier"] = string(newTier)
				next.Tier = newTier
				next.SeatsIncluded = tc.SeatsIncluded
				if next.PendingDowngrade != nil && next.PendingDowngrade.Tier == newTier {
					// The scheduled change just took effect.
					next.PendingDowngrade = nil
				}
			}
			next.BillingInterval = interval
			// The provider is the source of truth for seat drift: a seat
			// update that committed remotely but failed to persist locally is
			// healed here.
			next.SeatsTotal = next.SeatsIncluded + seatQty
		} else {
			meta["tier_resolution"] = "unmatched_items"
		}
	}

	m.reconcileAccess(next, now)
	next.UpdatedAt = now

	if err := m.checkInvariants(next); err != nil {
		return nil, err
	}

	history := m.newHistory(next, f, historyType, HistoryStatusSucceeded, desc, nil, meta)
	return &Outcome{Subscription: next, History: history}, nil
}

func (m *StateMachine) applySchedule(current *Subscription, f SchedulePhaseCreated) (*Outcome, error) {
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}

	now := m.now()
	next := current.Clone()
	meta := map[string]string{"schedule_id": f.ScheduleID}
	var desc string

	phase, ok := nextPhase(f.Phases, now)
	if ok {
		tier, resolved := m.resolvePhaseTier(phase)
		if !resolved {
			// Documented tie-break: an unmapped scheduled price keeps the
			// current tier, loudly flagged for operators instead of failing
			// the delivery.
			tier = next.Tier
			meta["tier_resolution"] = "fallback"
			if len(phase.Items) > 0 {
				meta["unmapped_price_id"] = phase.Items[0].PriceID
			}
		}
		next.PendingDowngrade = &PendingDowngrade{Tier: tier, EffectiveDate: phase.Start}
		meta["tier"] = string(tier)
		meta["effective_date"] = phase.Start.Format(time.RFC3339)
		desc = fmt.Sprintf("Downgrade to %s scheduled for %s", tier, phase.Start.Format(time.DateOnly))
		next.UpdatedAt = now
	} else {
		meta["tier_resolution"] = "no_future_phase"
		desc = "Subscription schedule created with no future phase"
	}

	if err := m.checkInvariants(next); err != nil {
		return nil, err
	}

	history := m.newHistory(next, f, HistoryDowngradeScheduled, HistoryStatusPending, desc, nil, meta)
	return &Outcome{Subscription: next, History: history}, nil
}

func (m *StateMachine) applyPaymentSucceeded(current *Subscription, f InvoicePaymentSucceeded) (*Outcome, error) {
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}

	now := m.now()
	next := current.Clone()
	var effects []Effect

	desc := "Payment received"
	if f.Amount.Currency != "" {
		desc = fmt.Sprintf("Payment of %s received", f.Amount.Format())
	}
	if next.AccessStatus == AccessGracePeriod || next.InGracePeriod() {
		clearGrace(next)
		next.Status = StatusActive
		next.AccessStatus = DeriveAccessStatus(next.Status, false)
		next.UpdatedAt = now
		desc += ", grace period ended"
		effects = append(effects, EffectNotifyPaymentRecovered)
	}

	if err := m.checkInvariants(next); err != nil {
		return nil, err
	}

	meta := map[string]string{"invoice_id": f.InvoiceID}
	history := m.newHistory(next, f, HistoryPaymentSucceeded, HistoryStatusSucceeded, desc, amountRef(f.Amount), meta)
	return &Outcome{Subscription: next, History: history, Effects: effects}, nil
}

func (m *StateMachine) applyPaymentFailed(current *Subscription, f InvoicePaymentFailed) (*Outcome, error) {
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}

	now := m.now()
	next := current.Clone()
	var effects []Effect

	meta := map[string]string{
		"invoice_id":    f.InvoiceID,
		"attempt_count": fmt.Sprintf("%d", f.AttemptCount),
	}
	if !f.NextAttemptAt.IsZero() {
		meta["next_attempt_at"] = f.NextAttemptAt.Format(time.RFC3339)
	}

	desc := "Payment failed"
	if f.Amount.Currency != "" {
		desc = fmt.Sprintf("Payment of %s failed (attempt %d)", f.Amount.Format(), f.AttemptCount)
	}

	// Grace is granted only where the derived gate can express it. Dunning a
	// subscription in any other status (canceled, unpaid, incomplete, paused)
	// records the failure and grants nothing.
	if DeriveAccessStatus(next.Status, true) == AccessGracePeriod {
		if !next.InGracePeriod() {
			start := now
			next.GracePeriodStartsAt = &start
		}
		// Each failed attempt extends the window from now.
		end := now.Add(m.cfg.GracePeriod())
		next.GracePeriodEndsAt = &end
		next.AccessStatus = AccessGracePeriod
		next.UpdatedAt = now
		effects = append(effects, EffectNotifyPaymentFailed)
	}

	if err := m.checkInvariants(next); err != nil {
		return nil, err
	}

	history := m.newHistory(next, f, HistoryPaymentFailed, HistoryStatusFailed, desc, amountRef(f.Amount), meta)
	return &Outcome{Subscription: next, History: history, Effects: effects}, nil
}

func (m *StateMachine) applyInvoiceCreated(current *Subscription, f InvoiceCreated) (*Outcome, error) {
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}

	next := current.Clone()
	desc := "Invoice issued"
	if f.Amount.Currency != "" {
		desc = fmt.Sprintf("Invoice for %s issued", f.Amount.Format())
	}
	meta := map[string]string{"invoice_id": f.InvoiceID}
	history := m.newHistory(next, f, HistoryInvoiceCreated, HistoryStatusPending, desc, amountRef(f.Amount), meta)
	return &Outcome{Subscription: next, History: history}, nil
}

func (m *StateMachine) applyDeleted(current *Subscription, f SubscriptionDeleted) (*Outcome, error) {
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}

	now := m.now()
	next := current.Clone()
	next.Status = StatusCanceled
	next.CancelAtPeriodEnd = false
	next.PendingDowngrade = nil
	clearGrace(next)
	next.AccessStatus = DeriveAccessStatus(next.Status, false)
	next.UpdatedAt = now

	if err := m.checkInvariants(next); err != nil {
		return nil, err
	}

	history := m.newHistory(next, f, HistorySubscriptionCanceled, HistoryStatusSucceeded,
		"Subscription canceled", nil, map[string]string{"tier": string(next.Tier)})
	return &Outcome{Subscription: next, History: history, Effects: []Effect{EffectNotifySubscriptionCanceled}}, nil
}

// reconcileAccess re-derives the access gate after a provider status refresh.
// An active or trialing status ends any grace window: the provider reports
// the subscription healthy, so dunning state is stale.
func (m *StateMachine) reconcileAccess(s *Subscription, now time.Time) {
	switch s.Status {
	case StatusPastDue:
		if !s.InGracePeriod() {
			start := now
			end := now.Add(m.cfg.GracePeriod())
			s.GracePeriodStartsAt = &start
			s.GracePeriodEndsAt = &end
		}
	default:
		clearGrace(s)
	}
	s.AccessStatus = DeriveAccessStatus(s.Status, s.InGracePeriod())
}

// resolveItems interprets provider line items against the catalog: the item
// matching a base price carries the tier and interval, the item matching that
// tier's seat price carries the purchased seat quantity.
func (m *StateMachine) resolveItems(items []SubscriptionItem) (Tier, BillingInterval, int, bool) {
	for _, item := range items {
		tier, interval, ok := m.cfg.TierByBasePrice(item.PriceID)
		if !ok {
			continue
		}
		seats := 0
		if seatPriceID, err := m.cfg.SeatPriceID(tier, interval); err == nil {
			for _, seatItem := range items {
				if seatItem.PriceID == seatPriceID {
					seats = seatItem.Quantity
					break
				}
			}
		}
		return tier, interval, seats, true
	}
	return "", "", 0, false
}

func (m *StateMachine) resolvePhaseTier(phase SchedulePhase) (Tier, bool) {
	for _, item := range phase.Items {
		if tier, _, ok := m.cfg.TierByBasePrice(item.PriceID); ok {
			return tier, true
		}
	}
	return "", false
}

// nextPhase returns the first scheduled phase that starts in the future.
func nextPhase(phases []SchedulePhase, now time.Time) (SchedulePhase, bool) {
	for _, phase := range phases {
		if phase.Start.After(now) {
			return phase, true
		}
	}
	return SchedulePhase{}, false
}

// checkInvariants rejects any computed state that must never be persisted.
func (m *StateMachine) checkInvariants(s *Subscription) error {
	tc, err := m.cfg.TierConfig(s.Tier)
	if err != nil {
		return newInvariantViolation("tier.known", "subscription holds unknown tier %q", s.Tier)
	}
	if s.SeatsTotal < s.SeatsIncluded {
		return newInvariantViolation("seats.floor",
			"seatsTotal %d below seatsIncluded %d", s.SeatsTotal, s.SeatsIncluded)
	}
	if s.SeatsTotal > tc.SeatsMax {
		return newInvariantViolation("seats.max",
			"seatsTotal %d exceeds tier %s maximum %d", s.SeatsTotal, s.Tier, tc.SeatsMax)
	}
	if !s.CurrentPeriodStart.IsZero() || !s.CurrentPeriodEnd.IsZero() {
		if !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
			return newInvariantViolation("period.order",
				"currentPeriodEnd %s not after currentPeriodStart %s", s.CurrentPeriodEnd, s.CurrentPeriodStart)
		}
	}
	if (s.GracePeriodStartsAt == nil) != (s.GracePeriodEndsAt == nil) {
		return newInvariantViolation("grace.pair", "grace period timestamps must be set together")
	}
	if s.AccessStatus == AccessGracePeriod && !s.InGracePeriod() {
		return newInvariantViolation("grace.state", "grace_period access without grace timestamps")
	}
	if s.AccessStatus != AccessGracePeriod && s.InGracePeriod() {
		return newInvariantViolation("grace.state", "grace timestamps present outside grace_period access")
	}
	return nil
}

func (m *StateMachine) newHistory(sub *Subscription, f Fact, typ HistoryEventType, status HistoryStatus, desc string, amount *Money, meta map[string]string) *HistoryEvent {
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["provider_event"] = f.EventType()
	return &HistoryEvent{
		ID:              uuid.New(),
		OrganizationID:  sub.OrganizationID,
		SubscriptionID:  sub.ID,
		Type:            typ,
		ProviderEventID: f.EventID(),
		Amount:          amount,
		Status:          status,
		Description:     desc,
		Metadata:        meta,
		CreatedAt:       m.now(),
	}
}

func clearGrace(s *Subscription) {
	s.GracePeriodStartsAt = nil
	s.GracePeriodEndsAt = nil
}

func amountRef(m Money) *Money {
	if m.Currency == "" {
		return nil
	}
	return &m
}
