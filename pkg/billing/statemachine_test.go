package billing_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func TestDeriveAccessStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      billing.Status
		graceActive bool
		want        billing.AccessStatus
	}{
		{"active without grace", billing.StatusActive, false, billing.AccessActive},
		{"active during grace", billing.StatusActive, true, billing.AccessGracePeriod},
		{"trialing without grace", billing.StatusTrialing, false, billing.AccessActive},
		{"trialing during grace", billing.StatusTrialing, true, billing.AccessGracePeriod},
		{"past_due always grants grace", billing.StatusPastDue, false, billing.AccessGracePeriod},
		{"canceled is read-only", billing.StatusCanceled, false, billing.AccessReadOnly},
		{"unpaid is read-only", billing.StatusUnpaid, false, billing.AccessReadOnly},
		{"incomplete is read-only", billing.StatusIncomplete, false, billing.AccessReadOnly},
		{"incomplete_expired is read-only", billing.StatusIncompleteExpired, false, billing.AccessReadOnly},
		{"paused is read-only", billing.StatusPaused, false, billing.AccessReadOnly},
		{"unknown status fails closed", billing.Status("weird"), true, billing.AccessReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, billing.DeriveAccessStatus(tt.status, tt.graceActive))
		})
	}
}

func TestStateMachine_Apply_CheckoutCompleted(t *testing.T) {
	t.Parallel()

	machine := billing.NewStateMachine(testCatalog())

	t.Run("creates a subscription from checkout metadata", func(t *testing.T) {
		t.Parallel()
		orgID := uuid.New()
		fact := mustDecodeFact(t, "evt_1", "checkout.session.completed", checkoutPayload(orgID, "starter", 5))

		outcome, err := machine.Apply(nil, fact)
		require.NoError(t, err)
		require.NotNil(t, outcome.Subscription)
		require.NotNil(t, outcome.History)

		sub := outcome.Subscription
		assert.Equal(t, orgID, sub.OrganizationID)
		assert.Equal(t, "cus_123", sub.ProviderCustomerID)
		assert.Equal(t, "sub_123", sub.ProviderSubscriptionID)
		assert.Equal(t, billing.TierStarter, sub.Tier)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, billing.AccessActive, sub.AccessStatus)
		assert.Equal(t, billing.IntervalMonthly, sub.BillingInterval)
		assert.Equal(t, 5, sub.SeatsIncluded)
		assert.Equal(t, 5, sub.SeatsTotal)
		assert.Equal(t, "owner@acme.test", sub.BillingEmail)

		assert.Equal(t, billing.HistorySubscriptionCreated, outcome.History.Type)
		assert.Equal(t, "evt_1", outcome.History.ProviderEventID)
		assert.Equal(t, "Subscription created: starter tier, 5 seats", outcome.History.Description)
		assert.Equal(t, "starter", outcome.History.Metadata["tier"])
		assert.Equal(t, "5", outcome.History.Metadata["seats"])
		assert.Equal(t, "checkout.session.completed", outcome.History.Metadata["provider_event"])
		assert.Empty(t, outcome.Effects)
	})

	t.Run("redelivered checkout for a known provider subscription changes nothing", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		fact := mustDecodeFact(t, "evt_2", "checkout.session.completed", checkoutPayload(current.OrganizationID, "starter", 5))

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		assert.Nil(t, outcome.History)
		assert.Equal(t, current, outcome.Subscription)
	})

	t.Run("second live subscription is rejected", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.ProviderSubscriptionID = "sub_other"
		fact := mustDecodeFact(t, "evt_3", "checkout.session.completed", checkoutPayload(current.OrganizationID, "starter", 5))

		_, err := machine.Apply(current, fact)
		assert.True(t, billing.IsInvariantViolation(err))
	})

	t.Run("free tier cannot be started by checkout", func(t *testing.T) {
		t.Parallel()
		fact := mustDecodeFact(t, "evt_4", "checkout.session.completed", checkoutPayload(uuid.New(), "free", 1))

		_, err := machine.Apply(nil, fact)
		assert.True(t, billing.IsInvariantViolation(err))
	})

	t.Run("seat count above the tier maximum is rejected", func(t *testing.T) {
		t.Parallel()
		fact := mustDecodeFact(t, "evt_5", "checkout.session.completed", checkoutPayload(uuid.New(), "starter", 20))

		_, err := machine.Apply(nil, fact)
		assert.True(t, billing.IsInvariantViolation(err))
	})

	t.Run("seat count below the included allotment is rejected", func(t *testing.T) {
		t.Parallel()
		fact := mustDecodeFact(t, "evt_6", "checkout.session.completed", checkoutPayload(uuid.New(), "starter", 4))

		_, err := machine.Apply(nil, fact)
		assert.True(t, billing.IsInvariantViolation(err))
	})

	t.Run("re-subscribe after cancellation reuses the organization's record", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusCanceled
		current.AccessStatus = billing.AccessReadOnly
		current.Version = 4
		current.SeatsActive = 3

		payload := fmt.Sprintf(`{
			"id": "cs_test_2",
			"customer": "cus_123",
			"subscription": "sub_456",
			"customer_details": {"email": "owner@acme.test"},
			"metadata": {"organization_id": %q, "tier": "professional", "seats": "10", "interval": "annual"}
		}`, current.OrganizationID.String())
		fact := mustDecodeFact(t, "evt_7", "checkout.session.completed", payload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		require.NotNil(t, outcome.History)

		sub := outcome.Subscription
		assert.Equal(t, current.ID, sub.ID)
		assert.Equal(t, current.CreatedAt, sub.CreatedAt)
		assert.Equal(t, int64(4), sub.Version)
		assert.Equal(t, 3, sub.SeatsActive)
		assert.Equal(t, "sub_456", sub.ProviderSubscriptionID)
		assert.Equal(t, billing.TierProfessional, sub.Tier)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, billing.IntervalAnnual, sub.BillingInterval)
	})

	t.Run("records the feature that triggered the upgrade", func(t *testing.T) {
		t.Parallel()
		orgID := uuid.New()
		payload := fmt.Sprintf(`{
			"id": "cs_test_3",
			"customer": "cus_123",
			"subscription": "sub_123",
			"customer_details": {"email": "owner@acme.test"},
			"metadata": {"organization_id": %q, "tier": "starter", "seats": "5", "interval": "monthly", "trigger_feature": "sso"}
		}`, orgID.String())
		fact := mustDecodeFact(t, "evt_8", "checkout.session.completed", payload)

		outcome, err := machine.Apply(nil, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.TierFree, sub.UpgradedFrom)
		require.NotNil(t, sub.UpgradedAt)
		assert.Equal(t, "sso", sub.UpgradeTriggerFeature)
		assert.Equal(t, "sso", outcome.History.Metadata["trigger_feature"])
	})
}

func TestStateMachine_Apply_SubscriptionUpdated(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	machine := billing.NewStateMachine(testCatalog(), billing.WithClock(func() time.Time { return now }))

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("refreshes provider-owned fields", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		payload := fmt.Sprintf(`{
			"id": "sub_123",
			"customer": "cus_123",
			"status": "active",
			"cancel_at_period_end": true,
			"current_period_start": %d,
			"current_period_end": %d
		}`, periodStart.Unix(), periodEnd.Unix())
		fact := mustDecodeFact(t, "evt_10", "customer.subscription.updated", payload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, periodStart, sub.CurrentPeriodStart)
		assert.Equal(t, periodEnd, sub.CurrentPeriodEnd)
		assert.Equal(t, now, sub.UpdatedAt)
		assert.Equal(t, billing.HistorySubscriptionUpdated, outcome.History.Type)
		assert.Equal(t, "active", outcome.History.Metadata["status"])
	})

	t.Run("past_due opens the grace window", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		fact := mustDecodeFact(t, "evt_11", "customer.subscription.updated",
			`{"id": "sub_123", "customer": "cus_123", "status": "past_due"}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.StatusPastDue, sub.Status)
		assert.Equal(t, billing.AccessGracePeriod, sub.AccessStatus)
		require.NotNil(t, sub.GracePeriodStartsAt)
		require.NotNil(t, sub.GracePeriodEndsAt)
		assert.Equal(t, now, *sub.GracePeriodStartsAt)
		assert.Equal(t, now.Add(7*24*time.Hour), *sub.GracePeriodEndsAt)
	})

	t.Run("healthy status clears stale dunning state", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusPastDue
		current.AccessStatus = billing.AccessGracePeriod
		graceStart := now.AddDate(0, 0, -2)
		graceEnd := now.AddDate(0, 0, 5)
		current.GracePeriodStartsAt = &graceStart
		current.GracePeriodEndsAt = &graceEnd

		fact := mustDecodeFact(t, "evt_12", "customer.subscription.updated",
			`{"id": "sub_123", "customer": "cus_123", "status": "active"}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.AccessActive, sub.AccessStatus)
		assert.Nil(t, sub.GracePeriodStartsAt)
		assert.Nil(t, sub.GracePeriodEndsAt)
	})

	t.Run("provider items drive a tier upgrade", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		fact := mustDecodeFact(t, "evt_13", "customer.subscription.updated", `{
			"id": "sub_123",
			"customer": "cus_123",
			"status": "active",
			"items": {"data": [
				{"price": {"id": "price_pro_month"}, "quantity": 1},
				{"price": {"id": "price_pro_seat_month"}, "quantity": 3}
			]},
			"metadata": {"trigger_feature": "audit_log"}
		}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.TierProfessional, sub.Tier)
		assert.Equal(t, 10, sub.SeatsIncluded)
		assert.Equal(t, 13, sub.SeatsTotal)
		assert.Equal(t, billing.TierStarter, sub.UpgradedFrom)
		require.NotNil(t, sub.UpgradedAt)
		assert.Equal(t, "audit_log", sub.UpgradeTriggerFeature)
		assert.Equal(t, billing.HistoryTierUpgraded, outcome.History.Type)
		assert.Equal(t, "starter", outcome.History.Metadata["previous_tier"])
		assert.Equal(t, "professional", outcome.History.Metadata["tier"])
	})

	t.Run("provider items heal local seat drift", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription() // 8 seats on record
		fact := mustDecodeFact(t, "evt_14", "customer.subscription.updated", `{
			"id": "sub_123",
			"customer": "cus_123",
			"status": "active",
			"items": {"data": [
				{"price": {"id": "price_starter_month"}, "quantity": 1},
				{"price": {"id": "price_starter_seat_month"}, "quantity": 6}
			]}
		}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		assert.Equal(t, 11, outcome.Subscription.SeatsTotal)
		assert.Equal(t, billing.HistorySubscriptionUpdated, outcome.History.Type)
	})

	t.Run("downgrade at the period boundary clears the pending marker", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Tier = billing.TierProfessional
		current.SeatsIncluded = 10
		current.SeatsTotal = 10
		current.PendingDowngrade = &billing.PendingDowngrade{
			Tier:          billing.TierStarter,
			EffectiveDate: now,
		}

		fact := mustDecodeFact(t, "evt_15", "customer.subscription.updated", `{
			"id": "sub_123",
			"customer": "cus_123",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_starter_month"}, "quantity": 1}]}
		}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.TierStarter, sub.Tier)
		assert.Equal(t, 5, sub.SeatsIncluded)
		assert.Equal(t, 5, sub.SeatsTotal)
		assert.Nil(t, sub.PendingDowngrade)
		assert.Equal(t, billing.HistoryTierDowngraded, outcome.History.Type)
	})

	t.Run("unmatched items keep the stored tier and seats", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		fact := mustDecodeFact(t, "evt_16", "customer.subscription.updated", `{
			"id": "sub_123",
			"customer": "cus_123",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_legacy_plan"}, "quantity": 1}]}
		}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		assert.Equal(t, billing.TierStarter, outcome.Subscription.Tier)
		assert.Equal(t, 8, outcome.Subscription.SeatsTotal)
		assert.Equal(t, "unmatched_items", outcome.History.Metadata["tier_resolution"])
	})

	t.Run("update for a missing subscription errors", func(t *testing.T) {
		t.Parallel()
		fact := mustDecodeFact(t, "evt_17", "customer.subscription.updated",
			`{"id": "sub_ghost", "customer": "cus_123", "status": "active"}`)

		_, err := machine.Apply(nil, fact)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestStateMachine_Apply_PaymentFailed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	machine := billing.NewStateMachine(testCatalog(), billing.WithClock(func() time.Time { return now }))

	failedPayload := `{
		"id": "in_1",
		"customer": "cus_123",
		"subscription": "sub_123",
		"amount_due": 2900,
		"currency": "usd",
		"attempt_count": 1,
		"next_payment_attempt": 1775000000
	}`

	t.Run("first failure opens the grace window", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		fact := mustDecodeFact(t, "evt_20", "invoice.payment_failed", failedPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.AccessGracePeriod, sub.AccessStatus)
		require.NotNil(t, sub.GracePeriodStartsAt)
		require.NotNil(t, sub.GracePeriodEndsAt)
		assert.Equal(t, now, *sub.GracePeriodStartsAt)
		assert.Equal(t, now.Add(7*24*time.Hour), *sub.GracePeriodEndsAt)

		assert.Equal(t, []billing.Effect{billing.EffectNotifyPaymentFailed}, outcome.Effects)
		assert.Equal(t, billing.HistoryPaymentFailed, outcome.History.Type)
		assert.Equal(t, billing.HistoryStatusFailed, outcome.History.Status)
		assert.Equal(t, &billing.Money{Amount: 2900, Currency: "USD"}, outcome.History.Amount)
		assert.Contains(t, outcome.History.Description, "attempt 1")
		assert.Equal(t, "1", outcome.History.Metadata["attempt_count"])
	})

	t.Run("repeat failure extends the window but keeps its start", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusPastDue
		current.AccessStatus = billing.AccessGracePeriod
		graceStart := now.AddDate(0, 0, -3)
		graceEnd := now.AddDate(0, 0, 4)
		current.GracePeriodStartsAt = &graceStart
		current.GracePeriodEndsAt = &graceEnd

		fact := mustDecodeFact(t, "evt_21", "invoice.payment_failed", `{
			"id": "in_2", "customer": "cus_123", "subscription": "sub_123",
			"amount_due": 2900, "currency": "usd", "attempt_count": 2
		}`)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, graceStart, *sub.GracePeriodStartsAt)
		assert.Equal(t, now.Add(7*24*time.Hour), *sub.GracePeriodEndsAt)
	})

	t.Run("failure against a dead subscription records without granting grace", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusCanceled
		current.AccessStatus = billing.AccessReadOnly

		fact := mustDecodeFact(t, "evt_22", "invoice.payment_failed", failedPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.AccessReadOnly, sub.AccessStatus)
		assert.Nil(t, sub.GracePeriodStartsAt)
		assert.Empty(t, outcome.Effects)
		require.NotNil(t, outcome.History)
	})

	t.Run("failure against a suspended subscription records without granting grace", func(t *testing.T) {
		t.Parallel()
		for _, status := range []billing.Status{billing.StatusIncomplete, billing.StatusPaused} {
			current := starterSubscription()
			current.Status = status
			current.AccessStatus = billing.AccessReadOnly

			fact := mustDecodeFact(t, "evt_23", "invoice.payment_failed", failedPayload)

			outcome, err := machine.Apply(current, fact)
			require.NoError(t, err, "status %s", status)

			sub := outcome.Subscription
			assert.Equal(t, billing.AccessReadOnly, sub.AccessStatus)
			assert.Nil(t, sub.GracePeriodStartsAt)
			assert.Nil(t, sub.GracePeriodEndsAt)
			assert.Empty(t, outcome.Effects)
			require.NotNil(t, outcome.History)
		}
	})
}

func TestStateMachine_Apply_PaymentSucceeded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	machine := billing.NewStateMachine(testCatalog(), billing.WithClock(func() time.Time { return now }))

	paidPayload := `{
		"id": "in_3",
		"customer": "cus_123",
		"subscription": "sub_123",
		"amount_paid": 2900,
		"currency": "usd"
	}`

	t.Run("ordinary renewal records without side effects", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		fact := mustDecodeFact(t, "evt_30", "invoice.payment_succeeded", paidPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		assert.Equal(t, billing.AccessActive, outcome.Subscription.AccessStatus)
		assert.Empty(t, outcome.Effects)
		assert.Equal(t, billing.HistoryPaymentSucceeded, outcome.History.Type)
		assert.Equal(t, &billing.Money{Amount: 2900, Currency: "USD"}, outcome.History.Amount)
	})

	t.Run("payment during grace ends the dunning window", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusPastDue
		current.AccessStatus = billing.AccessGracePeriod
		graceStart := now.AddDate(0, 0, -2)
		graceEnd := now.AddDate(0, 0, 5)
		current.GracePeriodStartsAt = &graceStart
		current.GracePeriodEndsAt = &graceEnd

		fact := mustDecodeFact(t, "evt_31", "invoice.payment_succeeded", paidPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, billing.AccessActive, sub.AccessStatus)
		assert.Nil(t, sub.GracePeriodStartsAt)
		assert.Nil(t, sub.GracePeriodEndsAt)
		assert.Equal(t, []billing.Effect{billing.EffectNotifyPaymentRecovered}, outcome.Effects)
		assert.Contains(t, outcome.History.Description, "grace period ended")
	})

	t.Run("late payment heals an already expired grace window", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusPastDue
		current.AccessStatus = billing.AccessGracePeriod
		graceStart := now.AddDate(0, 0, -10)
		graceEnd := now.AddDate(0, 0, -3)
		current.GracePeriodStartsAt = &graceStart
		current.GracePeriodEndsAt = &graceEnd

		fact := mustDecodeFact(t, "evt_32", "invoice.payment_succeeded", paidPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		assert.Equal(t, billing.AccessActive, outcome.Subscription.AccessStatus)
		assert.Equal(t, []billing.Effect{billing.EffectNotifyPaymentRecovered}, outcome.Effects)
	})

	t.Run("payment for a missing subscription errors", func(t *testing.T) {
		t.Parallel()
		fact := mustDecodeFact(t, "evt_33", "invoice.payment_succeeded", paidPayload)

		_, err := machine.Apply(nil, fact)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestStateMachine_Apply_ScheduleCreated(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	machine := billing.NewStateMachine(testCatalog(), billing.WithClock(func() time.Time { return now }))

	phaseStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	professional := func() *billing.Subscription {
		sub := starterSubscription()
		sub.Tier = billing.TierProfessional
		sub.SeatsIncluded = 10
		sub.SeatsTotal = 12
		return sub
	}

	t.Run("schedules a downgrade for the next phase", func(t *testing.T) {
		t.Parallel()
		current := professional()
		payload := fmt.Sprintf(`{
			"id": "sched_1",
			"customer": "cus_123",
			"subscription": "sub_123",
			"phases": [{"start_date": %d, "end_date": %d, "items": [{"price": "price_starter_month", "quantity": 1}]}]
		}`, phaseStart.Unix(), phaseStart.AddDate(0, 1, 0).Unix())
		fact := mustDecodeFact(t, "evt_40", "subscription_schedule.created", payload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		require.NotNil(t, sub.PendingDowngrade)
		assert.Equal(t, billing.TierStarter, sub.PendingDowngrade.Tier)
		assert.Equal(t, phaseStart, sub.PendingDowngrade.EffectiveDate)
		// Nothing changes until the provider flips the price.
		assert.Equal(t, billing.TierProfessional, sub.Tier)
		assert.Equal(t, 12, sub.SeatsTotal)

		assert.Equal(t, billing.HistoryDowngradeScheduled, outcome.History.Type)
		assert.Equal(t, billing.HistoryStatusPending, outcome.History.Status)
		assert.Equal(t, "Downgrade to starter scheduled for 2026-04-01", outcome.History.Description)
	})

	t.Run("unmapped scheduled price falls back to the current tier", func(t *testing.T) {
		t.Parallel()
		current := professional()
		payload := fmt.Sprintf(`{
			"id": "sched_2",
			"customer": "cus_123",
			"subscription": "sub_123",
			"phases": [{"start_date": %d, "items": [{"price": "price_mystery", "quantity": 1}]}]
		}`, phaseStart.Unix())
		fact := mustDecodeFact(t, "evt_41", "subscription_schedule.created", payload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		require.NotNil(t, sub.PendingDowngrade)
		assert.Equal(t, billing.TierProfessional, sub.PendingDowngrade.Tier)
		assert.Equal(t, "fallback", outcome.History.Metadata["tier_resolution"])
		assert.Equal(t, "price_mystery", outcome.History.Metadata["unmapped_price_id"])
	})

	t.Run("schedule with no future phase records nothing to apply", func(t *testing.T) {
		t.Parallel()
		current := professional()
		payload := fmt.Sprintf(`{
			"id": "sched_3",
			"customer": "cus_123",
			"subscription": "sub_123",
			"phases": [{"start_date": %d, "items": [{"price": "price_starter_month", "quantity": 1}]}]
		}`, now.AddDate(0, -1, 0).Unix())
		fact := mustDecodeFact(t, "evt_42", "subscription_schedule.created", payload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		assert.Nil(t, outcome.Subscription.PendingDowngrade)
		assert.Equal(t, "no_future_phase", outcome.History.Metadata["tier_resolution"])
	})
}

func TestStateMachine_Apply_SubscriptionDeleted(t *testing.T) {
	t.Parallel()

	machine := billing.NewStateMachine(testCatalog())
	deletedPayload := `{"id": "sub_123", "customer": "cus_123", "status": "canceled"}`

	t.Run("ends the subscription and revokes write access", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.CancelAtPeriodEnd = true
		current.PendingDowngrade = &billing.PendingDowngrade{Tier: billing.TierStarter, EffectiveDate: time.Now()}

		fact := mustDecodeFact(t, "evt_50", "customer.subscription.deleted", deletedPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)

		sub := outcome.Subscription
		assert.Equal(t, billing.StatusCanceled, sub.Status)
		assert.Equal(t, billing.AccessReadOnly, sub.AccessStatus)
		assert.False(t, sub.CancelAtPeriodEnd)
		assert.Nil(t, sub.PendingDowngrade)
		assert.Equal(t, []billing.Effect{billing.EffectNotifySubscriptionCanceled}, outcome.Effects)
		assert.Equal(t, billing.HistorySubscriptionCanceled, outcome.History.Type)
	})

	t.Run("deletion during grace clears dunning state", func(t *testing.T) {
		t.Parallel()
		current := starterSubscription()
		current.Status = billing.StatusPastDue
		current.AccessStatus = billing.AccessGracePeriod
		graceStart := time.Now().UTC()
		graceEnd := graceStart.Add(7 * 24 * time.Hour)
		current.GracePeriodStartsAt = &graceStart
		current.GracePeriodEndsAt = &graceEnd

		fact := mustDecodeFact(t, "evt_51", "customer.subscription.deleted", deletedPayload)

		outcome, err := machine.Apply(current, fact)
		require.NoError(t, err)
		assert.Nil(t, outcome.Subscription.GracePeriodStartsAt)
		assert.Nil(t, outcome.Subscription.GracePeriodEndsAt)
		assert.Equal(t, billing.AccessReadOnly, outcome.Subscription.AccessStatus)
	})
}

func TestStateMachine_Apply_InvoiceCreated(t *testing.T) {
	t.Parallel()

	machine := billing.NewStateMachine(testCatalog())

	current := starterSubscription()
	fact := mustDecodeFact(t, "evt_60", "invoice.created", `{
		"id": "in_9", "customer": "cus_123", "subscription": "sub_123",
		"amount_due": 3400, "currency": "usd"
	}`)

	outcome, err := machine.Apply(current, fact)
	require.NoError(t, err)

	// The ledger records the invoice; the subscription itself is untouched.
	assert.Equal(t, current, outcome.Subscription)
	assert.Equal(t, billing.HistoryInvoiceCreated, outcome.History.Type)
	assert.Equal(t, billing.HistoryStatusPending, outcome.History.Status)
	assert.Equal(t, &billing.Money{Amount: 3400, Currency: "USD"}, outcome.History.Amount)
}
