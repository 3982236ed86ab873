package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// mockGateway is a mock implementation of billing.Gateway.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) VerifyWebhookSignature(payload []byte, signature string) (billing.Fact, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(billing.Fact), args.Error(1)
}

func (m *mockGateway) RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, providerSubscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) UpdateSubscription(ctx context.Context, providerSubscriptionID string, params billing.UpdateSubscriptionParams) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, providerSubscriptionID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) CreatePreviewInvoice(ctx context.Context, providerSubscriptionID string, items []billing.ItemChange) (*billing.InvoicePreview, error) {
	args := m.Called(ctx, providerSubscriptionID, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.InvoicePreview), args.Error(1)
}

func (m *mockGateway) CreateInvoice(ctx context.Context, providerCustomerID string) (*billing.Invoice, error) {
	args := m.Called(ctx, providerCustomerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Invoice), args.Error(1)
}

func (m *mockGateway) FinalizeInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	args := m.Called(ctx, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Invoice), args.Error(1)
}

func (m *mockGateway) PayInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	args := m.Called(ctx, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Invoice), args.Error(1)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockGateway) CreateBillingPortalSession(ctx context.Context, providerCustomerID, returnURL string) (*billing.PortalSession, error) {
	args := m.Called(ctx, providerCustomerID, returnURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.PortalSession), args.Error(1)
}

// mockNotifier is a mock implementation of billing.Notifier.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) PaymentFailed(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	args := m.Called(ctx, sub, event)
	return args.Error(0)
}

func (m *mockNotifier) PaymentRecovered(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	args := m.Called(ctx, sub, event)
	return args.Error(0)
}

func (m *mockNotifier) SubscriptionCanceled(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	args := m.Called(ctx, sub, event)
	return args.Error(0)
}

// mockEventCache is a mock implementation of billing.EventCache.
type mockEventCache struct {
	mock.Mock
}

func (m *mockEventCache) Seen(ctx context.Context, providerEventID string) (bool, error) {
	args := m.Called(ctx, providerEventID)
	return args.Bool(0), args.Error(1)
}

func (m *mockEventCache) MarkSeen(ctx context.Context, providerEventID string) error {
	args := m.Called(ctx, providerEventID)
	return args.Error(0)
}

// conflictingStore fails the first conflicts UpdateSubscription calls with
// ErrVersionConflict before delegating to the wrapped store.
type conflictingStore struct {
	billing.Store
	conflicts int
	updates   int
}

func (s *conflictingStore) UpdateSubscription(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		return billing.ErrVersionConflict
	}
	return s.Store.UpdateSubscription(ctx, sub, event)
}

// Test helpers

// testCatalog returns the tier catalog shared across the billing tests.
func testCatalog() billing.Config {
	return billing.Config{
		GracePeriodDays: 7,
		Tiers: map[billing.Tier]billing.TierConfig{
			billing.TierFree: {
				Name:          "Free",
				SeatsIncluded: 1,
				SeatsMax:      1,
			},
			billing.TierStarter: {
				Name:          "Starter",
				SeatsIncluded: 5,
				SeatsMax:      19,
				BasePrices: map[billing.BillingInterval]billing.Price{
					billing.IntervalMonthly: {ID: "price_starter_month", Amount: 2900, Currency: "USD"},
					billing.IntervalAnnual:  {ID: "price_starter_year", Amount: 29000, Currency: "USD"},
				},
				SeatPrices: map[billing.BillingInterval]billing.Price{
					billing.IntervalMonthly: {ID: "price_starter_seat_month", Amount: 500, Currency: "USD"},
					billing.IntervalAnnual:  {ID: "price_starter_seat_year", Amount: 5000, Currency: "USD"},
				},
			},
			billing.TierProfessional: {
				Name:          "Professional",
				SeatsIncluded: 10,
				SeatsMax:      50,
				BasePrices: map[billing.BillingInterval]billing.Price{
					billing.IntervalMonthly: {ID: "price_pro_month", Amount: 9900, Currency: "USD"},
					billing.IntervalAnnual:  {ID: "price_pro_year", Amount: 99000, Currency: "USD"},
				},
				SeatPrices: map[billing.BillingInterval]billing.Price{
					billing.IntervalMonthly: {ID: "price_pro_seat_month", Amount: 900, Currency: "USD"},
					billing.IntervalAnnual:  {ID: "price_pro_seat_year", Amount: 9000, Currency: "USD"},
				},
			},
		},
	}
}

// starterSubscription returns an active monthly starter subscription with
// 3 purchased seats on top of the 5 included.
func starterSubscription() *billing.Subscription {
	now := time.Now().UTC().Truncate(time.Second)
	return &billing.Subscription{
		ID:                     uuid.New(),
		OrganizationID:         uuid.New(),
		ProviderCustomerID:     "cus_123",
		ProviderSubscriptionID: "sub_123",
		Tier:                   billing.TierStarter,
		Status:                 billing.StatusActive,
		BillingInterval:        billing.IntervalMonthly,
		SeatsIncluded:          5,
		SeatsTotal:             8,
		SeatsActive:            5,
		BillingEmail:           "billing@acme.test",
		CurrentPeriodStart:     now.AddDate(0, 0, -10),
		CurrentPeriodEnd:       now.AddDate(0, 0, 20),
		AccessStatus:           billing.AccessActive,
		Version:                1,
		CreatedAt:              now.AddDate(0, -1, 0),
		UpdatedAt:              now.AddDate(0, 0, -10),
	}
}

// starterProviderSub mirrors starterSubscription as the provider reports it.
func starterProviderSub(additionalSeats int) *billing.ProviderSubscription {
	items := []billing.ProviderSubscriptionItem{
		{ID: "si_base", PriceID: "price_starter_month", Quantity: 1},
	}
	if additionalSeats > 0 {
		items = append(items, billing.ProviderSubscriptionItem{
			ID: "si_seats", PriceID: "price_starter_seat_month", Quantity: additionalSeats,
		})
	}
	return &billing.ProviderSubscription{
		ID:         "sub_123",
		CustomerID: "cus_123",
		Status:     billing.StatusActive,
		Items:      items,
	}
}

func mustDecodeFact(t *testing.T, eventID, eventType, payload string) billing.Fact {
	t.Helper()
	fact, err := billing.DecodeFact(eventID, eventType, []byte(payload))
	require.NoError(t, err)
	return fact
}

func checkoutPayload(orgID uuid.UUID, tier string, seats int) string {
	return fmt.Sprintf(`{
		"id": "cs_test_1",
		"customer": "cus_123",
		"subscription": "sub_123",
		"customer_details": {"email": "owner@acme.test"},
		"metadata": {
			"organization_id": %q,
			"tier": %q,
			"seats": "%d",
			"interval": "monthly"
		}
	}`, orgID.String(), tier, seats)
}
