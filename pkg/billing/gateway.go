package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Gateway is the thin typed client over the external payment processor. The
// gateway is the system of record for money movement; this system only reacts
// to it and drives it. Implementations must put a timeout on every call.
type Gateway interface {
	// VerifyWebhookSignature authenticates a raw delivery against the shared
	// secret and decodes it into a fact. Failures are authentication errors;
	// the delivery must not be processed.
	VerifyWebhookSignature(payload []byte, signature string) (Fact, error)

	// RetrieveSubscription fetches the provider subscription with its line
	// items expanded.
	RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*ProviderSubscription, error)

	// UpdateSubscription rewrites subscription line items, with proration
	// behavior controlling how the quantity change is billed.
	UpdateSubscription(ctx context.Context, providerSubscriptionID string, params UpdateSubscriptionParams) (*ProviderSubscription, error)

	// CreatePreviewInvoice prices the given item changes without applying
	// them. No side effects.
	CreatePreviewInvoice(ctx context.Context, providerSubscriptionID string, items []ItemChange) (*InvoicePreview, error)

	// CreateInvoice opens a draft invoice collecting the customer's pending
	// proration items.
	CreateInvoice(ctx context.Context, providerCustomerID string) (*Invoice, error)

	// FinalizeInvoice locks a draft invoice for collection.
	FinalizeInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// PayInvoice collects a finalized invoice with the default payment method.
	PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// CreateCheckoutSession opens a hosted checkout for a new subscription.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// CreateBillingPortalSession opens a hosted portal where the customer
	// manages payment methods and cancellation.
	CreateBillingPortalSession(ctx context.Context, providerCustomerID, returnURL string) (*PortalSession, error)
}

// ProviderSubscription is the gateway's live view of a subscription.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             Status
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Items              []ProviderSubscriptionItem
}

// ProviderSubscriptionItem is one priced line on the provider subscription.
type ProviderSubscriptionItem struct {
	ID       string // provider's subscription-item id
	PriceID  string
	Quantity int
}

// ItemByPrice returns the line item billed at the given price, if present.
func (s *ProviderSubscription) ItemByPrice(priceID string) (ProviderSubscriptionItem, bool) {
	for _, item := range s.Items {
		if item.PriceID == priceID {
			return item, true
		}
	}
	return ProviderSubscriptionItem{}, false
}

// ItemChange describes one line-item mutation. Either ID (existing item) or
// PriceID (new item) must be set. Remove deletes the item.
type ItemChange struct {
	ID       string
	PriceID  string
	Quantity int
	Remove   bool
}

// ProrationBehavior controls how the provider bills a mid-cycle change.
type ProrationBehavior string

const (
	ProrationCreateProrations ProrationBehavior = "create_prorations"
	ProrationAlwaysInvoice    ProrationBehavior = "always_invoice"
	ProrationNone             ProrationBehavior = "none"
)

// UpdateSubscriptionParams carries a subscription rewrite.
type UpdateSubscriptionParams struct {
	Items             []ItemChange
	ProrationBehavior ProrationBehavior
	Metadata          map[string]string
}

// InvoicePreview is a priced quote for a proposed change. Lines flagged as
// prorations are due now; the rest belong to the next scheduled invoice.
type InvoicePreview struct {
	Currency string
	Lines    []PreviewLine
}

// PreviewLine is one line of a priced preview.
type PreviewLine struct {
	Description string
	Amount      int64 // minor units; negative means credit
	Currency    string
	Proration   bool
}

// Invoice is the gateway's view of an invoice through the collect-now flow.
type Invoice struct {
	ID        string
	Status    string
	AmountDue int64
	Currency  string
}

// CheckoutSessionParams opens a hosted checkout. Metadata is carried back on
// the completed-checkout webhook and seeds the new subscription.
type CheckoutSessionParams struct {
	OrganizationID  uuid.UUID
	CustomerEmail   string
	BasePriceID     string
	SeatPriceID     string
	AdditionalSeats int
	Metadata        map[string]string
	SuccessURL      string
	CancelURL       string
}

// CheckoutSession is a live hosted checkout.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// PortalSession is a short-lived customer portal link.
type PortalSession struct {
	URL string
}
