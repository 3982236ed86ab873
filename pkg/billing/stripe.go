package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds configuration for the Stripe billing gateway.
type StripeConfig struct {
	APIKey        string        `env:"STRIPE_API_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	CallTimeout   time.Duration `env:"STRIPE_CALL_TIMEOUT" envDefault:"10s"`
}

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	config StripeConfig
	client *client.API
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a Stripe billing gateway. The API key is scoped to
// the returned gateway, not the package-global stripe.Key, so gateways with
// different keys can coexist in one process.
func NewStripeGateway(config StripeConfig) (*StripeGateway, error) {
	if config.APIKey == "" {
		return nil, errors.New("stripe API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}

	api := &client.API{}
	api.Init(config.APIKey, nil)

	return &StripeGateway{config: config, client: api}, nil
}

// VerifyWebhookSignature authenticates a raw delivery and decodes it into a
// fact. The API version pin is ignored on purpose: decoding tolerates both
// payload generations, and rejecting deliveries on a dashboard version bump
// would drop real events.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (Fact, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.config.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return nil, errors.Join(ErrInvalidSignature, err)
	default:
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	return DecodeFact(event.ID, string(event.Type), event.Data.Raw)
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*ProviderSubscription, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("items.data.price")
	params.AddExpand("schedule")

	sub, err := g.client.Subscriptions.Get(providerSubscriptionID, params)
	if err != nil {
		return nil, gatewayError("retrieve subscription", err)
	}
	return mapStripeSubscription(sub), nil
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, providerSubscriptionID string, params UpdateSubscriptionParams) (*ProviderSubscription, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	sp := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sp.AddExpand("items.data.price")
	for _, change := range params.Items {
		sp.Items = append(sp.Items, stripeItemParams(change))
	}
	if params.ProrationBehavior != "" {
		sp.ProrationBehavior = stripe.String(string(params.ProrationBehavior))
	}
	if len(params.Metadata) > 0 {
		sp.Metadata = params.Metadata
	}

	sub, err := g.client.Subscriptions.Update(providerSubscriptionID, sp)
	if err != nil {
		return nil, gatewayError("update subscription", err)
	}
	return mapStripeSubscription(sub), nil
}

func (g *StripeGateway) CreatePreviewInvoice(ctx context.Context, providerSubscriptionID string, items []ItemChange) (*InvoicePreview, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	details := &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
		ProrationBehavior: stripe.String(string(ProrationCreateProrations)),
	}
	for _, change := range items {
		item := &stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{}
		if change.ID != "" {
			item.ID = stripe.String(change.ID)
		}
		if change.Remove {
			item.Deleted = stripe.Bool(true)
		} else {
			if change.PriceID != "" {
				item.Price = stripe.String(change.PriceID)
			}
			item.Quantity = stripe.Int64(int64(change.Quantity))
		}
		details.Items = append(details.Items, item)
	}

	inv, err := g.client.Invoices.CreatePreview(&stripe.InvoiceCreatePreviewParams{
		Params:              stripe.Params{Context: ctx},
		Subscription:        stripe.String(providerSubscriptionID),
		SubscriptionDetails: details,
	})
	if err != nil {
		return nil, gatewayError("create preview invoice", err)
	}

	preview := &InvoicePreview{Currency: strings.ToUpper(string(inv.Currency))}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			preview.Lines = append(preview.Lines, PreviewLine{
				Description: line.Description,
				Amount:      line.Amount,
				Currency:    strings.ToUpper(string(line.Currency)),
				Proration:   lineIsProration(line),
			})
		}
	}
	return preview, nil
}

// CreateInvoice opens a draft invoice sweeping the customer's pending
// invoice items, which is where prorations accumulate.
func (g *StripeGateway) CreateInvoice(ctx context.Context, providerCustomerID string) (*Invoice, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	inv, err := g.client.Invoices.New(&stripe.InvoiceParams{
		Params:                      stripe.Params{Context: ctx},
		Customer:                    stripe.String(providerCustomerID),
		AutoAdvance:                 stripe.Bool(false),
		PendingInvoiceItemsBehavior: stripe.String("include"),
	})
	if err != nil {
		return nil, gatewayError("create invoice", err)
	}
	return mapStripeInvoice(inv), nil
}

func (g *StripeGateway) FinalizeInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	inv, err := g.client.Invoices.FinalizeInvoice(invoiceID, &stripe.InvoiceFinalizeInvoiceParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, gatewayError("finalize invoice", err)
	}
	return mapStripeInvoice(inv), nil
}

func (g *StripeGateway) PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	inv, err := g.client.Invoices.Pay(invoiceID, &stripe.InvoicePayParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, gatewayError("pay invoice", err)
	}
	return mapStripeInvoice(inv), nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	lineItems := []*stripe.CheckoutSessionLineItemParams{{
		Price:    stripe.String(params.BasePriceID),
		Quantity: stripe.Int64(1),
	}}
	if params.AdditionalSeats > 0 && params.SeatPriceID != "" {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(params.SeatPriceID),
			Quantity: stripe.Int64(int64(params.AdditionalSeats)),
		})
	}

	sp := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:  lineItems,
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		// Metadata rides on both the session and the subscription it creates,
		// so the completed-checkout webhook and later subscription events can
		// be attributed without extra lookups.
		Metadata: params.Metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: params.Metadata,
		},
	}
	if params.CustomerEmail != "" {
		sp.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	sess, err := g.client.CheckoutSessions.New(sp)
	if err != nil {
		return nil, gatewayError("create checkout session", err)
	}
	return &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

func (g *StripeGateway) CreateBillingPortalSession(ctx context.Context, providerCustomerID, returnURL string) (*PortalSession, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	ps := &stripe.BillingPortalSessionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(providerCustomerID),
	}
	if returnURL != "" {
		ps.ReturnURL = stripe.String(returnURL)
	}

	sess, err := g.client.BillingPortalSessions.New(ps)
	if err != nil {
		return nil, gatewayError("create billing portal session", err)
	}
	return &PortalSession{URL: sess.URL}, nil
}

func (g *StripeGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.config.CallTimeout)
}

func stripeItemParams(change ItemChange) *stripe.SubscriptionItemsParams {
	item := &stripe.SubscriptionItemsParams{}
	if change.ID != "" {
		item.ID = stripe.String(change.ID)
	}
	if change.Remove {
		item.Deleted = stripe.Bool(true)
		return item
	}
	if change.PriceID != "" {
		item.Price = stripe.String(change.PriceID)
	}
	item.Quantity = stripe.Int64(int64(change.Quantity))
	return item
}

func mapStripeSubscription(sub *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                sub.ID,
		Status:            Status(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		pi := ProviderSubscriptionItem{ID: item.ID, Quantity: int(item.Quantity)}
		if item.Price != nil {
			pi.PriceID = item.Price.ID
		}
		out.Items = append(out.Items, pi)

		// Current API versions report the billing period per item.
		if out.CurrentPeriodStart.IsZero() && item.CurrentPeriodStart > 0 {
			out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if out.CurrentPeriodEnd.IsZero() && item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}

func mapStripeInvoice(inv *stripe.Invoice) *Invoice {
	return &Invoice{
		ID:        inv.ID,
		Status:    string(inv.Status),
		AmountDue: inv.AmountDue,
		Currency:  strings.ToUpper(string(inv.Currency)),
	}
}

// lineIsProration reports whether a preview line is billed now rather than on
// the next scheduled invoice. Proration flags live under the line's parent
// details, whose shape depends on what produced the line.
func lineIsProration(line *stripe.InvoiceLineItem) bool {
	if line.Parent == nil {
		return false
	}
	if d := line.Parent.SubscriptionItemDetails; d != nil && d.Proration {
		return true
	}
	if d := line.Parent.InvoiceItemDetails; d != nil && d.Proration {
		return true
	}
	return false
}

// gatewayError classifies a Stripe failure for the retry policy: timeouts,
// rate limits, and 5xx responses are retryable, everything else is not.
func gatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrProviderUnavailable, fmt.Errorf("%s: %w", op, err))
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return errors.Join(ErrProviderUnavailable, fmt.Errorf("%s: %w", op, err))
		}
		return errors.Join(ErrProviderError, fmt.Errorf("%s: %w", op, err))
	}

	// Transport-level failures arrive without a typed error.
	return errors.Join(ErrProviderUnavailable, fmt.Errorf("%s: %w", op, err))
}
