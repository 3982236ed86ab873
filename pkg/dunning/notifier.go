package dunning

import (
	"context"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Grace deadlines render as "March 17, 2026" in email copy.
const emailDateFormat = "January 2, 2006"

// NotifierConfig points dunning mail at the customer-facing billing page and
// the support mailbox referenced in the copy.
type NotifierConfig struct {
	PortalURL    string `env:"BILLING_PORTAL_URL,required"`
	SupportEmail string `env:"SUPPORT_EMAIL,required"`
}

// Notifier renders and sends billing lifecycle emails. It satisfies the
// billing processor's notification hook; the processor only calls it after
// the triggering event committed, so a failed send never loses billing state.
type Notifier struct {
	sender Sender
	config NotifierConfig
}

var _ billing.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier delivering through sender.
func NewNotifier(sender Sender, cfg NotifierConfig) *Notifier {
	if sender == nil {
		panic("dunning: Sender is required")
	}
	return &Notifier{sender: sender, config: cfg}
}

// PaymentFailed emails the billing contact about a failed charge and the
// grace deadline. Subscriptions without a billing email are skipped.
func (n *Notifier) PaymentFailed(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	if sub.BillingEmail == "" {
		return nil
	}

	data := paymentFailedData{
		AttemptCount: "1",
		PortalURL:    n.config.PortalURL,
		SupportEmail: n.config.SupportEmail,
	}
	if event.Amount != nil {
		data.Amount = event.Amount.Format()
	}
	if attempt := event.Metadata["attempt_count"]; attempt != "" {
		data.AttemptCount = attempt
	}
	if sub.GracePeriodEndsAt != nil {
		data.GraceEndsAt = sub.GracePeriodEndsAt.Format(emailDateFormat)
	}

	html, text, err := renderPaymentFailed(data)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{
		To:       sub.BillingEmail,
		Subject:  "Action required: your payment failed",
		HTMLBody: html,
		TextBody: text,
		Tag:      "billing-payment-failed",
	})
}

// PaymentRecovered confirms that a previously failed payment went through and
// full access is restored.
func (n *Notifier) PaymentRecovered(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	if sub.BillingEmail == "" {
		return nil
	}

	data := paymentRecoveredData{PortalURL: n.config.PortalURL}
	if event.Amount != nil {
		data.Amount = event.Amount.Format()
	}

	html, text, err := renderPaymentRecovered(data)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{
		To:       sub.BillingEmail,
		Subject:  "Payment received, your subscription is active",
		HTMLBody: html,
		TextBody: text,
		Tag:      "billing-payment-recovered",
	})
}

// SubscriptionCanceled notifies the billing contact that the workspace
// dropped to read-only access.
func (n *Notifier) SubscriptionCanceled(ctx context.Context, sub *billing.Subscription, event *billing.HistoryEvent) error {
	if sub.BillingEmail == "" {
		return nil
	}

	html, text, err := renderSubscriptionCanceled(subscriptionCanceledData{
		PortalURL:    n.config.PortalURL,
		SupportEmail: n.config.SupportEmail,
	})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{
		To:       sub.BillingEmail,
		Subject:  "Your subscription has been canceled",
		HTMLBody: html,
		TextBody: text,
		Tag:      "billing-subscription-canceled",
	})
}
