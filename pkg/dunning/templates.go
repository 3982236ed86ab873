package dunning

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var paymentFailedTemplate = template.Must(template.New("payment_failed").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Payment failed</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; text-align: left;">
<tr><td style="padding: 32px 40px;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">We couldn't process your payment</h1>
<p style="margin: 0 0 16px; color: #444; font-size: 15px; line-height: 1.5;">
{{if .Amount}}Your payment of {{.Amount}} failed (attempt {{.AttemptCount}}).{{else}}Your latest payment failed (attempt {{.AttemptCount}}).{{end}}
We'll retry automatically, but please check your payment method to avoid interruption.
</p>
{{if .GraceEndsAt}}<p style="margin: 0 0 24px; color: #444; font-size: 15px; line-height: 1.5;">
Your workspace keeps full access until <strong>{{.GraceEndsAt}}</strong>. After that it becomes read-only until payment succeeds.
</p>{{end}}
<a href="{{.PortalURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
Update payment method
</a>
<p style="margin: 24px 0 0; color: #999; font-size: 13px; line-height: 1.5;">
Questions? Reply to this email or contact {{.SupportEmail}}.
</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

type paymentFailedData struct {
	Amount       string
	AttemptCount string
	GraceEndsAt  string
	PortalURL    string
	SupportEmail string
}

func renderPaymentFailed(data paymentFailedData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := paymentFailedTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render payment failed template: %w", err)
	}

	var sb strings.Builder
	if data.Amount != "" {
		fmt.Fprintf(&sb, "Your payment of %s failed (attempt %s).", data.Amount, data.AttemptCount)
	} else {
		fmt.Fprintf(&sb, "Your latest payment failed (attempt %s).", data.AttemptCount)
	}
	sb.WriteString(" We'll retry automatically, but please update your payment method to avoid interruption.\n")
	if data.GraceEndsAt != "" {
		fmt.Fprintf(&sb, "\nYour workspace keeps full access until %s. After that it becomes read-only until payment succeeds.\n", data.GraceEndsAt)
	}
	fmt.Fprintf(&sb, "\nUpdate payment method: %s\n\nQuestions? Contact %s.", data.PortalURL, data.SupportEmail)

	return buf.String(), sb.String(), nil
}

var paymentRecoveredTemplate = template.Must(template.New("payment_recovered").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Payment received</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; text-align: left;">
<tr><td style="padding: 32px 40px;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">Payment received</h1>
<p style="margin: 0 0 24px; color: #444; font-size: 15px; line-height: 1.5;">
{{if .Amount}}Your payment of {{.Amount}} went through and{{else}}Your payment went through and{{end}}
your subscription is active again. Full access has been restored.
</p>
<a href="{{.PortalURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
View billing
</a>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

type paymentRecoveredData struct {
	Amount    string
	PortalURL string
}

func renderPaymentRecovered(data paymentRecoveredData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := paymentRecoveredTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render payment recovered template: %w", err)
	}

	var sb strings.Builder
	if data.Amount != "" {
		fmt.Fprintf(&sb, "Your payment of %s went through and your subscription is active again.", data.Amount)
	} else {
		sb.WriteString("Your payment went through and your subscription is active again.")
	}
	fmt.Fprintf(&sb, " Full access has been restored.\n\nView billing: %s", data.PortalURL)

	return buf.String(), sb.String(), nil
}

var subscriptionCanceledTemplate = template.Must(template.New("subscription_canceled").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Subscription canceled</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; text-align: left;">
<tr><td style="padding: 32px 40px;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">Your subscription has been canceled</h1>
<p style="margin: 0 0 24px; color: #444; font-size: 15px; line-height: 1.5;">
Your workspace is now read-only: existing data stays available, but changes require an active subscription.
You can resubscribe at any time to pick up where you left off.
</p>
<a href="{{.PortalURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
Resubscribe
</a>
<p style="margin: 24px 0 0; color: #999; font-size: 13px; line-height: 1.5;">
If this cancellation was unexpected, contact {{.SupportEmail}}.
</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

type subscriptionCanceledData struct {
	PortalURL    string
	SupportEmail string
}

func renderSubscriptionCanceled(data subscriptionCanceledData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := subscriptionCanceledTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render subscription canceled template: %w", err)
	}

	text = fmt.Sprintf("Your subscription has been canceled and your workspace is now read-only. You can resubscribe at any time.\n\nResubscribe: %s\n\nIf this was unexpected, contact %s.",
		data.PortalURL, data.SupportEmail)

	return buf.String(), text, nil
}
