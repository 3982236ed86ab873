package billinghttp

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type subscriptionResponse struct {
	ID                 string     `json:"id,omitempty"`
	OrganizationID     string     `json:"organization_id"`
	Tier               string     `json:"tier"`
	Status             string     `json:"status,omitempty"`
	BillingInterval    string     `json:"billing_interval,omitempty"`
	SeatsIncluded      int        `json:"seats_included"`
	SeatsTotal         int        `json:"seats_total"`
	SeatsActive        int        `json:"seats_active"`
	BillingEmail       string     `json:"billing_email,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end,omitempty"`
	AccessStatus       string     `json:"access_status"`

	GracePeriodStartsAt *time.Time `json:"grace_period_starts_at,omitempty"`
	GracePeriodEndsAt   *time.Time `json:"grace_period_ends_at,omitempty"`

	PendingDowngrade *pendingDowngradeResponse `json:"pending_downgrade,omitempty"`

	UpgradedFrom          string     `json:"upgraded_from,omitempty"`
	UpgradedAt            *time.Time `json:"upgraded_at,omitempty"`
	UpgradeTriggerFeature string     `json:"upgrade_trigger_feature,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type pendingDowngradeResponse struct {
	Tier          string    `json:"tier"`
	EffectiveDate time.Time `json:"effective_date"`
}

// newSubscriptionResponse renders the stored subscription with the access
// gate derived at now, so an expired grace window reads as read_only without
// waiting for provider reconciliation.
func newSubscriptionResponse(sub *billing.Subscription, now time.Time) subscriptionResponse {
	resp := subscriptionResponse{
		ID:                    sub.ID.String(),
		OrganizationID:        sub.OrganizationID.String(),
		Tier:                  string(sub.Tier),
		Status:                string(sub.Status),
		BillingInterval:       string(sub.BillingInterval),
		SeatsIncluded:         sub.SeatsIncluded,
		SeatsTotal:            sub.SeatsTotal,
		SeatsActive:           sub.SeatsActive,
		BillingEmail:          sub.BillingEmail,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		AccessStatus:          string(sub.AccessStatusAt(now)),
		GracePeriodStartsAt:   sub.GracePeriodStartsAt,
		GracePeriodEndsAt:     sub.GracePeriodEndsAt,
		UpgradedAt:            sub.UpgradedAt,
		UpgradeTriggerFeature: sub.UpgradeTriggerFeature,
	}
	if !sub.CurrentPeriodStart.IsZero() {
		start := sub.CurrentPeriodStart
		resp.CurrentPeriodStart = &start
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	if sub.PendingDowngrade != nil {
		resp.PendingDowngrade = &pendingDowngradeResponse{
			Tier:          string(sub.PendingDowngrade.Tier),
			EffectiveDate: sub.PendingDowngrade.EffectiveDate,
		}
	}
	if sub.UpgradedFrom != "" {
		resp.UpgradedFrom = string(sub.UpgradedFrom)
	}
	if !sub.CreatedAt.IsZero() {
		created := sub.CreatedAt
		resp.CreatedAt = &created
	}
	if !sub.UpdatedAt.IsZero() {
		updated := sub.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

// freeTierResponse synthesizes the subscription view for organizations
// without a subscription row: the free tier with full access.
func freeTierResponse(orgID uuid.UUID, catalog billing.Config) subscriptionResponse {
	resp := subscriptionResponse{
		OrganizationID: orgID.String(),
		Tier:           string(billing.TierFree),
		AccessStatus:   string(billing.AccessActive),
	}
	if tc, err := catalog.TierConfig(billing.TierFree); err == nil {
		resp.SeatsIncluded = tc.SeatsIncluded
		resp.SeatsTotal = tc.SeatsIncluded
	}
	return resp
}

type accessResponse struct {
	AccessStatus string `json:"access_status"`
}

type moneyResponse struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Formatted string `json:"formatted"`
}

func newMoneyResponse(m billing.Money) moneyResponse {
	return moneyResponse{Amount: m.Amount, Currency: m.Currency, Formatted: m.Format()}
}

type historyEventResponse struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Status          string            `json:"status"`
	Description     string            `json:"description,omitempty"`
	Amount          *moneyResponse    `json:"amount,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProviderEventID string            `json:"provider_event_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func newHistoryResponse(events []billing.HistoryEvent) []historyEventResponse {
	out := make([]historyEventResponse, 0, len(events))
	for _, e := range events {
		resp := historyEventResponse{
			ID:              e.ID.String(),
			Type:            string(e.Type),
			Status:          string(e.Status),
			Description:     e.Description,
			Metadata:        e.Metadata,
			ProviderEventID: e.ProviderEventID,
			CreatedAt:       e.CreatedAt,
		}
		if e.Amount != nil {
			amount := newMoneyResponse(*e.Amount)
			resp.Amount = &amount
		}
		out = append(out, resp)
	}
	return out
}

type checkoutRequest struct {
	Tier           string `json:"tier"`
	Seats          int    `json:"seats"`
	Interval       string `json:"interval"`
	Email          string `json:"email"`
	TriggerFeature string `json:"trigger_feature"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
}

type checkoutResponse struct {
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type seatChangeRequest struct {
	Direction string `json:"direction"`
	Count     int    `json:"count"`
}

type previewLineResponse struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Proration   bool   `json:"proration"`
}

func newPreviewLines(lines []billing.PreviewLine) []previewLineResponse {
	if len(lines) == 0 {
		return nil
	}
	out := make([]previewLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, previewLineResponse{
			Description: l.Description,
			Amount:      l.Amount,
			Currency:    l.Currency,
			Proration:   l.Proration,
		})
	}
	return out
}

type seatPreviewResponse struct {
	Direction       string                `json:"direction"`
	Requested       int                   `json:"requested"`
	SeatsBefore     int                   `json:"seats_before"`
	SeatsAfter      int                   `json:"seats_after"`
	AdditionalSeats int                   `json:"additional_seats"`
	AmountDueNow    moneyResponse         `json:"amount_due_now"`
	ProrationLines  []previewLineResponse `json:"proration_lines,omitempty"`
	UpcomingLines   []previewLineResponse `json:"upcoming_lines,omitempty"`
}

func newSeatPreviewResponse(p *billing.SeatChangePreview) seatPreviewResponse {
	return seatPreviewResponse{
		Direction:       string(p.Direction),
		Requested:       p.Requested,
		SeatsBefore:     p.SeatsBefore,
		SeatsAfter:      p.SeatsAfter,
		AdditionalSeats: p.AdditionalSeats,
		AmountDueNow:    newMoneyResponse(p.AmountDueNow),
		ProrationLines:  newPreviewLines(p.ProrationLines),
		UpcomingLines:   newPreviewLines(p.UpcomingLines),
	}
}

type invoiceResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	AmountDue int64  `json:"amount_due"`
	Currency  string `json:"currency"`
}

type seatChangeResponse struct {
	SeatsBefore  int                  `json:"seats_before"`
	SeatsAfter   int                  `json:"seats_after"`
	Subscription subscriptionResponse `json:"subscription"`
	Invoice      *invoiceResponse     `json:"invoice,omitempty"`
}

func newSeatChangeResponse(res *billing.SeatChangeResult, now time.Time) seatChangeResponse {
	resp := seatChangeResponse{
		SeatsBefore:  res.SeatsBefore,
		SeatsAfter:   res.SeatsAfter,
		Subscription: newSubscriptionResponse(res.Subscription, now),
	}
	if res.Invoice != nil {
		resp.Invoice = &invoiceResponse{
			ID:        res.Invoice.ID,
			Status:    res.Invoice.Status,
			AmountDue: res.Invoice.AmountDue,
			Currency:  res.Invoice.Currency,
		}
	}
	return resp
}

type webhookResponse struct {
	Received bool `json:"received"`
}
