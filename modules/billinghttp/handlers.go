package billinghttp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type handlers struct {
	svc     billing.Service
	catalog billing.Config
	log     *slog.Logger
	now     func() time.Time
}

func orgIDFromRequest(r *http.Request) (uuid.UUID, error) {
	orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid organization id", errBadRequest)
	}
	return orgID, nil
}

// webhook receives provider deliveries. Any non-2xx response makes the
// provider redeliver, so processing failures intentionally map to their
// error statuses while duplicates and ignored events acknowledge with 200.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxBodySize))
	if err != nil {
		respondError(w, fmt.Errorf("%w: unreadable body", errBadRequest))
		return
	}

	err = h.svc.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, webhookResponse{Received: true})
	case billing.IsAuthenticationError(err):
		h.log.WarnContext(r.Context(), "webhook delivery rejected", slog.Any("error", err))
		respondError(w, err)
	default:
		h.log.ErrorContext(r.Context(), "webhook processing failed", slog.Any("error", err))
		respondError(w, err)
	}
}

func (h *handlers) subscription(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	sub, err := h.svc.CurrentSubscription(r.Context(), orgID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		respondJSON(w, http.StatusOK, freeTierResponse(orgID, h.catalog))
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newSubscriptionResponse(sub, h.now()))
}

func (h *handlers) access(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	status, err := h.svc.AccessStatus(r.Context(), orgID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accessResponse{AccessStatus: string(status)})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, err := h.svc.History(r.Context(), orgID, limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	respondMeta(w, http.StatusOK, newHistoryResponse(events), map[string]any{
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	session, err := h.svc.CreateCheckoutLink(r.Context(), billing.CheckoutLinkParams{
		OrganizationID: orgID,
		Tier:           billing.Tier(req.Tier),
		Seats:          req.Seats,
		Interval:       billing.BillingInterval(req.Interval),
		Email:          req.Email,
		TriggerFeature: req.TriggerFeature,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	resp := checkoutResponse{URL: session.URL}
	if !session.ExpiresAt.IsZero() {
		expires := session.ExpiresAt
		resp.ExpiresAt = &expires
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handlers) portal(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req portalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	session, err := h.svc.CustomerPortalLink(r.Context(), orgID, req.ReturnURL)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, portalResponse{URL: session.URL})
}

// previewSeats quotes a seat change for the organization's subscription.
// Seat operations address the subscription, so the handler resolves it first;
// organizations on the free tier get the not-found response.
func (h *handlers) previewSeats(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req seatChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	sub, err := h.svc.CurrentSubscription(r.Context(), orgID)
	if err != nil {
		respondError(w, err)
		return
	}

	preview, err := h.svc.PreviewSeatChange(r.Context(), sub.ID, billing.SeatDirection(req.Direction), req.Count)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newSeatPreviewResponse(preview))
}

func (h *handlers) applySeats(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req seatChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	sub, err := h.svc.CurrentSubscription(r.Context(), orgID)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := h.svc.ApplySeatChange(r.Context(), sub.ID, billing.SeatDirection(req.Direction), req.Count)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newSeatChangeResponse(result, h.now()))
}
