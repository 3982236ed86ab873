package billinghttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// envelope is the JSON body of every response. Exactly one of Data or Error
// is set.
type envelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *errorDetail   `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Rule    string `json:"rule,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func respondMeta(w http.ResponseWriter, status int, data any, meta map[string]any) {
	writeJSON(w, status, envelope{Data: data, Meta: meta})
}

// respondError classifies a domain error into an HTTP status and a stable
// error code. Messages from the billing validation type are caller-safe;
// provider and internal failures get generic messages.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := &errorDetail{Code: "internal_error", Message: "internal server error"}

	var verr *billing.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		detail = &errorDetail{Code: "validation_error", Message: verr.Message, Rule: verr.Rule}
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		status = http.StatusNotFound
		detail = &errorDetail{Code: "not_found", Message: "subscription not found"}
	case errors.Is(err, billing.ErrSubscriptionExists):
		status = http.StatusConflict
		detail = &errorDetail{Code: "subscription_exists", Message: "organization already has a live subscription"}
	case errors.Is(err, billing.ErrNoBillingProfile):
		status = http.StatusConflict
		detail = &errorDetail{Code: "no_billing_profile", Message: "organization has no billing profile"}
	case billing.IsAuthenticationError(err):
		status = http.StatusBadRequest
		detail = &errorDetail{Code: "invalid_webhook", Message: "webhook authentication failed"}
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
		detail = &errorDetail{Code: "bad_request", Message: err.Error()}
	case errors.Is(err, errUnsupportedMedia):
		status = http.StatusUnsupportedMediaType
		detail = &errorDetail{Code: "unsupported_media_type", Message: err.Error()}
	case billing.IsRetryable(err):
		status = http.StatusServiceUnavailable
		detail = &errorDetail{Code: "temporarily_unavailable", Message: "temporarily unavailable, retry the request"}
	case errors.Is(err, billing.ErrProviderError), errors.Is(err, billing.ErrPlanItemsMismatch):
		status = http.StatusBadGateway
		detail = &errorDetail{Code: "provider_error", Message: "billing provider rejected the request"}
	}

	writeJSON(w, status, envelope{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
