package billinghttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/requestid"
)

// RouterOptions configures the billing HTTP module.
type RouterOptions struct {
	// Service handles every billing operation. Required.
	Service billing.Service
	// Catalog renders free-tier seat bounds for organizations without a
	// subscription row.
	Catalog billing.Config
	// Logger receives request and webhook failure logs. Optional.
	Logger *slog.Logger
	// Clock overrides the time source for access derivation. Optional,
	// defaults to UTC wall time.
	Clock func() time.Time
}

// Router mounts the billing API:
//
//	POST /webhooks/billing
//	GET  /organizations/{orgID}/billing/subscription
//	GET  /organizations/{orgID}/billing/access
//	GET  /organizations/{orgID}/billing/history
//	POST /organizations/{orgID}/billing/checkout
//	POST /organizations/{orgID}/billing/portal
//	POST /organizations/{orgID}/billing/seats/preview
//	POST /organizations/{orgID}/billing/seats
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/", billinghttp.Router(billinghttp.RouterOptions{
//	    Service: svc,
//	    Catalog: catalog,
//	    Logger:  log,
//	}))
func Router(opts RouterOptions) chi.Router {
	if opts.Service == nil {
		panic("billinghttp: Service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	h := &handlers{
		svc:     opts.Service,
		catalog: opts.Catalog,
		log:     opts.Logger,
		now:     opts.Clock,
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requestLogger(opts.Logger))

	r.Post("/webhooks/billing", h.webhook)

	r.Route("/organizations/{orgID}/billing", func(r chi.Router) {
		r.Get("/subscription", h.subscription)
		r.Get("/access", h.access)
		r.Get("/history", h.history)
		r.Post("/checkout", h.checkout)
		r.Post("/portal", h.portal)
		r.Post("/seats/preview", h.previewSeats)
		r.Post("/seats", h.applySeats)
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
