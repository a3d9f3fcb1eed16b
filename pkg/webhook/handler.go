// Package webhook exposes the HTTP surface of the reconciliation
// engine: the signed Stripe webhook endpoint and an operator resync
// endpoint for re-pushing event payloads out of band.
package webhook

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v83"

	"github.com/slidecast/billingsync/pkg/reconcile"
	"github.com/slidecast/billingsync/pkg/webhook/internal"
)

// Config holds webhook handler configuration.
type Config struct {
	// WebhookSecret is the Stripe endpoint signing secret (whsec_...).
	WebhookSecret string

	// ResyncToken guards the resync endpoint. Empty disables resync.
	ResyncToken string

	// MaxBodyBytes limits the accepted payload size (default: 256 KiB).
	MaxBodyBytes int64

	// RateLimit is the max requests per RateWindow per client IP
	// (default: 100 per minute). Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration

	Logger reconcile.Logger
}

// DefaultConfig returns a Config with sensible defaults. The signing
// secret has no default and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 256 * 1024,
		RateLimit:    100,
		RateWindow:   time.Minute,
	}
}

// Handler serves provider webhook deliveries and hands verified events
// to the reconciliation engine.
type Handler struct {
	engine  *reconcile.Engine
	config  Config
	limiter *internal.RateLimiter
	log     reconcile.Logger
}

// NewHandler creates a webhook handler bound to an engine.
func NewHandler(engine *reconcile.Engine, config Config) (*Handler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 256 * 1024
	}
	if config.RateWindow <= 0 {
		config.RateWindow = time.Minute
	}
	if config.Logger == nil {
		config.Logger = &reconcile.NoopLogger{}
	}

	h := &Handler{
		engine: engine,
		config: config,
		log:    config.Logger,
	}
	if config.RateLimit > 0 {
		h.limiter = internal.NewRateLimiter(config.RateLimit, config.RateWindow)
	}
	return h, nil
}

// Routes returns the handler's routes as a chi router. Mount it under
// the path Stripe delivers to, e.g. r.Mount("/webhooks", h.Routes()).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	stripeHandler := http.Handler(http.HandlerFunc(h.handleStripe))
	if h.limiter != nil {
		stripeHandler = h.limiter.Middleware(stripeHandler)
	}
	r.Method(http.MethodPost, "/stripe", stripeHandler)
	r.Post("/resync", h.handleResync)
	return r
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Handled   bool   `json:"handled"`
	Reason    string `json:"reason,omitempty"`
}

// handleStripe verifies and processes one Stripe webhook delivery. A
// processing failure returns 500 so Stripe redelivers; the stored event
// row also stays eligible for replay.
func (h *Handler) handleStripe(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.config.WebhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}
	stripeEvent, err := stripe.ConstructEvent(body, sig, h.config.WebhookSecret)
	if err != nil {
		h.log.Warn("webhook signature verification failed",
			reconcile.F("remote_ip", internal.ClientIP(r)))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ev, err := reconcile.ParseStripeEvent(&stripeEvent)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	result, err := h.engine.Process(r.Context(), ev)
	if err != nil {
		h.log.Error("webhook processing failed",
			reconcile.F("event_id", ev.ID),
			reconcile.F("event_type", string(ev.Type)),
			reconcile.F("error", err.Error()))
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		Duplicate: result.Duplicate,
		Handled:   result.Handled,
		Reason:    result.Reason,
	})
}

// handleResync accepts a raw provider event payload from an operator
// and runs it through the engine without signature verification. The
// endpoint is disabled unless a resync token is configured.
func (h *Handler) handleResync(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if h.config.ResyncToken == "" {
		http.Error(w, "resync not configured", http.StatusServiceUnavailable)
		return
	}
	if !h.authorizedResync(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		return
	}

	result, err := h.engine.Resync(r.Context(), body)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidPayload) {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		h.log.Error("resync failed", reconcile.F("error", err.Error()))
		http.Error(w, "failed to resync event", http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		Duplicate: result.Duplicate,
		Handled:   result.Handled,
		Reason:    result.Reason,
	})
}

func (h *Handler) authorizedResync(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.ResyncToken)) == 1
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
