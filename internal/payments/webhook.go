package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/credit"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
)

const maxWebhookBody = 64 * 1024

// WebhookHandler verifies and processes Stripe payment events.
//
// checkout.session.completed is the primary path and fails loud: bad
// metadata is a 400 and a missing account a 404, so the failure shows up
// in Stripe's delivery log. payment_intent.succeeded is a fallback for
// older payment flows and soft-fails with a 200, parking the payment as
// unresolved for manual follow-up instead of triggering retries that
// cannot succeed. Event ids are recorded before any side effect, so a
// redelivery never grants twice; when a grant fails transiently the id is
// unmarked again before the 500, so the retry still gets its one grant.
type WebhookHandler struct {
	secret    string
	ledger    *credit.Ledger
	store     store.DataStore
	appOrigin string

	sink        credit.EventSink
	alertFn     func(ctx context.Context, eventID string, payload []byte) error
	natsPublish func(subject string, data []byte) error
}

func NewWebhookHandler(secret, appOrigin string, l *credit.Ledger, s store.DataStore) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		appOrigin: appOrigin,
		ledger:    l,
		store:     s,
	}
}

// SetEventSink sets the audit sink for unresolved-payment events.
func (h *WebhookHandler) SetEventSink(sink credit.EventSink) {
	h.sink = sink
}

// SetAlertFunc sets the function used to page a human about a payment
// that could not be credited automatically.
func (h *WebhookHandler) SetAlertFunc(fn func(ctx context.Context, eventID string, payload []byte) error) {
	h.alertFn = fn
}

// SetNATSPublisher sets the function used to publish grant notifications.
func (h *WebhookHandler) SetNATSPublisher(fn func(subject string, data []byte) error) {
	h.natsPublish = fn
}

type grantResponse struct {
	Success      bool   `json:"success"`
	UserID       string `json:"userId"`
	CreditsAdded int    `json:"creditsAdded"`
	NewBalance   int    `json:"newBalance"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Read one byte past the cap so truncation is detectable: a silently
	// truncated body would fail signature verification and 401 forever.
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(payload) > maxWebhookBody {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload too large"})
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing stripe-signature header"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		slog.Warn("webhook signature verification failed", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	// Stripe retries deliveries; only the first one gets side effects.
	fresh, err := h.store.MarkEventProcessed(r.Context(), event.ID)
	if err != nil {
		slog.Error("failed to record webhook event", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !fresh {
		slog.Info("duplicate webhook delivery skipped", "event_id", event.ID)
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(w, r, event)
	case "payment_intent.succeeded":
		h.handlePaymentIntentSucceeded(w, r, event)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	}
}

func (h *WebhookHandler) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed session payload"})
		return
	}

	userID, tokens, ok := extractGrant(sess.Metadata)
	if !ok {
		slog.Warn("checkout session missing grant metadata", "event_id", event.ID)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id or tokens metadata"})
		return
	}

	balance, err := h.ledger.Grant(r.Context(), userID, tokens, "stripe")
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			slog.Warn("checkout completed for unknown account", "event_id", event.ID, "account_id", userID)
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		slog.Error("failed to grant credits", "event_id", event.ID, "account_id", userID, "error", err)
		h.unmark(r.Context(), event.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.publishGrant(userID, tokens, balance)
	writeJSON(w, http.StatusOK, grantResponse{
		Success:      true,
		UserID:       userID,
		CreditsAdded: tokens,
		NewBalance:   balance,
	})
}

func (h *WebhookHandler) handlePaymentIntentSucceeded(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		h.parkUnresolved(r.Context(), event, "malformed payment intent payload")
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "resolved": false})
		return
	}

	userID, tokens, ok := extractGrant(pi.Metadata)
	if !ok {
		h.parkUnresolved(r.Context(), event, "missing user_id or tokens metadata")
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "resolved": false})
		return
	}

	balance, err := h.ledger.Grant(r.Context(), userID, tokens, "stripe")
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.parkUnresolved(r.Context(), event, "account not found: "+userID)
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "resolved": false})
			return
		}
		slog.Error("failed to grant credits", "event_id", event.ID, "account_id", userID, "error", err)
		h.unmark(r.Context(), event.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.publishGrant(userID, tokens, balance)
	writeJSON(w, http.StatusOK, grantResponse{
		Success:      true,
		UserID:       userID,
		CreditsAdded: tokens,
		NewBalance:   balance,
	})
}

// unmark releases an event id after a transient failure so the provider's
// retry is not swallowed by the duplicate check.
func (h *WebhookHandler) unmark(ctx context.Context, eventID string) {
	if err := h.store.UnmarkEventProcessed(ctx, eventID); err != nil {
		slog.Error("failed to unmark webhook event", "event_id", eventID, "error", err)
	}
}

// parkUnresolved records a payment that could not be credited automatically
// and pages a human. The delivery is acknowledged with a 200 so Stripe does
// not retry a grant that can never succeed.
func (h *WebhookHandler) parkUnresolved(ctx context.Context, event stripe.Event, reason string) {
	slog.Warn("payment parked as unresolved", "event_id", event.ID, "reason", reason)

	if h.sink != nil {
		h.sink.Add(audit.New("", "stripe", audit.TypeCreditUnresolved, map[string]any{
			"stripe_event_id": event.ID,
			"reason":          reason,
		}))
	}

	if h.alertFn != nil {
		payload, _ := json.Marshal(map[string]string{
			"stripe_event_id": event.ID,
			"reason":          reason,
		})
		if err := h.alertFn(ctx, event.ID, payload); err != nil {
			slog.Error("failed to send unresolved-payment alert", "event_id", event.ID, "error", err)
		}
	}

	if h.natsPublish != nil {
		data, _ := json.Marshal(map[string]string{"stripe_event_id": event.ID, "reason": reason})
		if err := h.natsPublish("vibe.credits.unresolved", data); err != nil {
			slog.Error("failed to publish unresolved event", "event_id", event.ID, "error", err)
		}
	}
}

func (h *WebhookHandler) publishGrant(accountID string, tokens, balance int) {
	if h.natsPublish == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"account_id": accountID,
		"granted":    tokens,
		"balance":    balance,
	})
	if err := h.natsPublish("vibe.credits.granted", data); err != nil {
		slog.Error("failed to publish grant event", "account_id", accountID, "error", err)
	}
}

func (h *WebhookHandler) setCORS(w http.ResponseWriter) {
	origin := h.appOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stripe-Signature")
}

// extractGrant pulls the target account and token count out of payment
// metadata. Both must be present and tokens must be a positive integer.
func extractGrant(metadata map[string]string) (string, int, bool) {
	userID := metadata["user_id"]
	tokensStr := metadata["tokens"]
	if userID == "" || tokensStr == "" {
		return "", 0, false
	}
	tokens, err := strconv.Atoi(tokensStr)
	if err != nil || tokens <= 0 {
		return "", 0, false
	}
	return userID, tokens, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
