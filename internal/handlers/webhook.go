package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/webhook"
)

// maxWebhookBody bounds a single delivery
const maxWebhookBody = 1 << 20

// Validator checks native webhook bodies before they are queued
type Validator interface {
	Validate(p canonical.Provider, body []byte) error
}

// WebhookHandler accepts provider webhook deliveries. Deliveries are
// validated and queued; routing happens on the worker.
type WebhookHandler struct {
	db          *database.DB
	validator   Validator
	verifyToken string
	logger      *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(db *database.DB, validator Validator, stravaVerifyToken string) *WebhookHandler {
	return &WebhookHandler{
		db:          db,
		validator:   validator,
		verifyToken: stravaVerifyToken,
		logger:      slog.Default(),
	}
}

// HandleVerification answers Strava's subscription handshake
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hubMode := r.URL.Query().Get("hub.mode")
	hubChallenge := r.URL.Query().Get("hub.challenge")
	hubVerifyToken := r.URL.Query().Get("hub.verify_token")

	h.logger.Info("Webhook verification request",
		"hub.mode", hubMode,
		"hub.challenge", hubChallenge[:min(20, len(hubChallenge))],
	)

	if h.verifyToken == "" || hubVerifyToken != h.verifyToken {
		h.logger.Warn("Invalid verify token")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": hubChallenge})
	h.logger.Info("Webhook verification successful")
}

// HandleEvent handles POST /webhooks/{provider}
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p := canonical.Provider(r.PathValue("provider"))
	receivedAt := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", "provider", p, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.validator.Validate(p, body); err != nil {
		if errors.Is(err, webhook.ErrUnknownProvider) {
			http.Error(w, "Unknown provider", http.StatusNotFound)
			return
		}
		h.logger.Warn("Rejected webhook payload", "provider", p, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, inserted, err := h.db.EnqueueWebhook(r.Context(), p, webhook.DedupeKey(p, body), json.RawMessage(body), receivedAt)
	if err != nil {
		h.logger.Error("Failed to enqueue webhook", "provider", p, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	metrics.WebhookEventsReceivedTotal.WithLabelValues(string(p)).Inc()

	status := "queued"
	if !inserted {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "id": id})
	h.logger.Info("Webhook accepted", "provider", p, "status", status, "id", id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
