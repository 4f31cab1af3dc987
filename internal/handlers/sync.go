package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/middleware"
	"github.com/newpush/coach-sub004/internal/orchestrator"
	"github.com/newpush/coach-sub004/internal/provider"
)

// Syncer is the orchestrator surface the sync trigger uses
type Syncer interface {
	Sync(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	SyncEntity(ctx context.Context, userID string, entity canonical.EntityType, start, end time.Time) (orchestrator.Summary, error)
}

// SyncRequest is the body of POST /api/sync. Start and End are calendar
// days (YYYY-MM-DD). Provider is optional; without it every connected
// provider serving the entity is synced.
type SyncRequest struct {
	UserID   string               `json:"user_id,omitempty"`
	Provider canonical.Provider   `json:"provider,omitempty"`
	Entity   canonical.EntityType `json:"entity"`
	Start    string               `json:"start"`
	End      string               `json:"end"`
}

// SyncHandler triggers syncs on behalf of the token's user
type SyncHandler struct {
	syncer Syncer
	logger *slog.Logger
}

// NewSyncHandler creates a new sync trigger handler
func NewSyncHandler(syncer Syncer) *SyncHandler {
	return &SyncHandler{syncer: syncer, logger: slog.Default()}
}

// HandleSync handles POST /api/sync
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	userID, ok := targetUser(r, req.UserID)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch req.Entity {
	case canonical.EntityActivities, canonical.EntityWellness, canonical.EntityPlanned:
	default:
		http.Error(w, "entity must be one of: activities, wellness, planned", http.StatusBadRequest)
		return
	}
	start, err := canonical.ParseDay(req.Start)
	if err != nil {
		http.Error(w, "Invalid start day", http.StatusBadRequest)
		return
	}
	end, err := canonical.ParseDay(req.End)
	if err != nil {
		http.Error(w, "Invalid end day", http.StatusBadRequest)
		return
	}
	window := canonical.NewWindow(start, end)
	if window.Empty() {
		http.Error(w, "start must not be after end", http.StatusBadRequest)
		return
	}

	h.logger.Info("Sync triggered", "user_id", userID, "provider", req.Provider, "entity", req.Entity, "window", window.String())

	if req.Provider == "" {
		summary, err := h.syncer.SyncEntity(r.Context(), userID, req.Entity, start, end)
		if err != nil {
			h.writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	res, err := h.syncer.Sync(r.Context(), orchestrator.Request{UserID: userID, Provider: req.Provider, Entity: req.Entity, Window: window})
	if err != nil && res.Outcome == "" {
		h.writeSyncError(w, err)
		return
	}
	writeJSON(w, statusFor(err), res)
}

func (h *SyncHandler) writeSyncError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Sync failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

// statusFor maps a sync failure onto an HTTP status
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orchestrator.ErrNoIntegration):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNeedsReauth), provider.IsAuthExpired(err):
		return http.StatusConflict
	case provider.IsRateLimited(err):
		return http.StatusTooManyRequests
	case provider.IsTransient(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// targetUser resolves which user a request acts for. Only admin tokens may
// name a user other than their own subject.
func targetUser(r *http.Request, requested string) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return "", false
	}
	if requested == "" || requested == claims.Subject {
		return claims.Subject, true
	}
	if claims.HasScope(middleware.ScopeAdmin) {
		return requested, true
	}
	return "", false
}
