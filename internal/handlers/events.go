package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/newpush/coach-sub004/internal/database"
)

// EventStore lists a user's outbox events after a cursor
type EventStore interface {
	ListOutboxEventsAfter(ctx context.Context, userID string, afterID int64, limit int) ([]*database.OutboxEvent, error)
}

// EventsHandler serves the completion event feed
type EventsHandler struct {
	store        EventStore
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(store EventStore) *EventsHandler {
	return &EventsHandler{
		store:        store,
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  30 * time.Second,
	}
}

// HandleEvents handles GET /events with optional long-polling
// Query parameters:
//   - cursor: Last event id seen (default: 0)
//   - limit: Maximum events to return (default: 100, max: 1000)
//   - long_poll: Enable long-polling (default: false)
//   - user_id: Another user's feed (admin tokens only)
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	userID, ok := targetUser(r, query.Get("user_id"))
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	cursor := int64(0)
	if cursorStr := query.Get("cursor"); cursorStr != "" {
		var err error
		cursor, err = strconv.ParseInt(cursorStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid cursor parameter", http.StatusBadRequest)
			return
		}
	}

	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		if limit < 1 || limit > 1000 {
			http.Error(w, "Limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
	}

	longPoll := false
	if query.Has("long_poll") && query.Get("long_poll") == "" {
		longPoll = true
	} else if longPollStr := query.Get("long_poll"); longPollStr != "" {
		longPoll = longPollStr == "true" || longPollStr == "1"
	}

	h.logger.Debug("Events request", "user_id", userID, "cursor", cursor, "limit", limit, "long_poll", longPoll)

	var events []*database.OutboxEvent
	if longPoll {
		events = h.longPollEvents(r.Context(), userID, cursor, limit)
	} else {
		var err error
		events, err = h.store.ListOutboxEventsAfter(r.Context(), userID, cursor, limit)
		if err != nil {
			h.logger.Error("Failed to get events", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
	if events == nil {
		events = []*database.OutboxEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"cursor": latestCursor(events, cursor),
	})
}

// longPollEvents polls until events are available, the timeout passes or
// the client goes away
func (h *EventsHandler) longPollEvents(ctx context.Context, userID string, cursor int64, limit int) []*database.OutboxEvent {
	deadline := time.Now().Add(h.pollTimeout)
	for {
		events, err := h.store.ListOutboxEventsAfter(ctx, userID, cursor, limit)
		if err != nil {
			h.logger.Error("Failed to get events", "error", err, "cursor", cursor)
			return nil
		}
		if len(events) > 0 {
			return events
		}
		if time.Now().After(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.pollInterval):
		}
	}
}

// latestCursor returns the id of the last event, or the original cursor
func latestCursor(events []*database.OutboxEvent, current int64) int64 {
	if len(events) == 0 {
		return current
	}
	return events[len(events)-1].ID
}
