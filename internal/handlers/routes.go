package handlers

import (
	"net/http"

	"github.com/newpush/coach-sub004/internal/middleware"
)

// Routes bundles the handlers served on the public listener
type Routes struct {
	Webhooks *WebhookHandler
	Sync     *SyncHandler
	Events   *EventsHandler
	Health   http.HandlerFunc
	Auth     *middleware.JWTAuth
}

// Handler builds the instrumented HTTP router. Webhook endpoints are
// unauthenticated; the internal API requires a bearer token.
func (rt Routes) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /webhooks/strava", rt.Webhooks.HandleVerification)
	mux.HandleFunc("POST /webhooks/{provider}", rt.Webhooks.HandleEvent)

	mux.Handle("POST /api/sync", rt.Auth.Middleware(http.HandlerFunc(rt.Sync.HandleSync)))
	mux.Handle("GET /events", rt.Auth.Middleware(http.HandlerFunc(rt.Events.HandleEvents)))

	mux.HandleFunc("/health", rt.Health)
	return middleware.Instrument(mux)
}
