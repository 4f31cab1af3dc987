// Package webhook turns provider push notifications into targeted syncs.
// Each provider contributes a Mapper that decodes its native delivery and
// picks the date window that an event's change could have touched; the
// Router resolves the owning user and runs the resulting plan.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/orchestrator"
)

// Event is one provider notification in neutral form
type Event struct {
	Type    string
	OwnerID string
	// Entity and ObjectID name the record the event is about, if any
	Entity   canonical.EntityType
	ObjectID string
	// Timestamp is the referenced record's own time, when known
	Timestamp *time.Time
	// Days lists explicit calendar days the provider says changed
	Days []time.Time
	// Revoked is set when the athlete withdrew access
	Revoked bool
}

// Target is a record to delete before resyncing
type Target struct {
	Entity     canonical.EntityType
	ExternalID string
}

// SyncSpec is one sync to run
type SyncSpec struct {
	Entity canonical.EntityType
	Window canonical.Window
}

// Plan is what the router does for one event
type Plan struct {
	Delete      *Target
	Syncs       []SyncSpec
	Deauthorize bool
}

// Mapper holds one provider's webhook knowledge
type Mapper interface {
	Provider() canonical.Provider
	// Schema is the JSON schema native deliveries must satisfy
	Schema() string
	// Decode splits a native delivery into events
	Decode(body []byte) ([]Event, error)
	// Plan maps an event to actions; false means the type is not handled
	Plan(e Event, receivedAt time.Time) (Plan, bool)
}

// Syncer is the part of the orchestrator the router drives
type Syncer interface {
	Sync(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	DeleteRecord(ctx context.Context, req orchestrator.DeleteRequest) (bool, error)
}

// Delivery is one webhook payload as received
type Delivery struct {
	Provider   canonical.Provider
	Body       json.RawMessage
	ReceivedAt time.Time
}

// Outcome is returned for every delivery. Unknown event types are reported
// as not handled, never as errors.
type Outcome struct {
	Handled bool   `json:"handled"`
	Message string `json:"message"`
}

// ErrUnknownProvider is returned for deliveries no mapper accepts
var ErrUnknownProvider = errors.New("no webhook mapper for provider")

// Router routes deliveries to syncs
type Router struct {
	db      *database.DB
	syncer  Syncer
	mappers map[canonical.Provider]Mapper
	schemas map[canonical.Provider]*jsonschema.Schema
	logger  *slog.Logger
}

// DefaultMappers returns a mapper for every provider that pushes webhooks
func DefaultMappers() []Mapper {
	return []Mapper{StravaMapper{}, IntervalsMapper{}, WhoopMapper{}}
}

// NewRouter compiles every mapper's schema
func NewRouter(db *database.DB, syncer Syncer, mappers ...Mapper) (*Router, error) {
	r := &Router{
		db:      db,
		syncer:  syncer,
		mappers: make(map[canonical.Provider]Mapper, len(mappers)),
		schemas: make(map[canonical.Provider]*jsonschema.Schema, len(mappers)),
		logger:  slog.Default(),
	}

	c := jsonschema.NewCompiler()
	for _, m := range mappers {
		url := string(m.Provider()) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(m.Schema()))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s webhook schema: %w", m.Provider(), err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("failed to add %s webhook schema: %w", m.Provider(), err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s webhook schema: %w", m.Provider(), err)
		}
		r.mappers[m.Provider()] = m
		r.schemas[m.Provider()] = sch
	}
	return r, nil
}

// Providers lists the providers that accept webhooks
func (r *Router) Providers() []canonical.Provider {
	out := make([]canonical.Provider, 0, len(r.mappers))
	for p := range r.mappers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks a native body against the provider's schema
func (r *Router) Validate(p canonical.Provider, body []byte) error {
	sch, ok := r.schemas[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("payload does not match %s webhook schema: %w", p, err)
	}
	return nil
}

// DedupeKey identifies a delivery by provider and body content, so a
// provider retrying an identical payload is only queued once.
func DedupeKey(p canonical.Provider, body []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		compact.Reset()
		compact.Write(body)
	}
	sum := sha256.Sum256(compact.Bytes())
	return string(p) + ":" + hex.EncodeToString(sum[:])
}

// Route runs every event of a delivery. The error is reserved for failures a
// retry may fix, such as a rate-limited or unreachable provider.
func (r *Router) Route(ctx context.Context, d Delivery) (Outcome, error) {
	m, ok := r.mappers[d.Provider]
	if !ok {
		return Outcome{Message: fmt.Sprintf("no webhook mapper for provider %q", d.Provider)}, nil
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now()
	}

	events, err := m.Decode(d.Body)
	if err != nil {
		r.logger.Warn("Dropping undecodable webhook", "provider", d.Provider, "error", err)
		metrics.WebhookEventsRoutedTotal.WithLabelValues(string(d.Provider), "undecodable", metrics.RouteNotHandled).Inc()
		return Outcome{Message: "undecodable payload: " + err.Error()}, nil
	}

	var out Outcome
	var messages []string
	for _, e := range events {
		o, err := r.routeEvent(ctx, m, d, e)
		if err != nil {
			metrics.WebhookEventsRoutedTotal.WithLabelValues(string(d.Provider), e.Type, metrics.RouteError).Inc()
			return Outcome{Message: err.Error()}, err
		}
		result := metrics.RouteNotHandled
		if o.Handled {
			result = metrics.RouteHandled
			out.Handled = true
		}
		metrics.WebhookEventsRoutedTotal.WithLabelValues(string(d.Provider), e.Type, result).Inc()
		messages = append(messages, o.Message)
	}
	if len(messages) == 0 {
		messages = append(messages, "no events in delivery")
	}
	out.Message = strings.Join(messages, "; ")
	return out, nil
}

func (r *Router) routeEvent(ctx context.Context, m Mapper, d Delivery, e Event) (Outcome, error) {
	p := m.Provider()
	logger := r.logger.With("provider", p, "event_type", e.Type, "owner_id", e.OwnerID, "object_id", e.ObjectID)

	in, err := r.db.FindIntegrationByAthlete(ctx, p, e.OwnerID)
	if errors.Is(err, database.ErrNotFound) {
		logger.Info("Webhook for unknown athlete")
		return Outcome{Message: fmt.Sprintf("%s: no integration for athlete %s", e.Type, e.OwnerID)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	logger = logger.With("user_id", in.UserID)

	if err := r.locate(ctx, in.UserID, p, &e); err != nil {
		return Outcome{}, err
	}

	plan, ok := m.Plan(e, d.ReceivedAt)
	if !ok {
		logger.Info("Unhandled webhook event type")
		return Outcome{Message: fmt.Sprintf("%s: event type not handled", e.Type)}, nil
	}

	if plan.Deauthorize {
		if err := r.db.MarkNeedsReauth(ctx, in.UserID, p); err != nil {
			return Outcome{}, err
		}
		logger.Info("Athlete revoked access")
		return Outcome{Handled: true, Message: fmt.Sprintf("%s: integration flagged for reauthorization", e.Type)}, nil
	}

	var parts []string
	if plan.Delete != nil {
		removed, err := r.syncer.DeleteRecord(ctx, orchestrator.DeleteRequest{
			UserID:     in.UserID,
			Provider:   p,
			Entity:     plan.Delete.Entity,
			ExternalID: plan.Delete.ExternalID,
		})
		if err != nil {
			return Outcome{}, err
		}
		if removed {
			parts = append(parts, fmt.Sprintf("deleted %s %s", plan.Delete.Entity, plan.Delete.ExternalID))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s already absent", plan.Delete.Entity, plan.Delete.ExternalID))
		}
	}

	for _, s := range plan.Syncs {
		res, err := r.syncer.Sync(ctx, orchestrator.Request{UserID: in.UserID, Provider: p, Entity: s.Entity, Window: s.Window})
		if err != nil {
			if errors.Is(err, orchestrator.ErrNeedsReauth) || errors.Is(err, orchestrator.ErrUnsupported) {
				parts = append(parts, fmt.Sprintf("skipped %s: %v", s.Entity, err))
				continue
			}
			return Outcome{}, err
		}
		parts = append(parts, fmt.Sprintf("synced %s %s (%d upserted)", s.Entity, s.Window, res.Upserted))
	}

	logger.Info("Webhook routed", "actions", len(parts))
	return Outcome{Handled: true, Message: e.Type + ": " + strings.Join(parts, ", ")}, nil
}

// locate fills in the timestamp of an activity event from the stored record
// when the provider did not send one, so updates and deletions of backdated
// activities still resync the right days.
func (r *Router) locate(ctx context.Context, userID string, p canonical.Provider, e *Event) error {
	if e.Timestamp != nil || e.ObjectID == "" || e.Entity != canonical.EntityActivities {
		return nil
	}
	a, err := r.db.GetActivity(ctx, userID, p, e.ObjectID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	day := a.Day()
	e.Timestamp = &day
	return nil
}
