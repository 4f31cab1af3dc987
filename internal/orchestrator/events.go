package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/load"
	"github.com/newpush/coach-sub004/internal/metrics"
)

// Outbox event types
const (
	EventSyncCompleted     = "sync.completed"
	EventOverreachForecast = "load.overreach_forecast"
)

// SyncCompleted is the payload of a sync.completed event
type SyncCompleted struct {
	UserID       string `json:"user_id"`
	Provider     string `json:"provider"`
	Entity       string `json:"entity"`
	WindowStart  string `json:"window_start"`
	WindowEnd    string `json:"window_end"`
	Upserted     int    `json:"upserted"`
	Inserted     int    `json:"inserted"`
	Updated      int    `json:"updated"`
	Reclassified int    `json:"reclassified"`
}

// OverreachForecast is the payload of a load.overreach_forecast event
type OverreachForecast struct {
	UserID      string  `json:"user_id"`
	ForecastOn  string  `json:"forecast_on"`
	CrossesOn   string  `json:"crosses_on"`
	Balance     float64 `json:"balance"`
	Chronic     float64 `json:"chronic"`
	Acute       float64 `json:"acute"`
	Threshold   float64 `json:"threshold"`
	GeneratedAt string  `json:"generated_at"`
}

// emitSyncCompleted records a completion event keyed by the set of records
// the run changed, so a redelivered trigger that changes the same records
// does not publish twice.
func (o *Orchestrator) emitSyncCompleted(ctx context.Context, userID string, st *runState) error {
	r := st.res
	payload, err := json.Marshal(SyncCompleted{
		UserID:       userID,
		Provider:     string(r.Provider),
		Entity:       string(r.Entity),
		WindowStart:  canonical.FormatDay(r.Window.Start),
		WindowEnd:    canonical.FormatDay(r.Window.End),
		Upserted:     r.Upserted,
		Inserted:     r.Inserted,
		Updated:      r.Updated,
		Reclassified: r.Reclassified,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sync completion: %w", err)
	}

	key := strings.Join([]string{
		EventSyncCompleted, userID, string(r.Provider), string(r.Entity),
		canonical.FormatDay(r.Window.Start), canonical.FormatDay(r.Window.End),
		fingerprint(st.changes),
	}, ":")
	_, err = o.db.InsertOutboxEvent(ctx, &database.OutboxEvent{
		EventType:      EventSyncCompleted,
		UserID:         userID,
		IdempotencyKey: key,
		Payload:        payload,
	})
	return err
}

func (o *Orchestrator) emitOverreach(ctx context.Context, userID string, today time.Time, p *load.Point) error {
	payload, err := json.Marshal(OverreachForecast{
		UserID:      userID,
		ForecastOn:  canonical.FormatDay(today),
		CrossesOn:   canonical.FormatDay(p.Date),
		Balance:     p.Balance,
		Chronic:     p.Chronic,
		Acute:       p.Acute,
		Threshold:   o.cfg.OverreachBalance,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode overreach forecast: %w", err)
	}

	stored, err := o.db.InsertOutboxEvent(ctx, &database.OutboxEvent{
		EventType:      EventOverreachForecast,
		UserID:         userID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s", EventOverreachForecast, userID, canonical.FormatDay(p.Date), canonical.FormatDay(today)),
		Payload:        payload,
	})
	if err != nil {
		return err
	}
	if stored {
		metrics.OverreachForecastsTotal.Inc()
		o.logger.Info("Overreach forecast", "user_id", userID, "crosses_on", canonical.FormatDay(p.Date), "balance", p.Balance)
	}
	return nil
}

func fingerprint(changes []string) string {
	sorted := append([]string(nil), changes...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:8])
}
