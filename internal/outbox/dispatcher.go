// Package outbox delivers stored completion events to Kafka.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/metrics"
)

const (
	HeaderEventType      = "event_type"
	HeaderIdempotencyKey = "idempotency_key"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
}

type eventStore interface {
	FetchOutboxEvents(ctx context.Context, limit int) ([]*database.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
}

// Dispatcher drains unpublished outbox events in id order. Events are keyed
// by user id so a user's events stay ordered within a partition. A failed
// batch stays unpublished and is retried on the next tick.
type Dispatcher struct {
	store            eventStore
	writer           messageWriter
	pollInterval     time.Duration
	batchSize        int
	logger           *slog.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher
func NewDispatcher(store eventStore, writer messageWriter, pollInterval time.Duration, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		store:            store,
		writer:           writer,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           slog.Default().With("component", "outbox"),
		shutdownComplete: make(chan struct{}),
	}
}

// Start runs the polling loop until ctx is canceled. It should be called in
// a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	d.logger.Info("Outbox dispatcher started", "poll_interval", d.pollInterval, "batch_size", d.batchSize)
	for {
		for {
			n, err := d.processBatch(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					d.logger.Error("Outbox dispatch failed", "error", err)
				}
				break
			}
			if n < d.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the dispatcher stops
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// processBatch publishes one batch and returns how many events it held
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	events, err := d.store.FetchOutboxEvents(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := d.deliver(ctx, events); err != nil {
		for _, e := range events {
			metrics.OutboxPublishedTotal.WithLabelValues(e.EventType, "error").Inc()
		}
		return 0, fmt.Errorf("failed to publish %d outbox events: %w", len(events), err)
	}

	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
		metrics.OutboxPublishedTotal.WithLabelValues(e.EventType, "published").Inc()
	}
	if err := d.store.MarkOutboxPublished(ctx, ids); err != nil {
		return 0, err
	}
	d.logger.Debug("Published outbox events", "count", len(events), "last_id", ids[len(ids)-1])
	return len(events), nil
}

func (d *Dispatcher) deliver(ctx context.Context, events []*database.OutboxEvent) error {
	msgs := make([]kafka.Message, len(events))
	for i, e := range events {
		msgs[i] = Message(e)
	}
	return d.writer.WriteMessages(ctx, msgs...)
}

// Message converts a stored event into its Kafka record
func Message(e *database.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(e.UserID),
		Value: []byte(e.Payload),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(e.EventType)},
			{Key: HeaderIdempotencyKey, Value: []byte(e.IdempotencyKey)},
		},
		Time: e.CreatedAt,
	}
}
