package outbox

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter returns a synchronous writer for the completion topic.
// Messages with the same key land on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
}
