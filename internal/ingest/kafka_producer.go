package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultLocationsTopic  = "driver-locations"
	DefaultRideEventsTopic = "ride-events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver presence and ride transitions. Driver events
// are keyed by driver id and ride events by ride id so each key stays ordered
// within its partition.
type KafkaProducer struct {
	writer          messageWriter
	locationsTopic  string
	rideEventsTopic string
	logger          *slog.Logger
}

func NewKafkaProducer(brokers []string, locationsTopic, rideEventsTopic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		// Registry observers must not stall on the broker.
		Async: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka publish failed", "topic", msgs[0].Topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return newProducer(w, locationsTopic, rideEventsTopic, logger)
}

func newProducer(w messageWriter, locationsTopic, rideEventsTopic string, logger *slog.Logger) *KafkaProducer {
	if locationsTopic == "" {
		locationsTopic = DefaultLocationsTopic
	}
	if rideEventsTopic == "" {
		rideEventsTopic = DefaultRideEventsTopic
	}
	return &KafkaProducer{writer: w, locationsTopic: locationsTopic, rideEventsTopic: rideEventsTopic, logger: logger}
}

// DriverChanged forwards a registry event to the locations topic.
func (k *KafkaProducer) DriverChanged(ev models.DriverEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.publish(ctx, k.locationsTopic, ev.Driver.ID, ev); err != nil {
		k.logger.Warn("publish driver event failed", "driver_id", ev.Driver.ID, "type", ev.Type, "error", err)
	}
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.publish(ctx, k.rideEventsTopic, ev.RideID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
