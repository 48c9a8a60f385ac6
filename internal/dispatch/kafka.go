package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pitabwire/traveler/internal/config"
	"github.com/pitabwire/traveler/model"
)

// EventTypeDispatchCreated is the ce-type header carried by published
// dispatch records.
const EventTypeDispatchCreated = "traveler.dispatch.created"

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher announces created dispatch records on a Kafka topic.
type Publisher struct {
	writer       MessageWriter
	writeTimeout time.Duration
}

// NewKafkaPublisher builds a Publisher writing to cfg.Topic on cfg.Brokers.
func NewKafkaPublisher(cfg config.KafkaConfig) *Publisher {
	return NewPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}, cfg.WriteTimeout)
}

// NewPublisher wraps an existing writer.
func NewPublisher(w MessageWriter, writeTimeout time.Duration) *Publisher {
	return &Publisher{writer: w, writeTimeout: writeTimeout}
}

// Publish writes rec keyed by its work order ID so records for one order stay
// on one partition.
func (p *Publisher) Publish(ctx context.Context, rec model.DispatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dispatch record: %w", err)
	}

	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(rec.WorkOrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "ce-type", Value: []byte(EventTypeDispatchCreated)},
			{Key: "ce-id", Value: []byte(rec.ID)},
			{Key: "ce-time", Value: []byte(rec.CreatedAt.Format(time.RFC3339))},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: rec.CreatedAt,
	}
	if rc := model.RequestContextFrom(ctx); rc != nil && rc.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   "ce-correlationid",
			Value: []byte(rc.CorrelationID),
		})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dispatch record %s: %w", rec.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// PublishingStore announces every successfully created record. A publish
// failure is logged and does not fail Create; the record is already stored.
type PublishingStore struct {
	Store
	publisher *Publisher
	logger    *zap.Logger
}

// NewPublishingStore wraps store with publisher.
func NewPublishingStore(store Store, publisher *Publisher, logger *zap.Logger) *PublishingStore {
	return &PublishingStore{Store: store, publisher: publisher, logger: logger}
}

// Create stores rec and then publishes it.
func (s *PublishingStore) Create(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	created, err := s.Store.Create(ctx, rec)
	if err != nil {
		return created, err
	}
	if err := s.publisher.Publish(ctx, created); err != nil {
		s.logger.Warn("dispatch record stored but not published",
			zap.String("dispatch_id", created.ID),
			zap.String("work_order_id", created.WorkOrderID),
			zap.String("stage", created.Stage),
			zap.Error(err),
		)
	}
	return created, nil
}
