// Package events publishes admission state changes for downstream consumers.
// Events are emitted after the change has committed; they are notifications,
// never part of the operation itself.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

type Type string

const (
	SelectionCompleted   Type = "selection.completed"
	ApplicationSubmitted Type = "application.submitted"
	WaitlistJoined       Type = "waitlist.joined"
	EligibilitySubmitted Type = "eligibility.submitted"
)

// selectionKey partitions selection events, which belong to no session.
const selectionKey = "selection"

type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// New stamps an event with a fresh id.
func New(typ Type, sessionID string, at time.Time, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		SessionID:  sessionID,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// NewKafkaWriter returns a writer for topic that waits for the partition
// leader to acknowledge each batch.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return errors.Wrapf(err, "encode %s event", e.Type)
		}
		key := e.SessionID
		if key == "" {
			key = selectionKey
		}
		messages = append(messages, kafka.Message{
			Key:     []byte(key),
			Value:   value,
			Time:    e.OccurredAt,
			Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
		})
	}
	return errors.Wrap(k.writer.WriteMessages(ctx, messages...), "write kafka messages")
}

func (k *KafkaPublisher) Close() error {
	return errors.WithStack(k.writer.Close())
}

// LogPublisher only logs events. It is used when no brokers are configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, e := range events {
		log.WithFields(log.Fields{
			"event":     e.Type,
			"eventId":   e.ID,
			"sessionId": e.SessionID,
		}).Debug("event")
	}
	return nil
}

func (LogPublisher) Close() error { return nil }
