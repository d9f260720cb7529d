package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaPublisher(w)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(),
		New(ApplicationSubmitted, "s1", at, map[string]string{"applicationId": "a1"}),
		New(SelectionCompleted, "", at, map[string]int{"selected": 2}),
	)
	require.NoError(t, err)
	require.Len(t, w.messages, 2)

	assert.Equal(t, "s1", string(w.messages[0].Key))
	assert.Equal(t, selectionKey, string(w.messages[1].Key))
	assert.Equal(t, []kafka.Header{{Key: "type", Value: []byte("application.submitted")}}, w.messages[0].Headers)
	assert.Equal(t, at, w.messages[0].Time)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, "application.submitted", decoded["type"])
	assert.Equal(t, "s1", decoded["session_id"])
	assert.NotEmpty(t, decoded["id"])
	assert.Equal(t, map[string]any{"applicationId": "a1"}, decoded["data"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_PublishNothing(t *testing.T) {
	w := &recordingWriter{err: errors.New("unreachable")}
	require.NoError(t, NewKafkaPublisher(w).Publish(context.Background()))
}

func TestKafkaPublisher_WriterError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	err := NewKafkaPublisher(w).Publish(context.Background(), New(WaitlistJoined, "s1", time.Now(), nil))
	assert.ErrorContains(t, err, "broker down")
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "waitroom.admission")
	assert.Equal(t, "waitroom.admission", w.Topic)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.Equal(t, "localhost:9092", w.Addr.String())
}

func TestLogPublisher(t *testing.T) {
	var p Publisher = LogPublisher{}
	assert.NoError(t, p.Publish(context.Background(), New(EligibilitySubmitted, "s1", time.Now(), nil)))
	assert.NoError(t, p.Close())
}
