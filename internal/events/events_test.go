package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umspos/backend/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysBySerial(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "meter-events", nil)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Transition{
		Kind:    domain.EventSold,
		To:      domain.StateSold,
		Serials: []string{"SN-1", "SN-2"},
		BatchID: "batch-1",
		Actor:   "clerk",
		At:      at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "SN-1", string(w.msgs[0].Key))
	assert.Equal(t, "SN-2", string(w.msgs[1].Key))
	assert.Equal(t, at, w.msgs[0].Time)
	assert.Contains(t, w.msgs[0].Headers, kafka.Header{Key: "batch-id", Value: []byte("batch-1")})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, "SN-2", decoded["serial"])
	assert.Equal(t, "sold", decoded["kind"])
	assert.Equal(t, "batch-1", decoded["batch_id"])
}

func TestKafkaPublisherSkipsEmptyAndWrapsErrors(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "meter-events", nil)
	require.NoError(t, p.Publish(context.Background(), Transition{Kind: domain.EventAdded}))
	assert.Empty(t, w.msgs)

	w.err = errors.New("broker down")
	err := p.Publish(context.Background(), Transition{Kind: domain.EventAdded, Serials: []string{"SN-1"}})
	assert.ErrorContains(t, err, "broker down")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{}, nil)
	assert.Error(t, err)
}
