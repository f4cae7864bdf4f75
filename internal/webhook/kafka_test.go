package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func eventMessage(t *testing.T, event Event, offset int64) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "webhook_events",
		Partition: 0,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Key:       []byte(event.Key()),
		Value:     value,
	}
}

func sampleEvent() Event {
	return Event{
		ObjectType: ObjectActivity,
		ObjectID:   1001,
		AspectType: AspectCreate,
		OwnerID:    7,
		EventTime:  1717243200,
	}
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{eventMessage(t, sampleEvent(), 10)},
		after:    contextCanceled,
	}
	applier := &stubApplier{}

	processor := NewProcessor(reader, applier, WithProcessorLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, applier.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, sampleEvent(), applier.last)
}

func TestProcessorSkipsCommitOnApplyError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{eventMessage(t, sampleEvent(), 20)},
		after:    contextCanceled,
	}
	applier := &stubApplier{err: errors.New("boom")}

	processor := NewProcessor(reader, applier,
		WithProcessorLogger(log.New(testWriter{t}, "", 0)),
		WithProcessorRetry(2, time.Millisecond),
	)

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 2, applier.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorDeadLettersExhaustedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := eventMessage(t, sampleEvent(), 30)
	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	deadLetter := &stubWriter{}
	before := testutil.ToFloat64(deadLetterCounter.WithLabelValues("webhook_events"))

	processor := NewProcessor(reader, &stubApplier{err: errors.New("storage down")},
		WithProcessorLogger(log.New(testWriter{t}, "", 0)),
		WithProcessorRetry(1, time.Millisecond),
		WithDeadLetter(deadLetter),
	)

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, reader.commitCalls)
	require.Len(t, deadLetter.messages, 1)
	require.Equal(t, msg.Value, deadLetter.messages[0].Value)
	require.Equal(t, []kafka.Header{{Key: "failure_reason", Value: []byte("storage down")}}, deadLetter.messages[0].Headers)
	require.Equal(t, before+1, testutil.ToFloat64(deadLetterCounter.WithLabelValues("webhook_events")))
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invalid := sampleEvent()
	invalid.ObjectID = 0
	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "webhook_events", Offset: 1, Value: []byte(`{broken`)},
			eventMessage(t, invalid, 2),
		},
		after: contextCanceled,
	}
	applier := &stubApplier{}

	processor := NewProcessor(reader, applier, WithProcessorLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, applier.calls)
	require.Equal(t, 2, reader.commitCalls)
}

func TestKafkaQueuePublishesKeyedMessage(t *testing.T) {
	writer := &stubWriter{}
	queue := &KafkaQueue{writer: writer}

	require.NoError(t, queue.Enqueue(context.Background(), sampleEvent()))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	require.Equal(t, "7", string(msg.Key))
	require.Equal(t, []kafka.Header{{Key: "event_type", Value: []byte("activity.create")}}, msg.Headers)

	decoded, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, sampleEvent(), decoded)

	require.NoError(t, queue.Close())
	require.True(t, writer.closed)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubApplier struct {
	calls int
	err   error
	last  Event
}

func (a *stubApplier) Apply(_ context.Context, event Event) error {
	a.calls++
	a.last = event
	return a.err
}

type stubWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}
