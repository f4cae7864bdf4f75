package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer used by KafkaQueue.
type Writer interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Reader exposes the minimal kafka.Reader interface needed by the Processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes events to a topic keyed by owner so that each
// athlete's events stay on one partition in order.
type KafkaQueue struct {
	writer Writer
}

// NewKafkaQueue creates a KafkaQueue writing to topic.
func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}}
}

// Enqueue publishes event synchronously.
func (q *KafkaQueue) Enqueue(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key()),
		Value: value,
		Time:  event.Time(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.ObjectType + "." + event.AspectType)},
		},
	})
}

// Close releases the writer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// ProcessorOption configures optional behaviour for the Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger overrides the logger used to report errors.
func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProcessorRetry bounds the attempts made for one message before it is
// left uncommitted.
func WithProcessorRetry(maxTries uint, initial time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxTries > 0 {
			p.maxTries = maxTries
		}
		if initial > 0 {
			p.initial = initial
		}
	}
}

// WithDeadLetter publishes events that exhaust their retries to writer and
// commits them instead of leaving them uncommitted.
func WithDeadLetter(writer Writer) ProcessorOption {
	return func(p *Processor) {
		p.deadLetter = writer
	}
}

// Processor pulls queued events from Kafka and applies them.
type Processor struct {
	reader     Reader
	applier    Applier
	deadLetter Writer
	logger     *log.Logger
	maxTries   uint
	initial    time.Duration
}

// NewProcessor constructs a Processor with the provided reader and applier.
func NewProcessor(reader Reader, applier Applier, opts ...ProcessorOption) *Processor {
	p := &Processor{
		reader:   reader,
		applier:  applier,
		logger:   log.New(log.Writer(), "[webhook-consumer] ", log.LstdFlags|log.Lshortfile),
		maxTries: 3,
		initial:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			recordDecodeError(msg.Topic)
			// Malformed messages are committed so they cannot block the partition.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Printf("commit error after decode failure: %v", commitErr)
			}
			continue
		}

		if applyErr := p.apply(ctx, event); applyErr != nil {
			if errors.Is(applyErr, context.Canceled) {
				return applyErr
			}
			p.logger.Printf("apply error (%s %s object=%d owner=%d): %v", event.ObjectType, event.AspectType, event.ObjectID, event.OwnerID, applyErr)
			if !p.moveToDeadLetter(ctx, msg, applyErr) {
				continue
			}
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Printf("commit error: %v", commitErr)
		}
	}
}

func (p *Processor) moveToDeadLetter(ctx context.Context, msg kafka.Message, reason error) bool {
	if p.deadLetter == nil {
		return false
	}
	headers := append(append([]kafka.Header(nil), msg.Headers...), kafka.Header{Key: "failure_reason", Value: []byte(reason.Error())})
	if err := p.deadLetter.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}); err != nil {
		p.logger.Printf("dead-letter write failed (offset=%d): %v", msg.Offset, err)
		return false
	}
	recordDeadLetter(msg.Topic)
	return true
}

func (p *Processor) apply(ctx context.Context, event Event) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.initial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.applier.Apply(ctx, event)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(p.maxTries))
	return err
}

func decodeMessage(msg kafka.Message) (Event, error) {
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
