package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/surfskatehalle/booking/libs/kafkax"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Inbox deduplicates events by id.
type Inbox interface {
	Record(ctx context.Context, eventID string, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

type Consumer struct {
	reader       messageReader
	logger       *slog.Logger
	inbox        Inbox
	handler      Handler
	maxAttempts  int
	retryBackoff time.Duration
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
	// MaxAttempts bounds handler attempts per event before it is dropped
	// and its offset committed.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func New(logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{
		reader:       reader,
		logger:       logger,
		inbox:        inbox,
		handler:      handler,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Run fetches events and commits each offset only once the event has been
// handled, found to be a duplicate, or given up on. Offsets within a
// partition are committed in order, so a failing event is retried here
// rather than skipped.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			wait(ctx, time.Second)
			continue
		}
		if !c.process(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The inbox absorbs the redelivery.
			c.logger.Error("kafka commit failed", "err", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// process reports whether msg's offset may be committed. It returns false
// only when ctx ends first, leaving the event to be redelivered.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID == "" {
		c.logger.Warn("event without id dropped", "topic", msg.Topic)
		return true
	}

	failures := 0
	for attempt := 1; ; attempt++ {
		handlerFailed, err := c.deliver(ctxSpan, meta, msg)
		if err == nil {
			return true
		}
		span.RecordError(err)
		if handlerFailed {
			span.SetStatus(codes.Error, "handler")
			failures++
			if failures >= c.attempts() {
				c.logger.Error("event dropped after retries", "event_id", meta.EventID, "event_type", meta.EventType, "attempts", failures, "err", err)
				return true
			}
		} else {
			span.SetStatus(codes.Error, "inbox")
		}
		span.SetAttributes(attribute.Int("messaging.attempt", attempt))
		if !wait(ctx, c.backoff(attempt)) {
			return false
		}
	}
}

// deliver claims the event in the inbox and runs the handler. A failed
// handler releases the claim so the next attempt runs it again.
func (c *Consumer) deliver(ctx context.Context, meta kafkax.EventMeta, msg kafka.Message) (handlerFailed bool, err error) {
	ok, err := c.inbox.Record(ctx, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox record failed", "err", err, "event_id", meta.EventID)
		return false, err
	}
	if !ok {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return false, nil
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("handler error", "err", err, "event_id", meta.EventID)
		if err := c.inbox.Release(ctx, meta.EventID); err != nil {
			c.logger.Error("inbox release failed", "err", err, "event_id", meta.EventID)
		}
		return true, err
	}
	return false, nil
}

func (c *Consumer) attempts() int {
	if c.maxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.maxAttempts
}

func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.retryBackoff
	if d <= 0 {
		d = defaultRetryBackoff
	}
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
