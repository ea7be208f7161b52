package queue

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/austindbirch/hookrelay/internal/logging"
)

// KafkaConfig configures the Kafka event consumer.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int           // default 1KB
	MaxBytes int           // default 10MB
	MaxWait  time.Duration // default 500ms
	// RetryDelay is the first wait before a failed message is retried. It
	// doubles up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds Kafka messages to a Handler. Offsets are committed
// only once a message is handled or found to be poison, and a failing
// message is retried in place, so a partition never skips an event.
type KafkaConsumer struct {
	r       reader
	handler *Handler
	logger  *logging.Logger
	delay   time.Duration
	max     time.Duration
}

// NewKafkaConsumer creates a consumer-group reader for cfg.
func NewKafkaConsumer(cfg KafkaConfig, handler *Handler, logger *logging.Logger) *KafkaConsumer {
	min := cfg.MinBytes
	if min <= 0 {
		min = 1 << 10
	}
	max := cfg.MaxBytes
	if max <= 0 {
		max = 10 << 20
	}
	wait := cfg.MaxWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: min,
		MaxBytes: max,
		MaxWait:  wait,
	})
	return newKafkaConsumer(r, handler, logger, cfg.RetryDelay, cfg.MaxRetryDelay)
}

func newKafkaConsumer(r reader, handler *Handler, logger *logging.Logger, delay, max time.Duration) *KafkaConsumer {
	if logger == nil {
		logger = logging.Nop()
	}
	if delay <= 0 {
		delay = time.Second
	}
	if max < delay {
		max = 30 * time.Second
	}
	return &KafkaConsumer{r: r, handler: handler, logger: logger, delay: delay, max: max}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithContext(ctx).WithError(err).Error("kafka fetch failed")
			if !sleep(ctx, 200*time.Millisecond) {
				return nil
			}
			continue
		}

		if !c.process(ctx, m) {
			return nil
		}
		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"partition": m.Partition,
				"offset":    m.Offset,
			}).Error("kafka commit failed")
		}
	}
}

// process handles m until it succeeds or turns out to be poison. It reports
// false when ctx ended first.
func (c *KafkaConsumer) process(ctx context.Context, m kafka.Message) bool {
	delay := c.delay
	for {
		err := c.handler.Handle(ctx, m.Value)
		if err == nil || errors.Is(err, ErrPoison) {
			return true
		}
		if !sleep(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > c.max {
			delay = c.max
		}
	}
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error { return c.r.Close() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
