package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// NSQConfig configures the NSQ event consumer.
type NSQConfig struct {
	NsqdTCPAddr    string
	LookupHTTPAddr string
	Topic          string
	Channel        string
	MaxInFlight    int
	// RequeueDelay is the delay before a failed message is redelivered.
	RequeueDelay time.Duration
}

// NSQConsumer feeds NSQ messages to a Handler.
type NSQConsumer struct {
	cfg      NSQConfig
	consumer *nsq.Consumer
	handler  *Handler
	logger   *logging.Logger
}

// NewNSQConsumer creates the consumer; call Connect to start receiving.
func NewNSQConsumer(cfg NSQConfig, handler *Handler, logger *logging.Logger) (*NSQConsumer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)

	c := &NSQConsumer{cfg: cfg, consumer: consumer, handler: handler, logger: logger}
	consumer.AddHandler(c)
	return c, nil
}

// HandleMessage implements nsq.Handler. Responses are sent explicitly:
// success and poison finish the message, anything else requeues it.
func (c *NSQConsumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	err := c.handler.Handle(context.Background(), m.Body)
	switch {
	case err == nil, errors.Is(err, ErrPoison):
		m.Finish()
	default:
		m.Requeue(c.cfg.RequeueDelay)
	}
	return nil
}

// Connect attaches to nsqd directly (creating the channel eagerly) and, when
// configured, to nsqlookupd for discovery.
func (c *NSQConsumer) Connect() error {
	if c.cfg.NsqdTCPAddr != "" {
		if err := c.consumer.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if c.cfg.LookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(c.cfg.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	c.logger.Plain().WithFields(map[string]any{
		"topic":   c.cfg.Topic,
		"channel": c.cfg.Channel,
	}).Info("nsq consumer connected")
	return nil
}

// Run connects and consumes until ctx ends, then stops the consumer.
func (c *NSQConsumer) Run(ctx context.Context) error {
	if err := c.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Stop stops the consumer and waits for in-flight handlers.
func (c *NSQConsumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DLQPublisher publishes dead letters to an NSQ topic. It implements
// delivery.Notifier.
type DLQPublisher struct {
	producer Publisher
	topic    string
	logger   *logging.Logger
}

var _ delivery.Notifier = (*DLQPublisher)(nil)

// NewDLQPublisher returns a DLQPublisher writing to topic.
func NewDLQPublisher(producer Publisher, topic string, logger *logging.Logger) *DLQPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DLQPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *DLQPublisher) DeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish dead letter: %w", err)
	}
	metrics.RecordDLQPublished()

	entry := p.logger.WithContext(ctx).WithField("topic", p.topic)
	if dl.Delivery != nil {
		entry = entry.WithDelivery(dl.Delivery.ID).WithSubscription(dl.Delivery.SubscriptionID)
	}
	entry.Info("dlq published")
	return nil
}

// nsqLogger adapts the service logger to go-nsq's logger interface.
type nsqLogger struct{ l *logging.Logger }

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "nsq").Info(s)
	return nil
}
