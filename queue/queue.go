package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"tunesync/config"
	"tunesync/logger"
)

// zapAdapter bridges Watermill's logging into the shared zap logger.
type zapAdapter struct {
	fields watermill.LogFields
}

// NewLoggerAdapter returns a watermill.LoggerAdapter backed by the global
// application logger.
func NewLoggerAdapter() watermill.LoggerAdapter {
	return &zapAdapter{}
}

func (a *zapAdapter) toZap(fields watermill.LogFields) []logger.Field {
	out := make([]logger.Field, 0, len(a.fields)+len(fields))
	for k, v := range a.fields {
		out = append(out, logger.Any(k, v))
	}
	for k, v := range fields {
		out = append(out, logger.Any(k, v))
	}
	return out
}

func (a *zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logger.Error(msg, append(a.toZap(fields), logger.ErrorField(err))...)
}

func (a *zapAdapter) Info(msg string, fields watermill.LogFields) {
	logger.Info(msg, a.toZap(fields)...)
}

func (a *zapAdapter) Debug(msg string, fields watermill.LogFields) {
	logger.Debug(msg, a.toZap(fields)...)
}

func (a *zapAdapter) Trace(msg string, fields watermill.LogFields) {
	logger.Debug(msg, a.toZap(fields)...)
}

func (a *zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &zapAdapter{fields: merged}
}

func natsOptions(wmLogger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				wmLogger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			wmLogger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}
}

// NewPublisher creates a JetStream publisher. Message ID tracking is on so
// the broker deduplicates republished messages by Nats-Msg-Id.
func NewPublisher(cfg *config.Config, wmLogger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOptions(wmLogger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return pub, nil
}

// NewSubscriber creates a durable JetStream subscriber. The queue group
// load-balances task delivery across worker instances.
func NewSubscriber(cfg *config.Config, wmLogger watermill.LoggerAdapter) (message.Subscriber, error) {
	subOpts := []natsgo.SubOpt{
		natsgo.MaxAckPending(256),
		natsgo.AckWait(2 * time.Minute),
	}
	// With a pre-provisioned stream, bind to it instead of auto-creating
	// one stream per topic.
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.NATSURL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 4,
		AckWaitTimeout:   2 * time.Minute,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOptions(wmLogger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    autoProvision,
			DurablePrefix:    cfg.DurablePrefix,
			SubscribeOptions: subOpts,
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}
	return sub, nil
}

// Enqueuer publishes JSON task payloads. Each message gets a fresh UUID that
// doubles as its Nats-Msg-Id, so a retried Enqueue call republishes the same
// identity and the broker drops the duplicate.
type Enqueuer struct {
	publisher message.Publisher
}

// NewEnqueuer wraps a publisher as a task enqueuer.
func NewEnqueuer(publisher message.Publisher) *Enqueuer {
	return &Enqueuer{publisher: publisher}
}

// Enqueue serializes the payload and publishes it on the topic.
func (e *Enqueuer) Enqueue(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload for %s: %w", topic, err)
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	msg.SetContext(ctx)

	if err := e.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish task on %s: %w", topic, err)
	}
	return nil
}

// Close shuts the underlying publisher down.
func (e *Enqueuer) Close() error {
	return e.publisher.Close()
}
