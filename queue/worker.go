package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"tunesync/config"
	"tunesync/core/syncer"
	"tunesync/logger"
)

// DeadLetterArchiver stores tasks that exhausted their retries. Implemented
// by the storage package over MinIO.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, topic string, payload []byte) (string, error)
}

// Worker runs the task-queue consumers. Every pipeline topic gets a handler
// wrapped in panic recovery, exponential-backoff retry, and poison-queue
// routing: a task that keeps failing lands on the dead topic instead of
// blocking its stream.
type Worker struct {
	router     *message.Router
	subscriber message.Subscriber
	publisher  message.Publisher
}

// NewWorker wires the router for all sync topics.
func NewWorker(
	cfg *config.Config,
	service *syncer.Service,
	subscriber message.Subscriber,
	publisher message.Publisher,
	archiver DeadLetterArchiver,
	wmLogger watermill.LoggerAdapter,
) (*Worker, error) {
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	router.AddPlugin(plugin.SignalsHandler)

	poison, err := middleware.PoisonQueue(publisher, syncer.TopicDead)
	if err != nil {
		return nil, fmt.Errorf("failed to create poison queue middleware: %w", err)
	}

	retry := middleware.Retry{
		MaxRetries:      cfg.QueueMaxRetries,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          wmLogger,
	}

	// Order matters: recover panics first, send exhausted retries to the
	// poison topic, retry inside that.
	router.AddMiddleware(
		middleware.Recoverer,
		poison,
		retry.Middleware,
	)

	addHandler(router, subscriber, "sync_pages", syncer.TopicPages, service.HandlePage)
	addHandler(router, subscriber, "sync_batches", syncer.TopicBatches, service.HandleBatch)
	addHandler(router, subscriber, "sync_aggregate", syncer.TopicAggregate, service.HandleAggregate)
	addHandler(router, subscriber, "sync_finalize", syncer.TopicFinalize, service.HandleFinalize)
	addHandler(router, subscriber, "sync_janitor", syncer.TopicJanitor, service.HandleJanitor)

	// The dead topic bypasses the middleware chain's retry semantics on
	// purpose: archiving is the terminal move and must not poison itself.
	router.AddNoPublisherHandler("sync_dead", syncer.TopicDead, subscriber,
		func(msg *message.Message) error {
			if archiver == nil {
				logger.Error("dead-lettered task dropped, no archiver configured",
					logger.String("messageId", msg.UUID))
				return nil
			}
			topic := msg.Metadata.Get(middleware.PoisonedTopicKey)
			key, err := archiver.Archive(msg.Context(), topic, msg.Payload)
			if err != nil {
				return fmt.Errorf("failed to archive dead-lettered task: %w", err)
			}
			logger.Error("task dead-lettered",
				logger.String("messageId", msg.UUID),
				logger.String("topic", topic),
				logger.String("reason", msg.Metadata.Get(middleware.ReasonForPoisonedKey)),
				logger.String("archiveKey", key))
			return nil
		})

	return &Worker{router: router, subscriber: subscriber, publisher: publisher}, nil
}

// addHandler registers one typed task handler on its topic.
func addHandler[T any](
	router *message.Router,
	subscriber message.Subscriber,
	name, topic string,
	handle func(ctx context.Context, task T) error,
) {
	router.AddNoPublisherHandler(name, topic, subscriber, func(msg *message.Message) error {
		var task T
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			// A payload that cannot decode will never decode; retrying is
			// pointless but the poison queue still captures it.
			return fmt.Errorf("failed to decode %s task: %w", topic, err)
		}
		return handle(msg.Context(), task)
	})
}

// Run blocks consuming tasks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("task worker starting")
	return w.router.Run(ctx)
}

// Close shuts the router and both ends of the queue down.
func (w *Worker) Close() error {
	if err := w.router.Close(); err != nil {
		return err
	}
	if err := w.subscriber.Close(); err != nil {
		return err
	}
	return w.publisher.Close()
}
