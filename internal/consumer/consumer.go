package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mosaicart/market-mirror/internal/adapter"
	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/logger"
	"github.com/mosaicart/market-mirror/internal/projector"
)

const (
	DEFAULT_WORKER_POOL_SIZE  = 8
	DEFAULT_WORKER_QUEUE_SIZE = 256
)

// Config holds the configuration for the event consumer
type Config struct {
	URL             string
	StreamName      string
	ConsumerName    string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ConnectionName  string
	AckWaitTimeout  time.Duration
	MaxDeliver      int
	WorkerPoolSize  int
	WorkerQueueSize int
}

// Consumer defines the interface for the projection consumer
type Consumer interface {
	// Run starts consuming events until the context is cancelled
	Run(ctx context.Context) error
	// Close closes the consumer and cleans up resources
	Close()
}

type consumer struct {
	nc        adapter.NatsConn
	js        adapter.JetStream
	projector projector.Projector
	json      adapter.JSON
	config    Config
}

// NewConsumer creates a new projection consumer reading events from NATS
// JetStream and applying them through the projector
func NewConsumer(
	cfg Config,
	natsJS adapter.NatsJetStream,
	proj projector.Projector,
	jsonAdapter adapter.JSON,
) (Consumer, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	return &consumer{
		nc:        nc,
		js:        js,
		projector: proj,
		json:      jsonAdapter,
		config:    cfg,
	}, nil
}

// Run starts the projection consumer
func (c *consumer) Run(ctx context.Context) error {
	logger.Info("Starting projection consumer",
		zap.String("stream", c.config.StreamName),
		zap.String("consumer", c.config.ConsumerName))

	// Subscribe to all event subjects
	subject := "events.*.>"

	consumerConfig := jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.AckWaitTimeout,
		MaxDeliver:    c.config.MaxDeliver,
		FilterSubject: subject,
	}

	jsConsumer, err := c.js.CreateOrUpdateConsumer(ctx, c.config.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create/update consumer: %w", err)
	}

	consumerInfo, err := jsConsumer.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}
	logger.Info("Consumer created/retrieved", zap.String("consumer", consumerInfo.Name))

	workerPoolSize := c.config.WorkerPoolSize
	if workerPoolSize == 0 {
		workerPoolSize = DEFAULT_WORKER_POOL_SIZE
	}
	workerQueueSize := c.config.WorkerQueueSize
	if workerQueueSize == 0 {
		workerQueueSize = DEFAULT_WORKER_QUEUE_SIZE
	}

	// Events for distinct entities may be applied concurrently; per-entity
	// races are resolved by the projector's conditional writes
	pool := pond.NewPool(
		workerPoolSize,
		pond.WithQueueSize(workerQueueSize),
		pond.WithContext(ctx),
	)
	defer pool.StopAndWait()

	sub, err := jsConsumer.Consume(func(msg adapter.Message) {
		pool.Submit(func() {
			c.handleMessage(ctx, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	defer sub.Stop()

	logger.Info("Started consuming messages", zap.Int("workers", workerPoolSize))

	<-ctx.Done()
	logger.Info("Shutting down projection consumer",
		zap.Uint64("submitted", pool.SubmittedTasks()),
		zap.Uint64("waiting", pool.WaitingTasks()))
	return ctx.Err()
}

// handleMessage applies a single NATS message to the projections
func (c *consumer) handleMessage(ctx context.Context, msg adapter.Message) {
	metadata, _ := msg.Metadata()

	var event domain.MarketEvent
	if err := c.json.Unmarshal(msg.Data(), &event); err != nil {
		logger.Error(err, zap.String("message", "Failed to unmarshal event"))
		// Terminate message for unparseable data
		if err := msg.Term(); err != nil {
			logger.Error(err, zap.String("message", "Failed to terminate message"))
		}
		return
	}

	var deliveryCount uint64
	if metadata != nil {
		deliveryCount = metadata.NumDelivered
	}
	logger.Info("Received event",
		zap.String("chain", string(event.Chain)),
		zap.String("eventType", string(event.EventType)),
		zap.String("txHash", event.TxHash),
		zap.Uint64("deliveryCount", deliveryCount),
	)

	if err := c.projector.Apply(ctx, &event); err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			logger.Error(err, zap.String("message", "Rejecting malformed event"))
			// Redelivery cannot fix a malformed event
			if err := msg.Term(); err != nil {
				logger.Error(err, zap.String("message", "Failed to terminate message"))
			}
			return
		}

		logger.Error(err, zap.String("message", "Failed to apply event"))
		// NAK to retry, covers exhausted conflict retries too
		if err := msg.Nak(); err != nil {
			logger.Error(err, zap.String("message", "Failed to NAK message"))
		}
		return
	}

	// ACK message after successful processing
	if err := msg.Ack(); err != nil {
		logger.Error(err, zap.String("message", "Failed to ACK message"))
	}
}

// Close closes the consumer and cleans up resources
func (c *consumer) Close() {
	if c.nc == nil {
		return
	}

	c.nc.Close()
}
