package emitter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mosaicart/market-mirror/internal/adapter"
	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/logger"
	"github.com/mosaicart/market-mirror/internal/messaging"
	"github.com/mosaicart/market-mirror/internal/store"
)

// Config holds the configuration for the event emitter
type Config struct {
	ChainID         domain.Chain
	StartBlock      uint64
	CursorSaveFreq  uint64        // Save cursor every N blocks
	CursorSaveDelay time.Duration // Or save cursor every N seconds
}

// Emitter defines the interface for the event emitter
//
//go:generate mockgen -source=emitter.go -destination=../mocks/emitter.go -package=mocks -mock_names=Emitter=MockEmitter
type Emitter interface {
	// Run starts the event emitter
	Run(ctx context.Context) error
	// Close closes the emitter and cleans up resources
	Close()
}

// emitter bridges the chain subscription to the message broker and keeps a
// resume cursor in the store
type emitter struct {
	subscriber messaging.Subscriber
	publisher  messaging.Publisher
	store      store.Store
	config     Config
	clock      adapter.Clock

	lastSavedBlock uint64
	lastSaveTime   time.Time
}

// NewEmitter creates a new event emitter
func NewEmitter(
	sub messaging.Subscriber,
	pub messaging.Publisher,
	st store.Store,
	cfg Config,
	clock adapter.Clock,
) Emitter {
	return &emitter{
		subscriber: sub,
		publisher:  pub,
		store:      st,
		config:     cfg,
		clock:      clock,
	}
}

// resolveStartBlock decides where the subscription resumes: the configured
// block wins, then the persisted cursor, then the chain head
func (e *emitter) resolveStartBlock(ctx context.Context) (uint64, error) {
	if e.config.StartBlock > 0 {
		logger.Info("Starting from configured block",
			zap.String("chain", string(e.config.ChainID)),
			zap.Uint64("block", e.config.StartBlock))
		return e.config.StartBlock, nil
	}

	lastBlock, err := e.store.GetBlockCursor(ctx, string(e.config.ChainID))
	if err != nil {
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}
	if lastBlock > 0 {
		logger.Info("Resuming from last processed block",
			zap.String("chain", string(e.config.ChainID)),
			zap.Uint64("block", lastBlock+1))
		return lastBlock + 1, nil
	}

	latestBlock, err := e.subscriber.GetLatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	logger.Info("Starting from latest block",
		zap.String("chain", string(e.config.ChainID)),
		zap.Uint64("block", latestBlock))
	return latestBlock, nil
}

// saveCursor persists the cursor when the save frequency or delay elapsed.
// Failures are logged only: the cursor is an optimization, redelivery and
// the idempotent projector cover the gap.
func (e *emitter) saveCursor(ctx context.Context, blockNumber uint64) {
	shouldSave := blockNumber-e.lastSavedBlock >= e.config.CursorSaveFreq ||
		e.clock.Since(e.lastSaveTime) >= e.config.CursorSaveDelay
	if !shouldSave {
		return
	}

	if err := e.store.SetBlockCursor(ctx, string(e.config.ChainID), blockNumber); err != nil {
		logger.WarnCtx(ctx, "Failed to save block cursor",
			zap.String("chain", string(e.config.ChainID)),
			zap.Uint64("block", blockNumber),
			zap.Error(err))
		return
	}

	e.lastSavedBlock = blockNumber
	e.lastSaveTime = e.clock.Now()
}

// Run starts the event emitter
func (e *emitter) Run(ctx context.Context) error {
	startBlock, err := e.resolveStartBlock(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("Starting event subscription", zap.String("chain", string(e.config.ChainID)))

		e.lastSaveTime = e.clock.Now()

		handler := func(event *domain.MarketEvent) error {
			if err := e.publisher.PublishEvent(ctx, event); err != nil {
				return fmt.Errorf("failed to publish event %s: %w", event.TxHash, err)
			}

			e.saveCursor(ctx, event.BlockNumber)
			return nil
		}

		if err := e.subscriber.SubscribeEvents(ctx, startBlock, handler); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the emitter and cleans up resources
func (e *emitter) Close() {
	e.subscriber.Close()
}
