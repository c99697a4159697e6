package emitter_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mosaicart/market-mirror/internal/domain"
	"github.com/mosaicart/market-mirror/internal/emitter"
	"github.com/mosaicart/market-mirror/internal/logger"
	"github.com/mosaicart/market-mirror/internal/messaging"
	"github.com/mosaicart/market-mirror/internal/mocks"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

func stringPtr(s string) *string { return &s }

// testEmitterMocks contains all the mocks needed for testing the emitter
type testEmitterMocks struct {
	ctrl       *gomock.Controller
	subscriber *mocks.MockSubscriber
	publisher  *mocks.MockPublisher
	store      *mocks.MockStore
	clock      *mocks.MockClock
}

func setupTestEmitter(t *testing.T) *testEmitterMocks {
	ctrl := gomock.NewController(t)

	return &testEmitterMocks{
		ctrl:       ctrl,
		subscriber: mocks.NewMockSubscriber(ctrl),
		publisher:  mocks.NewMockPublisher(ctrl),
		store:      mocks.NewMockStore(ctrl),
		clock:      mocks.NewMockClock(ctrl),
	}
}

func newEmitterWithStartBlock(tm *testEmitterMocks, startBlock uint64) emitter.Emitter {
	return emitter.NewEmitter(
		tm.subscriber,
		tm.publisher,
		tm.store,
		emitter.Config{
			ChainID:         domain.ChainEthereumMainnet,
			StartBlock:      startBlock,
			CursorSaveFreq:  10,
			CursorSaveDelay: 5 * time.Second,
		},
		tm.clock,
	)
}

func testEvent(blockNumber uint64) *domain.MarketEvent {
	return &domain.MarketEvent{
		Chain:           domain.ChainEthereumMainnet,
		ContractAddress: "0x1111111111111111111111111111111111111111",
		EventType:       domain.EventTypeTransfer,
		FromAddress:     stringPtr(domain.ETHEREUM_ZERO_ADDRESS),
		ToAddress:       stringPtr("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"),
		TokenContract:   "0x1111111111111111111111111111111111111111",
		TokenNumber:     "7",
		TxHash:          "0xtx",
		BlockNumber:     blockNumber,
		Timestamp:       time.Now().UTC(),
	}
}

func TestEmitter_Run_WithStartBlock(t *testing.T) {
	tm := setupTestEmitter(t)
	defer tm.ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := newEmitterWithStartBlock(tm, 1000)

	now := time.Now()
	tm.clock.EXPECT().Now().Return(now).MinTimes(1)
	tm.clock.EXPECT().Since(gomock.Any()).Return(time.Duration(0)).AnyTimes()

	event := testEvent(1001)
	tm.subscriber.
		EXPECT().
		SubscribeEvents(gomock.Any(), uint64(1000), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uint64, handler messaging.EventHandler) error {
			_ = handler(event)
			cancel()
			return nil
		})

	tm.publisher.
		EXPECT().
		PublishEvent(gomock.Any(), event).
		Return(nil)

	// CursorSaveFreq is satisfied immediately (1001 - 0 >= 10)
	tm.store.
		EXPECT().
		SetBlockCursor(gomock.Any(), string(domain.ChainEthereumMainnet), uint64(1001)).
		Return(nil)

	err := em.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitter_Run_ResumesFromCursor(t *testing.T) {
	tm := setupTestEmitter(t)
	defer tm.ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := newEmitterWithStartBlock(tm, 0)

	tm.clock.EXPECT().Now().Return(time.Now()).AnyTimes()

	tm.store.
		EXPECT().
		GetBlockCursor(gomock.Any(), string(domain.ChainEthereumMainnet)).
		Return(uint64(500), nil)

	tm.subscriber.
		EXPECT().
		SubscribeEvents(gomock.Any(), uint64(501), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uint64, _ messaging.EventHandler) error {
			cancel()
			return nil
		})

	err := em.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitter_Run_StartsFromLatestWithoutCursor(t *testing.T) {
	tm := setupTestEmitter(t)
	defer tm.ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := newEmitterWithStartBlock(tm, 0)

	tm.clock.EXPECT().Now().Return(time.Now()).AnyTimes()

	tm.store.
		EXPECT().
		GetBlockCursor(gomock.Any(), string(domain.ChainEthereumMainnet)).
		Return(uint64(0), nil)

	tm.subscriber.
		EXPECT().
		GetLatestBlock(gomock.Any()).
		Return(uint64(9000), nil)

	tm.subscriber.
		EXPECT().
		SubscribeEvents(gomock.Any(), uint64(9000), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uint64, _ messaging.EventHandler) error {
			cancel()
			return nil
		})

	err := em.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitter_Run_SubscriptionError(t *testing.T) {
	tm := setupTestEmitter(t)
	defer tm.ctrl.Finish()

	em := newEmitterWithStartBlock(tm, 1000)

	tm.clock.EXPECT().Now().Return(time.Now()).AnyTimes()

	subErr := errors.New("websocket closed")
	tm.subscriber.
		EXPECT().
		SubscribeEvents(gomock.Any(), uint64(1000), gomock.Any()).
		Return(subErr)

	err := em.Run(context.Background())
	assert.ErrorIs(t, err, subErr)
}

func TestEmitter_Run_CursorSaveFailureDoesNotStopEmitter(t *testing.T) {
	tm := setupTestEmitter(t)
	defer tm.ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := newEmitterWithStartBlock(tm, 1000)

	tm.clock.EXPECT().Now().Return(time.Now()).AnyTimes()
	tm.clock.EXPECT().Since(gomock.Any()).Return(time.Duration(0)).AnyTimes()

	event := testEvent(1001)
	tm.subscriber.
		EXPECT().
		SubscribeEvents(gomock.Any(), uint64(1000), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uint64, handler messaging.EventHandler) error {
			err := handler(event)
			assert.NoError(t, err)
			cancel()
			return nil
		})

	tm.publisher.
		EXPECT().
		PublishEvent(gomock.Any(), event).
		Return(nil)

	tm.store.
		EXPECT().
		SetBlockCursor(gomock.Any(), string(domain.ChainEthereumMainnet), uint64(1001)).
		Return(errors.New("connection lost"))

	err := em.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitter_Close(t *testing.T) {
	tm := setupTestEmitter(t)
	defer tm.ctrl.Finish()

	em := newEmitterWithStartBlock(tm, 0)

	tm.subscriber.EXPECT().Close()
	em.Close()
}
