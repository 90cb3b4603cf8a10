package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/clock"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/history"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/stream"
)

// MockHistorySource is a mock implementation of the HistorySource
// interface.
type MockHistorySource struct {
	mock.Mock
}

func (m *MockHistorySource) Backfill(ctx context.Context, symbol string, tf model.Timeframe, targetCount int) ([]model.Candle, error) {
	args := m.Called(ctx, symbol, tf, targetCount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candle), args.Error(1)
}

func (m *MockHistorySource) Extend(ctx context.Context, symbol string, tf model.Timeframe, beforeOpenTime int64) ([]model.Candle, error) {
	args := m.Called(ctx, symbol, tf, beforeOpenTime)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candle), args.Error(1)
}

func (m *MockHistorySource) Ticker(ctx context.Context, symbol string) (model.Ticker, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(model.Ticker), args.Error(1)
}

// fakeStreamConn feeds scripted events to the engine and records whether
// it was closed.
type fakeStreamConn struct {
	events chan stream.Event
	state  model.ConnectionState

	mu     sync.Mutex
	closed bool
}

func newFakeStreamConn() *fakeStreamConn {
	return &fakeStreamConn{
		events: make(chan stream.Event, 32),
		state:  model.ConnectionState{Status: model.StatusConnected},
	}
}

func (f *fakeStreamConn) Events() <-chan stream.Event { return f.events }

func (f *fakeStreamConn) State() model.ConnectionState { return f.state }

func (f *fakeStreamConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeStreamConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// dayBucket returns the current daily bucket start, so seeded candles sit
// in the live bucket and the boundary timer stays far away during a test.
func dayBucket() int64 {
	return clock.BucketStart(time.Now().Unix(), model.Timeframe1d.Duration())
}

func dayCandle(openTime int64, price float64) model.Candle {
	return model.Candle{OpenTime: openTime, Open: price, High: price, Low: price, Close: price, Volume: 10}
}

// testEngine wires an engine around the mock history source and a factory
// producing fake connections.
func testEngine(t *testing.T, hist *MockHistorySource) (*Engine, *fakeStreamConn) {
	t.Helper()

	conn := newFakeStreamConn()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e, err := NewEngine(ctx, EngineConfig{
		History: hist,
		OpenStream: func(ctx context.Context, symbol string) (StreamConn, error) {
			return conn, nil
		},
		SeedCount:        3,
		ThrottleInterval: time.Nanosecond, // no coalescing in tests
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, conn
}

// waitForSnapshot reads subscriber updates until one satisfies the
// predicate.
func waitForSnapshot(t *testing.T, sub *Subscriber, ok func([]model.Candle) bool) []model.Candle {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub.Updates():
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("expected snapshot never arrived")
			return nil
		}
	}
}

func Test_NewEngine_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewEngine(ctx, EngineConfig{OpenStream: func(context.Context, string) (StreamConn, error) { return nil, nil }})
	assert.Error(t, err, "missing history source must be rejected")

	_, err = NewEngine(ctx, EngineConfig{History: new(MockHistorySource)})
	assert.Error(t, err, "missing stream factory must be rejected")
}

func Test_Engine_Start_RejectsBadInput(t *testing.T) {
	hist := new(MockHistorySource)
	e, _ := testEngine(t, hist)

	assert.Error(t, e.Start(context.Background(), "USDT:USDT", model.Timeframe1m))
	assert.Error(t, e.Start(context.Background(), "BTC/USDT", model.Timeframe("7h")))

	hist.AssertNotCalled(t, "Backfill", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func Test_Engine_Start_SurfacesStreamOpenFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := NewEngine(ctx, EngineConfig{
		History: new(MockHistorySource),
		OpenStream: func(context.Context, string) (StreamConn, error) {
			return nil, errors.New("dial refused")
		},
	})
	require.NoError(t, err)

	err = e.Start(ctx, "BTC/USDT", model.Timeframe1d)
	require.Error(t, err)
	assert.Nil(t, e.Snapshot(), "a failed start leaves no active subscription")
}

// Test_Engine_SeedsAndPumpsTicks covers the subscription happy path:
// ticker prime, backfill seed, then live ticks folding into the series
// and fanning out to subscribers.
func Test_Engine_SeedsAndPumpsTicks(t *testing.T) {
	day := dayBucket()
	seeded := []model.Candle{
		dayCandle(day-2*86400, 98),
		dayCandle(day-86400, 99),
		dayCandle(day, 100),
	}

	hist := new(MockHistorySource)
	hist.On("Ticker", mock.Anything, "BTC/USDT").Return(model.Ticker{Price: 100}, nil)
	hist.On("Backfill", mock.Anything, "BTC/USDT", model.Timeframe1d, 3).Return(seeded, nil)

	e, conn := testEngine(t, hist)
	sub, err := e.Subscribe()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Start(context.Background(), "BTC/USDT", model.Timeframe1d))

	snap := waitForSnapshot(t, sub, func(s []model.Candle) bool { return len(s) == 3 })
	assert.Equal(t, 100.0, snap[2].Close)

	conn.events <- stream.Event{
		Type: stream.EventTick,
		Tick: model.Tick{Price: 105, Time: time.Now().UnixMilli()},
	}

	snap = waitForSnapshot(t, sub, func(s []model.Candle) bool {
		return len(s) == 3 && s[2].Close == 105
	})
	assert.Equal(t, 105.0, snap[2].High, "the live tick must fold into the current bucket")

	hist.AssertExpectations(t)
}

// Test_Engine_PartialBackfillStillSeeds accepts a partial series when
// pagination was interrupted.
func Test_Engine_PartialBackfillStillSeeds(t *testing.T) {
	day := dayBucket()
	partial := []model.Candle{dayCandle(day, 100)}

	hist := new(MockHistorySource)
	hist.On("Ticker", mock.Anything, "BTC/USDT").Return(model.Ticker{}, errors.New("ticker down"))
	hist.On("Backfill", mock.Anything, "BTC/USDT", model.Timeframe1d, 3).
		Return(partial, fmt.Errorf("%w: page 2 failed", history.ErrPartialBackfill))

	e, _ := testEngine(t, hist)
	sub, err := e.Subscribe()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Start(context.Background(), "BTC/USDT", model.Timeframe1d))

	snap := waitForSnapshot(t, sub, func(s []model.Candle) bool { return len(s) == 1 })
	assert.Equal(t, 100.0, snap[0].Close)
}

// Test_Engine_SwitchTearsDownPreviousSubscription: starting a new
// (symbol, timeframe) closes the old transport before the new pipeline
// is built.
func Test_Engine_SwitchTearsDownPreviousSubscription(t *testing.T) {
	day := dayBucket()

	hist := new(MockHistorySource)
	hist.On("Ticker", mock.Anything, mock.Anything).Return(model.Ticker{Price: 100}, nil)
	hist.On("Backfill", mock.Anything, mock.Anything, model.Timeframe1d, 3).
		Return([]model.Candle{dayCandle(day, 100)}, nil)

	conns := make([]*fakeStreamConn, 0, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := NewEngine(ctx, EngineConfig{
		History: hist,
		OpenStream: func(ctx context.Context, symbol string) (StreamConn, error) {
			c := newFakeStreamConn()
			conns = append(conns, c)
			return c, nil
		},
		SeedCount: 3,
	})
	require.NoError(t, err)
	defer e.Stop()

	require.NoError(t, e.Start(ctx, "BTC/USDT", model.Timeframe1d))
	require.NoError(t, e.Start(ctx, "ETH/USDT", model.Timeframe1d))

	require.Len(t, conns, 2)
	assert.True(t, conns[0].isClosed(), "the replaced subscription's transport must be closed")
	assert.False(t, conns[1].isClosed())
}

func Test_Engine_LoadMore(t *testing.T) {
	day := dayBucket()
	seeded := []model.Candle{dayCandle(day, 100)}
	older := []model.Candle{
		dayCandle(day-2*86400, 95),
		dayCandle(day-86400, 96),
	}

	hist := new(MockHistorySource)
	hist.On("Ticker", mock.Anything, "BTC/USDT").Return(model.Ticker{Price: 100}, nil)
	hist.On("Backfill", mock.Anything, "BTC/USDT", model.Timeframe1d, 3).Return(seeded, nil)
	hist.On("Extend", mock.Anything, "BTC/USDT", model.Timeframe1d, day).Return(older, nil)

	e, _ := testEngine(t, hist)
	sub, err := e.Subscribe()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Start(context.Background(), "BTC/USDT", model.Timeframe1d))
	waitForSnapshot(t, sub, func(s []model.Candle) bool { return len(s) == 1 })

	oldest, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day-2*86400, oldest, "the new oldest open time anchors the next page")

	snap := e.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, day-2*86400, snap[0].OpenTime)
	assert.Equal(t, day, snap[2].OpenTime)

	hist.AssertExpectations(t)
}

func Test_Engine_LoadMore_RequiresActiveSubscription(t *testing.T) {
	e, _ := testEngine(t, new(MockHistorySource))
	_, err := e.LoadMore(context.Background())
	assert.Error(t, err)
}

func Test_Engine_ConnectionState(t *testing.T) {
	day := dayBucket()
	hist := new(MockHistorySource)
	hist.On("Ticker", mock.Anything, "BTC/USDT").Return(model.Ticker{Price: 100}, nil)
	hist.On("Backfill", mock.Anything, "BTC/USDT", model.Timeframe1d, 3).
		Return([]model.Candle{dayCandle(day, 100)}, nil)

	e, _ := testEngine(t, hist)
	assert.Equal(t, model.StatusDisconnected, e.ConnectionState().Status, "idle engine reports disconnected")

	require.NoError(t, e.Start(context.Background(), "BTC/USDT", model.Timeframe1d))
	assert.Equal(t, model.StatusConnected, e.ConnectionState().Status)

	e.Stop()
	assert.Equal(t, model.StatusDisconnected, e.ConnectionState().Status)
}
