package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/candles"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/clock"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/history"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/stream"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/utils"
)

// defaultSeedCount is how many candles a fresh subscription backfills.
const defaultSeedCount = 300

// HistorySource provides historical candles and ticker snapshots. It is
// implemented by history.Fetcher.
type HistorySource interface {
	Backfill(ctx context.Context, symbol string, tf model.Timeframe, targetCount int) ([]model.Candle, error)
	Extend(ctx context.Context, symbol string, tf model.Timeframe, beforeOpenTime int64) ([]model.Candle, error)
	Ticker(ctx context.Context, symbol string) (model.Ticker, error)
}

// StreamConn is the engine's view of one streaming subscription. It is
// implemented by stream.Connection.
type StreamConn interface {
	Events() <-chan stream.Event
	State() model.ConnectionState
	Close()
}

// StreamFactory opens a streaming subscription for a symbol.
type StreamFactory func(ctx context.Context, symbol string) (StreamConn, error)

// EngineConfig defines settings for the Engine.
type EngineConfig struct {
	// History provides backfill and ticker data. Required.
	History HistorySource

	// OpenStream opens the live feed for a symbol. Required.
	OpenStream StreamFactory

	// Clock supplies time for the aggregator. Defaults to the system
	// clock.
	Clock clock.Clock

	// SeedCount is the backfill target for a fresh subscription.
	// Defaults to 300.
	SeedCount int

	// ThrottleInterval is passed through to the aggregator.
	ThrottleInterval time.Duration

	// SubscriberBuffer is passed through to the dispatcher.
	SubscriberBuffer int
}

// Engine owns at most one active (symbol, timeframe) subscription. A
// subscription bundles its own stream connection, candle series and
// timers; switching symbol or timeframe tears the old owner down fully
// (timers cancelled, transport closed, series discarded) before the next
// one is constructed, so no stale callback can ever mutate a replaced
// series. Late backfill results from a superseded subscription are
// discarded by a generation check on arrival.
type Engine struct {
	cfg        EngineConfig
	dispatcher *Dispatcher

	mu     sync.Mutex
	gen    int64
	active *subscription
}

// subscription is one fully-owned (symbol, timeframe) pipeline.
type subscription struct {
	symbol    string
	timeframe model.Timeframe
	agg       *candles.Aggregator
	conn      StreamConn
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine creates an engine and starts its dispatcher. The context
// bounds the engine's lifetime.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.History == nil {
		return nil, errors.New("history source is required")
	}
	if cfg.OpenStream == nil {
		return nil, errors.New("stream factory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.SeedCount <= 0 {
		cfg.SeedCount = defaultSeedCount
	}

	dispatcher := NewDispatcher(DispatcherConfig{SubscriberBuffer: cfg.SubscriberBuffer})
	if err := dispatcher.Start(ctx); err != nil {
		return nil, err
	}

	return &Engine{cfg: cfg, dispatcher: dispatcher}, nil
}

// Subscribe registers a consumer for series snapshots.
func (e *Engine) Subscribe() (*Subscriber, error) {
	return e.dispatcher.Subscribe()
}

// Unsubscribe removes a snapshot consumer.
func (e *Engine) Unsubscribe(sub *Subscriber) error {
	return e.dispatcher.Unsubscribe(sub)
}

// Start switches the engine to the given (symbol, timeframe). Any
// previous subscription is torn down first. Validation and stream-open
// failures surface synchronously; backfill and seeding proceed in the
// background so the caller is never blocked on pagination.
func (e *Engine) Start(ctx context.Context, symbol string, tf model.Timeframe) error {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return err
	}
	if err := tf.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()

	e.gen++
	gen := e.gen

	agg, err := candles.NewAggregator(candles.Config{
		Timeframe:        tf,
		Clock:            e.cfg.Clock,
		ThrottleInterval: e.cfg.ThrottleInterval,
	})
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	conn, err := e.cfg.OpenStream(subCtx, symbol)
	if err != nil {
		cancel()
		agg.Close()
		return err
	}

	s := &subscription{
		symbol:    symbol,
		timeframe: tf,
		agg:       agg,
		conn:      conn,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.active = s

	go e.run(subCtx, s, gen)
	return nil
}

// Stop tears down the active subscription, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

// teardownLocked cancels timers, closes the transport and waits for the
// subscription's pump goroutine to exit. Caller holds the mutex.
func (e *Engine) teardownLocked() {
	s := e.active
	if s == nil {
		return
	}
	e.active = nil

	s.conn.Close()
	s.cancel()
	s.agg.Close()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("symbol", s.symbol).Msg("timeout waiting for subscription teardown")
	}
}

// run seeds the subscription and pumps stream events into the aggregator
// and aggregator snapshots out to the dispatcher.
func (e *Engine) run(ctx context.Context, s *subscription, gen int64) {
	defer close(s.done)

	logger := log.With().
		Str("symbol", s.symbol).
		Str("timeframe", string(s.timeframe)).
		Str("component", "engine").
		Logger()

	e.seed(ctx, s, gen, logger)

	events := s.conn.Events()
	updates := s.agg.Updates()
	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-updates:
			if !ok {
				return
			}
			e.dispatcher.Publish(snap)

		case ev, ok := <-events:
			if !ok {
				// Terminal disconnect. The boundary timer keeps the
				// series advancing from the last known price, so keep
				// draining aggregator updates.
				events = nil
				continue
			}
			switch ev.Type {
			case stream.EventConnected:
				logger.Info().Msg("live feed connected")
			case stream.EventTick:
				if err := s.agg.OnTick(ev.Tick); err != nil {
					logger.Warn().Err(err).Msg("tick rejected")
				}
			case stream.EventProtocolError:
				logger.Warn().Str("message", ev.Message).Msg("feed protocol error")
			case stream.EventDisconnected:
				logger.Warn().
					Int("code", ev.Code).
					Str("reason", ev.Reason).
					Bool("terminal", ev.Terminal).
					Msg("live feed disconnected")
			}
		}
	}
}

// seed primes the aggregator with the REST ticker price and the
// backfilled series. A result arriving after the subscription has been
// superseded is discarded by the generation check.
func (e *Engine) seed(ctx context.Context, s *subscription, gen int64, logger zerolog.Logger) {
	if tk, err := e.cfg.History.Ticker(ctx, s.symbol); err == nil {
		s.agg.Prime(tk.Price)
	} else {
		logger.Warn().Err(err).Msg("ticker fetch failed")
	}

	seeded, err := e.cfg.History.Backfill(ctx, s.symbol, s.timeframe, e.cfg.SeedCount)
	if err != nil && !errors.Is(err, history.ErrPartialBackfill) {
		logger.Error().Err(err).Msg("backfill failed, serving live data only")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Int("candles", len(seeded)).Msg("partial backfill")
	}

	if !e.current(gen) {
		logger.Debug().Msg("discarding stale backfill result")
		return
	}
	if len(seeded) == 0 {
		return
	}
	if err := s.agg.Seed(seeded); err != nil {
		logger.Error().Err(err).Msg("seed rejected")
	}
}

// current reports whether gen is still the active subscription
// generation.
func (e *Engine) current(gen int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen && e.active != nil
}

// LoadMore extends the active series one page further into the past and
// returns the new oldest open time for subsequent pagination.
func (e *Engine) LoadMore(ctx context.Context) (int64, error) {
	e.mu.Lock()
	s := e.active
	gen := e.gen
	e.mu.Unlock()

	if s == nil {
		return 0, errors.New("no active subscription")
	}

	snap := s.agg.Snapshot()
	if len(snap) == 0 {
		return 0, errors.New("series is empty")
	}
	oldest := snap[0].OpenTime

	older, err := e.cfg.History.Extend(ctx, s.symbol, s.timeframe, oldest)
	if err != nil {
		return oldest, err
	}
	if len(older) == 0 {
		return oldest, nil
	}

	if !e.current(gen) {
		return oldest, errors.New("subscription changed during extension")
	}
	if err := s.agg.MergeHistory(older); err != nil {
		return oldest, err
	}
	return older[0].OpenTime, nil
}

// Snapshot returns an immutable copy of the active series, or nil when no
// subscription is active.
func (e *Engine) Snapshot() []model.Candle {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.agg.Snapshot()
}

// ConnectionState returns the active subscription's connection state, or
// a disconnected state when idle.
func (e *Engine) ConnectionState() model.ConnectionState {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return model.ConnectionState{Status: model.StatusDisconnected}
	}
	return s.conn.State()
}
