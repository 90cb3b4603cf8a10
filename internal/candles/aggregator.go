package candles

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/clock"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
)

const (
	// defaultThrottleInterval bounds series mutations to one per interval
	// so downstream consumers are not re-rendered on every tick.
	defaultThrottleInterval = time.Second

	// defaultUpdateBuffer is the capacity of the snapshot update channel.
	defaultUpdateBuffer = 16

	// smallGapFactor is the threshold, in timeframe durations, below
	// which a new candle opens at the previous close for price
	// continuity. Larger gaps (venue downtime) open at the tick price so
	// a genuine gap up or down is preserved.
	smallGapFactor = 2
)

// Common errors returned by the aggregator.
var (
	// ErrMalformedTick indicates a tick with a non-finite or non-positive
	// price. Such ticks are never applied.
	ErrMalformedTick = errors.New("malformed tick")
)

// Config defines settings for the Aggregator.
type Config struct {
	// Timeframe is the bucket duration for the series. Required.
	Timeframe model.Timeframe

	// Clock supplies time and timer scheduling. Defaults to the system
	// clock. Timer callbacks must run on their own goroutine.
	Clock clock.Clock

	// ThrottleInterval coalesces ticks so at most one series mutation is
	// applied per interval. Defaults to one second.
	ThrottleInterval time.Duration

	// UpdateBuffer is the snapshot channel capacity. Defaults to 16.
	UpdateBuffer int
}

// Aggregator owns the canonical candle series for one (symbol, timeframe)
// pair. It ingests live ticks and boundary-timer events, updating the
// last candle in place or synthesizing new candles at timeframe
// boundaries, and emits an immutable snapshot of the series after every
// mutation.
//
// OnTick and the internal boundary callback are serialized behind one
// mutex, so a timer firing and a tick arriving for the same bucket can
// never interleave partial updates.
type Aggregator struct {
	cfg Config

	mu            sync.Mutex
	series        *Series
	lastPrice     float64     // last known live price, 0 until primed
	pending       *model.Tick // most recent tick held back by the throttle
	flushTimer    clock.Timer
	boundaryTimer clock.Timer
	lastMutation  time.Time
	closed        bool

	updates chan []model.Candle
}

// NewAggregator creates an aggregator for the given timeframe.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if err := cfg.Timeframe.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = defaultThrottleInterval
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}

	series, err := NewSeries(cfg.Timeframe)
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		cfg:     cfg,
		series:  series,
		updates: make(chan []model.Candle, cfg.UpdateBuffer),
	}, nil
}

// Updates returns the channel of immutable series snapshots, one per
// applied mutation. When the consumer lags, the oldest buffered snapshot
// is dropped in favor of the newest.
func (a *Aggregator) Updates() <-chan []model.Candle {
	return a.updates
}

// Seed replaces the held series wholesale, as after a historical
// backfill. Ascending order and per-bucket uniqueness are enforced; a
// misaligned candle rejects the whole seed. Seeding re-arms the boundary
// timer and publishes a snapshot.
func (a *Aggregator) Seed(cs []model.Candle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}

	if err := a.series.Replace(cs); err != nil {
		return fmt.Errorf("seed rejected: %w", err)
	}
	if last, ok := a.series.Last(); ok && a.lastPrice == 0 {
		a.lastPrice = last.Close
	}

	a.rearmBoundaryLocked()
	a.publishLocked()
	return nil
}

// Prime records an initial last-known price (typically from the REST
// ticker) without mutating the series, so a boundary can be crossed
// before the first live tick arrives.
func (a *Aggregator) Prime(price float64) {
	if !validPrice(price) {
		return
	}
	a.mu.Lock()
	a.lastPrice = price
	a.mu.Unlock()
}

// MergeHistory folds additional historical candles (a "load more"
// extension toward the past) into the series and publishes a snapshot.
func (a *Aggregator) MergeHistory(cs []model.Candle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}

	for _, c := range cs {
		if err := a.series.Merge(c); err != nil {
			return err
		}
	}
	a.publishLocked()
	return nil
}

// OnTick folds one live tick into the series.
//
// A tick in the last candle's bucket updates close/high/low in place; a
// tick in a later bucket opens a new candle using the small/large gap
// rule; a tick for an earlier bucket is stale and ignored. Ticks
// arriving faster than the throttle interval are coalesced and the most
// recent one is applied when the interval elapses.
func (a *Aggregator) OnTick(t model.Tick) error {
	if !validPrice(t.Price) {
		log.Warn().Float64("price", t.Price).Int64("ts", t.Time).Msg("rejecting malformed tick")
		return fmt.Errorf("%w: price %v", ErrMalformedTick, t.Price)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}

	if a.series.Len() == 0 {
		// No seed yet. Remember the price so the first boundary after
		// seeding has something to work with, but never invent a series.
		a.lastPrice = t.Price
		return nil
	}

	now := a.cfg.Clock.Now()
	if now.Sub(a.lastMutation) < a.cfg.ThrottleInterval {
		a.pending = &t
		if a.flushTimer == nil {
			a.flushTimer = a.cfg.Clock.ScheduleAt(a.lastMutation.Add(a.cfg.ThrottleInterval), a.flushPending)
		}
		return nil
	}

	a.applyTickLocked(t, now)
	return nil
}

// flushPending applies the most recent coalesced tick once the throttle
// window has elapsed.
func (a *Aggregator) flushPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushTimer = nil
	if a.closed || a.pending == nil {
		return
	}
	t := *a.pending
	a.pending = nil
	a.applyTickLocked(t, a.cfg.Clock.Now())
}

// applyTickLocked performs the bucket comparison and series mutation.
// Caller holds the mutex.
func (a *Aggregator) applyTickLocked(t model.Tick, now time.Time) {
	duration := a.cfg.Timeframe.Duration()
	bucket := clock.BucketStartMillis(t.Time, duration)

	last, ok := a.series.Last()
	if !ok {
		a.lastPrice = t.Price
		return
	}

	switch {
	case bucket == last.OpenTime:
		a.lastPrice = t.Price
		updated := last
		updated.Close = t.Price
		if t.Price > updated.High {
			updated.High = t.Price
		}
		if t.Price < updated.Low {
			updated.Low = t.Price
		}
		if updated == last {
			// Nothing changed; skip the redundant downstream notification.
			return
		}
		if err := a.series.Merge(updated); err != nil {
			log.Error().Err(err).Msg("failed to update last candle")
			return
		}

	case bucket > last.OpenTime:
		a.lastPrice = t.Price
		if err := a.series.Merge(a.nextCandle(last, bucket, t.Price)); err != nil {
			log.Error().Err(err).Msg("failed to append candle")
			return
		}

	default:
		// Out-of-order or stale tick; the series must stay strictly
		// increasing.
		log.Debug().
			Int64("tickBucket", bucket).
			Int64("lastOpenTime", last.OpenTime).
			Msg("ignoring stale tick")
		return
	}

	a.lastMutation = now
	a.rearmBoundaryLocked()
	a.publishLocked()
}

// nextCandle synthesizes the candle for a freshly started bucket. Small
// gaps open at the previous close for continuity; large gaps open at the
// trigger price so downtime is not drawn as a flat bridge.
func (a *Aggregator) nextCandle(last model.Candle, bucket int64, price float64) model.Candle {
	durSec := int64(a.cfg.Timeframe.Duration() / time.Second)
	open := last.Close
	if bucket-last.OpenTime > smallGapFactor*durSec {
		open = price
	}
	return model.Candle{
		OpenTime: bucket,
		Open:     open,
		High:     math.Max(open, price),
		Low:      math.Min(open, price),
		Close:    price,
		Volume:   0,
	}
}

// onBoundary fires at the bucket boundary after the last candle closes.
// If a last known price is available it synthesizes the next candle even
// when no tick has arrived, so the chart never silently stalls at a
// closed candle, then re-arms for the following boundary.
func (a *Aggregator) onBoundary() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.boundaryTimer = nil
	if a.closed {
		return
	}

	last, ok := a.series.Last()
	if !ok || a.lastPrice == 0 {
		a.rearmBoundaryLocked()
		return
	}

	duration := a.cfg.Timeframe.Duration()
	bucket := clock.BucketStart(a.cfg.Clock.Now().Unix(), duration)
	if bucket > last.OpenTime {
		if err := a.series.Merge(a.nextCandle(last, bucket, a.lastPrice)); err != nil {
			log.Error().Err(err).Msg("failed to synthesize boundary candle")
		} else {
			a.lastMutation = a.cfg.Clock.Now()
			a.publishLocked()
		}
	}

	a.rearmBoundaryLocked()
}

// rearmBoundaryLocked schedules the boundary callback for the instant the
// current last candle's bucket closes. Caller holds the mutex.
func (a *Aggregator) rearmBoundaryLocked() {
	if a.boundaryTimer != nil {
		a.boundaryTimer.Stop()
		a.boundaryTimer = nil
	}
	last, ok := a.series.Last()
	if !ok {
		return
	}
	closeAt := clock.NextBoundary(last.OpenTime, a.cfg.Timeframe.Duration())
	a.boundaryTimer = a.cfg.Clock.ScheduleAt(time.Unix(closeAt, 0), a.onBoundary)
}

// Snapshot returns an immutable copy of the current series.
func (a *Aggregator) Snapshot() []model.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.series.Snapshot()
}

// publishLocked hands the latest snapshot to the update channel, dropping
// the oldest buffered snapshot for slow consumers. Caller holds the
// mutex.
func (a *Aggregator) publishLocked() {
	snap := a.series.Snapshot()
	select {
	case a.updates <- snap:
		return
	default:
	}
	select {
	case <-a.updates:
	default:
	}
	select {
	case a.updates <- snap:
	default:
	}
}

// Close cancels all pending timers and closes the update channel. Further
// ticks are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	if a.boundaryTimer != nil {
		a.boundaryTimer.Stop()
		a.boundaryTimer = nil
	}
	close(a.updates)
}

// validPrice reports whether a price is finite and positive.
func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0
}
