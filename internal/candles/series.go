// Package candles owns the canonical candle series for one
// (symbol, timeframe) pair and folds live ticks and timer events into it.
//
// The Series type is the single mutation primitive for candle data: both
// the backfill-merge path and the live-tick-append path go through
// Series.Merge, which enforces bucket alignment, strict open-time
// monotonicity and per-bucket uniqueness in one place.
package candles

import (
	"fmt"
	"sort"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/clock"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
)

// Series is an ordered, deduplicated candle sequence for a single
// timeframe. It is not safe for concurrent use; the Aggregator serializes
// access to it.
type Series struct {
	timeframe model.Timeframe
	candles   []model.Candle
}

// NewSeries creates an empty series for the given timeframe.
func NewSeries(tf model.Timeframe) (*Series, error) {
	if err := tf.Validate(); err != nil {
		return nil, err
	}
	return &Series{timeframe: tf}, nil
}

// Timeframe returns the series timeframe.
func (s *Series) Timeframe() model.Timeframe { return s.timeframe }

// Len returns the number of candles held.
func (s *Series) Len() int { return len(s.candles) }

// Last returns the most recent candle, if any.
func (s *Series) Last() (model.Candle, bool) {
	if len(s.candles) == 0 {
		return model.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Oldest returns the earliest candle, if any.
func (s *Series) Oldest() (model.Candle, bool) {
	if len(s.candles) == 0 {
		return model.Candle{}, false
	}
	return s.candles[0], true
}

// Merge inserts or replaces the candle for its bucket, keeping the series
// sorted by open time with exactly one candle per bucket. The candle's
// open time must already be aligned to the timeframe boundary.
func (s *Series) Merge(c model.Candle) error {
	if err := validateCandle(c, s.timeframe); err != nil {
		return err
	}

	i := sort.Search(len(s.candles), func(i int) bool {
		return s.candles[i].OpenTime >= c.OpenTime
	})

	if i < len(s.candles) && s.candles[i].OpenTime == c.OpenTime {
		s.candles[i] = c
		return nil
	}

	s.candles = append(s.candles, model.Candle{})
	copy(s.candles[i+1:], s.candles[i:])
	s.candles[i] = c
	return nil
}

// Replace swaps the held candles wholesale, as after a backfill. The
// input may be unsorted and may contain same-bucket duplicates; later
// entries win. Every candle must be bucket-aligned.
func (s *Series) Replace(cs []model.Candle) error {
	fresh := make([]model.Candle, 0, len(cs))
	replaced := &Series{timeframe: s.timeframe, candles: fresh}
	for _, c := range cs {
		if err := replaced.Merge(c); err != nil {
			return err
		}
	}
	s.candles = replaced.candles
	return nil
}

// Snapshot returns an immutable copy of the series. Consumers never see a
// live handle to the underlying slice.
func (s *Series) Snapshot() []model.Candle {
	out := make([]model.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// validateCandle checks bucket alignment and the OHLC ordering invariant.
func validateCandle(c model.Candle, tf model.Timeframe) error {
	if aligned := clock.BucketStart(c.OpenTime, tf.Duration()); aligned != c.OpenTime {
		return fmt.Errorf("candle open time %d not aligned to %s boundary %d", c.OpenTime, tf, aligned)
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle at %d violates low <= open,close <= high", c.OpenTime)
	}
	return nil
}
