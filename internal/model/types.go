// Package model defines core data types for the live market data engine.
//
// This package contains the fundamental structures shared by the streaming,
// backfill and aggregation layers: OHLCV candles, live ticks, timeframes,
// connection state and cross-venue price snapshots. Prices are carried as
// float64 at the model boundary; wire payloads are parsed through
// decimal.Decimal before being narrowed, so parsing precision issues are
// caught at the edge rather than inside the aggregation logic.
package model

import (
	"fmt"
	"time"
)

// Candle represents one OHLCV aggregate over a single timeframe bucket.
//
// OpenTime is the bucket start in Unix seconds and is always aligned to
// the timeframe boundary: OpenTime == floor(OpenTime/duration)*duration.
// Within a series OpenTime strictly increases and no two candles share
// a bucket.
type Candle struct {
	OpenTime int64   // Bucket start (Unix seconds, boundary-aligned)
	Open     float64 // Price at bucket open
	High     float64 // Highest price in bucket
	Low      float64 // Lowest price in bucket
	Close    float64 // Most recent price in bucket
	Volume   float64 // Traded volume; zero for live-synthesized candles
}

// Tick is a single live price update from the streaming feed.
type Tick struct {
	Price float64 // Last trade/mark price
	Time  int64   // Feed timestamp in Unix milliseconds
}

// Ticker is a point-in-time market snapshot from the REST API, used for
// the initial last-known price and as a fallback when streaming is down.
type Ticker struct {
	Price float64
	High  float64
	Low   float64
	Bid   float64
	Ask   float64
}

// Timeframe identifies the candle bucket duration in exchange notation
// (e.g. "1m", "1h", "1d").
type Timeframe string

// Supported timeframes.
const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
)

// timeframeDurations maps each supported timeframe to its bucket duration.
var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe12h: 12 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the bucket duration for the timeframe, or zero if the
// timeframe is not supported.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Validate reports whether the timeframe is one of the supported values.
func (tf Timeframe) Validate() error {
	if _, ok := timeframeDurations[tf]; !ok {
		return fmt.Errorf("unsupported timeframe %q", string(tf))
	}
	return nil
}

// ConnectionStatus enumerates the lifecycle states of a streaming
// subscription.
type ConnectionStatus int

const (
	// StatusDisconnected means no transport is open and no dial is in flight.
	StatusDisconnected ConnectionStatus = iota

	// StatusConnecting means a dial or reconnect attempt is in progress.
	StatusConnecting

	// StatusConnected means the transport is open and ticks are expected.
	StatusConnected
)

// String returns a human-readable status name for logs and UI indicators.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionState is a snapshot of one subscription's connection machine:
// the current status, the reconnect attempt counter and the last error
// observed. One instance exists per active subscription.
type ConnectionState struct {
	Status    ConnectionStatus
	Attempt   int    // Reconnect attempt counter; reset to 0 on connect
	LastError string // Empty when no error has been observed
}

// VenueSnapshot is the latest complete price snapshot for one venue in the
// cross-venue comparison view. Each push replaces the previous snapshot
// for the venue wholesale; there is no delta reconciliation.
type VenueSnapshot struct {
	VenueID   string
	Price     float64
	Change24h float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	Available bool
	Error     string // Populated when the venue reported a failure
	Best      bool   // Set on the top-priced available entry by List
}
