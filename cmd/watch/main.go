/*
Package main implements a terminal watcher for the live candle engine.

The watcher backfills recent OHLCV history for one trading pair over
REST, opens the streaming price feed and folds live ticks into a
gap-free candle series, printing the latest candle after each series
update. It is the diagnostic harness for the same engine the dashboard
consumes.

Usage:

	go run main.go -symbol=BTC/USDT -timeframe=1m -token=... \
	    -api=https://api.example.com/v1 -ws=wss://feed.example.com/stream

The watcher runs until interrupted and shuts the subscription down
cleanly on SIGINT/SIGTERM.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/history"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/service"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/stream"
)

// Command-line flags for configuring the watcher
var (
	apiURL    = flag.String("api", "https://api.example.com/v1", "REST API base URL")
	wsURL     = flag.String("ws", "wss://feed.example.com/stream", "Streaming feed URL")
	symbol    = flag.String("symbol", "BTC/USDT", "Trading pair to watch")
	timeframe = flag.String("timeframe", "1m", "Candle timeframe (1m, 5m, 15m, 30m, 1h, 4h, 12h, 1d)")
	token     = flag.String("token", "", "Bearer token (defaults to ARBIMIND_TOKEN)")
	seed      = flag.Int("seed", 300, "Number of candles to backfill")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("ARBIMIND_TOKEN")
	}
	tokenSource := func() string { return authToken }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher, err := history.NewFetcher(history.Config{
		BaseURL:     *apiURL,
		TokenSource: tokenSource,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create history fetcher")
	}

	engine, err := service.NewEngine(ctx, service.EngineConfig{
		History:   fetcher,
		SeedCount: *seed,
		OpenStream: func(ctx context.Context, sym string) (service.StreamConn, error) {
			return stream.Open(ctx, stream.Config{
				URL:         *wsURL,
				Symbol:      sym,
				TokenSource: tokenSource,
			})
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}

	if err := engine.Start(ctx, *symbol, model.Timeframe(*timeframe)); err != nil {
		log.Fatal().Err(err).Msg("failed to start subscription")
	}
	defer engine.Stop()

	sub, err := engine.Subscribe()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe")
	}
	defer engine.Unsubscribe(sub)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Info().
		Str("symbol", *symbol).
		Str("timeframe", *timeframe).
		Msg("watching live candles")

	for {
		select {
		case <-sig:
			log.Info().Msg("shutting down")
			return
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if len(snap) == 0 {
				continue
			}
			last := snap[len(snap)-1]
			state := engine.ConnectionState()
			log.Info().
				Time("open", time.Unix(last.OpenTime, 0).UTC()).
				Float64("o", last.Open).
				Float64("h", last.High).
				Float64("l", last.Low).
				Float64("c", last.Close).
				Int("candles", len(snap)).
				Str("feed", state.Status.String()).
				Msg("series updated")
		}
	}
}

// validateConfig performs validation of command-line parameters before
// the watcher starts.
func validateConfig() error {
	if *apiURL == "" {
		return fmt.Errorf("api URL cannot be empty")
	}
	if *wsURL == "" {
		return fmt.Errorf("ws URL cannot be empty")
	}
	if *symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if err := model.Timeframe(*timeframe).Validate(); err != nil {
		return err
	}
	if *seed <= 0 {
		return fmt.Errorf("seed count must be greater than 0")
	}
	return nil
}
