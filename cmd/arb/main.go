/*
Package main implements a terminal viewer for the cross-venue price
comparison feed.

The viewer opens the public venue snapshot stream for one trading pair
and prints the venue list, best price first, each time a push arrives.
Venues currently reporting errors are listed after the available ones.

Usage:

	go run main.go -symbol=BTC/USDT -ws=wss://feed.example.com/venues
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

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/stream"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/venues"
)

var (
	wsURL  = flag.String("ws", "wss://feed.example.com/venues", "Venue snapshot feed URL")
	symbol = flag.String("symbol", "BTC/USDT", "Trading pair to compare")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *wsURL == "" || *symbol == "" {
		log.Fatal().Msg("ws URL and symbol are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The venue comparison feed is public: no account token.
	conn, err := stream.Open(ctx, stream.Config{
		URL:    *wsURL,
		Symbol: *symbol,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open venue stream")
	}
	defer conn.Close()

	agg := venues.NewAggregator()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Info().Str("symbol", *symbol).Msg("watching venue prices")

	for {
		select {
		case <-sig:
			log.Info().Msg("shutting down")
			return
		case ev, ok := <-conn.Events():
			if !ok {
				log.Info().Msg("venue stream ended")
				return
			}
			switch ev.Type {
			case stream.EventConnected:
				log.Info().Msg("venue feed connected")
			case stream.EventVenues:
				if err := agg.HandleMessage(ev.Payload); err != nil {
					log.Warn().Err(err).Msg("bad venue payload")
					continue
				}
				printVenues(agg)
			case stream.EventProtocolError:
				log.Warn().Str("message", ev.Message).Msg("feed protocol error")
			case stream.EventDisconnected:
				log.Warn().
					Int("code", ev.Code).
					Str("reason", ev.Reason).
					Bool("terminal", ev.Terminal).
					Msg("venue feed disconnected")
				if ev.Terminal {
					return
				}
			}
		}
	}
}

// printVenues renders the current venue comparison table.
func printVenues(agg *venues.Aggregator) {
	for _, v := range agg.List() {
		marker := " "
		if v.Best {
			marker = "*"
		}
		if !v.Available {
			fmt.Printf("%s %-12s unavailable (%s)\n", marker, v.VenueID, v.Error)
			continue
		}
		fmt.Printf("%s %-12s %12.2f  %+.2f%%  vol %.2f\n",
			marker, v.VenueID, v.Price, v.Change24h, v.Volume24h)
	}
	fmt.Println()
}
