// Package service orchestrates the live market data engine: it wires the
// history fetcher, stream connection and candle aggregator together for
// one active (symbol, timeframe) subscription and fans the resulting
// series snapshots out to consumers.
//
// The dispatcher implements the fan-out side. A single goroutine owns the
// subscribers map (actor model), so no mutex is needed and slow consumers
// are handled by dropping their oldest buffered snapshot.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
)

// defaultSubscriberBuffer is the per-consumer snapshot buffer size.
const defaultSubscriberBuffer = 16

// Subscriber is one consumer of series snapshots (a chart, a prediction
// panel, an order form). Snapshots received on its channel are immutable
// copies and safe to read from any goroutine.
type Subscriber struct {
	id int64
	ch chan []model.Candle
}

// Updates returns the subscriber's snapshot channel. It is closed on
// unsubscribe or dispatcher shutdown.
func (s *Subscriber) Updates() <-chan []model.Candle {
	return s.ch
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	// SubscriberBuffer is the per-subscriber channel capacity. Defaults
	// to 16.
	SubscriberBuffer int
}

// Dispatcher fans series snapshots out to all subscribers.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[int64]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	publishCh        chan []model.Candle
	started          atomic.Bool
	nextID           atomic.Int64
}

// NewDispatcher creates a dispatcher with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		publishCh:        make(chan []model.Candle, 64),
	}
}

// Start launches the dispatch goroutine. It runs until the context is
// cancelled, at which point all subscriber channels are closed.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-d.subscriptionCh:
				d.subscribers[sub.id] = sub
			case sub := <-d.unsubscriptionCh:
				if _, ok := d.subscribers[sub.id]; ok {
					delete(d.subscribers, sub.id)
					close(sub.ch)
				}
			case snap := <-d.publishCh:
				d.dispatch(snap)
			}
		}
	}()
	return nil
}

// Subscribe registers a new snapshot consumer.
func (d *Dispatcher) Subscribe() (*Subscriber, error) {
	if !d.started.Load() {
		return nil, errors.New("dispatcher not started")
	}

	sub := &Subscriber{
		id: d.nextID.Add(1),
		ch: make(chan []model.Candle, d.cfg.SubscriberBuffer),
	}

	select {
	case d.subscriptionCh <- sub:
		return sub, nil
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}
}

// Unsubscribe removes a consumer and closes its channel.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

// Publish hands a snapshot to the dispatch goroutine without blocking the
// caller; if the dispatch queue is full the oldest queued snapshot is
// dropped in favor of the new one.
func (d *Dispatcher) Publish(snap []model.Candle) {
	select {
	case d.publishCh <- snap:
		return
	default:
	}
	select {
	case <-d.publishCh:
	default:
	}
	select {
	case d.publishCh <- snap:
	default:
	}
}

// dispatch delivers a snapshot to every subscriber. Only called from the
// dispatch goroutine.
func (d *Dispatcher) dispatch(snap []model.Candle) {
	for _, sub := range d.subscribers {
		select {
		case sub.ch <- snap:
		default:
			// Slow consumer: replace its oldest buffered snapshot.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}
