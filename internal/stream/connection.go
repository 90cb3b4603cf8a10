// Package stream maintains a resilient streaming connection to the price
// feed.
//
// A Connection owns one logical subscription (symbol + channel) and
// drives the state machine
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//
// with exponential-backoff reconnects, a keepalive probe and a typed
// event sequence (Connected, Tick, ProtocolError, Disconnected) delivered
// on a channel. Transport I/O runs on the connection's own goroutines and
// only enqueues events; it never touches aggregation state directly.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/utils"
)

const (
	// defaultDialTimeout bounds connection establishment; exceeding it
	// counts as a failed attempt.
	defaultDialTimeout = 5 * time.Second

	// defaultPingPeriod is the keepalive probe interval.
	defaultPingPeriod = 30 * time.Second

	// defaultSendTimeout bounds keepalive writes.
	defaultSendTimeout = 5 * time.Second

	// defaultBackoffBase and defaultBackoffCap parameterize the
	// reconnect delay min(base*2^(attempt-1), cap).
	defaultBackoffBase = time.Second
	defaultBackoffCap  = time.Minute

	// defaultMaxAttempts is the reconnect attempt ceiling; exceeding it
	// surfaces a terminal Disconnected event.
	defaultMaxAttempts = 8

	// defaultReadLimit is the maximum incoming frame size.
	defaultReadLimit = 1 << 20 // 1MB

	// eventBuffer is the capacity of the event channel.
	eventBuffer = 256
)

// Application close codes the feed uses for policy rejections.
const (
	closeCodeUnauthorized    = 4001
	closeCodeInvalidResource = 4004
)

// Common errors returned by Open.
var (
	// ErrNotAuthenticated indicates the token supplier returned no
	// token. No transport attempt is made.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// EventType tags the events emitted by a Connection.
type EventType int

const (
	// EventConnected is emitted after each successful transport open.
	EventConnected EventType = iota

	// EventTick carries one live price update.
	EventTick

	// EventProtocolError carries an error frame pushed by the feed.
	EventProtocolError

	// EventDisconnected is emitted when the transport closes. Terminal
	// disconnects carry Terminal=true and end the event sequence.
	EventDisconnected

	// EventVenues carries a full venue-list snapshot payload from the
	// cross-venue comparison feed.
	EventVenues
)

// Event is one tagged occurrence in a connection's event sequence.
type Event struct {
	Type     EventType
	Tick     model.Tick // set for EventTick
	Message  string     // set for EventProtocolError
	Code     int        // close code, set for EventDisconnected
	Reason   string     // close reason, set for EventDisconnected
	Terminal bool       // set when no reconnect will follow
	Payload  []byte     // raw venue-list payload, set for EventVenues
}

// TokenSource supplies the current bearer token, or empty when the user
// is not authenticated.
type TokenSource func() string

// Config defines settings for a Connection.
type Config struct {
	// URL is the feed endpoint; symbol and token are appended as query
	// parameters. Required.
	URL string

	// Symbol is the subscription key. Validated before any dial.
	Symbol string

	// TokenSource supplies the auth token. Nil for public feeds (the
	// venue comparison stream takes no account token).
	TokenSource TokenSource

	// DialTimeout bounds connection establishment. Defaults to 5s.
	DialTimeout time.Duration

	// PingPeriod is the keepalive probe interval. Defaults to 30s.
	PingPeriod time.Duration

	// BackoffBase and BackoffCap parameterize the reconnect delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts is the reconnect ceiling. Defaults to 8.
	MaxAttempts int
}

// Connection manages one streaming subscription end to end: dialing,
// keepalive, reconnect backoff and event delivery.
type Connection struct {
	cfg    Config
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conn  *websocket.Conn
	state model.ConnectionState

	noReconnect atomic.Bool
	once        sync.Once
	wg          sync.WaitGroup

	validate *validator.Validate
}

// frame is the feed's wire message envelope.
type frame struct {
	Type    string          `json:"type" validate:"required"`
	Price   string          `json:"price,omitempty"`
	Time    int64           `json:"ts,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Open validates the subscription key and starts the connection loop.
//
// Malformed symbols fail fast with a validation error before any
// transport dial, and no reconnect loop is started for them. A missing
// auth token short-circuits the same way with ErrNotAuthenticated.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if err := utils.ValidateSymbol(cfg.Symbol); err != nil {
		return nil, err
	}
	if cfg.TokenSource != nil && cfg.TokenSource() == "" {
		return nil, ErrNotAuthenticated
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		cfg:      cfg,
		events:   make(chan Event, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		validate: validator.New(),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()

	return c, nil
}

// Events returns the connection's event sequence. The channel is closed
// after a terminal Disconnected event or caller Close.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns a snapshot of the connection state machine.
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close shuts the connection down and disables reconnection. The
// do-not-reconnect flag is set before the transport is closed, so a close
// racing an in-flight reconnect timer is a no-op.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.noReconnect.Store(true)
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("symbol", c.cfg.Symbol).Msg("timeout waiting for connection goroutines")
		}
	})
}

// run drives the connect/reconnect loop until a terminal condition.
func (c *Connection) run() {
	defer close(c.events)

	logger := log.With().
		Str("symbol", c.cfg.Symbol).
		Str("component", "stream").
		Logger()

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			c.setState(model.StatusDisconnected, attempt, "")
			return
		}

		c.setState(model.StatusConnecting, attempt, "")
		conn, err := c.dial()
		if err != nil {
			attempt++
			c.setState(model.StatusDisconnected, attempt, err.Error())
			if attempt >= c.cfg.MaxAttempts {
				logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on reconnection")
				c.emit(Event{
					Type:     EventDisconnected,
					Reason:   fmt.Sprintf("gave up after %d attempts: %v", attempt, err),
					Terminal: true,
				})
				return
			}
			delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
			logger.Warn().Err(err).Int("attempt", attempt).Dur("retryIn", delay).Msg("dial failed")
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				c.setState(model.StatusDisconnected, attempt, "")
				return
			}
			continue
		}

		c.setConn(conn)
		attempt = 0
		c.setState(model.StatusConnected, 0, "")
		c.emit(Event{Type: EventConnected})
		logger.Info().Msg("stream connected")

		code, reason := c.serve(conn)
		c.setConn(nil)
		_ = conn.Close()

		if c.noReconnect.Load() || c.ctx.Err() != nil {
			c.setState(model.StatusDisconnected, 0, "")
			c.emit(Event{Type: EventDisconnected, Code: code, Reason: reason, Terminal: true})
			return
		}

		if terminalCloseCode(code) {
			logger.Error().Int("code", code).Str("reason", reason).Msg("terminal close from feed")
			c.setState(model.StatusDisconnected, 0, reason)
			c.emit(Event{Type: EventDisconnected, Code: code, Reason: reason, Terminal: true})
			return
		}

		logger.Warn().Int("code", code).Str("reason", reason).Msg("stream dropped, reconnecting")
		c.setState(model.StatusDisconnected, attempt, reason)
		c.emit(Event{Type: EventDisconnected, Code: code, Reason: reason})

		attempt++
		delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			c.setState(model.StatusDisconnected, attempt, "")
			return
		}
	}
}

// dial establishes the transport within the configured timeout.
func (c *Connection) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.DialTimeout,
	}

	conn, resp, err := dialer.DialContext(c.ctx, c.dialURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

// dialURL builds the feed address for this subscription.
func (c *Connection) dialURL() string {
	query := url.Values{}
	query.Set("symbol", c.cfg.Symbol)
	if c.cfg.TokenSource != nil {
		query.Set("token", c.cfg.TokenSource())
	}
	return c.cfg.URL + "?" + query.Encode()
}

// serve reads frames until the transport fails, running the keepalive
// probe alongside. It returns the close code and reason.
func (c *Connection) serve(conn *websocket.Conn) (int, string) {
	stop := make(chan struct{})
	defer close(stop)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(conn, stop)
	}()

	conn.SetReadLimit(defaultReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingPeriod))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingPeriod))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return closeInfo(err)
		}
		c.handleFrame(data)
	}
}

// pingLoop sends the periodic keepalive probe. A failed send is treated
// as connection loss: the transport is closed and the read loop unblocks.
func (c *Connection) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(defaultSendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("symbol", c.cfg.Symbol).Msg("keepalive failed, dropping connection")
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// handleFrame decodes one feed message and emits the matching event.
// Malformed tick frames are logged and dropped, never emitted.
func (c *Connection) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Msg("invalid frame JSON")
		return
	}
	if err := c.validate.Struct(&f); err != nil {
		log.Warn().Err(err).Msg("frame validation failed")
		return
	}

	switch f.Type {
	case "tick":
		price, err := decimal.NewFromString(f.Price)
		if err != nil || f.Time <= 0 {
			log.Warn().Str("price", f.Price).Int64("ts", f.Time).Msg("dropping malformed tick frame")
			return
		}
		c.emit(Event{Type: EventTick, Tick: model.Tick{Price: price.InexactFloat64(), Time: f.Time}})
	case "error":
		c.emit(Event{Type: EventProtocolError, Message: f.Message})
	case "venues":
		c.emit(Event{Type: EventVenues, Payload: f.Data})
	case "connected", "pong":
		// Informational; the transport-open transition already emitted.
	default:
		log.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
	}
}

// emit delivers an event to the consumer. Ticks are dropped oldest-first
// when the consumer lags; control events block until delivered or the
// connection is torn down.
func (c *Connection) emit(ev Event) {
	if ev.Type == EventTick || ev.Type == EventVenues {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
		return
	}

	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Connection) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connection) setState(status model.ConnectionStatus, attempt int, lastError string) {
	c.mu.Lock()
	c.state = model.ConnectionState{Status: status, Attempt: attempt, LastError: lastError}
	c.mu.Unlock()
}

// backoffDelay computes min(base*2^(attempt-1), cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// terminalCloseCode reports whether a close code is a policy rejection
// that must never be retried.
func terminalCloseCode(code int) bool {
	switch code {
	case websocket.ClosePolicyViolation, closeCodeUnauthorized, closeCodeInvalidResource:
		return true
	}
	return false
}

// closeInfo extracts the close code and reason from a read error.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
