package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/utils"
)

// testFeedServer is a minimal feed endpoint for driving the connection
// state machine: per-connection behavior is selected by the handler.
type testFeedServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	connections atomic.Int64
	pings       atomic.Int64
	handler     func(n int64, conn *websocket.Conn)
	reject      atomic.Bool
}

func newTestFeedServer(handler func(n int64, conn *websocket.Conn)) *testFeedServer {
	ts := &testFeedServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handler: handler,
	}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handle))
	return ts
}

func (ts *testFeedServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.reject.Load() {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := ts.connections.Add(1)
	conn.SetPingHandler(func(appData string) error {
		ts.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	ts.handler(n, conn)
}

func (ts *testFeedServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *testFeedServer) Close() { ts.server.Close() }

// readFrames keeps the server-side read pump alive so control frames are
// processed.
func readFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// testConfig returns a fast-failing config pointed at the test server.
func testConfig(url string) Config {
	return Config{
		URL:         url,
		Symbol:      "BTC/USDT",
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
		MaxAttempts: 3,
		PingPeriod:  50 * time.Millisecond,
		DialTimeout: time.Second,
	}
}

// collectEvents reads events until the channel closes or the timeout
// elapses.
func collectEvents(t *testing.T, c *Connection, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

// Test_Open_RejectsMalformedSymbols verifies validation happens before
// any transport dial and no reconnect loop is started.
func Test_Open_RejectsMalformedSymbols(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) { readFrames(conn) })
	defer ts.Close()

	for _, symbol := range []string{"", "AB", "USDT:USDT", "USDT/USDT", "BTC/USDT:BTC/USDT"} {
		cfg := testConfig(ts.URL())
		cfg.Symbol = symbol
		_, err := Open(context.Background(), cfg)
		assert.ErrorIs(t, err, utils.ErrInvalidSymbol, "symbol %q must fail fast", symbol)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ts.connections.Load(), "no dial may happen for malformed symbols")
}

func Test_Open_RequiresToken(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:0")
	cfg.TokenSource = func() string { return "" }
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

// Test_Connection_DeliversTicks covers the happy path: transport open
// emits Connected, tick frames become typed events with parsed prices.
func Test_Connection_DeliversTicks(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","price":"50123.45","ts":1700000000000}`))
		readFrames(conn)
	})
	defer ts.Close()

	c, err := Open(context.Background(), testConfig(ts.URL()))
	require.NoError(t, err)
	defer c.Close()

	events := collectEvents(t, c, 500*time.Millisecond)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventConnected, events[0].Type)
	assert.Equal(t, EventTick, events[1].Type)
	assert.Equal(t, 50123.45, events[1].Tick.Price)
	assert.Equal(t, int64(1700000000000), events[1].Tick.Time)

	state := c.State()
	assert.Equal(t, model.StatusConnected, state.Status)
	assert.Zero(t, state.Attempt, "attempt counter resets on connect")
}

// Test_Connection_DropsMalformedTickFrames never surfaces unparseable
// tick frames as events.
func Test_Connection_DropsMalformedTickFrames(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","price":"garbage","ts":1700000000000}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","price":"1.5"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","price":"42.0","ts":1700000001000}`))
		readFrames(conn)
	})
	defer ts.Close()

	c, err := Open(context.Background(), testConfig(ts.URL()))
	require.NoError(t, err)
	defer c.Close()

	var ticks []Event
	for _, ev := range collectEvents(t, c, 500*time.Millisecond) {
		if ev.Type == EventTick {
			ticks = append(ticks, ev)
		}
	}
	require.Len(t, ticks, 1, "only the well-formed tick may surface")
	assert.Equal(t, 42.0, ticks[0].Tick.Price)
}

// Test_Connection_PolicyCloseIsTerminal covers a 1008 close: no
// reconnect is scheduled and the disconnect is surfaced as terminal.
func Test_Connection_PolicyCloseIsTerminal(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "policy violation"),
			time.Now().Add(time.Second),
		)
		readFrames(conn)
		_ = conn.Close()
	})
	defer ts.Close()

	c, err := Open(context.Background(), testConfig(ts.URL()))
	require.NoError(t, err)
	defer c.Close()

	events := collectEvents(t, c, time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDisconnected, last.Type)
	assert.True(t, last.Terminal, "policy close must not be retried")
	assert.Equal(t, websocket.ClosePolicyViolation, last.Code)
	assert.Equal(t, "policy violation", last.Reason)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), ts.connections.Load(), "no reconnect after a terminal close")
}

// Test_Connection_ReconnectsAfterDrop verifies an abnormal drop triggers
// a backoff reconnect and the attempt counter resets once reconnected.
func Test_Connection_ReconnectsAfterDrop(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.Close() // abrupt drop, no close frame
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","price":"99.0","ts":1700000000000}`))
		readFrames(conn)
	})
	defer ts.Close()

	c, err := Open(context.Background(), testConfig(ts.URL()))
	require.NoError(t, err)
	defer c.Close()

	events := collectEvents(t, c, time.Second)

	var connects, drops, ticks int
	for _, ev := range events {
		switch ev.Type {
		case EventConnected:
			connects++
		case EventDisconnected:
			drops++
			assert.False(t, ev.Terminal, "an abnormal drop is transient")
		case EventTick:
			ticks++
		}
	}
	assert.GreaterOrEqual(t, connects, 2, "must reconnect after the drop")
	assert.GreaterOrEqual(t, drops, 1)
	assert.GreaterOrEqual(t, ticks, 1, "ticks flow again after reconnecting")
	assert.Zero(t, c.State().Attempt, "attempt counter resets after reconnect")
}

// Test_Connection_GivesUpAfterMaxAttempts surfaces a terminal
// Disconnected once the attempt ceiling is exceeded.
func Test_Connection_GivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) { readFrames(conn) })
	ts.reject.Store(true)
	defer ts.Close()

	cfg := testConfig(ts.URL())
	cfg.MaxAttempts = 2
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	events := collectEvents(t, c, time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDisconnected, last.Type)
	assert.True(t, last.Terminal)
	assert.Contains(t, last.Reason, "gave up")

	state := c.State()
	assert.Equal(t, model.StatusDisconnected, state.Status)
	assert.Equal(t, 2, state.Attempt)
	assert.NotEmpty(t, state.LastError)
}

// Test_Connection_CallerCloseStopsReconnects: a caller-initiated close
// sets do-not-reconnect before touching the transport, so no further
// dial happens even while a reconnect is pending.
func Test_Connection_CallerCloseStopsReconnects(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) {
		_ = conn.Close()
	})
	defer ts.Close()

	cfg := testConfig(ts.URL())
	cfg.BackoffBase = 200 * time.Millisecond
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	// Let the first connection drop, then close during backoff.
	time.Sleep(50 * time.Millisecond)
	dialed := ts.connections.Load()
	c.Close()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, dialed, ts.connections.Load(), "close during backoff must cancel the reconnect")

	for range c.Events() {
		// drain until closed
	}
	assert.Equal(t, model.StatusDisconnected, c.State().Status)
}

// Test_Connection_SendsKeepalive verifies the periodic probe reaches the
// server.
func Test_Connection_SendsKeepalive(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) { readFrames(conn) })
	defer ts.Close()

	cfg := testConfig(ts.URL())
	cfg.PingPeriod = 20 * time.Millisecond
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	time.Sleep(200 * time.Millisecond)
	assert.GreaterOrEqual(t, ts.pings.Load(), int64(2), "keepalive probes must be sent on the interval")
}

// Test_Connection_ProtocolErrorFrames surface as events without ending
// the stream.
func Test_Connection_ProtocolErrorFrames(t *testing.T) {
	ts := newTestFeedServer(func(n int64, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"subscription limit reached"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","price":"10.0","ts":1700000000000}`))
		readFrames(conn)
	})
	defer ts.Close()

	c, err := Open(context.Background(), testConfig(ts.URL()))
	require.NoError(t, err)
	defer c.Close()

	events := collectEvents(t, c, 500*time.Millisecond)
	var sawError, sawTick bool
	for _, ev := range events {
		if ev.Type == EventProtocolError {
			sawError = true
			assert.Equal(t, "subscription limit reached", ev.Message)
		}
		if ev.Type == EventTick {
			sawTick = true
		}
	}
	assert.True(t, sawError)
	assert.True(t, sawTick, "the stream keeps flowing after a protocol error frame")
}

// Test_BackoffDelay checks delay = min(base*2^(n-1), cap).
func Test_BackoffDelay(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
		{63, 30 * time.Second}, // shift overflow guarded
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, backoffDelay(base, cap, tt.attempt), "attempt %d", tt.attempt)
	}
}
