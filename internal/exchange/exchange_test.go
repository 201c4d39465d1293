package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackoffNext(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 5*time.Second, b.Next(1))
	assert.Equal(t, 10*time.Second, b.Next(2))
	assert.Equal(t, 20*time.Second, b.Next(3))
	assert.Equal(t, 40*time.Second, b.Next(4))
	assert.Equal(t, 60*time.Second, b.Next(5))
	assert.Equal(t, 60*time.Second, b.Next(9))
	assert.Equal(t, 5, b.Attempts())

	flat := Backoff{Base: 5 * time.Second, Factor: 1}
	assert.Equal(t, 5*time.Second, flat.Next(4))

	j := Backoff{Base: time.Second, Max: time.Second, Jitter: 0.5}
	for range 20 {
		d := j.Next(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestTokenBucketRejectsOverBudget(t *testing.T) {
	tb := NewTokenBucket("bybit", 10, 0)
	for i := range 10 {
		require.NoError(t, tb.Acquire(context.Background(), "depth"), "request %d", i)
	}
	err := tb.Acquire(context.Background(), "depth")
	require.Error(t, err)

	var ve *domain.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.VenueRateLimited, ve.Kind)
	assert.Equal(t, domain.CodeRateLimited, domain.CodeOf(err))
}

func TestTokenBucketDelaysWithinTimeout(t *testing.T) {
	// 600/min is one token every 100ms.
	tb := NewTokenBucket("binance", 600, time.Second)
	for range 600 {
		require.NoError(t, tb.Acquire(context.Background(), "depth"))
	}
	start := time.Now()
	require.NoError(t, tb.Acquire(context.Background(), "depth"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTokenBucketDisabled(t *testing.T) {
	tb := NewTokenBucket("x", 0, 0)
	for range 1000 {
		require.NoError(t, tb.Acquire(context.Background(), "op"))
	}
	assert.Equal(t, -1, tb.Available())
}

func TestHTTPStatusError(t *testing.T) {
	assert.NoError(t, HTTPStatusError("bybit", "op", 200, ""))
	assert.Equal(t, domain.CodeRateLimited, domain.CodeOf(HTTPStatusError("bybit", "op", 429, "slow down")))
	assert.Equal(t, domain.CodeConfig, domain.CodeOf(HTTPStatusError("bybit", "op", 401, "bad key")))
	assert.Equal(t, domain.CodeExchangeUnavailable, domain.CodeOf(HTTPStatusError("bybit", "op", 503, "")))
	assert.Equal(t, domain.CodeUpstream, domain.CodeOf(HTTPStatusError("bybit", "op", 400, "bad qty")))

	var ve *domain.VenueError
	require.ErrorAs(t, TransportError("bybit", "op", context.DeadlineExceeded), &ve)
	assert.Equal(t, domain.VenueTimeout, ve.Kind)
	assert.ErrorIs(t, TransportError("bybit", "op", context.Canceled), context.Canceled)
}

// echoProto records every inbound frame and subscribe call.
type echoProto struct {
	mu       sync.Mutex
	subs     [][]string
	received []string
}

func (p *echoProto) SubscribeFrames(topics []string) ([][]byte, error) {
	p.mu.Lock()
	p.subs = append(p.subs, append([]string(nil), topics...))
	p.mu.Unlock()
	return [][]byte{[]byte("sub:" + strings.Join(topics, ","))}, nil
}

func (p *echoProto) PingFrame() []byte { return nil }

func (p *echoProto) Handle(msg []byte) {
	p.mu.Lock()
	p.received = append(p.received, string(msg))
	p.mu.Unlock()
}

func (p *echoProto) subCalls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.subs...)
}

// flakyServer accepts WebSocket upgrades while accept is set and records
// every dial attempt.
type flakyServer struct {
	srv    *httptest.Server
	accept atomic.Bool
	dials  atomic.Int32
	mu     sync.Mutex
	conns  []*websocket.Conn
}

func newFlakyServer(t *testing.T) *flakyServer {
	fs := &flakyServer{}
	fs.accept.Store(true)
	up := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)
		if !fs.accept.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, c)
		fs.mu.Unlock()
		for {
			if _, msg, err := c.ReadMessage(); err != nil {
				return
			} else if err := c.WriteMessage(websocket.TextMessage, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *flakyServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *flakyServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.conns = nil
}

func TestStreamSubscribeDedupAndResubscribe(t *testing.T) {
	fs := newFlakyServer(t)
	proto := &echoProto{}
	tracker := NewConnTracker("bybit", true, 0)
	s := NewStream(StreamConfig{
		Venue:   "bybit",
		URL:     fs.url(),
		Backoff: Backoff{Base: 5 * time.Millisecond, Factor: 1, MaxAttempts: 5},
	}, proto, tracker, testLogger())
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()), "connect is idempotent")
	assert.True(t, tracker.Snapshot().Connected)

	require.NoError(t, s.Subscribe([]string{"a", "b"}))
	require.NoError(t, s.Subscribe([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, s.Topics())
	assert.Len(t, proto.subCalls(), 1)

	fs.dropAll()
	require.Eventually(t, func() bool {
		calls := proto.subCalls()
		return len(calls) == 2 && tracker.State() == domain.ConnConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, proto.subCalls()[1])
}

func TestStreamParksAfterMaxAttemptsAndResets(t *testing.T) {
	fs := newFlakyServer(t)
	tracker := NewConnTracker("binance", true, 0)
	s := NewStream(StreamConfig{
		Venue:   "binance",
		URL:     fs.url(),
		Backoff: Backoff{Base: 5 * time.Millisecond, Factor: 1, MaxAttempts: 5},
	}, &echoProto{}, tracker, testLogger())
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	require.EqualValues(t, 1, fs.dials.Load())

	fs.accept.Store(false)
	fs.dropAll()

	require.Eventually(t, func() bool {
		return tracker.State() == domain.ConnDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	snap := tracker.Snapshot()
	assert.False(t, snap.Connected)
	assert.Equal(t, 5, snap.ReconnectAttempts)
	assert.EqualValues(t, 6, fs.dials.Load(), "initial dial plus five retries")

	// No further retries while parked.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 6, fs.dials.Load())

	var ve *domain.VenueError
	require.ErrorAs(t, s.Connect(context.Background()), &ve)
	assert.Equal(t, domain.VenueDisconnected, ve.Kind)

	fs.accept.Store(true)
	require.True(t, s.Reset())
	require.Eventually(t, func() bool {
		return tracker.State() == domain.ConnConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Reset(), "reset is a no-op while connected")
}

func TestStreamHeartbeatTimeoutForcesReconnect(t *testing.T) {
	// A server that never answers pings: the read deadline lapses and the
	// stream redials.
	var dials atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	s := NewStream(StreamConfig{
		Venue:       "bybit",
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Backoff:     Backoff{Base: time.Millisecond, Factor: 1, MaxAttempts: 5},
		Heartbeat:   20 * time.Millisecond,
		PongTimeout: 20 * time.Millisecond,
	}, &echoProto{}, NewConnTracker("bybit", true, 0), testLogger())
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("nope", Settings{}, nil, testLogger())
	assert.ErrorAs(t, err, new(*domain.ConfigError))

	r.RegisterFactory("fake", func(s Settings, sink BookSink, logger *slog.Logger) (Adapter, error) {
		return nil, errors.New("boom")
	})
	_, err = r.Build("fake", Settings{}, nil, testLogger())
	assert.Error(t, err)

	_, err = r.Get("fake")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, r.All())
}

func TestPublicOnlyError(t *testing.T) {
	err := PublicOnlyError("bybit", "place order")
	assert.Equal(t, domain.CodeConfig, domain.CodeOf(err))
	assert.True(t, Credentials{APIKey: "k"}.Public())
}
