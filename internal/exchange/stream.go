package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/xarb/internal/domain"
)

const (
	streamWriteWait      = 10 * time.Second
	streamHandshake      = 15 * time.Second
	defaultHeartbeat     = 30 * time.Second
	defaultPongTimeout   = 10 * time.Second
	reconnectDialTimeout = 15 * time.Second
)

// Protocol adapts a venue's WebSocket dialect to Stream.
type Protocol interface {
	// SubscribeFrames builds the frames that subscribe to topics.
	SubscribeFrames(topics []string) ([][]byte, error)
	// PingFrame returns an application-level ping, or nil to send a
	// WebSocket control ping.
	PingFrame() []byte
	// Handle processes one inbound text frame.
	Handle(msg []byte)
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	Venue       string
	URL         string
	Backoff     Backoff
	Heartbeat   time.Duration
	PongTimeout time.Duration
}

// Stream is a reconnecting WebSocket session. Lost connections are retried
// with capped exponential backoff; once the attempt budget is spent the
// stream parks in the disconnected state until Reset is called.
type Stream struct {
	cfg    StreamConfig
	proto  Protocol
	conn   *ConnTracker
	logger *slog.Logger
	dialer websocket.Dialer

	mu       sync.Mutex
	ws       *websocket.Conn
	connDone chan struct{}
	topics   []string
	topicSet map[string]struct{}
	closed   bool
	retrying bool

	writeMu sync.Mutex
	done    chan struct{}
}

// NewStream creates a stream; nothing is dialled until Connect.
func NewStream(cfg StreamConfig, proto Protocol, tracker *ConnTracker, logger *slog.Logger) *Stream {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	return &Stream{
		cfg:      cfg,
		proto:    proto,
		conn:     tracker,
		logger:   logger.With(slog.String("component", "stream"), slog.String("exchange", cfg.Venue)),
		dialer:   websocket.Dialer{HandshakeTimeout: streamHandshake},
		topicSet: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Connect dials the venue. It is a no-op when already connected and fails
// with a Disconnected VenueError while the stream is parked.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NewVenueError(s.cfg.Venue, "ws connect", domain.VenueDisconnected, errors.New("stream closed"))
	}
	if s.ws != nil {
		s.mu.Unlock()
		return nil
	}
	if s.conn.State() == domain.ConnDisconnected {
		s.mu.Unlock()
		return domain.NewVenueError(s.cfg.Venue, "ws connect", domain.VenueDisconnected, errors.New("reconnect budget exhausted; reset required"))
	}
	s.mu.Unlock()

	s.conn.set(domain.ConnConnecting, -1, nil)
	if err := s.dial(ctx); err != nil {
		s.conn.set(domain.ConnIdle, -1, err)
		return err
	}
	return nil
}

func (s *Stream) dial(ctx context.Context) error {
	ws, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return domain.NewVenueError(s.cfg.Venue, "ws connect", domain.VenueDisconnected, err)
	}

	deadline := s.cfg.Heartbeat + s.cfg.PongTimeout
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return domain.NewVenueError(s.cfg.Venue, "ws connect", domain.VenueDisconnected, errors.New("stream closed"))
	}
	s.ws = ws
	s.retrying = false
	s.connDone = make(chan struct{})
	done := s.connDone
	topics := append([]string(nil), s.topics...)
	s.mu.Unlock()

	s.conn.set(domain.ConnConnected, 0, nil)
	go s.readLoop(ws, done)
	go s.pingLoop(ws, done)

	if len(topics) > 0 {
		if err := s.send(ws, topics); err != nil {
			s.logger.Warn("restore subscriptions failed", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("ws connected", slog.Int("topics", len(topics)))
	return nil
}

// Subscribe adds topics. Topics already present are ignored. When the
// stream is down the topics are remembered and sent on the next connect.
func (s *Stream) Subscribe(topics []string) error {
	s.mu.Lock()
	var fresh []string
	for _, t := range topics {
		if _, ok := s.topicSet[t]; ok {
			continue
		}
		s.topicSet[t] = struct{}{}
		s.topics = append(s.topics, t)
		fresh = append(fresh, t)
	}
	ws := s.ws
	s.mu.Unlock()

	if len(fresh) == 0 || ws == nil {
		return nil
	}
	if err := s.send(ws, fresh); err != nil {
		return domain.NewVenueError(s.cfg.Venue, "ws subscribe", domain.VenueDisconnected, err)
	}
	return nil
}

// Topics returns the tracked subscriptions.
func (s *Stream) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

func (s *Stream) send(ws *websocket.Conn, topics []string) error {
	frames, err := s.proto.SubscribeFrames(topics)
	if err != nil {
		return fmt.Errorf("build subscribe: %w", err)
	}
	for _, f := range frames {
		if err := s.write(ws, websocket.TextMessage, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) write(ws *websocket.Conn, kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return ws.WriteMessage(kind, data)
}

func (s *Stream) readLoop(ws *websocket.Conn, done chan struct{}) {
	deadline := s.cfg.Heartbeat + s.cfg.PongTimeout
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			s.dropConn(ws, done, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(deadline))
		s.proto.Handle(msg)
	}
}

func (s *Stream) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var err error
			if frame := s.proto.PingFrame(); frame != nil {
				err = s.write(ws, websocket.TextMessage, frame)
			} else {
				err = s.write(ws, websocket.PingMessage, nil)
			}
			if err != nil {
				// The read loop notices the broken socket and reconnects.
				ws.Close()
				return
			}
		}
	}
}

// dropConn tears down the current connection and starts the reconnect loop
// unless the stream is closing.
func (s *Stream) dropConn(ws *websocket.Conn, done chan struct{}, cause error) {
	s.mu.Lock()
	if s.ws != ws {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	close(done)
	closed := s.closed
	start := !closed && !s.retrying
	if start {
		s.retrying = true
	}
	s.mu.Unlock()
	ws.Close()

	if closed {
		return
	}
	s.logger.Warn("ws connection lost", slog.String("error", cause.Error()))
	s.conn.set(domain.ConnReconnecting, 0, cause)
	if start {
		go s.reconnect()
	}
}

func (s *Stream) reconnect() {
	stop := func() {
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
	}

	attempts := s.cfg.Backoff.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		timer := time.NewTimer(s.cfg.Backoff.Next(attempt))
		select {
		case <-s.done:
			timer.Stop()
			stop()
			return
		case <-timer.C:
		}

		s.conn.set(domain.ConnReconnecting, attempt, nil)
		ctx, cancel := context.WithTimeout(context.Background(), reconnectDialTimeout)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.conn.RecordError(err)
		s.logger.Warn("ws reconnect failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)
	}

	stop()
	s.conn.set(domain.ConnDisconnected, attempts, lastErr)
	s.logger.Error("ws reconnect budget exhausted; stream parked until reset",
		slog.Int("attempts", attempts),
	)
}

// Reset clears a parked stream and starts a fresh reconnect cycle. It is a
// no-op unless the stream is disconnected.
func (s *Stream) Reset() bool {
	if s.conn.State() != domain.ConnDisconnected {
		return false
	}
	s.mu.Lock()
	if s.closed || s.retrying {
		s.mu.Unlock()
		return false
	}
	s.retrying = true
	s.mu.Unlock()

	s.conn.set(domain.ConnReconnecting, 0, nil)
	s.logger.Info("ws reset requested")
	go s.reconnect()
	return true
}

// Close shuts the stream down for good.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	ws := s.ws
	s.ws = nil
	if s.connDone != nil && ws != nil {
		close(s.connDone)
	}
	s.mu.Unlock()

	s.conn.set(domain.ConnIdle, -1, nil)
	if ws == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return ws.Close()
}
