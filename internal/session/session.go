// Package session owns the single authoritative channel to the room
// server. Inbound server messages become bus events one-to-one;
// outbound user actions become wire messages.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
)

const (
	writeWait     = 5 * time.Second
	sendBuffer    = 32
	backoffBase   = time.Second
	backoffCap    = 30 * time.Second
	maxReconnects = 8
)

// Session is the room-server client. Connect is idempotent; Send is
// fire-and-forget and silently no-ops while disconnected.
type Session struct {
	cfg    config.RoomConfig
	events *bus.Bus
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

func New(cfg config.RoomConfig, events *bus.Bus) *Session {
	return &Session{
		cfg:    cfg,
		events: events,
		dialer: websocket.DefaultDialer,
	}
}

// Connect establishes the room channel. A second Connect while one is
// open is a no-op. Dial or auth failure yields ConnectionError.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return &domain.ConnectionError{Endpoint: s.cfg.Endpoint, Err: err}
	}
	s.attach(ctx, conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	return conn, err
}

func (s *Session) attach(ctx context.Context, conn *websocket.Conn) {
	pumpCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conn = conn
	s.send = make(chan []byte, sendBuffer)
	s.cancel = cancel
	s.connected = true
	sendCh := s.send
	s.mu.Unlock()

	go s.writePump(pumpCtx, conn, sendCh)
	go s.readPump(ctx, pumpCtx, conn)

	log.Info().Str("module", "session").Str("endpoint", s.cfg.Endpoint).Msg("connected")
	s.events.Publish(bus.TopicSessionConnected, struct{}{})
}

// Send is fire-and-forget. Position updates are frequent and
// loss-tolerant, so a disconnected or backpressured channel drops the
// message instead of erroring.
func (s *Session) Send(msgType MessageType, payload any) {
	s.mu.Lock()
	connected, sendCh := s.connected, s.send
	s.mu.Unlock()
	if !connected {
		return
	}

	data, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("type", string(msgType)).Msg("encode")
		return
	}
	select {
	case sendCh <- data:
	default:
		log.Warn().Str("module", "session").Str("type", string(msgType)).Msg("send buffer full, dropping")
	}
}

// encode wraps the payload with its type tag. Payload fields are
// flattened next to "type", matching the server's envelope.
func encode(msgType MessageType, payload any) ([]byte, error) {
	flat := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, err
		}
	}
	flat["type"] = string(msgType)
	return json.Marshal(flat)
}

// Disconnect releases the channel. Safe to call repeatedly and from
// any state; no reconnect is attempted afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed && !s.connected {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	wasConnected := s.connected
	s.conn = nil
	s.cancel = nil
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		log.Info().Str("module", "session").Msg("disconnected")
		s.events.Publish(bus.TopicSessionDisconnected, struct{}{})
	}
}

// Connected reports whether the channel is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) writePump(ctx context.Context, conn *websocket.Conn, sendCh chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sendCh:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "session").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "session").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Session) readPump(parent, pumpCtx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-pumpCtx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onReadFailure(parent, err)
			return
		}
		s.dispatch(data)
	}
}

// onReadFailure tears the channel down and, unless Disconnect was
// called, starts the bounded reconnect loop.
func (s *Session) onReadFailure(parent context.Context, err error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	deliberate := s.closed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if deliberate {
		return
	}

	log.Warn().Err(err).Str("module", "session").Msg("room channel lost")
	s.events.Publish(bus.TopicSessionDisconnected, struct{}{})
	go s.reconnect(parent)
}

// reconnect retries with capped exponential backoff. It gives up
// after a bounded number of attempts; the caller can still Connect
// manually later.
func (s *Session) reconnect(ctx context.Context) {
	delay := backoffBase
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		stop := s.closed || s.connected
		s.mu.Unlock()
		if stop {
			return
		}

		log.Info().Int("attempt", attempt).Str("module", "session").Msg("reconnecting")
		conn, err := s.dial(ctx)
		if err == nil {
			s.attach(ctx, conn)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("module", "session").Msg("reconnect failed")

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	log.Error().Str("module", "session").Msg("reconnect attempts exhausted")
}
