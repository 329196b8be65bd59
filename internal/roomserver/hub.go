// Package roomserver is the reference room server: it relays
// presence, chat and call signaling between every client in the
// shared space. Clients compute proximity themselves; the server only
// keeps the authoritative member table.
package roomserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type member struct {
	record *domain.PresenceRecord
	conn   *wsConn
	cancel context.CancelFunc
}

// Hub owns the member table. All mutation happens in its handlers.
type Hub struct {
	cfg     config.ServerConfig
	limiter *rateLimiter

	mu      sync.RWMutex
	members map[domain.UserID]*member
}

func NewHub(cfg config.ServerConfig) *Hub {
	limit := cfg.ChatRateLimit
	if limit <= 0 {
		limit = 10
	}
	window := cfg.ChatRateWin
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		limiter: newRateLimiter(limit, window),
		members: make(map[domain.UserID]*member),
	}
}

// HandleRoom upgrades the request and runs the member's pumps.
func (h *Hub) HandleRoom(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	name := c.Query("name")
	if name == "" {
		name = "guest"
	}
	log.Info().Str("module", "roomserver").Str("user", string(uid)).Msg("new connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "roomserver").Msg("ws upgrade")
		return
	}
	if h.cfg.ReadLimit > 0 {
		ws.SetReadLimit(h.cfg.ReadLimit)
	}

	conn := newWSConn(ws)
	rec, err := domain.NewPresenceRecord(uid, name)
	if err != nil {
		rec, _ = domain.NewPresenceRecord(uid, "guest")
	}

	ctx, cancel := context.WithCancel(ctx)
	h.addMember(&member{record: rec, conn: conn, cancel: cancel})

	h.sendState(conn)
	h.broadcastExcept(uid, presenceJoinedMsg(rec))

	go h.writePump(ctx, conn)
	go h.readPump(ctx, uid, conn)
}

func (h *Hub) addMember(m *member) {
	uid := m.record.UserID
	h.mu.Lock()
	if old, ok := h.members[uid]; ok {
		// A reconnect replaces the stale connection.
		old.cancel()
		old.conn.Close()
	}
	h.members[uid] = m
	h.mu.Unlock()
}

func (h *Hub) removeMember(uid domain.UserID) {
	h.mu.Lock()
	m, ok := h.members[uid]
	if ok {
		delete(h.members, uid)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	m.cancel()
	m.conn.Close()
	h.broadcastExcept(uid, map[string]any{"type": "presence_left", "user_id": uid})
	log.Info().Str("module", "roomserver").Str("user", string(uid)).Msg("member left")
}

func (h *Hub) getMember(uid domain.UserID) (*member, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[uid]
	return m, ok
}

// MemberCount reports the current table size.
func (h *Hub) MemberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) sendJSON(conn *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "roomserver").Msg("sendJSON marshal")
		return
	}
	_ = conn.TrySend(data)
}

// broadcastExcept fans v out to every member but the sender.
func (h *Hub) broadcastExcept(from domain.UserID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "roomserver").Msg("broadcast marshal")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uid, m := range h.members {
		if uid == from {
			continue
		}
		if err := m.conn.TrySend(data); err != nil {
			log.Warn().Str("module", "roomserver").Str("user", string(uid)).Msg("dropping slow member frame")
		}
	}
}

// broadcastZone fans v out to zone members only, minus the sender.
func (h *Hub) broadcastZone(from domain.UserID, zone domain.ZoneID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uid, m := range h.members {
		if uid == from || m.record.Zone != zone {
			continue
		}
		_ = m.conn.TrySend(data)
	}
}

// sendState delivers the authoritative presence snapshot to one
// newcomer.
func (h *Hub) sendState(conn *wsConn) {
	h.mu.RLock()
	users := make([]presenceWire, 0, len(h.members))
	for _, m := range h.members {
		users = append(users, wireFromRecord(m.record))
	}
	h.mu.RUnlock()

	h.sendJSON(conn, map[string]any{"type": "presence_state", "users": users})
}

func (h *Hub) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := h.cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "roomserver").Msg("writePump write error")
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, uid domain.UserID, c *wsConn) {
	defer h.removeMember(uid)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "roomserver").Str("user", string(uid)).Msg("readPump closing")
			return
		}
		h.handleMessage(uid, c, data)
	}
}
