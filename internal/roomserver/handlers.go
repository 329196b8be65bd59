package roomserver

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/domain"
)

// presenceWire mirrors the presence record shape the client expects.
type presenceWire struct {
	UserID      domain.UserID     `json:"user_id"`
	DisplayName string            `json:"display_name"`
	X           *float64          `json:"x,omitempty"`
	Y           *float64          `json:"y,omitempty"`
	Status      domain.Status     `json:"status"`
	Zone        domain.ZoneID     `json:"zone,omitempty"`
	Flags       domain.MediaFlags `json:"flags"`
}

func wireFromRecord(rec *domain.PresenceRecord) presenceWire {
	w := presenceWire{
		UserID:      rec.UserID,
		DisplayName: rec.DisplayName,
		Status:      rec.Status,
		Zone:        rec.Zone,
		Flags:       rec.Flags,
	}
	if rec.Position != nil {
		x, y := rec.Position.X, rec.Position.Y
		w.X, w.Y = &x, &y
	}
	return w
}

func presenceJoinedMsg(rec *domain.PresenceRecord) map[string]any {
	w := wireFromRecord(rec)
	msg := map[string]any{
		"type":         "presence_joined",
		"user_id":      w.UserID,
		"display_name": w.DisplayName,
		"status":       w.Status,
		"flags":        w.Flags,
	}
	if w.X != nil {
		msg["x"], msg["y"] = *w.X, *w.Y
	}
	if w.Zone != "" {
		msg["zone"] = w.Zone
	}
	return msg
}

func (h *Hub) handleMessage(uid domain.UserID, c *wsConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "roomserver").Msg("bad json")
		return
	}

	switch env.Type {
	case "update_player":
		h.handleUpdatePlayer(uid, data)
	case "join_office":
		h.handleJoinOffice(uid, data)
	case "leave_office":
		h.handleLeaveOffice(uid, data)
	case "send_global_message":
		h.handleChat(uid, c, data, domain.ChatScopeGlobal)
	case "send_office_message":
		h.handleChat(uid, c, data, domain.ChatScopeZone)
	case "connect_to_video_call":
		h.relayCall(uid, data, "call_request")
	case "end_video_call":
		h.relayCall(uid, data, "call_ended")
	case "offer", "answer", "candidate":
		h.relaySignal(uid, env.Type, data)
	case "screen_share":
		h.handleScreenShare(uid, data)
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		log.Warn().Str("module", "roomserver").Str("type", env.Type).Msg("unknown message")
	}
}

func (h *Hub) handleUpdatePlayer(uid domain.UserID, data []byte) {
	var p struct {
		X        float64        `json:"x"`
		Y        float64        `json:"y"`
		Anim     string         `json:"anim"`
		Status   *domain.Status `json:"status"`
		MicOn    *bool          `json:"mic_on"`
		CameraOn *bool          `json:"camera_on"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "roomserver").Msg("bad update_player payload")
		return
	}

	m, ok := h.getMember(uid)
	if !ok {
		return
	}
	h.mu.Lock()
	m.record.Position = &domain.Position{X: p.X, Y: p.Y}
	if p.Status != nil {
		m.record.Status = *p.Status
	}
	if p.MicOn != nil {
		m.record.Flags.MicOn = *p.MicOn
	}
	if p.CameraOn != nil {
		m.record.Flags.CameraOn = *p.CameraOn
	}
	m.record.LastSeen = time.Now()
	h.mu.Unlock()

	out := map[string]any{
		"type":    "presence_updated",
		"user_id": uid,
		"x":       p.X,
		"y":       p.Y,
	}
	if p.Status != nil {
		out["status"] = *p.Status
	}
	if p.MicOn != nil {
		out["mic_on"] = *p.MicOn
	}
	if p.CameraOn != nil {
		out["camera_on"] = *p.CameraOn
	}
	h.broadcastExcept(uid, out)
}

func (h *Hub) handleJoinOffice(uid domain.UserID, data []byte) {
	var p struct {
		ZoneID domain.ZoneID `json:"zone_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ZoneID == "" {
		log.Error().Str("module", "roomserver").Msg("bad join_office payload")
		return
	}
	m, ok := h.getMember(uid)
	if !ok {
		return
	}
	h.mu.Lock()
	m.record.Zone = p.ZoneID
	h.mu.Unlock()

	h.broadcastExcept(uid, map[string]any{"type": "zone_joined", "user_id": uid, "zone_id": p.ZoneID})
	h.broadcastExcept(uid, map[string]any{"type": "presence_updated", "user_id": uid, "zone": p.ZoneID})
}

func (h *Hub) handleLeaveOffice(uid domain.UserID, _ []byte) {
	m, ok := h.getMember(uid)
	if !ok {
		return
	}
	h.mu.Lock()
	zone := m.record.Zone
	m.record.Zone = ""
	h.mu.Unlock()
	if zone == "" {
		return
	}

	h.broadcastExcept(uid, map[string]any{"type": "zone_left", "user_id": uid, "zone_id": zone})
	h.broadcastExcept(uid, map[string]any{"type": "presence_updated", "user_id": uid, "zone": ""})
}

func (h *Hub) handleScreenShare(uid domain.UserID, data []byte) {
	var p struct {
		On bool `json:"on"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m, ok := h.getMember(uid)
	if !ok {
		return
	}
	h.mu.Lock()
	m.record.Flags.ScreenSharing = p.On
	h.mu.Unlock()

	h.broadcastExcept(uid, map[string]any{"type": "screen_share", "user_id": uid, "on": p.On})
}

func (h *Hub) handleChat(uid domain.UserID, c *wsConn, data []byte, scope domain.ChatScope) {
	if !h.limiter.Allow(uid) {
		h.sendJSON(c, map[string]any{"type": "error", "error": "rate_limited"})
		return
	}
	var p struct {
		Body   string        `json:"body"`
		ZoneID domain.ZoneID `json:"zone_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Body == "" {
		h.sendJSON(c, map[string]any{"type": "error", "error": "bad_payload"})
		return
	}

	type chatMsg struct {
		Type string `json:"type"`
		domain.ChatMessage
	}

	if scope == domain.ChatScopeZone {
		m, ok := h.getMember(uid)
		if !ok {
			return
		}
		h.mu.RLock()
		zone := m.record.Zone
		h.mu.RUnlock()
		if p.ZoneID != "" {
			zone = p.ZoneID
		}
		if zone == "" {
			h.sendJSON(c, map[string]any{"type": "error", "error": "not_in_zone"})
			return
		}
		msg := chatMsg{Type: "chat", ChatMessage: domain.NewZoneMessage(uid, zone, p.Body)}
		h.broadcastZone(uid, zone, msg)
		// The sender sees its own message echoed back, same as observers.
		h.sendJSON(c, msg)
		return
	}

	msg := chatMsg{Type: "chat", ChatMessage: domain.NewGlobalMessage(uid, p.Body)}
	h.broadcastExcept(uid, msg)
	h.sendJSON(c, msg)
}

// relayCall forwards call intent to its target as the given type.
func (h *Hub) relayCall(uid domain.UserID, data []byte, outType string) {
	var p struct {
		TargetPeerID domain.UserID `json:"target_peer_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TargetPeerID == "" {
		return
	}
	target, ok := h.getMember(p.TargetPeerID)
	if !ok {
		log.Warn().Str("module", "roomserver").Str("target", string(p.TargetPeerID)).Msg("call relay: unknown target")
		return
	}
	h.sendJSON(target.conn, map[string]any{"type": outType, "from_peer_id": uid})
}

// relaySignal forwards negotiation frames verbatim, rewriting the
// sender identity so it cannot be spoofed.
func (h *Hub) relaySignal(uid domain.UserID, msgType string, data []byte) {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return
	}
	to, _ := flat["to"].(string)
	if to == "" {
		return
	}
	target, ok := h.getMember(domain.UserID(to))
	if !ok {
		log.Warn().Str("module", "roomserver").Str("target", to).Str("signal", msgType).Msg("signal relay: unknown target")
		return
	}
	flat["from_peer_id"] = string(uid)
	delete(flat, "to")
	h.sendJSON(target.conn, flat)
}
