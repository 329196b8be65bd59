package session

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/domain"
)

// presenceWire is the full presence record as the server sends it.
type presenceWire struct {
	UserID      domain.UserID     `json:"user_id"`
	DisplayName string            `json:"display_name"`
	X           *float64          `json:"x,omitempty"`
	Y           *float64          `json:"y,omitempty"`
	Status      domain.Status     `json:"status"`
	Zone        domain.ZoneID     `json:"zone,omitempty"`
	Flags       domain.MediaFlags `json:"flags"`
}

func (w presenceWire) record() domain.PresenceRecord {
	rec := domain.PresenceRecord{
		UserID:      w.UserID,
		DisplayName: w.DisplayName,
		Status:      w.Status,
		Zone:        w.Zone,
		Flags:       w.Flags,
		LastSeen:    time.Now(),
	}
	if w.X != nil && w.Y != nil {
		rec.Position = &domain.Position{X: *w.X, Y: *w.Y}
	}
	if rec.Status == "" {
		rec.Status = domain.StatusOnline
	}
	return rec
}

type chatWire struct {
	ID        string           `json:"id"`
	SenderID  domain.UserID    `json:"sender_id"`
	Body      string           `json:"body"`
	Scope     domain.ChatScope `json:"scope"`
	Zone      domain.ZoneID    `json:"zone,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// dispatch maps one inbound server message to exactly one bus event.
func (s *Session) dispatch(data []byte) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad json")
		return
	}

	switch env.Type {
	case MsgPresenceState:
		var p struct {
			Users []presenceWire `json:"users"`
		}
		if !s.decode(data, &p, env.Type) {
			return
		}
		records := make([]domain.PresenceRecord, 0, len(p.Users))
		for _, u := range p.Users {
			records = append(records, u.record())
		}
		s.events.Publish(bus.TopicPresenceState, records)

	case MsgPresenceJoined:
		var p presenceWire
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicPresenceJoined, p.record())

	case MsgPresenceUpdated:
		var p PresenceDelta
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicPresenceUpdated, p)

	case MsgPresenceLeft:
		var p struct {
			UserID domain.UserID `json:"user_id"`
		}
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicPresenceLeft, p.UserID)

	case MsgChat:
		var p chatWire
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicChatMessage, domain.ChatMessage{
			ID:        p.ID,
			SenderID:  p.SenderID,
			Body:      p.Body,
			Scope:     p.Scope,
			Zone:      p.Zone,
			Timestamp: p.Timestamp,
		})

	case MsgZoneJoined:
		var p ZoneEvent
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicZoneJoined, p)

	case MsgZoneLeft:
		var p ZoneEvent
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicZoneLeft, p)

	case MsgCallRequest:
		var p CallSignal
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicCallRequested, p)

	case MsgCallEnded:
		var p CallSignal
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicCallEnded, p)

	case MsgScreenShare:
		var p ScreenShareEvent
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicScreenShare, p)

	case MsgOffer:
		var p SDPSignal
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicCallOffer, p)

	case MsgAnswer:
		var p SDPSignal
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicCallAnswer, p)

	case MsgCandidate:
		var p CandidateSignal
		if !s.decode(data, &p, env.Type) {
			return
		}
		s.events.Publish(bus.TopicCallCandidate, p)

	case MsgPong:

	case MsgError:
		var p struct {
			Error string `json:"error"`
		}
		if !s.decode(data, &p, env.Type) {
			return
		}
		log.Warn().Str("module", "session").Str("error", p.Error).Msg("server error")

	default:
		log.Warn().Str("module", "session").Str("type", string(env.Type)).Msg("unknown message")
	}
}

func (s *Session) decode(data []byte, v any, msgType MessageType) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "session").Str("type", string(msgType)).Msg("bad payload")
		return false
	}
	return true
}
