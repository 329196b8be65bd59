// Package bus is the process-wide publish/subscribe hub. Producers
// (network, media, proximity) publish; consumers subscribe by topic.
// Delivery is synchronous and in subscription order.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topic names every event flowing through the system. Typed constants
// instead of ad-hoc strings so producers and consumers can't drift.
type Topic string

const (
	TopicSessionConnected    Topic = "session.connected"
	TopicSessionDisconnected Topic = "session.disconnected"

	TopicPresenceState   Topic = "presence.state"
	TopicPresenceJoined  Topic = "presence.joined"
	TopicPresenceUpdated Topic = "presence.updated"
	TopicPresenceLeft    Topic = "presence.left"

	TopicChatMessage Topic = "chat.message"

	TopicZoneJoined Topic = "zone.joined"
	TopicZoneLeft   Topic = "zone.left"

	TopicProximityNearby  Topic = "proximity.nearby"
	TopicProximityVolumes Topic = "proximity.volumes"

	TopicCallRequested  Topic = "call.requested"
	TopicCallEnded      Topic = "call.ended"
	TopicCallOffer      Topic = "call.offer"
	TopicCallAnswer     Topic = "call.answer"
	TopicCallCandidate  Topic = "call.candidate"
	TopicMediaConnected Topic = "media.connected"
	TopicMediaClosed    Topic = "media.closed"
	TopicScreenShare    Topic = "media.screen_share"

	TopicError Topic = "error"
)

type Handler func(payload any)

type subscriber struct {
	id int
	fn Handler
}

// Bus delivers each published payload to all current subscribers of
// the topic, synchronously, in subscription order. No queuing: with
// no subscribers the event is dropped.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscriber)}
}

// Subscribe registers a handler and returns its unsubscribe handle.
// Keeping the handle is the caller's responsibility; dropping it leaks
// the handler across reconnects.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, s := range subs {
			if s.id == id {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Publish invokes every handler registered for topic. A panicking
// handler is recovered and logged; remaining subscribers still run.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		invoke(topic, s, payload)
	}
}

func invoke(topic Topic, s subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "bus").Str("topic", string(topic)).Any("panic", r).Msg("subscriber panicked")
		}
	}()
	s.fn(payload)
}
