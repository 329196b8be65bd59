// Package proximity derives the nearby set and per-peer audio gain
// from presence positions on a fixed tick.
package proximity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/presence"
)

// NearbyUpdate is published on bus.TopicProximityNearby whenever the
// nearby set's membership changes.
type NearbyUpdate struct {
	Nearby map[domain.UserID]struct{}
}

// VolumeUpdate is published on bus.TopicProximityVolumes every tick.
// The map is rebuilt whole each tick, never patched, so consumers
// cannot drift.
type VolumeUpdate struct {
	VolumeByUser map[domain.UserID]float64
}

// Engine recomputes proximity state from the presence store on a
// ticker. It owns only derived, ephemeral state.
type Engine struct {
	cfg    config.ProximityConfig
	selfID domain.UserID
	store  *presence.Store
	events *bus.Bus

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// tickMu serializes Tick: the loop and forced recomputes never
	// run concurrently.
	tickMu     sync.Mutex
	lastNearby map[domain.UserID]struct{}
}

func NewEngine(cfg config.ProximityConfig, selfID domain.UserID, store *presence.Store, events *bus.Bus) *Engine {
	return &Engine{
		cfg:        cfg,
		selfID:     selfID,
		store:      store,
		events:     events,
		lastNearby: make(map[domain.UserID]struct{}),
	}
}

// Volume maps distance to gain in [0,1]. Pure: full volume inside the
// near radius, silent beyond the max audio distance, linear between.
func (e *Engine) Volume(distance float64) float64 {
	switch {
	case distance <= e.cfg.NearRadius:
		return 1.0
	case distance >= e.cfg.MaxAudioDistance:
		return 0.0
	default:
		v := 1.0 - (distance-e.cfg.NearRadius)/(e.cfg.MaxAudioDistance-e.cfg.NearRadius)
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
}

// Start launches the tick loop. Calling Start on a running engine is
// a no-op: there is never more than one loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	log.Info().Str("module", "proximity").Dur("tick", e.cfg.TickInterval).Msg("engine started")
}

// Stop cancels the loop and waits for the in-flight tick to finish.
// No further ticks fire after Stop returns. Stopping a stopped engine
// is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("module", "proximity").Msg("engine stopped")
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick recomputes the nearby set and volume map from whatever the
// presence store holds right now. Exported so the coordinator can
// force a recompute after presence removal.
func (e *Engine) Tick() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	self, ok := e.store.Get(e.selfID)
	if !ok || self.Position == nil {
		// Without a self position nobody is nearby. Consumers must
		// see the set empty, not the last computed one.
		e.events.Publish(bus.TopicProximityVolumes, VolumeUpdate{VolumeByUser: map[domain.UserID]float64{}})
		if len(e.lastNearby) != 0 {
			e.lastNearby = make(map[domain.UserID]struct{})
			e.events.Publish(bus.TopicProximityNearby, NearbyUpdate{Nearby: e.lastNearby})
			log.Debug().Str("module", "proximity").Msg("self position unknown, nearby set cleared")
		}
		return
	}

	nearby := make(map[domain.UserID]struct{})
	volumes := make(map[domain.UserID]float64)
	for _, rec := range e.store.All() {
		if rec.UserID == e.selfID {
			continue
		}
		if rec.Position == nil {
			// No known position means not nearby, not an error.
			continue
		}
		d := self.Position.DistanceTo(*rec.Position)
		if d <= e.cfg.Threshold {
			nearby[rec.UserID] = struct{}{}
		}
		volumes[rec.UserID] = e.Volume(d)
	}

	e.events.Publish(bus.TopicProximityVolumes, VolumeUpdate{VolumeByUser: volumes})

	if !sameSet(nearby, e.lastNearby) {
		e.lastNearby = nearby
		e.events.Publish(bus.TopicProximityNearby, NearbyUpdate{Nearby: nearby})
		log.Debug().Str("module", "proximity").Int("nearby", len(nearby)).Msg("nearby set changed")
	}
}

func sameSet(a, b map[domain.UserID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
