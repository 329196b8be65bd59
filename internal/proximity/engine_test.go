package proximity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/presence"
)

func testConfig() config.ProximityConfig {
	return config.ProximityConfig{
		Threshold:        150,
		NearRadius:       50,
		MaxAudioDistance: 300,
		TickInterval:     10 * time.Millisecond,
	}
}

func newTestEngine() (*Engine, *presence.Store, *bus.Bus) {
	store := presence.NewStore()
	events := bus.New()
	eng := NewEngine(testConfig(), "self", store, events)
	return eng, store, events
}

func putUser(store *presence.Store, id domain.UserID, x, y float64) {
	store.Upsert(domain.PresenceRecord{
		UserID:      id,
		DisplayName: string(id),
		Position:    &domain.Position{X: x, Y: y},
	})
}

const tolerance = 1e-9

func TestVolumeBoundaries(t *testing.T) {
	eng, _, _ := newTestEngine()

	if v := eng.Volume(50); v != 1.0 {
		t.Fatalf("v(50) = %v, want 1.0", v)
	}
	if v := eng.Volume(300); v != 0.0 {
		t.Fatalf("v(300) = %v, want 0.0", v)
	}
	if v := eng.Volume(175); math.Abs(v-0.5) > tolerance {
		t.Fatalf("v(175) = %v, want 0.5", v)
	}
}

func TestVolumeClamps(t *testing.T) {
	eng, _, _ := newTestEngine()

	if v := eng.Volume(10); v != 1.0 {
		t.Fatalf("v(10) = %v, want 1.0 (clamp, not extrapolate)", v)
	}
	if v := eng.Volume(1000); v != 0.0 {
		t.Fatalf("v(1000) = %v, want 0.0 (clamp, not extrapolate)", v)
	}
}

func TestVolumeMonotonic(t *testing.T) {
	eng, _, _ := newTestEngine()

	prev := eng.Volume(0)
	for d := 1.0; d <= 400; d += 1.0 {
		v := eng.Volume(d)
		if v > prev+tolerance {
			t.Fatalf("volume increased with distance: v(%v)=%v > v(%v)=%v", d, v, d-1, prev)
		}
		prev = v
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := domain.Position{X: 3, Y: 4}
	b := domain.Position{X: -7, Y: 12}
	if a.DistanceTo(b) != b.DistanceTo(a) {
		t.Fatal("distance must be symmetric")
	}
}

func TestTickNearbyAndVolume(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 100, 0)

	var nearby NearbyUpdate
	var volumes VolumeUpdate
	events.Subscribe(bus.TopicProximityNearby, func(p any) { nearby = p.(NearbyUpdate) })
	events.Subscribe(bus.TopicProximityVolumes, func(p any) { volumes = p.(VolumeUpdate) })

	eng.Tick()

	if _, ok := nearby.Nearby["peer"]; !ok {
		t.Fatal("peer at distance 100 should be nearby")
	}
	if v := volumes.VolumeByUser["peer"]; math.Abs(v-0.8) > tolerance {
		t.Fatalf("volume at distance 100 = %v, want 0.8", v)
	}
}

func TestTickOutOfRangePeerStillGetsVolume(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 200, 0)

	var nearby NearbyUpdate
	var volumes VolumeUpdate
	events.Subscribe(bus.TopicProximityNearby, func(p any) { nearby = p.(NearbyUpdate) })
	events.Subscribe(bus.TopicProximityVolumes, func(p any) { volumes = p.(VolumeUpdate) })

	eng.Tick()

	if _, ok := nearby.Nearby["peer"]; ok {
		t.Fatal("peer at distance 200 must not be nearby")
	}
	// Audible range is thresholded independently of the nearby set.
	if v := volumes.VolumeByUser["peer"]; math.Abs(v-0.4) > tolerance {
		t.Fatalf("volume at distance 200 = %v, want 0.4", v)
	}
}

func TestTickExcludesSelf(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 10, 0)

	var nearby NearbyUpdate
	events.Subscribe(bus.TopicProximityNearby, func(p any) { nearby = p.(NearbyUpdate) })

	eng.Tick()

	if _, ok := nearby.Nearby["self"]; ok {
		t.Fatal("self must never appear in its own nearby set")
	}
}

func TestTickExcludesPeerWithoutPosition(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	store.Upsert(domain.PresenceRecord{UserID: "ghost", DisplayName: "ghost"})

	var nearby NearbyUpdate
	events.Subscribe(bus.TopicProximityNearby, func(p any) { nearby = p.(NearbyUpdate) })
	putUser(store, "peer", 10, 0)

	eng.Tick()

	if _, ok := nearby.Nearby["ghost"]; ok {
		t.Fatal("peer without position must be treated as not nearby")
	}
}

func TestNearbyPublishedOnlyOnMembershipChange(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 100, 0)

	published := 0
	events.Subscribe(bus.TopicProximityNearby, func(any) { published++ })

	eng.Tick()
	eng.Tick()
	eng.Tick()

	if published != 1 {
		t.Fatalf("expected a single nearby publish for unchanged set, got %d", published)
	}

	// Peer steps out of range: one more publish.
	putUser(store, "peer", 500, 0)
	eng.Tick()
	if published != 2 {
		t.Fatalf("expected publish on membership change, got %d", published)
	}
}

func TestSelfPositionLossEmptiesNearbySet(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 100, 0)

	var nearby NearbyUpdate
	var volumes VolumeUpdate
	events.Subscribe(bus.TopicProximityNearby, func(p any) { nearby = p.(NearbyUpdate) })
	events.Subscribe(bus.TopicProximityVolumes, func(p any) { volumes = p.(VolumeUpdate) })

	eng.Tick()
	if _, ok := nearby.Nearby["peer"]; !ok {
		t.Fatal("peer should be nearby before self loses its position")
	}

	store.Upsert(domain.PresenceRecord{UserID: "self", DisplayName: "self"})
	eng.Tick()

	if len(nearby.Nearby) != 0 {
		t.Fatalf("nearby set must be published empty, got %v", nearby.Nearby)
	}
	if len(volumes.VolumeByUser) != 0 {
		t.Fatalf("volume map must be published empty, got %v", volumes.VolumeByUser)
	}

	// Position comes back: the peer reappears as a membership change.
	putUser(store, "self", 0, 0)
	eng.Tick()
	if _, ok := nearby.Nearby["peer"]; !ok {
		t.Fatal("peer must reappear once the self position recovers")
	}
}

func TestStartIsIdempotentAndStopCancels(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 100, 0)

	ticks := make(chan struct{}, 64)
	events.Subscribe(bus.TopicProximityVolumes, func(any) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	eng.Start(context.Background())
	eng.Start(context.Background()) // must not double-schedule

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no tick fired after Start")
	}

	eng.Stop()
	eng.Stop() // no-op, not an error

	// Drain anything emitted before Stop returned, then verify silence.
	for {
		select {
		case <-ticks:
			continue
		default:
		}
		break
	}
	select {
	case <-ticks:
		t.Fatal("tick fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRestartAfterStop(t *testing.T) {
	eng, store, events := newTestEngine()
	putUser(store, "self", 0, 0)
	putUser(store, "peer", 100, 0)

	ticks := make(chan struct{}, 64)
	events.Subscribe(bus.TopicProximityVolumes, func(any) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	eng.Start(context.Background())
	eng.Stop()
	eng.Start(context.Background())
	defer eng.Stop()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("engine did not tick after restart")
	}
}
