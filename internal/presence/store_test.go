package presence

import (
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/domain"
)

func TestUpsertAndGet(t *testing.T) {
	s := NewStore()
	s.Upsert(domain.PresenceRecord{UserID: "u1", DisplayName: "ada"})

	rec, ok := s.Get("u1")
	if !ok {
		t.Fatal("expected record for u1")
	}
	if rec.DisplayName != "ada" {
		t.Fatalf("unexpected name: %s", rec.DisplayName)
	}
	if rec.LastSeen.IsZero() {
		t.Fatal("upsert should stamp LastSeen")
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := NewStore()
	s.Upsert(domain.PresenceRecord{UserID: "u1", DisplayName: "ada"})
	s.Upsert(domain.PresenceRecord{UserID: "u1", DisplayName: "grace"})

	if s.Len() != 1 {
		t.Fatalf("expected one record per user, got %d", s.Len())
	}
	rec, _ := s.Get("u1")
	if rec.DisplayName != "grace" {
		t.Fatalf("expected replacement, got %s", rec.DisplayName)
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Upsert(domain.PresenceRecord{UserID: "u1", DisplayName: "ada"})
	s.Remove("u1")

	if _, ok := s.Get("u1"); ok {
		t.Fatal("record should be gone")
	}
	// Removing again must not panic.
	s.Remove("u1")
}

func TestUpdateFieldsShallowMerge(t *testing.T) {
	s := NewStore()
	s.Upsert(domain.PresenceRecord{
		UserID:      "u1",
		DisplayName: "ada",
		Status:      domain.StatusOnline,
		Flags:       domain.MediaFlags{MicOn: true},
	})

	busy := domain.StatusBusy
	pos := domain.Position{X: 10, Y: 20}
	s.UpdateFields("u1", Update{Status: &busy, Position: &pos})

	rec, _ := s.Get("u1")
	if rec.Status != domain.StatusBusy {
		t.Fatalf("status not merged: %s", rec.Status)
	}
	if rec.Position == nil || rec.Position.X != 10 {
		t.Fatal("position not merged")
	}
	if rec.DisplayName != "ada" || !rec.Flags.MicOn {
		t.Fatal("untouched fields must survive the merge")
	}
}

func TestUpdateFieldsRefreshesLastSeen(t *testing.T) {
	s := NewStore()
	s.Upsert(domain.PresenceRecord{UserID: "u1", DisplayName: "ada"})
	before, _ := s.Get("u1")

	time.Sleep(5 * time.Millisecond)
	on := true
	s.UpdateFields("u1", Update{MicOn: &on})

	after, _ := s.Get("u1")
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatal("UpdateFields must refresh LastSeen")
	}
}

func TestUpdateFieldsUnknownUserIsNoop(t *testing.T) {
	s := NewStore()
	on := true
	// Out-of-order events routinely reference departed users.
	s.UpdateFields("ghost", Update{MicOn: &on})
	if s.Len() != 0 {
		t.Fatal("no record should be created for unknown user")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Upsert(domain.PresenceRecord{UserID: "u1", DisplayName: "ada"})

	rec, _ := s.Get("u1")
	rec.DisplayName = "mutated"

	fresh, _ := s.Get("u1")
	if fresh.DisplayName != "ada" {
		t.Fatal("Get must hand out copies")
	}
}
