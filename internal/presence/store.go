// Package presence holds the in-memory table of connected users.
// NetworkSession's inbound handlers are the only writer; everyone
// else reads snapshots.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/domain"
)

// Update is a shallow-merge patch for UpdateFields. Nil fields are
// left untouched.
type Update struct {
	DisplayName *string
	Position    *domain.Position
	Status      *domain.Status
	Zone        *domain.ZoneID
	MicOn       *bool
	CameraOn    *bool
	ScreenShare *bool
}

// Store reflects server-reported presence. No derived computation
// lives here; proximity and connection state are other components'
// business.
type Store struct {
	mu      sync.RWMutex
	records map[domain.UserID]*domain.PresenceRecord
}

func NewStore() *Store {
	return &Store{records: make(map[domain.UserID]*domain.PresenceRecord)}
}

func (s *Store) Upsert(rec domain.PresenceRecord) {
	rec.LastSeen = time.Now()
	s.mu.Lock()
	s.records[rec.UserID] = &rec
	s.mu.Unlock()
	log.Debug().Str("module", "presence").Str("user", string(rec.UserID)).Msg("upsert")
}

func (s *Store) Remove(id domain.UserID) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	log.Debug().Str("module", "presence").Str("user", string(id)).Msg("removed")
}

// Get returns a copy; mutating it does not touch the store.
func (s *Store) Get(id domain.UserID) (domain.PresenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.PresenceRecord{}, false
	}
	return *rec, true
}

// All returns a snapshot of every record.
func (s *Store) All() []domain.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PresenceRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// UpdateFields shallow-merges u into the record and refreshes
// LastSeen. Unknown users are a silent no-op: out-of-order network
// events make that routine, not exceptional.
func (s *Store) UpdateFields(id domain.UserID, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	if u.DisplayName != nil {
		rec.DisplayName = *u.DisplayName
	}
	if u.Position != nil {
		p := *u.Position
		rec.Position = &p
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Zone != nil {
		rec.Zone = *u.Zone
	}
	if u.MicOn != nil {
		rec.Flags.MicOn = *u.MicOn
	}
	if u.CameraOn != nil {
		rec.Flags.CameraOn = *u.CameraOn
	}
	if u.ScreenShare != nil {
		rec.Flags.ScreenSharing = *u.ScreenShare
	}
	rec.LastSeen = time.Now()
}
