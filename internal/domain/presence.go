// Package domain contains entity types without logic, just meta-data.
package domain

import (
	"errors"
	"math"
	"time"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type UserID string

type ZoneID string

// Position is a point in world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (p Position) DistanceTo(o Position) float64 {
	dx := p.X - o.X
	dy := p.Y - o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// MediaFlags mirrors the peer's self-reported device state.
type MediaFlags struct {
	MicOn         bool `json:"mic_on"`
	CameraOn      bool `json:"camera_on"`
	ScreenSharing bool `json:"screen_sharing"`
}

// PresenceRecord is the live view of one connected user, self included.
// PresenceStore is the only writer; everyone else reads copies.
type PresenceRecord struct {
	UserID      UserID     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Position    *Position  `json:"position,omitempty"`
	Flags       MediaFlags `json:"flags"`
	Status      Status     `json:"status"`
	Zone        ZoneID     `json:"zone,omitempty"`
	LastSeen    time.Time  `json:"-"`
}

// NewPresenceRecord avoids raw literals in adapters and keeps construction obvious.
func NewPresenceRecord(id UserID, name string) (*PresenceRecord, error) {
	if len(name) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &PresenceRecord{
		UserID:      id,
		DisplayName: name,
		Status:      StatusOnline,
		LastSeen:    time.Now(),
	}, nil
}
