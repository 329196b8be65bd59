package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChatScope string

const (
	ChatScopeGlobal ChatScope = "global"
	ChatScopeZone   ChatScope = "zone"
)

// ChatMessage is immutable once created. Edits are superseding
// messages, never in-place changes.
type ChatMessage struct {
	ID        string    `json:"id"`
	SenderID  UserID    `json:"sender_id"`
	Body      string    `json:"body"`
	Scope     ChatScope `json:"scope"`
	Zone      ZoneID    `json:"zone,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewGlobalMessage(sender UserID, body string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  sender,
		Body:      body,
		Scope:     ChatScopeGlobal,
		Timestamp: time.Now(),
	}
}

func NewZoneMessage(sender UserID, zone ZoneID, body string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  sender,
		Body:      body,
		Scope:     ChatScopeZone,
		Zone:      zone,
		Timestamp: time.Now(),
	}
}
