// Package model defines domain entities used by crypto, services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// CurrentVersion is the wire version stamped on every key, signature and envelope.
const CurrentVersion = 1

// SessionState reports whether a logged-in device already holds key material.
type SessionState string

const (
	// SessionPending is a device that is logged in but has no keys yet.
	SessionPending SessionState = "pending"
	// SessionEncrypted is a device holding the account key material.
	SessionEncrypted SessionState = "encrypted"
)

// Session maps one logical device of a user to a session UUID.
type Session struct {
	ID        uuid.UUID    `json:"id"`
	UserID    uuid.UUID    `json:"userId"`
	State     SessionState `json:"state"` // pending until the device holds keys
	CreatedAt time.Time    `json:"createdAt"`
}

// RoomType selects the participant rules for a conversation.
type RoomType string

const (
	// RoomDirect is a one-to-one conversation with exactly two participants.
	RoomDirect RoomType = "direct"
	// RoomGroup is a conversation with any number of participants.
	RoomGroup RoomType = "group"
)

// Room is the participant set a room key may be shared with.
type Room struct {
	ID           uuid.UUID
	Type         RoomType
	Participants []uuid.UUID
}

// KeyRecord is a published public key as stored in the key directory.
type KeyRecord struct {
	Owner     uuid.UUID       `json:"owner"`
	Kind      KeyKind         `json:"kind"`
	Hash      string          `json:"hash"` // fingerprint of the public key
	Body      json.RawMessage `json:"body"` // JSON of the matching *Pub type
	CreatedAt time.Time       `json:"createdAt"`
}

// KeyQuery selects key records. Zero fields match anything.
type KeyQuery struct {
	Owner uuid.UUID `json:"owner"`
	Kind  KeyKind   `json:"kind,omitempty"`
	Hash  string    `json:"hash,omitempty"`
}

// Caller identifies the authenticated device behind a request.
type Caller struct {
	UserID    uuid.UUID `json:"userId"`
	SessionID uuid.UUID `json:"sessionId"`
}
