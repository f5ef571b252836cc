// Package session owns the authoritative state of collaborative code
// sessions: the shared buffer, selected language, revision counter, and
// participant roster. All mutation goes through a Store's Apply, which is
// serialized per session id.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

type Role string

const (
	RoleMentor Role = "mentor"
	RoleMentee Role = "mentee"
)

type Participant struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Snapshot is a detached copy of a session's state at one revision.
type Snapshot struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	Language       string        `json:"language"`
	Revision       uint64        `json:"revision"`
	Participants   []Participant `json:"participants"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

type mutationKind int

const (
	mutationSetCode mutationKind = iota
	mutationSetLanguage
)

// Mutation is a last-write-wins replacement of either the code buffer or the
// language. There is no merge.
type Mutation struct {
	kind     mutationKind
	code     string
	language string
}

func SetCode(code string) Mutation {
	return Mutation{kind: mutationSetCode, code: code}
}

func SetLanguage(language string) Mutation {
	return Mutation{kind: mutationSetLanguage, language: language}
}

// Store is the single serialization point for session mutation. Apply for a
// given session id is strictly ordered; unrelated sessions never block each
// other.
type Store interface {
	GetOrCreate(ctx context.Context, sessionID string) (Snapshot, error)
	Snapshot(ctx context.Context, sessionID string) (Snapshot, error)
	Apply(ctx context.Context, sessionID string, m Mutation) (uint64, error)
	AddParticipant(ctx context.Context, sessionID, participantID string, role Role) error
	RemoveParticipant(ctx context.Context, sessionID, participantID string) error
	Close(ctx context.Context, sessionID string) error
}

// MintID returns a fresh opaque session id for callers that do not bring a
// meeting id of their own.
func MintID() string {
	return uuid.NewString()
}
