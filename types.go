package chatsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNotFound is returned when an id does not address a cached message
	// or roster entry.
	ErrNotFound = errors.New("not found")
	// ErrDeleted is returned when editing or reacting to a deleted message.
	ErrDeleted = errors.New("message was deleted")
	// ErrNotConnected is returned by a push channel that has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAckTimeout is returned when the server never acknowledged an emission.
	ErrAckTimeout = errors.New("acknowledgement timeout")
	// ErrPending is returned for actions that need a server id on a message
	// the server has not acknowledged yet.
	ErrPending = errors.New("message not acknowledged yet")

	ErrEmptyMessage = errors.New("message has no content")
	ErrNotSender    = errors.New("only the sender can do that")
	ErrInvalidVote  = errors.New("invalid poll option")
)

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope's error, or a generic one when a failed response
// carries none.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "REQUEST_FAILED", Message: "Request failed"}
}

// ============================================================================
// Relationship Types
// ============================================================================

// FriendRequest is a pending relationship request.
type FriendRequest struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName,omitempty"`
	ToID      string    `json:"toId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RelationshipKind names a relationship change pushed by the server.
type RelationshipKind string

const (
	RelationshipBlocked        RelationshipKind = "blocked"
	RelationshipUnblocked      RelationshipKind = "unblocked"
	RelationshipFriendAccepted RelationshipKind = "friendAccepted"
	RelationshipFriendRemoved  RelationshipKind = "friendRemoved"
)

// ============================================================================
// Request Options
// ============================================================================

// SendOptions describes a message to send.
type SendOptions struct {
	To          string
	Text        string
	Media       *Media
	Poll        *Poll
	ReplyTo     *ReplyRef
	ScheduledAt *time.Time
	Forwarded   bool
}

// HistoryOptions pages through a conversation history.
type HistoryOptions struct {
	Limit  int
	Before string
}
