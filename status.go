package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Message Status
// ============================================================================

// Status is the delivery state of a message.
//
// Statuses form a lattice: scheduled < sent < delivered < read, with failed
// as a terminal state outside the order. Merging always keeps the furthest
// advanced value, so late, duplicate and reordered receipts converge.
type Status int

const (
	StatusUnknown Status = iota
	StatusScheduled
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = map[Status]string{
	StatusUnknown:   "",
	StatusScheduled: "scheduled",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

// ParseStatus converts a wire name into a Status.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown message status %q", s)
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok && name != "" {
		return name
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusNames[s])
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" {
		*s = StatusUnknown
		return nil
	}
	st, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Source identifies where a status update came from.
type Source int

const (
	SourceLocal Source = iota
	SourceServer
	SourcePush
)

var (
	// ErrScheduledRemote is returned when a push event tries to touch a
	// scheduled message, or itself carries the scheduled status.
	ErrScheduledRemote = errors.New("scheduled messages cannot be updated remotely")
	// ErrStatusRegression is returned when an update would move a status backward.
	ErrStatusRegression = errors.New("status regression")
)

// rank orders the non-terminal statuses. Unknown ranks lowest so any real
// status wins over it.
func (s Status) rank() int { return int(s) }

// Merge returns the furthest advanced of two statuses. Failed is terminal on
// either side: a failed message stays failed, and an explicit failure wins.
func Merge(current, incoming Status) Status {
	if current == StatusFailed || incoming == StatusFailed {
		return StatusFailed
	}
	if incoming.rank() > current.rank() {
		return incoming
	}
	return current
}

// Resolve applies an incoming status from src to current. It returns the
// status to store and a non-nil error when the update was rejected, in which
// case the returned status is always current.
func Resolve(current, incoming Status, src Source) (Status, error) {
	if incoming == StatusUnknown || incoming == current {
		return current, nil
	}
	if src == SourcePush && (current == StatusScheduled || incoming == StatusScheduled) {
		return current, ErrScheduledRemote
	}
	if current == StatusFailed {
		return current, fmt.Errorf("%w: %s is terminal", ErrStatusRegression, current)
	}
	if incoming == StatusFailed && src != SourceLocal {
		return current, fmt.Errorf("%w: only the sender may fail a message", ErrStatusRegression)
	}
	merged := Merge(current, incoming)
	if merged == current {
		return current, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, incoming)
	}
	return merged, nil
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusRead || to == StatusFailed
	case StatusDelivered:
		return to == StatusRead || to == StatusFailed
	}
	return false
}
