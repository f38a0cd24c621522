package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Push Channel Event Names
// ============================================================================

// Inbound event names.
const (
	EventNewMessage          = "newMessage"
	EventMessageDelivered    = "messageDelivered"
	EventMessagesDelivered   = "messagesDelivered"
	EventMessagesRead        = "messagesRead"
	EventDeleteMessageForAll = "deleteMessageForAll"
	EventMessageReaction     = "messageReaction"
	EventMessageUpdated      = "messageUpdated"
	EventMessagePinned       = "messagePinned"
	EventPollUpdated         = "pollUpdated"
	EventTyping              = "typing"
	EventStopTyping          = "stopTyping"
	EventUserOnline          = "userOnline"
	EventUserOffline         = "userOffline"
	EventOnlineUsers         = "onlineUsers"
	EventRelationship        = "relationshipChanged"
)

// Outbound emission names.
const (
	EmitSendMessage           = "sendMessage"
	EmitMarkMessagesAsRead    = "markMessagesAsRead"
	EmitDeleteMessageForAll   = "deleteMessageForAll"
	EmitTyping                = "typing"
	EmitStopTyping            = "stopTyping"
	EmitUpdatePendingMessages = "updatePendingMessages"
)

// ============================================================================
// Event Variants
// ============================================================================

// Event is one decoded push-channel event. The set of implementations is
// closed; Engine.Apply switches over them.
type Event interface {
	EventName() string
}

// NewMessage carries a message created by any participant.
type NewMessage struct {
	Message Message
}

// MessageDelivered reports a status change of one message.
type MessageDelivered struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// MessagesDelivered reports that every message from SenderID to ReceiverID
// reached the receiver's device.
type MessagesDelivered struct {
	ReceiverID string `json:"receiverId"`
	SenderID   string `json:"senderId"`
}

// MessagesRead reports that ReadBy read messages from ChatWith. An empty
// MessageIDs means the whole conversation.
type MessagesRead struct {
	ReadBy     string   `json:"readBy"`
	ChatWith   string   `json:"chatWith"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MessageDeleted reports a delete-for-everyone.
type MessageDeleted struct {
	Message Message
}

// ReactionsUpdated carries the full reaction list of a message.
type ReactionsUpdated struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// MessageEdited carries the edited message.
type MessageEdited struct {
	Message Message
}

// MessagePinned toggles the pinned flag.
type MessagePinned struct {
	MessageID string `json:"messageId"`
	IsPinned  bool   `json:"isPinned"`
}

// PollUpdated carries the new poll state after a vote.
type PollUpdated struct {
	MessageID string `json:"messageId"`
	Poll      Poll   `json:"poll"`
}

// TypingStarted reports that SenderID is typing to the current user.
type TypingStarted struct {
	SenderID string `json:"senderId"`
}

// TypingStopped reports that SenderID stopped typing.
type TypingStopped struct {
	SenderID string `json:"senderId"`
}

// UserOnline reports a peer connecting.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline reports a peer disconnecting.
type UserOffline struct {
	UserID string `json:"userId"`
}

// OnlineUsers is a presence snapshot, sent once after connecting.
type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

// RelationshipChanged reports a block, unblock or friendship change.
type RelationshipChanged struct {
	UserID string           `json:"userId"`
	Kind   RelationshipKind `json:"kind"`
}

func (NewMessage) EventName() string          { return EventNewMessage }
func (MessageDelivered) EventName() string    { return EventMessageDelivered }
func (MessagesDelivered) EventName() string   { return EventMessagesDelivered }
func (MessagesRead) EventName() string        { return EventMessagesRead }
func (MessageDeleted) EventName() string      { return EventDeleteMessageForAll }
func (ReactionsUpdated) EventName() string    { return EventMessageReaction }
func (MessageEdited) EventName() string       { return EventMessageUpdated }
func (MessagePinned) EventName() string       { return EventMessagePinned }
func (PollUpdated) EventName() string         { return EventPollUpdated }
func (TypingStarted) EventName() string       { return EventTyping }
func (TypingStopped) EventName() string       { return EventStopTyping }
func (UserOnline) EventName() string          { return EventUserOnline }
func (UserOffline) EventName() string         { return EventUserOffline }
func (OnlineUsers) EventName() string         { return EventOnlineUsers }
func (RelationshipChanged) EventName() string { return EventRelationship }

// ============================================================================
// Decoding
// ============================================================================

// messageEnvelope is the payload shape of events that wrap a message.
type messageEnvelope struct {
	Message Message `json:"message"`
}

// DecodeEvent converts a wire event into its typed variant. newMessage
// accepts both a bare message and a {"message": ...} wrapper.
func DecodeEvent(name string, payload json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case EventNewMessage:
		var m Message
		m, err = decodeMessage(payload)
		ev = NewMessage{Message: m}
	case EventMessageDelivered:
		ev, err = decodeInto[MessageDelivered](payload)
	case EventMessagesDelivered:
		ev, err = decodeInto[MessagesDelivered](payload)
	case EventMessagesRead:
		ev, err = decodeInto[MessagesRead](payload)
	case EventDeleteMessageForAll:
		var m Message
		m, err = decodeMessage(payload)
		ev = MessageDeleted{Message: m}
	case EventMessageReaction:
		ev, err = decodeInto[ReactionsUpdated](payload)
	case EventMessageUpdated:
		var m Message
		m, err = decodeMessage(payload)
		ev = MessageEdited{Message: m}
	case EventMessagePinned:
		ev, err = decodeInto[MessagePinned](payload)
	case EventPollUpdated:
		ev, err = decodeInto[PollUpdated](payload)
	case EventTyping:
		ev, err = decodeInto[TypingStarted](payload)
	case EventStopTyping:
		ev, err = decodeInto[TypingStopped](payload)
	case EventUserOnline:
		ev, err = decodeInto[UserOnline](payload)
	case EventUserOffline:
		ev, err = decodeInto[UserOffline](payload)
	case EventOnlineUsers:
		ev, err = decodeInto[OnlineUsers](payload)
	case EventRelationship:
		ev, err = decodeInto[RelationshipChanged](payload)
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return ev, nil
}

func decodeInto[T Event](payload json.RawMessage) (Event, error) {
	v, err := decodeJSON[T](payload)
	if err != nil {
		return nil, err
	}
	return *v, nil
}

func decodeMessage(payload json.RawMessage) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && (env.Message.ID != "" || env.Message.Key != "") {
		return env.Message, nil
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ============================================================================
// Outbound Payloads
// ============================================================================

type markReadPayload struct {
	UserID string `json:"userId"`
}

type typingPayload struct {
	ReceiverID string `json:"receiverId"`
}

type pendingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

type deletePayload struct {
	MessageID string `json:"messageId"`
}
