package chatsync

import (
	"errors"

	"go.uber.org/zap"
)

// ============================================================================
// Event Reconciler
// ============================================================================

// Apply folds one push event into the cache and roster. It never fails:
// events for unknown messages, illegal transitions and redeliveries leave the
// state unchanged and are only logged and counted.
func (e *Engine) Apply(ev Event) {
	e.turn(func(fx *effects) {
		switch ev := ev.(type) {
		case NewMessage:
			e.applyNewMessage(fx, ev.Message)
		case MessageDelivered:
			if e.patchStatus(EventMessageDelivered, ev.MessageID, ev.Status) {
				e.applied(EventMessageDelivered)
			}
		case MessagesDelivered:
			e.applyMessagesDelivered(ev)
		case MessagesRead:
			e.applyMessagesRead(ev)
		case MessageDeleted:
			e.applyDeleted(ev.Message)
		case ReactionsUpdated:
			reactions := ev.Reactions
			if reactions == nil {
				reactions = []Reaction{}
			}
			e.patch(EventMessageReaction, ev.MessageID, MessagePatch{Reactions: &reactions})
		case MessageEdited:
			id := ev.Message.ID
			if id == "" {
				id = ev.Message.Key
			}
			text, edited := ev.Message.Text, true
			e.patch(EventMessageUpdated, id, MessagePatch{Text: &text, Edited: &edited})
		case MessagePinned:
			pinned := ev.IsPinned
			e.patch(EventMessagePinned, ev.MessageID, MessagePatch{Pinned: &pinned})
		case PollUpdated:
			poll := ev.Poll
			e.patch(EventPollUpdated, ev.MessageID, MessagePatch{Poll: &poll})
		case TypingStarted:
			if ev.SenderID == "" || ev.SenderID != e.selected {
				e.dropped(EventTyping, "stale")
				return
			}
			peer := ev.SenderID
			fx.add(EventTyping, func() { e.typing.Start(peer) })
			e.applied(EventTyping)
		case TypingStopped:
			peer := ev.SenderID
			fx.add(EventStopTyping, func() { e.typing.Stop(peer) })
			e.applied(EventStopTyping)
		case UserOnline:
			e.applyUserOnline(fx, ev.UserID)
		case UserOffline:
			e.session.Online.Remove(ev.UserID)
			e.applied(EventUserOffline)
		case OnlineUsers:
			e.session.Online.Reset(ev.UserIDs)
			e.applied(EventOnlineUsers)
		case RelationshipChanged:
			e.applyRelationship(fx, ev)
		default:
			e.log.Warn("unhandled event", zap.String("event", ev.EventName()))
		}
	})
}

func (e *Engine) applied(event string) {
	e.metrics.EventsApplied.WithLabelValues(event).Inc()
}

// dropped records an event that left the state unchanged. Invalid-state
// rejections are worth a warning; stale targets and duplicates are routine.
func (e *Engine) dropped(event, reason string, fields ...zap.Field) {
	e.metrics.EventsDropped.WithLabelValues(event, reason).Inc()
	fields = append(fields, zap.String("event", event), zap.String("reason", reason))
	if reason == "invalid" {
		e.log.Warn("event rejected", fields...)
		return
	}
	e.log.Debug("event ignored", fields...)
}

// ============================================================================
// New Message
// ============================================================================

func (e *Engine) applyNewMessage(fx *effects, m Message) {
	me := e.session.UserID
	if m.Status == StatusScheduled {
		e.dropped(EventNewMessage, "invalid", zap.String("message", m.ID), zap.Error(ErrScheduledRemote))
		return
	}
	if m.SenderID != me && m.ReceiverID != me {
		e.dropped(EventNewMessage, "invalid", zap.String("message", m.ID))
		return
	}
	peer := m.Peer(me)
	conv := ConversationID(me, peer)

	if m.SenderID == me {
		e.applyOwnMessage(fx, peer, m)
		return
	}
	if e.cache.HasServerID(m.ID) {
		e.dropped(EventNewMessage, "duplicate", zap.String("message", m.ID))
		return
	}

	open := peer == e.selected
	foreground := open && e.focused
	if foreground {
		m.Status = Merge(m.Status, StatusRead)
	}
	m.Key = m.ID
	key := e.cache.Append(conv, m)
	stored, _ := e.cache.Get(key)
	e.applied(EventNewMessage)

	partner, known := e.roster.Get(peer)
	if !known {
		e.scheduleRefetch(fx)
		partner = Partner{ID: peer, Name: peer}
	} else {
		e.roster.SetLast(peer, &stored)
		if !foreground {
			e.roster.IncrementUnread(peer)
		}
	}

	// A blocked sender is read like anyone else but never announced.
	switch {
	case foreground:
		e.emit(fx, EmitMarkMessagesAsRead, markReadPayload{UserID: peer})
		e.metrics.Notifications.WithLabelValues("mark_read").Inc()
	case partner.Blocked:
	case !e.focused:
		title, body, icon, tag := partner.Name, stored.Preview(), partner.Avatar, conv
		fx.add("system notification", func() { e.notify.ShowSystemNotification(title, body, icon, tag) })
		e.metrics.Notifications.WithLabelValues("system").Inc()
	default:
		sender, ctx := partner, e.ctx
		fx.add("banner", func() {
			e.notify.ShowInAppBanner(stored, sender, func() { e.OpenConversation(ctx, sender.ID) })
		})
		fx.add("sound", e.notify.PlaySound)
		e.metrics.Notifications.WithLabelValues("banner").Inc()
	}
}

// applyOwnMessage handles the echo of a message this user sent. An echo
// carrying the local key of a cached send reconciles it. Without the key the
// echo may precede the ack of a pending send, so only the roster summary is
// updated and the record arrives with the ack or the next history load.
func (e *Engine) applyOwnMessage(fx *effects, peer string, m Message) {
	if m.Key != "" && e.cache.Reconcile(m.Key, m) {
		stored, _ := e.cache.Get(m.Key)
		e.roster.SetLast(peer, &stored)
		e.applied(EventNewMessage)
		return
	}
	if e.cache.HasServerID(m.ID) {
		e.dropped(EventNewMessage, "duplicate", zap.String("message", m.ID))
		return
	}
	if !e.roster.SetLast(peer, &m) {
		e.scheduleRefetch(fx)
	}
	e.applied(EventNewMessage)
}

// ============================================================================
// Status Events
// ============================================================================

// patchStatus advances the status of one message through the max-rule and
// reports whether it changed.
func (e *Engine) patchStatus(event, id string, st Status) bool {
	changed, err := e.cache.Patch(id, MessagePatch{Status: &st, StatusSource: SourcePush})
	switch {
	case errors.Is(err, ErrNotFound):
		e.dropped(event, "stale", zap.String("message", id))
		return false
	case errors.Is(err, ErrStatusRegression):
		e.dropped(event, "stale", zap.String("message", id), zap.Error(err))
		return false
	case err != nil:
		e.dropped(event, "invalid", zap.String("message", id), zap.Error(err))
		return false
	case !changed:
		e.dropped(event, "duplicate", zap.String("message", id))
		return false
	}
	e.refreshLast(id)
	return true
}

func (e *Engine) refreshLast(id string) {
	m, ok := e.cache.Get(id)
	if !ok {
		return
	}
	e.roster.UpdateLast(m.Peer(e.session.UserID), &m)
}

func unread(m *Message) bool {
	return m.Status == StatusSent || m.Status == StatusDelivered
}

func (e *Engine) applyMessagesDelivered(ev MessagesDelivered) {
	me := e.session.UserID
	if ev.SenderID != me {
		e.dropped(EventMessagesDelivered, "invalid", zap.String("sender", ev.SenderID))
		return
	}
	keys := e.cache.Outbound(me, ev.ReceiverID, func(m *Message) bool { return m.Status == StatusSent })
	n := 0
	for _, k := range keys {
		if e.patchStatus(EventMessagesDelivered, k, StatusDelivered) {
			n++
		}
	}
	if n == 0 {
		e.dropped(EventMessagesDelivered, "duplicate", zap.String("receiver", ev.ReceiverID))
		return
	}
	e.applied(EventMessagesDelivered)
}

func (e *Engine) applyMessagesRead(ev MessagesRead) {
	me := e.session.UserID
	var only map[string]bool
	if len(ev.MessageIDs) > 0 {
		only = make(map[string]bool, len(ev.MessageIDs))
		for _, id := range ev.MessageIDs {
			only[id] = true
		}
	}
	keep := func(m *Message) bool {
		return unread(m) && (only == nil || only[m.ID] || only[m.Key])
	}

	var keys []string
	switch {
	case ev.ChatWith == me && ev.ReadBy != "":
		// The peer read my messages.
		keys = e.cache.Outbound(me, ev.ReadBy, keep)
		if ev.ReadBy == e.selected {
			e.roster.ResetUnread(ev.ReadBy)
		}
	case ev.ReadBy == me && ev.ChatWith != "":
		// Read on another of my devices.
		keys = e.cache.Outbound(ev.ChatWith, me, keep)
		e.roster.ResetUnread(ev.ChatWith)
	default:
		e.dropped(EventMessagesRead, "invalid", zap.String("readBy", ev.ReadBy), zap.String("chatWith", ev.ChatWith))
		return
	}
	for _, k := range keys {
		e.patchStatus(EventMessagesRead, k, StatusRead)
	}
	e.applied(EventMessagesRead)
}

// ============================================================================
// Content Events
// ============================================================================

// patch applies an unconditional content patch. Targets outside the cache
// are not an error.
func (e *Engine) patch(event, id string, p MessagePatch) {
	_, err := e.cache.Patch(id, p)
	switch {
	case errors.Is(err, ErrNotFound):
		e.dropped(event, "stale", zap.String("message", id))
		return
	case err != nil:
		e.dropped(event, "invalid", zap.String("message", id), zap.Error(err))
		return
	}
	e.refreshLast(id)
	e.applied(event)
}

func (e *Engine) applyDeleted(m Message) {
	id := m.ID
	if id == "" {
		id = m.Key
	}
	if !e.cache.MarkDeleted(id) {
		e.dropped(EventDeleteMessageForAll, "stale", zap.String("message", id))
		return
	}
	e.refreshLast(id)
	e.applied(EventDeleteMessageForAll)
}

// ============================================================================
// Presence and Relationships
// ============================================================================

func (e *Engine) applyUserOnline(fx *effects, userID string) {
	if userID == "" {
		e.dropped(EventUserOnline, "invalid")
		return
	}
	e.session.Online.Add(userID)
	me := e.session.UserID
	pending := e.cache.Outbound(me, userID, func(m *Message) bool { return m.Status == StatusSent })
	if len(pending) > 0 {
		e.emit(fx, EmitUpdatePendingMessages, pendingPayload{SenderID: me, ReceiverID: userID})
	}
	e.applied(EventUserOnline)
}

func (e *Engine) applyRelationship(fx *effects, ev RelationshipChanged) {
	e.roster.SetRelationship(ev.UserID, func(p *Partner) {
		switch ev.Kind {
		case RelationshipBlocked:
			p.BlockedBy = true
		case RelationshipUnblocked:
			p.BlockedBy = false
		case RelationshipFriendAccepted:
			p.IsFriend = true
		case RelationshipFriendRemoved:
			p.IsFriend = false
		}
	})
	e.scheduleRefetch(fx)
	e.applied(EventRelationship)
}
