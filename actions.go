package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Failure Handling
// ============================================================================

// fail surfaces a transport error to the user as a non-blocking notice.
func (e *Engine) fail(fx *effects, action string, err error) {
	e.log.Error("action failed", zap.String("action", action), zap.Error(err))
	msg := fmt.Sprintf("Failed to %s: %v", action, err)
	fx.add("failure", func() { e.notify.NotifyFailure(msg) })
}

// undo reverts an optimistic patch. The target may have been deleted or
// reloaded meanwhile, in which case there is nothing to revert.
func (e *Engine) undo(key string, p MessagePatch) {
	if _, err := e.cache.Patch(key, p); err != nil {
		e.log.Debug("rollback skipped", zap.String("message", key), zap.Error(err))
		return
	}
	e.refreshLast(key)
}

// restoreLast recomputes a partner's summary after the message it described
// was removed. prev is the summary the message replaced; it wins over cached
// messages that are older than it.
func (e *Engine) restoreLast(peer, key string, prev *LastMessage) {
	p, ok := e.roster.Get(peer)
	if !ok || p.Last == nil || p.Last.MessageID != key {
		return
	}
	last, found := e.cache.Last(ConversationID(e.session.UserID, peer))
	e.roster.Touch(peer, func(p *Partner) {
		if found && (prev == nil || !last.CreatedAt.Before(prev.At)) {
			p.Last = lastFrom(&last)
		} else {
			p.Last = prev
		}
	})
}

// ============================================================================
// Send
// ============================================================================

// Send appends an optimistic message and emits it with an acknowledgement
// callback. The returned key addresses the message for its whole life.
//
// The provisional status is delivered when the peer is online, scheduled when
// ScheduledAt lies in the future, and sent otherwise. The acknowledgement
// never lowers it.
func (e *Engine) Send(ctx context.Context, opts SendOptions) (string, error) {
	if opts.To == "" {
		return "", fmt.Errorf("send: %w", ErrNotFound)
	}
	if strings.TrimSpace(opts.Text) == "" && opts.Media == nil && opts.Poll == nil {
		return "", ErrEmptyMessage
	}

	var (
		key     string
		payload Message
		prev    *LastMessage
	)
	e.turn(func(fx *effects) {
		now := e.now()
		status := StatusSent
		switch {
		case opts.ScheduledAt != nil && opts.ScheduledAt.After(now):
			status = StatusScheduled
		case e.session.Online.IsOnline(opts.To):
			status = StatusDelivered
		}
		m := Message{
			SenderID:    e.session.UserID,
			ReceiverID:  opts.To,
			Text:        opts.Text,
			Media:       opts.Media,
			Poll:        opts.Poll,
			ScheduledAt: opts.ScheduledAt,
			CreatedAt:   now,
			Status:      status,
			ReplyTo:     opts.ReplyTo,
			Forwarded:   opts.Forwarded,
		}
		key = e.cache.Append(ConversationID(e.session.UserID, opts.To), m)
		payload, _ = e.cache.Get(key)
		if p, ok := e.roster.Get(opts.To); ok {
			prev = p.Last
		}
		e.roster.SetLast(opts.To, &payload)
	})

	peer := opts.To
	err := e.session.Channel.EmitWithAck(ctx, EmitSendMessage, payload, func(data json.RawMessage, err error) {
		e.completeSend(key, peer, prev, data, err)
	})
	if err != nil {
		e.completeSend(key, peer, prev, nil, err)
		return "", err
	}
	return key, nil
}

func (e *Engine) completeSend(key, peer string, prev *LastMessage, data json.RawMessage, err error) {
	e.turn(func(fx *effects) {
		if err != nil {
			e.metrics.SendsTotal.WithLabelValues("failed").Inc()
			if e.opts.RetainFailedSends {
				failed := StatusFailed
				e.undo(key, MessagePatch{Status: &failed, StatusSource: SourceLocal})
			} else if e.cache.Remove(key) {
				e.restoreLast(peer, key, prev)
			}
			e.fail(fx, "send message", err)
			return
		}
		e.metrics.SendsTotal.WithLabelValues("acked").Inc()
		if len(data) == 0 || string(data) == "null" {
			return
		}
		server, derr := decodeMessage(data)
		if derr != nil {
			e.log.Warn("undecodable send ack", zap.String("message", key), zap.Error(derr))
			return
		}
		if !e.cache.Reconcile(key, server) {
			e.log.Debug("ack for unknown message", zap.String("message", key))
			return
		}
		stored, _ := e.cache.Get(key)
		if !e.roster.SetLast(peer, &stored) {
			e.scheduleRefetch(fx)
		}
	})
}

// ============================================================================
// Message Actions
// ============================================================================

// target looks up a message for a user action. Actions that reach the server
// need its server id.
func (e *Engine) target(id string, own bool) (Message, error) {
	m, ok := e.cache.Get(id)
	switch {
	case !ok:
		return Message{}, ErrNotFound
	case m.Deleted():
		return Message{}, ErrDeleted
	case m.ID == "":
		return Message{}, ErrPending
	case own && m.SenderID != e.session.UserID:
		return Message{}, ErrNotSender
	}
	return m, nil
}

// React toggles the current user's emoji reaction on a message.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	var before Message
	var err error
	e.turn(func(fx *effects) {
		if before, err = e.target(messageID, false); err != nil {
			return
		}
		next := toggleReaction(before.Reactions, e.session.UserID, emoji)
		e.undo(before.Key, MessagePatch{Reactions: &next})
	})
	if err != nil {
		return err
	}

	reactions, err := e.api.ReactMessage(ctx, before.ID, emoji)
	e.turn(func(fx *effects) {
		if err != nil {
			prev := before.Reactions
			if prev == nil {
				prev = []Reaction{}
			}
			e.undo(before.Key, MessagePatch{Reactions: &prev})
			e.fail(fx, "react", err)
			return
		}
		if reactions != nil {
			e.undo(before.Key, MessagePatch{Reactions: &reactions})
		}
	})
	return err
}

// Edit replaces the text of one of the current user's messages.
func (e *Engine) Edit(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	var before Message
	var err error
	e.turn(func(fx *effects) {
		if before, err = e.target(messageID, true); err != nil {
			return
		}
		edited := true
		e.undo(before.Key, MessagePatch{Text: &text, Edited: &edited})
	})
	if err != nil {
		return err
	}

	server, err := e.api.EditMessage(ctx, before.ID, text)
	e.turn(func(fx *effects) {
		if err != nil {
			e.undo(before.Key, MessagePatch{Text: &before.Text, Edited: &before.Edited})
			e.fail(fx, "edit message", err)
			return
		}
		if server != nil && e.cache.Reconcile(before.Key, *server) {
			e.refreshLast(before.Key)
		}
	})
	return err
}

// Pin sets the pinned flag of a message.
func (e *Engine) Pin(ctx context.Context, messageID string, pinned bool) error {
	var before Message
	var err error
	e.turn(func(fx *effects) {
		if before, err = e.target(messageID, false); err != nil {
			return
		}
		e.undo(before.Key, MessagePatch{Pinned: &pinned})
	})
	if err != nil {
		return err
	}

	err = e.api.PinMessage(ctx, before.ID, pinned)
	if err != nil {
		e.turn(func(fx *effects) {
			e.undo(before.Key, MessagePatch{Pinned: &before.Pinned})
			e.fail(fx, "pin message", err)
		})
	}
	return err
}

// Vote casts or retracts the current user's vote on a poll option.
func (e *Engine) Vote(ctx context.Context, messageID string, option int) error {
	var before Message
	var err error
	e.turn(func(fx *effects) {
		if before, err = e.target(messageID, false); err != nil {
			return
		}
		next, ok := applyVote(before.Poll, e.session.UserID, option)
		if !ok {
			err = ErrInvalidVote
			return
		}
		e.undo(before.Key, MessagePatch{Poll: next})
	})
	if err != nil {
		return err
	}

	poll, err := e.api.VotePoll(ctx, before.ID, option)
	e.turn(func(fx *effects) {
		if err != nil {
			e.undo(before.Key, MessagePatch{Poll: before.Poll})
			e.fail(fx, "vote", err)
			return
		}
		if poll != nil {
			e.undo(before.Key, MessagePatch{Poll: poll})
		}
	})
	return err
}

// DeleteForAll deletes one of the current user's messages for both sides.
// The message keeps its place, showing the deleted marker.
func (e *Engine) DeleteForAll(ctx context.Context, messageID string) error {
	var before Message
	var err error
	e.turn(func(fx *effects) {
		if before, err = e.target(messageID, true); err != nil {
			return
		}
		e.cache.MarkDeleted(before.Key)
		e.refreshLast(before.Key)
	})
	if err != nil {
		return err
	}

	err = e.api.DeleteMessage(ctx, before.ID)
	e.turn(func(fx *effects) {
		if err != nil {
			if cur, ok := e.cache.Get(before.Key); ok {
				before.Status = Merge(before.Status, cur.Status)
				e.cache.Restore(before)
				e.refreshLast(before.Key)
			}
			e.fail(fx, "delete message", err)
			return
		}
		e.emit(fx, EmitDeleteMessageForAll, deletePayload{MessageID: before.ID})
	})
	return err
}

// Forward copies a message into the conversations with each of to.
func (e *Engine) Forward(ctx context.Context, messageID string, to []string) error {
	var src Message
	var err error
	e.turn(func(fx *effects) {
		src, err = e.target(messageID, false)
	})
	if err != nil {
		return err
	}

	msgs, err := e.api.ForwardMessage(ctx, src.ID, to)
	e.turn(func(fx *effects) {
		if err != nil {
			e.fail(fx, "forward message", err)
			return
		}
		me := e.session.UserID
		for _, m := range msgs {
			if e.cache.HasServerID(m.ID) {
				continue
			}
			m.Forwarded = true
			if m.Key == "" {
				m.Key = m.ID
			}
			peer := m.Peer(me)
			key := e.cache.Append(ConversationID(me, peer), m)
			stored, _ := e.cache.Get(key)
			if !e.roster.SetLast(peer, &stored) {
				e.scheduleRefetch(fx)
			}
		}
	})
	return err
}

// ============================================================================
// Relationships
// ============================================================================

// Block blocks userID. The roster reflects it immediately and is refetched
// once the server confirms.
func (e *Engine) Block(ctx context.Context, userID string) error {
	return e.setBlocked(ctx, userID, true)
}

// Unblock reverses Block.
func (e *Engine) Unblock(ctx context.Context, userID string) error {
	return e.setBlocked(ctx, userID, false)
}

func (e *Engine) setBlocked(ctx context.Context, userID string, blocked bool) error {
	var was bool
	e.turn(func(fx *effects) {
		e.roster.SetRelationship(userID, func(p *Partner) {
			was = p.Blocked
			p.Blocked = blocked
		})
	})

	var err error
	action := "block user"
	if blocked {
		err = e.api.BlockUser(ctx, userID)
	} else {
		action = "unblock user"
		err = e.api.UnblockUser(ctx, userID)
	}
	e.turn(func(fx *effects) {
		if err != nil {
			e.roster.SetRelationship(userID, func(p *Partner) { p.Blocked = was })
			e.fail(fx, action, err)
			return
		}
		e.scheduleRefetch(fx)
	})
	return err
}

// FriendRequests lists pending friend requests.
func (e *Engine) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	reqs, err := e.api.FriendRequests(ctx)
	if err != nil {
		e.turn(func(fx *effects) { e.fail(fx, "load friend requests", err) })
	}
	return reqs, err
}

// AcceptFriend accepts a request; the new friend appears after a refetch.
func (e *Engine) AcceptFriend(ctx context.Context, requestID string) error {
	err := e.api.AcceptFriend(ctx, requestID)
	e.turn(func(fx *effects) {
		if err != nil {
			e.fail(fx, "accept friend request", err)
			return
		}
		e.scheduleRefetch(fx)
	})
	return err
}

// RejectFriend rejects a request.
func (e *Engine) RejectFriend(ctx context.Context, requestID string) error {
	err := e.api.RejectFriend(ctx, requestID)
	if err != nil {
		e.turn(func(fx *effects) { e.fail(fx, "reject friend request", err) })
	}
	return err
}

// ============================================================================
// Conversation and Focus
// ============================================================================

// markConversationRead marks every unread message from peer as read, clears
// the badge and tells the server.
func (e *Engine) markConversationRead(fx *effects, peer string) {
	me := e.session.UserID
	read := StatusRead
	keys := e.cache.Outbound(peer, me, unread)
	for _, k := range keys {
		e.undo(k, MessagePatch{Status: &read, StatusSource: SourceLocal})
	}
	p, ok := e.roster.Get(peer)
	hadUnread := ok && p.Unread > 0
	e.roster.ResetUnread(peer)
	if len(keys) > 0 || hadUnread {
		e.emit(fx, EmitMarkMessagesAsRead, markReadPayload{UserID: peer})
		e.metrics.Notifications.WithLabelValues("mark_read").Inc()
	}
}

// OpenConversation makes peerID the open conversation and loads its history.
// A history response that arrives after another conversation was opened is
// still stored, without marking anything read.
func (e *Engine) OpenConversation(ctx context.Context, peerID string) error {
	e.turn(func(fx *effects) {
		prev := e.selected
		e.selected = peerID
		if prev != "" && prev != peerID {
			fx.add(EventStopTyping, func() { e.typing.Stop(prev) })
		}
		if e.focused {
			e.markConversationRead(fx, peerID)
		}
	})

	msgs, err := e.api.FetchHistory(ctx, peerID, &HistoryOptions{Limit: e.opts.HistoryLimit})
	e.turn(func(fx *effects) {
		if err != nil {
			e.fail(fx, "load messages", err)
			return
		}
		e.cache.Replace(ConversationID(e.session.UserID, peerID), msgs)
		if e.selected == peerID && e.focused {
			e.markConversationRead(fx, peerID)
		}
	})
	return err
}

// CloseConversation leaves the open conversation.
func (e *Engine) CloseConversation() {
	e.turn(func(fx *effects) {
		prev := e.selected
		e.selected = ""
		if prev != "" {
			fx.add(EventStopTyping, func() { e.typing.Stop(prev) })
		}
	})
}

// SetFocused records window focus. Regaining focus on an open conversation
// marks it read.
func (e *Engine) SetFocused(focused bool) {
	e.turn(func(fx *effects) {
		e.focused = focused
		if focused && e.selected != "" {
			e.markConversationRead(fx, e.selected)
		}
	})
}

// ============================================================================
// Typing
// ============================================================================

// BeginTyping tells peerID the current user is typing.
func (e *Engine) BeginTyping(ctx context.Context, peerID string) error {
	return e.session.Channel.Emit(ctx, EmitTyping, typingPayload{ReceiverID: peerID})
}

// EndTyping tells peerID the current user stopped typing.
func (e *Engine) EndTyping(ctx context.Context, peerID string) error {
	return e.session.Channel.Emit(ctx, EmitStopTyping, typingPayload{ReceiverID: peerID})
}

// Schedule is a convenience for Send with a future send time.
func (e *Engine) Schedule(ctx context.Context, opts SendOptions, at time.Time) (string, error) {
	opts.ScheduledAt = &at
	return e.Send(ctx, opts)
}
