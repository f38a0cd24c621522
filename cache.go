package chatsync

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Message Cache
// ============================================================================

type cacheEntry struct {
	conversationID string
	msg            *Message
}

// MessageCache holds one ordered, deduplicated message sequence per
// conversation.
//
// Records are addressed by their local key for their whole life; once a
// server id is known it is indexed as a second lookup key. The cache is not
// safe for concurrent use: the Engine owns it and serializes access.
type MessageCache struct {
	conversations map[string][]*Message
	byKey         map[string]*cacheEntry
	byServerID    map[string]*cacheEntry
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	c := &MessageCache{}
	c.Clear()
	return c
}

// Clear drops every conversation.
func (c *MessageCache) Clear() {
	c.conversations = make(map[string][]*Message)
	c.byKey = make(map[string]*cacheEntry)
	c.byServerID = make(map[string]*cacheEntry)
}

const localKeyPrefix = "local-"

func newKey() string {
	return localKeyPrefix + uuid.NewString()
}

// isLocal reports whether key was generated by this client.
func isLocal(key string) bool {
	return strings.HasPrefix(key, localKeyPrefix)
}

// Append inserts msg at the end of the conversation and returns its local
// key. A fresh key is generated when msg has none or its key is taken.
func (c *MessageCache) Append(conversationID string, msg Message) string {
	m := msg.Clone()
	if m.Key == "" || c.byKey[m.Key] != nil {
		m.Key = newKey()
		for c.byKey[m.Key] != nil {
			m.Key = newKey()
		}
	}
	e := &cacheEntry{conversationID: conversationID, msg: &m}
	c.conversations[conversationID] = append(c.conversations[conversationID], &m)
	c.byKey[m.Key] = e
	if m.ID != "" {
		c.byServerID[m.ID] = e
	}
	return m.Key
}

// HasServerID reports whether a record with the given server id exists.
func (c *MessageCache) HasServerID(serverID string) bool {
	return serverID != "" && c.byServerID[serverID] != nil
}

func (c *MessageCache) lookup(id string) *cacheEntry {
	if id == "" {
		return nil
	}
	if e := c.byKey[id]; e != nil {
		return e
	}
	return c.byServerID[id]
}

// Get returns a copy of the message addressed by local or server id.
func (c *MessageCache) Get(id string) (Message, bool) {
	e := c.lookup(id)
	if e == nil {
		return Message{}, false
	}
	return e.msg.Clone(), true
}

// ConversationOf returns the conversation holding the message addressed by id.
func (c *MessageCache) ConversationOf(id string) (string, bool) {
	e := c.lookup(id)
	if e == nil {
		return "", false
	}
	return e.conversationID, true
}

// Reconcile merges the server representation into the optimistic record with
// the given local key. It returns false, and does nothing, when the record is
// gone.
func (c *MessageCache) Reconcile(localID string, server Message) bool {
	e := c.byKey[localID]
	if e == nil {
		return false
	}
	mergeServer(e.msg, &server)
	c.indexServerID(e)
	return true
}

// ApplyServerID records the server id of an optimistic record so later events
// addressed by server id find it. The local key is unchanged.
func (c *MessageCache) ApplyServerID(localID, serverID string) bool {
	e := c.byKey[localID]
	if e == nil || serverID == "" {
		return false
	}
	if old := e.msg.ID; old != "" && old != serverID {
		delete(c.byServerID, old)
	}
	e.msg.ID = serverID
	c.indexServerID(e)
	return true
}

// indexServerID points e's server id at e. Another record already holding
// that id is a duplicate of e: its status is folded into e and it is dropped.
func (c *MessageCache) indexServerID(e *cacheEntry) {
	id := e.msg.ID
	if id == "" {
		return
	}
	if dup := c.byServerID[id]; dup != nil && dup != e {
		if e.msg.Status != StatusFailed && dup.msg.Status != StatusFailed {
			e.msg.Status = Merge(e.msg.Status, dup.msg.Status)
		}
		c.drop(dup)
	}
	c.byServerID[id] = e
}

// Patch merges p into the message addressed by local or server id. A missing
// target is not an error: the event predates the cache window or belongs to a
// conversation that is not loaded.
func (c *MessageCache) Patch(id string, p MessagePatch) (bool, error) {
	e := c.lookup(id)
	if e == nil {
		return false, ErrNotFound
	}
	return applyPatch(e.msg, p)
}

// MarkDeleted replaces the content with the deleted marker and drops media.
// The record keeps its position and timestamp.
func (c *MessageCache) MarkDeleted(id string) bool {
	e := c.lookup(id)
	if e == nil {
		return false
	}
	e.msg.Text = DeletedText
	e.msg.Media = nil
	e.msg.Poll = nil
	e.msg.Reactions = nil
	e.msg.Pinned = false
	return true
}

// Restore overwrites the record addressed by msg.Key with msg. It is used to
// roll back an optimistic mutation.
func (c *MessageCache) Restore(msg Message) bool {
	e := c.byKey[msg.Key]
	if e == nil {
		return false
	}
	*e.msg = msg.Clone()
	c.indexServerID(e)
	return true
}

// Remove physically drops the record with the given local key. Only failed
// optimistic sends are removed this way.
func (c *MessageCache) Remove(localID string) bool {
	e := c.byKey[localID]
	if e == nil {
		return false
	}
	c.drop(e)
	return true
}

func (c *MessageCache) drop(e *cacheEntry) {
	msgs := c.conversations[e.conversationID]
	for i, m := range msgs {
		if m == e.msg {
			c.conversations[e.conversationID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	if c.byKey[e.msg.Key] == e {
		delete(c.byKey, e.msg.Key)
	}
	if e.msg.ID != "" && c.byServerID[e.msg.ID] == e {
		delete(c.byServerID, e.msg.ID)
	}
}

// Replace swaps the whole conversation for msgs, as on a history reload.
// Records created by this client survive the reload: unacknowledged ones
// as they are, acknowledged ones missing from msgs as they are, and
// acknowledged ones present in msgs merged with the server copy under their
// local key.
func (c *MessageCache) Replace(conversationID string, msgs []Message) {
	var local []*Message
	acked := make(map[string]*Message)
	for _, m := range c.conversations[conversationID] {
		delete(c.byKey, m.Key)
		if m.ID != "" {
			delete(c.byServerID, m.ID)
		}
		switch {
		case m.ID == "":
			local = append(local, m)
		case isLocal(m.Key):
			local = append(local, m)
			acked[m.ID] = m
		}
	}
	c.conversations[conversationID] = nil
	for _, m := range msgs {
		if c.HasServerID(m.ID) {
			continue
		}
		if own := acked[m.ID]; own != nil {
			mergeServer(own, &m)
			c.Append(conversationID, *own)
			continue
		}
		if m.Key == "" {
			m.Key = m.ID
		}
		c.Append(conversationID, m)
	}
	for _, m := range local {
		if c.HasServerID(m.ID) {
			continue
		}
		c.Append(conversationID, *m)
	}
}

// Messages returns copies of the conversation in insertion order.
func (c *MessageCache) Messages(conversationID string) []Message {
	msgs := c.conversations[conversationID]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out
}

// Sorted returns the conversation ordered by creation time, stable on ties.
func (c *MessageCache) Sorted(conversationID string) []Message {
	out := c.Messages(conversationID)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of records in the conversation.
func (c *MessageCache) Len(conversationID string) int {
	return len(c.conversations[conversationID])
}

// Outbound returns the keys of messages sent by sender to receiver that match
// keep. A nil keep matches everything.
func (c *MessageCache) Outbound(sender, receiver string, keep func(*Message) bool) []string {
	var keys []string
	for _, m := range c.conversations[ConversationID(sender, receiver)] {
		if m.SenderID != sender || m.ReceiverID != receiver {
			continue
		}
		if keep == nil || keep(m) {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

// Last returns a copy of the newest message of the conversation.
func (c *MessageCache) Last(conversationID string) (Message, bool) {
	var last *Message
	for _, m := range c.conversations[conversationID] {
		if last == nil || !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
	}
	if last == nil {
		return Message{}, false
	}
	return last.Clone(), true
}
