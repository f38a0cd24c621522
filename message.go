package chatsync

import (
	"time"
)

// ============================================================================
// Message Types
// ============================================================================

// DeletedText replaces the text of a message deleted for everyone.
const DeletedText = "This message was deleted"

// MediaKind classifies an attached media reference.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Media is a reference to an already uploaded attachment.
type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
	Name string    `json:"name,omitempty"`
}

// PollOption is one choice of a poll and the users who voted for it.
type PollOption struct {
	Text  string   `json:"text"`
	Votes []string `json:"votes,omitempty"`
}

// Poll is a structured poll payload.
type Poll struct {
	Question      string       `json:"question"`
	Options       []PollOption `json:"options"`
	MultipleVotes bool         `json:"multipleVotes,omitempty"`
}

// Reaction is a single emoji reaction by one user.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// ReplyRef points at the replied-to message with a denormalized preview.
type ReplyRef struct {
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId,omitempty"`
	Text      string    `json:"text,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
}

// Message is the unit of conversation content.
//
// Key is the client-generated local id. It is the storage and UI key and never
// changes after insertion; ID is the server id and is patched in once known.
type Message struct {
	Key         string     `json:"clientId,omitempty"`
	ID          string     `json:"id,omitempty"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId"`
	Text        string     `json:"text,omitempty"`
	Media       *Media     `json:"media,omitempty"`
	Poll        *Poll      `json:"poll,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Status      Status     `json:"status"`
	ReplyTo     *ReplyRef  `json:"replyTo,omitempty"`
	Reactions   []Reaction `json:"reactions,omitempty"`
	Forwarded   bool       `json:"isForwarded,omitempty"`
	Pinned      bool       `json:"isPinned,omitempty"`
	Edited      bool       `json:"isEdited,omitempty"`
}

// Deleted reports whether the message was deleted for everyone.
func (m *Message) Deleted() bool {
	return m.Text == DeletedText && m.Media == nil
}

// Peer returns the other party of the message from userID's point of view.
func (m *Message) Peer(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Matches reports whether id addresses this message by local or server id.
func (m *Message) Matches(id string) bool {
	return id != "" && (m.Key == id || m.ID == id)
}

// Clone returns a deep copy so callers never alias cache state.
func (m Message) Clone() Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	if m.Poll != nil {
		m.Poll = m.Poll.clone()
	}
	if m.ScheduledAt != nil {
		at := *m.ScheduledAt
		m.ScheduledAt = &at
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return m
}

func (p *Poll) clone() *Poll {
	out := &Poll{Question: p.Question, MultipleVotes: p.MultipleVotes}
	for _, o := range p.Options {
		out.Options = append(out.Options, PollOption{Text: o.Text, Votes: append([]string(nil), o.Votes...)})
	}
	return out
}

// Preview returns a short text describing the message content.
func (m *Message) Preview() string {
	switch {
	case m.Deleted():
		return DeletedText
	case m.Text != "":
		return m.Text
	case m.Poll != nil:
		return "Poll: " + m.Poll.Question
	case m.Media != nil:
		return string(m.Media.Kind)
	}
	return ""
}

// ConversationID returns the id of the direct conversation between a and b.
// The pair is sorted so both participants derive the same id.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// ============================================================================
// Reactions
// ============================================================================

// normalizeReactions drops empty and repeated (user, emoji) pairs while
// keeping first-seen order.
func normalizeReactions(in []Reaction) []Reaction {
	if in == nil {
		return nil
	}
	seen := make(map[Reaction]struct{}, len(in))
	out := make([]Reaction, 0, len(in))
	for _, r := range in {
		if r.UserID == "" || r.Emoji == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// toggleReaction adds (user, emoji) or removes it if already present.
func toggleReaction(in []Reaction, userID, emoji string) []Reaction {
	out := make([]Reaction, 0, len(in)+1)
	found := false
	for _, r := range in {
		if r.UserID == userID && r.Emoji == emoji {
			found = true
			continue
		}
		out = append(out, r)
	}
	if !found {
		out = append(out, Reaction{UserID: userID, Emoji: emoji})
	}
	return out
}

// ============================================================================
// Polls
// ============================================================================

// applyVote records userID's vote for option on a copy of p. Single-choice
// polls move the vote; voting again for the same option retracts it.
func applyVote(p *Poll, userID string, option int) (*Poll, bool) {
	if p == nil || option < 0 || option >= len(p.Options) {
		return nil, false
	}
	out := p.clone()
	for i := range out.Options {
		votes := out.Options[i].Votes[:0:0]
		had := false
		for _, v := range out.Options[i].Votes {
			if v == userID {
				had = true
				continue
			}
			votes = append(votes, v)
		}
		switch {
		case i == option && !had:
			votes = append(votes, userID)
		case i != option && had && out.MultipleVotes:
			votes = append(votes, userID)
		}
		out.Options[i].Votes = votes
	}
	return out, true
}
