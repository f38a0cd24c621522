package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Roster Types
// ============================================================================

// LastMessage summarizes the newest message exchanged with a partner.
type LastMessage struct {
	MessageID string    `json:"messageId,omitempty"`
	Text      string    `json:"text,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
	At        time.Time `json:"at"`
	SenderID  string    `json:"senderId"`
	Status    Status    `json:"status"`
}

// Partner is one roster entry: a peer the user can message.
type Partner struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Avatar    string       `json:"avatar,omitempty"`
	Last      *LastMessage `json:"lastMessage,omitempty"`
	Unread    int          `json:"unreadCount"`
	IsFriend  bool         `json:"isFriend"`
	Blocked   bool         `json:"isBlocked"`
	BlockedBy bool         `json:"isBlockedBy"`
	CreatedAt time.Time    `json:"createdAt"`
}

// PartnerView is a Partner with derived display fields.
type PartnerView struct {
	Partner
	Online bool `json:"online"`
	IsNew  bool `json:"isNew"`
}

// OnlineSet reports peer presence.
type OnlineSet interface {
	IsOnline(userID string) bool
}

// lastFrom builds a last-message summary from m.
func lastFrom(m *Message) *LastMessage {
	l := &LastMessage{
		MessageID: m.ID,
		Text:      m.Preview(),
		At:        m.CreatedAt,
		SenderID:  m.SenderID,
		Status:    m.Status,
	}
	if m.Media != nil && !m.Deleted() {
		l.MediaKind = m.Media.Kind
	}
	if l.MessageID == "" {
		l.MessageID = m.Key
	}
	return l
}

// ============================================================================
// Roster
// ============================================================================

// Roster is the ordered list of conversation partners, newest conversation
// first. Partners that never exchanged a message sort last in their fetched
// order. Patches move entries in place so unrelated entries keep their
// identity.
type Roster struct {
	entries       []*Partner
	defaultAvatar string
	newWindow     time.Duration
}

// NewRoster creates an empty roster.
func NewRoster(defaultAvatar string, newContactWindow time.Duration) *Roster {
	return &Roster{defaultAvatar: defaultAvatar, newWindow: newContactWindow}
}

func lastAt(p *Partner) (time.Time, bool) {
	if p.Last == nil || p.Last.At.IsZero() {
		return time.Time{}, false
	}
	return p.Last.At, true
}

// before reports whether a sorts ahead of b.
func before(a, b *Partner) bool {
	at, aok := lastAt(a)
	bt, bok := lastAt(b)
	switch {
	case aok && bok:
		return at.After(bt)
	case aok:
		return true
	}
	return false
}

// Replace swaps the whole roster, as on a refetch.
func (r *Roster) Replace(partners []Partner) {
	r.entries = make([]*Partner, 0, len(partners))
	for i := range partners {
		p := partners[i]
		r.entries = append(r.entries, &p)
	}
	sort.SliceStable(r.entries, func(i, j int) bool { return before(r.entries[i], r.entries[j]) })
}

// Clear empties the roster.
func (r *Roster) Clear() { r.entries = nil }

// Len returns the number of partners.
func (r *Roster) Len() int { return len(r.entries) }

func (r *Roster) index(id string) int {
	for i, p := range r.entries {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Has reports whether id is on the roster.
func (r *Roster) Has(id string) bool { return r.index(id) >= 0 }

// Get returns a copy of the partner with the given id.
func (r *Roster) Get(id string) (Partner, bool) {
	i := r.index(id)
	if i < 0 {
		return Partner{}, false
	}
	return *r.entries[i], true
}

// entry returns the live pointer for id.
func (r *Roster) entry(id string) *Partner {
	if i := r.index(id); i >= 0 {
		return r.entries[i]
	}
	return nil
}

// Touch applies fn to the partner and moves it to its recency position.
func (r *Roster) Touch(id string, fn func(p *Partner)) bool {
	i := r.index(id)
	if i < 0 {
		return false
	}
	p := r.entries[i]
	fn(p)
	r.reposition(i)
	return true
}

// reposition moves the entry at i to where its timestamp belongs, ahead of
// entries with an equal timestamp. An entry without a message goes to the
// head of the undated tail.
func (r *Roster) reposition(i int) {
	p := r.entries[i]
	_, dated := lastAt(p)
	j := 0
	for j < len(r.entries)-1 {
		other := r.entries[j]
		if j >= i {
			other = r.entries[j+1]
		}
		if dated && !before(other, p) {
			break
		}
		if _, ok := lastAt(other); !dated && !ok {
			break
		}
		j++
	}
	r.move(i, j)
}

// move relocates entries[from] to final index to, shifting the entries in
// between by one.
func (r *Roster) move(from, to int) {
	if to == from {
		return
	}
	p := r.entries[from]
	if to < from {
		copy(r.entries[to+1:from+1], r.entries[to:from])
	} else {
		copy(r.entries[from:to], r.entries[from+1:to+1])
	}
	r.entries[to] = p
}

// SetLast records m as the partner's last message when it is at least as new
// as the current one.
func (r *Roster) SetLast(id string, m *Message) bool {
	return r.Touch(id, func(p *Partner) {
		if p.Last == nil || !m.CreatedAt.Before(p.Last.At) || p.Last.MessageID == m.ID || p.Last.MessageID == m.Key {
			p.Last = lastFrom(m)
		}
	})
}

// UpdateLast refreshes the summary if it still describes the message
// addressed by m's key or server id. Order does not change.
func (r *Roster) UpdateLast(id string, m *Message) bool {
	p := r.entry(id)
	if p == nil || p.Last == nil {
		return false
	}
	if p.Last.MessageID != m.ID && p.Last.MessageID != m.Key {
		return false
	}
	at := p.Last.At
	p.Last = lastFrom(m)
	if p.Last.At.IsZero() {
		p.Last.At = at
	}
	return true
}

// IncrementUnread adds one unread message for id.
func (r *Roster) IncrementUnread(id string) bool {
	p := r.entry(id)
	if p == nil {
		return false
	}
	p.Unread++
	return true
}

// ResetUnread clears the unread count for id.
func (r *Roster) ResetUnread(id string) bool {
	p := r.entry(id)
	if p == nil {
		return false
	}
	p.Unread = 0
	return true
}

// SetRelationship updates block and friendship flags for id.
func (r *Roster) SetRelationship(id string, fn func(p *Partner)) bool {
	p := r.entry(id)
	if p == nil {
		return false
	}
	fn(p)
	return true
}

// Partners returns copies of the entries in roster order.
func (r *Roster) Partners() []Partner {
	out := make([]Partner, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, *p)
	}
	return out
}

// View returns the roster with derived fields. A partner is new when its
// account is younger than the new-contact window and no message was ever
// exchanged. Blocked partners, in either direction, show the default avatar
// and no presence.
func (r *Roster) View(now time.Time, online OnlineSet) []PartnerView {
	out := make([]PartnerView, 0, len(r.entries))
	for _, p := range r.entries {
		v := PartnerView{Partner: *p}
		v.IsNew = p.Last == nil && !p.CreatedAt.IsZero() && now.Sub(p.CreatedAt) < r.newWindow
		if p.Blocked || p.BlockedBy {
			v.Avatar = r.defaultAvatar
		} else if online != nil {
			v.Online = online.IsOnline(p.ID)
		}
		out = append(out, v)
	}
	return out
}
