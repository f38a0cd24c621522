package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type emission struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu      sync.Mutex
	emitted []emission
	acks    []AckFunc
	err     error
}

func (c *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.emitted = append(c.emitted, emission{event: event, payload: payload})
	return nil
}

func (c *fakeChannel) EmitWithAck(_ context.Context, event string, payload any, ack AckFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.emitted = append(c.emitted, emission{event: event, payload: payload})
	c.acks = append(c.acks, ack)
	return nil
}

// ack resolves the i-th emission that asked for an acknowledgement.
func (c *fakeChannel) ack(i int, data string, err error) {
	c.mu.Lock()
	fn := c.acks[i]
	c.mu.Unlock()
	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	fn(raw, err)
}

func (c *fakeChannel) all() []emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emission(nil), c.emitted...)
}

func (c *fakeChannel) named(event string) []emission {
	var out []emission
	for _, em := range c.all() {
		if em.event == event {
			out = append(out, em)
		}
	}
	return out
}

type fakeAPI struct {
	mu          sync.Mutex
	roster      []Partner
	history     map[string][]Message
	forwarded   []Message
	err         error
	rosterCalls int
	calls       []string
	onHistory   func(peerID string)
}

func (a *fakeAPI) record(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return a.err
}

func (a *fakeAPI) setRoster(partners []Partner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roster = partners
}

func (a *fakeAPI) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *fakeAPI) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAPI) FetchRoster(context.Context) ([]Partner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rosterCalls++
	if a.err != nil {
		return nil, a.err
	}
	return append([]Partner(nil), a.roster...), nil
}

func (a *fakeAPI) FetchHistory(_ context.Context, peerID string, _ *HistoryOptions) ([]Message, error) {
	if a.onHistory != nil {
		a.onHistory(peerID)
	}
	if err := a.record("history " + peerID); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history[peerID], nil
}

func (a *fakeAPI) EditMessage(_ context.Context, id, text string) (*Message, error) {
	return nil, a.record("edit " + id)
}

func (a *fakeAPI) ReactMessage(_ context.Context, id, emoji string) ([]Reaction, error) {
	return nil, a.record("react " + id)
}

func (a *fakeAPI) PinMessage(_ context.Context, id string, pinned bool) error {
	return a.record("pin " + id)
}

func (a *fakeAPI) VotePoll(_ context.Context, id string, option int) (*Poll, error) {
	return nil, a.record("vote " + id)
}

func (a *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	return a.record("delete " + id)
}

func (a *fakeAPI) ForwardMessage(_ context.Context, id string, to []string) ([]Message, error) {
	if err := a.record("forward " + id); err != nil {
		return nil, err
	}
	return a.forwarded, nil
}

func (a *fakeAPI) FriendRequests(context.Context) ([]FriendRequest, error) {
	return nil, a.record("friend requests")
}

func (a *fakeAPI) AcceptFriend(_ context.Context, id string) error {
	return a.record("accept " + id)
}

func (a *fakeAPI) RejectFriend(_ context.Context, id string) error {
	return a.record("reject " + id)
}

func (a *fakeAPI) BlockUser(_ context.Context, id string) error {
	return a.setBlockedOnServer(id, true)
}

func (a *fakeAPI) UnblockUser(_ context.Context, id string) error {
	return a.setBlockedOnServer(id, false)
}

func (a *fakeAPI) setBlockedOnServer(id string, blocked bool) error {
	if err := a.record(fmt.Sprintf("block %s %t", id, blocked)); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.roster {
		if a.roster[i].ID == id {
			a.roster[i].Blocked = blocked
		}
	}
	return nil
}

type recorder struct {
	mu      sync.Mutex
	calls   []string
	onClick func()
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) ShowSystemNotification(title, body, icon, tag string) {
	r.add("system " + title + ": " + body)
}

func (r *recorder) ShowInAppBanner(msg Message, sender Partner, onClick func()) {
	r.mu.Lock()
	r.onClick = onClick
	r.mu.Unlock()
	r.add("banner " + sender.ID)
}

func (r *recorder) PlaySound() { r.add("sound") }

func (r *recorder) NotifyFailure(message string) { r.add("failure " + message) }

// ============================================================================
// Harness
// ============================================================================

var now0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	*Engine
	ch     *fakeChannel
	api    *fakeAPI
	rec    *recorder
	reg    *prometheus.Registry
	online *PresenceSet
}

// newHarness starts an engine for alice whose roster holds bob and carol.
func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()
	return newHarnessWith(t, []Partner{partnerAt("bob", t0), partnerAt("carol", t0.Add(-time.Hour))}, opts...)
}

func newHarnessWith(t *testing.T, partners []Partner, opts ...EngineOption) *harness {
	t.Helper()
	h := &harness{
		ch:     &fakeChannel{},
		api:    &fakeAPI{roster: partners, history: map[string][]Message{}},
		rec:    &recorder{},
		reg:    prometheus.NewRegistry(),
		online: NewPresenceSet(),
	}
	session := Session{UserID: "alice", Channel: h.ch, Online: h.online}
	base := []EngineOption{
		WithDispatcher(h.rec),
		WithMetrics(NewMetrics(h.reg)),
		WithClock(func() time.Time { return now0 }),
	}
	h.Engine = NewEngine(session, h.api, append(base, opts...)...)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Close)
	return h
}

func inbound(from, id, text string) Message {
	return Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: "alice",
		Text:       text,
		Status:     StatusDelivered,
		CreatedAt:  now0,
	}
}

func (h *harness) partner(t *testing.T, id string) Partner {
	t.Helper()
	p, ok := h.Partner(id)
	require.True(t, ok, "partner %s", id)
	return p
}

func (h *harness) message(t *testing.T, id string) Message {
	t.Helper()
	m, ok := h.Message(id)
	require.True(t, ok, "message %s", id)
	return m
}

// sendAcked sends text to peer and acknowledges it with serverID.
func (h *harness) sendAcked(t *testing.T, peer, text, serverID string) string {
	t.Helper()
	key, err := h.Send(context.Background(), SendOptions{To: peer, Text: text})
	require.NoError(t, err)
	h.ch.mu.Lock()
	i := len(h.ch.acks) - 1
	h.ch.mu.Unlock()
	h.ch.ack(i, fmt.Sprintf(`{"id":%q,"senderId":"alice","receiverId":%q,"text":%q,"status":"sent"}`, serverID, peer, text), nil)
	return key
}

func (h *harness) dropped(event, reason string) float64 {
	return testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues(event, reason))
}

// ============================================================================
// Foreground and Background Delivery
// ============================================================================

func TestSendToOnlinePeerIsDeliveredAtOnce(t *testing.T) {
	h := newHarness(t)
	h.online.Add("bob")

	key, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
	require.NoError(t, err)

	m := h.message(t, key)
	assert.Equal(t, StatusDelivered, m.Status)
	assert.Empty(t, m.ID)
	assert.Equal(t, key, h.partner(t, "bob").Last.MessageID)

	sent := h.ch.named(EmitSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, key, sent[0].payload.(Message).Key)
	assert.Equal(t, StatusDelivered, sent[0].payload.(Message).Status)

	h.ch.ack(0, `{"id":"srv-1","senderId":"alice","receiverId":"bob","text":"hi","status":"sent"}`, nil)

	m = h.message(t, key)
	assert.Equal(t, "srv-1", m.ID)
	assert.Equal(t, key, m.Key)
	assert.Equal(t, StatusDelivered, m.Status, "acknowledgement must not downgrade")
	assert.Equal(t, key, h.message(t, "srv-1").Key)
	assert.Equal(t, "srv-1", h.partner(t, "bob").Last.MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SendsTotal.WithLabelValues("acked")))
}

func TestForegroundMessageArrivesRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.OpenConversation(context.Background(), "bob"))
	h.SetFocused(true)

	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	m := h.message(t, "m1")
	assert.Equal(t, StatusRead, m.Status)
	assert.Equal(t, "m1", m.Key)
	assert.Equal(t, 0, h.partner(t, "bob").Unread)
	assert.Equal(t, "hey", h.partner(t, "bob").Last.Text)
	assert.Equal(t, []emission{{event: EmitMarkMessagesAsRead, payload: markReadPayload{UserID: "bob"}}}, h.ch.all())
	assert.Empty(t, h.rec.get())
}

func TestBackgroundConversationCountsUnread(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.OpenConversation(context.Background(), "carol"))
	h.SetFocused(true)

	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	bob := h.partner(t, "bob")
	assert.Equal(t, 1, bob.Unread)
	assert.Equal(t, "hey", bob.Last.Text)
	assert.Empty(t, h.Messages("carol"))
	require.Len(t, h.Messages("bob"), 1)
	assert.Equal(t, StatusDelivered, h.Messages("bob")[0].Status)
	assert.Equal(t, []string{"banner bob", "sound"}, h.rec.get())
	assert.Empty(t, h.ch.named(EmitMarkMessagesAsRead))

	h.rec.mu.Lock()
	click := h.rec.onClick
	h.rec.mu.Unlock()
	require.NotNil(t, click)
	click()
	assert.Equal(t, "bob", h.Selected())
	assert.Equal(t, 0, h.partner(t, "bob").Unread)
}

func TestUnfocusedWindowShowsSystemNotification(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	assert.Equal(t, []string{"system bob: hey"}, h.rec.get())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Notifications.WithLabelValues("system")))
}

func TestPeerReadMyMessages(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.OpenConversation(context.Background(), "bob"))
	k1 := h.sendAcked(t, "bob", "one", "srv-1")
	k2 := h.sendAcked(t, "bob", "two", "srv-2")
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})
	require.Equal(t, 1, h.partner(t, "bob").Unread)

	h.Apply(MessagesRead{ReadBy: "bob", ChatWith: "alice"})

	assert.Equal(t, StatusRead, h.message(t, k1).Status)
	assert.Equal(t, StatusRead, h.message(t, k2).Status)
	assert.Equal(t, StatusDelivered, h.message(t, "m1").Status, "inbound messages are untouched")
	assert.Equal(t, 0, h.partner(t, "bob").Unread)
}

func TestReadOnAnotherDevice(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})
	require.Equal(t, 1, h.partner(t, "bob").Unread)

	h.Apply(MessagesRead{ReadBy: "alice", ChatWith: "bob"})

	assert.Equal(t, StatusRead, h.message(t, "m1").Status)
	assert.Equal(t, 0, h.partner(t, "bob").Unread)
}

func TestDeleteOfUncachedMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	before := h.Roster()

	assert.NotPanics(t, func() { h.Apply(MessageDeleted{Message: Message{ID: "scrolled-out"}}) })

	assert.Empty(t, h.Messages("bob"))
	assert.Equal(t, before, h.Roster())
	assert.Equal(t, 1.0, h.dropped(EventDeleteMessageForAll, "stale"))
}

// ============================================================================
// Properties
// ============================================================================

func TestApplyIsIdempotent(t *testing.T) {
	events := []Event{
		NewMessage{Message: inbound("bob", "m1", "hey")},
		MessageDelivered{MessageID: "srv-1", Status: StatusDelivered},
		MessagesRead{ReadBy: "bob", ChatWith: "alice"},
		ReactionsUpdated{MessageID: "m1", Reactions: []Reaction{{UserID: "bob", Emoji: "👍"}}},
		MessagePinned{MessageID: "m1", IsPinned: true},
		MessageEdited{Message: Message{ID: "m1", Text: "hey!"}},
		MessageDeleted{Message: Message{ID: "srv-1"}},
	}
	for _, ev := range events {
		t.Run(ev.EventName(), func(t *testing.T) {
			h := newHarness(t)
			h.sendAcked(t, "bob", "hi", "srv-1")
			h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

			h.Apply(ev)
			msgs, roster := h.Messages("bob"), h.Roster()
			h.Apply(ev)

			assert.Equal(t, msgs, h.Messages("bob"))
			assert.Equal(t, roster, h.Roster())
		})
	}
}

func TestRedeliveredMessageIsStoredOnce(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey again")})

	msgs := h.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hey", msgs[0].Text)
	assert.Equal(t, 1, h.partner(t, "bob").Unread)
	assert.Equal(t, 1.0, h.dropped(EventNewMessage, "duplicate"))
}

func TestStatusNeverRegresses(t *testing.T) {
	steps := map[string]Event{
		"delivered": MessageDelivered{MessageID: "srv-1", Status: StatusDelivered},
		"read":      MessageDelivered{MessageID: "srv-1", Status: StatusRead},
		"sent":      MessageDelivered{MessageID: "srv-1", Status: StatusSent},
		"bulk":      MessagesDelivered{SenderID: "alice", ReceiverID: "bob"},
		"seen":      MessagesRead{ReadBy: "bob", ChatWith: "alice"},
	}
	orders := [][]string{
		{"delivered", "read", "sent"},
		{"read", "delivered", "bulk"},
		{"sent", "bulk", "seen", "delivered"},
		{"seen", "sent", "read", "bulk"},
		{"bulk", "sent", "delivered"},
	}
	for _, order := range orders {
		t.Run(strings.Join(order, ","), func(t *testing.T) {
			h := newHarness(t)
			key := h.sendAcked(t, "bob", "hi", "srv-1")

			prev := h.message(t, key).Status
			var want Status = StatusSent
			for _, name := range order {
				h.Apply(steps[name])
				got := h.message(t, key).Status
				assert.GreaterOrEqual(t, int(got), int(prev), "regressed after %s", name)
				prev = got
				switch name {
				case "read", "seen":
					want = Merge(want, StatusRead)
				case "delivered", "bulk":
					want = Merge(want, StatusDelivered)
				}
			}
			assert.Equal(t, want, prev)
		})
	}
}

func TestLocalKeyIsStable(t *testing.T) {
	h := newHarness(t)
	key, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
	require.NoError(t, err)
	keys := func() []string {
		var out []string
		for _, m := range h.Messages("bob") {
			out = append(out, m.Key)
		}
		return out
	}
	require.Equal(t, []string{key}, keys())

	h.ch.ack(0, `{"id":"srv-1","senderId":"alice","receiverId":"bob","text":"hi","status":"sent"}`, nil)
	assert.Equal(t, []string{key}, keys())

	h.Apply(MessageDelivered{MessageID: "srv-1", Status: StatusDelivered})
	h.Apply(NewMessage{Message: Message{ID: "srv-1", Key: key, SenderID: "alice", ReceiverID: "bob", Text: "hi", Status: StatusDelivered, CreatedAt: now0}})
	h.Apply(MessagesRead{ReadBy: "bob", ChatWith: "alice"})

	assert.Equal(t, []string{key}, keys())
	assert.Equal(t, StatusRead, h.message(t, key).Status)
}

func TestOwnEchoBeforeAck(t *testing.T) {
	t.Run("without local key", func(t *testing.T) {
		h := newHarness(t)
		key, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
		require.NoError(t, err)

		h.Apply(NewMessage{Message: Message{ID: "s1", SenderID: "alice", ReceiverID: "bob", Text: "hi", Status: StatusSent, CreatedAt: now0}})
		require.Len(t, h.Messages("bob"), 1)
		assert.Equal(t, "s1", h.partner(t, "bob").Last.MessageID)

		h.ch.ack(0, `{"id":"s1","senderId":"alice","receiverId":"bob","text":"hi","status":"sent"}`, nil)

		msgs := h.Messages("bob")
		require.Len(t, msgs, 1)
		assert.Equal(t, key, msgs[0].Key)
		assert.Equal(t, "s1", msgs[0].ID)
		assert.Equal(t, "s1", h.partner(t, "bob").Last.MessageID)
	})

	t.Run("after ack", func(t *testing.T) {
		h := newHarness(t)
		h.sendAcked(t, "bob", "hi", "s1")

		h.Apply(NewMessage{Message: Message{ID: "s1", SenderID: "alice", ReceiverID: "bob", Text: "hi", Status: StatusSent, CreatedAt: now0}})

		assert.Len(t, h.Messages("bob"), 1)
		assert.Equal(t, 1.0, h.dropped(EventNewMessage, "duplicate"))
	})
}

func TestUnreadAndReadAreExclusive(t *testing.T) {
	cases := []struct {
		name     string
		selected string
		focused  bool
	}{
		{"open and focused", "bob", true},
		{"open unfocused", "bob", false},
		{"other open", "carol", true},
		{"nothing open", "", false},
		{"nothing open focused", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.selected != "" {
				require.NoError(t, h.OpenConversation(context.Background(), tc.selected))
			}
			h.SetFocused(tc.focused)

			h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

			counted := h.partner(t, "bob").Unread == 1
			read := h.message(t, "m1").Status == StatusRead
			assert.True(t, counted != read, "counted=%v read=%v", counted, read)
		})
	}
}

// ============================================================================
// Inbound Edge Cases
// ============================================================================

func TestInboundRejections(t *testing.T) {
	h := newHarness(t)

	scheduled := inbound("bob", "m1", "later")
	scheduled.Status = StatusScheduled
	h.Apply(NewMessage{Message: scheduled})

	stranger := inbound("bob", "m2", "not for me")
	stranger.ReceiverID = "carol"
	h.Apply(NewMessage{Message: stranger})

	assert.Empty(t, h.Messages("bob"))
	assert.Empty(t, h.Messages("carol"))
	assert.Equal(t, 2.0, h.dropped(EventNewMessage, "invalid"))
}

func TestBlockedSenderIsSilent(t *testing.T) {
	bob := partnerAt("bob", t0)
	bob.Blocked = true
	h := newHarnessWith(t, []Partner{bob})

	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	assert.Len(t, h.Messages("bob"), 1)
	assert.Empty(t, h.rec.get())
}

func TestBlockedSenderInOpenConversationIsRead(t *testing.T) {
	bob := partnerAt("bob", t0)
	bob.Blocked = true
	h := newHarnessWith(t, []Partner{bob})
	require.NoError(t, h.OpenConversation(context.Background(), "bob"))
	h.SetFocused(true)

	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	assert.Equal(t, StatusRead, h.message(t, "m1").Status)
	assert.Equal(t, 0, h.partner(t, "bob").Unread)
	assert.NotEmpty(t, h.ch.named(EmitMarkMessagesAsRead))
	assert.Empty(t, h.rec.get())
}

func TestUnknownSenderRefetchesRoster(t *testing.T) {
	h := newHarness(t)
	h.api.setRoster([]Partner{partnerAt("bob", t0), partnerAt("carol", t0), {ID: "dave", Name: "Dave"}})

	h.Apply(NewMessage{Message: inbound("dave", "m1", "hello")})

	assert.Len(t, h.Messages("dave"), 1)
	assert.Eventually(t, func() bool {
		_, ok := h.Partner("dave")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Dave", h.partner(t, "dave").Name)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.RosterRefetches), 1.0)
}

func TestUserOnlineNudgesPendingMessages(t *testing.T) {
	h := newHarness(t)
	h.sendAcked(t, "bob", "hi", "srv-1")

	h.Apply(UserOnline{UserID: "carol"})
	assert.Empty(t, h.ch.named(EmitUpdatePendingMessages))

	h.Apply(UserOnline{UserID: "bob"})
	assert.True(t, h.online.IsOnline("bob"))
	assert.Equal(t, []emission{{
		event:   EmitUpdatePendingMessages,
		payload: pendingPayload{SenderID: "alice", ReceiverID: "bob"},
	}}, h.ch.named(EmitUpdatePendingMessages))

	h.Apply(UserOffline{UserID: "bob"})
	assert.False(t, h.online.IsOnline("bob"))
	h.Apply(OnlineUsers{UserIDs: []string{"carol"}})
	assert.True(t, h.online.IsOnline("carol"))
}

func TestTypingTrackedForOpenConversation(t *testing.T) {
	var mu sync.Mutex
	var flips []string
	h := newHarness(t,
		WithOptions(Options{TypingTimeout: time.Minute}),
		WithTypingListener(func(peer string, on bool) {
			mu.Lock()
			defer mu.Unlock()
			flips = append(flips, fmt.Sprintf("%s:%t", peer, on))
		}),
	)

	h.Apply(TypingStarted{SenderID: "bob"})
	assert.False(t, h.IsTyping("bob"))

	require.NoError(t, h.OpenConversation(context.Background(), "bob"))
	h.Apply(TypingStarted{SenderID: "bob"})
	assert.True(t, h.IsTyping("bob"))

	require.NoError(t, h.OpenConversation(context.Background(), "carol"))
	assert.False(t, h.IsTyping("bob"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bob:true", "bob:false"}, flips)
}

func TestRelationshipEventUpdatesRoster(t *testing.T) {
	h := newHarness(t)
	bob := partnerAt("bob", t0)
	bob.BlockedBy = true
	h.api.setRoster([]Partner{bob, partnerAt("carol", t0.Add(-time.Hour))})

	h.Apply(RelationshipChanged{UserID: "bob", Kind: RelationshipBlocked})
	assert.True(t, h.partner(t, "bob").BlockedBy)

	for _, p := range h.Roster() {
		if p.ID == "bob" {
			assert.Equal(t, DefaultAvatar, p.Avatar)
		}
	}
}

// ============================================================================
// Actions
// ============================================================================

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.Send(context.Background(), SendOptions{Text: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.Send(context.Background(), SendOptions{To: "bob", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.ch.all())
}

func TestSendScheduled(t *testing.T) {
	h := newHarness(t)
	h.online.Add("bob")
	key, err := h.Schedule(context.Background(), SendOptions{To: "bob", Text: "later"}, now0.Add(time.Hour))
	require.NoError(t, err)

	m := h.message(t, key)
	assert.Equal(t, StatusScheduled, m.Status)

	h.ch.ack(0, `{"id":"srv-9"}`, nil)
	h.Apply(MessageDelivered{MessageID: "srv-9", Status: StatusDelivered})
	assert.Equal(t, StatusScheduled, h.message(t, key).Status)
	assert.Equal(t, 1.0, h.dropped(EventMessageDelivered, "invalid"))
}

func TestSendAckFailure(t *testing.T) {
	t.Run("removes the message", func(t *testing.T) {
		h := newHarness(t)
		key, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
		require.NoError(t, err)

		h.ch.ack(0, "", errors.New("rate limited"))

		_, ok := h.Message(key)
		assert.False(t, ok)
		assert.Empty(t, h.Messages("bob"))
		assert.Equal(t, "bob-last", h.partner(t, "bob").Last.MessageID)
		assert.Equal(t, []string{"failure Failed to send message: rate limited"}, h.rec.get())
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SendsTotal.WithLabelValues("failed")))
	})

	t.Run("retains a failed message", func(t *testing.T) {
		h := newHarness(t, WithOptions(Options{RetainFailedSends: true}))
		key, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
		require.NoError(t, err)

		h.ch.ack(0, "", ErrAckTimeout)

		assert.Equal(t, StatusFailed, h.message(t, key).Status)
		assert.Equal(t, StatusFailed, h.partner(t, "bob").Last.Status)
	})

	t.Run("emit error", func(t *testing.T) {
		h := newHarness(t)
		h.ch.err = ErrNotConnected

		key, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Empty(t, key)
		assert.Empty(t, h.Messages("bob"))
	})
}

func TestReact(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	require.NoError(t, h.React(context.Background(), "m1", "👍"))
	assert.Equal(t, []Reaction{{UserID: "alice", Emoji: "👍"}}, h.message(t, "m1").Reactions)
	assert.Contains(t, h.api.recorded(), "react m1")

	h.api.setErr(errors.New("offline"))
	assert.Error(t, h.React(context.Background(), "m1", "🎉"))
	assert.Equal(t, []Reaction{{UserID: "alice", Emoji: "👍"}}, h.message(t, "m1").Reactions)
	assert.Equal(t, []string{"system bob: hey", "failure Failed to react: offline"}, h.rec.get())
}

func TestActionTargets(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})
	pending, err := h.Send(context.Background(), SendOptions{To: "bob", Text: "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Edit(context.Background(), "m1", "changed"), ErrNotSender)
	assert.ErrorIs(t, h.Edit(context.Background(), pending, "changed"), ErrPending)
	assert.ErrorIs(t, h.Pin(context.Background(), "missing", true), ErrNotFound)
	assert.ErrorIs(t, h.Vote(context.Background(), "m1", 0), ErrInvalidVote)

	h.Apply(MessageDeleted{Message: Message{ID: "m1"}})
	assert.ErrorIs(t, h.React(context.Background(), "m1", "👍"), ErrDeleted)
	assert.Empty(t, h.api.recorded())
}

func TestEditAndPin(t *testing.T) {
	h := newHarness(t)
	key := h.sendAcked(t, "bob", "hi", "srv-1")

	require.NoError(t, h.Edit(context.Background(), key, "hello"))
	m := h.message(t, key)
	assert.Equal(t, "hello", m.Text)
	assert.True(t, m.Edited)
	assert.Equal(t, "hello", h.partner(t, "bob").Last.Text)

	h.api.setErr(errors.New("offline"))
	assert.Error(t, h.Pin(context.Background(), key, true))
	assert.False(t, h.message(t, key).Pinned)
	assert.Error(t, h.Edit(context.Background(), key, "again"))
	assert.Equal(t, "hello", h.message(t, key).Text)
}

func TestDeleteForAll(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		key := h.sendAcked(t, "bob", "hi", "srv-1")

		require.NoError(t, h.DeleteForAll(context.Background(), key))

		m := h.message(t, key)
		assert.True(t, m.Deleted())
		assert.Equal(t, DeletedText, h.partner(t, "bob").Last.Text)
		assert.Contains(t, h.api.recorded(), "delete srv-1")
		assert.Equal(t, []emission{{event: EmitDeleteMessageForAll, payload: deletePayload{MessageID: "srv-1"}}},
			h.ch.named(EmitDeleteMessageForAll))
	})

	t.Run("rollback", func(t *testing.T) {
		h := newHarness(t)
		key := h.sendAcked(t, "bob", "hi", "srv-1")
		h.api.setErr(errors.New("offline"))

		assert.Error(t, h.DeleteForAll(context.Background(), key))

		m := h.message(t, key)
		assert.False(t, m.Deleted())
		assert.Equal(t, "hi", m.Text)
		assert.Empty(t, h.ch.named(EmitDeleteMessageForAll))
	})
}

func TestForward(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})
	h.api.forwarded = []Message{{ID: "fw-1", SenderID: "alice", ReceiverID: "carol", Text: "hey", Status: StatusSent, CreatedAt: now0}}

	require.NoError(t, h.Forward(context.Background(), "m1", []string{"carol"}))

	msgs := h.Messages("carol")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Forwarded)
	assert.Equal(t, "fw-1", h.partner(t, "carol").Last.MessageID)
}

func TestBlock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.Block(context.Background(), "carol"))
	assert.True(t, h.partner(t, "carol").Blocked)
	assert.Contains(t, h.api.recorded(), "block carol true")

	h.api.setErr(errors.New("offline"))
	assert.Error(t, h.Unblock(context.Background(), "carol"))
	assert.True(t, h.partner(t, "carol").Blocked)
}

func TestOpenConversation(t *testing.T) {
	t.Run("marks history read", func(t *testing.T) {
		bob := partnerAt("bob", t0)
		bob.Unread = 2
		h := newHarnessWith(t, []Partner{bob})
		h.api.history["bob"] = []Message{inbound("bob", "m1", "one"), inbound("bob", "m2", "two")}
		h.SetFocused(true)

		require.NoError(t, h.OpenConversation(context.Background(), "bob"))

		for _, m := range h.Messages("bob") {
			assert.Equal(t, StatusRead, m.Status)
		}
		assert.Len(t, h.Messages("bob"), 2)
		assert.Equal(t, 0, h.partner(t, "bob").Unread)
		assert.NotEmpty(t, h.ch.named(EmitMarkMessagesAsRead))
	})

	t.Run("late history is stored unread", func(t *testing.T) {
		h := newHarness(t)
		h.api.history["bob"] = []Message{inbound("bob", "m1", "one")}
		h.api.onHistory = func(string) { h.CloseConversation() }
		h.SetFocused(true)

		require.NoError(t, h.OpenConversation(context.Background(), "bob"))

		assert.Equal(t, StatusDelivered, h.message(t, "m1").Status)
		assert.Empty(t, h.ch.named(EmitMarkMessagesAsRead))
	})

	t.Run("keeps send acked during load", func(t *testing.T) {
		h := newHarness(t)
		var key string
		h.api.onHistory = func(string) { key = h.sendAcked(t, "bob", "hi", "s9") }

		require.NoError(t, h.OpenConversation(context.Background(), "bob"))

		msgs := h.Messages("bob")
		require.Len(t, msgs, 1)
		assert.Equal(t, key, msgs[0].Key)
		assert.Equal(t, "s9", msgs[0].ID)
		assert.Equal(t, "hi", msgs[0].Text)
	})

	t.Run("failure", func(t *testing.T) {
		h := newHarness(t)
		h.api.setErr(errors.New("offline"))

		assert.Error(t, h.OpenConversation(context.Background(), "bob"))
		assert.Equal(t, "bob", h.Selected())
		assert.Equal(t, []string{"failure Failed to load messages: offline"}, h.rec.get())
	})
}

func TestCloseClearsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.OpenConversation(context.Background(), "bob"))
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})

	h.Close()

	assert.Empty(t, h.Messages("bob"))
	assert.Empty(t, h.Roster())
	assert.Empty(t, h.Selected())

	require.NoError(t, h.Start(context.Background()))
	assert.Len(t, h.Roster(), 2)
}

func TestMetricsRegistered(t *testing.T) {
	h := newHarness(t)
	h.Apply(NewMessage{Message: inbound("bob", "m1", "hey")})
	h.Apply(MessageDelivered{MessageID: "nope", Status: StatusRead})

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsApplied.WithLabelValues(EventNewMessage)))
	assert.Equal(t, 1.0, h.dropped(EventMessageDelivered, "stale"))

	families, err := h.reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "chatsync_events_applied_total")
	assert.Contains(t, names, "chatsync_events_dropped_total")
}
