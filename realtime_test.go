package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// fakeServer accepts one push connection per test, greets it and answers
// commands: "sendMessage" is acknowledged, "reject" is refused, "silent" is
// never answered and "ping" gets a pong. Frames in push are written right
// after the greeting.
func fakeServer(t *testing.T, greeting string, push ...RealtimeEnvelope) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := context.Background()

		if err := wsjson.Write(ctx, conn, RealtimeEnvelope{Type: greeting, Payload: json.RawMessage(`{"userId":"alice","username":"Alice"}`)}); err != nil {
			return
		}
		for _, env := range push {
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
		for {
			var cmd RealtimeEnvelope
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				return
			}
			var reply *RealtimeEnvelope
			switch cmd.Type {
			case "sendMessage":
				reply = &RealtimeEnvelope{Type: "ack", RequestID: cmd.RequestID, Payload: json.RawMessage(`{"ok":true,"data":{"id":"srv-1"}}`)}
			case "reject":
				reply = &RealtimeEnvelope{Type: "ack", RequestID: cmd.RequestID, Payload: json.RawMessage(`{"ok":false,"error":{"code":"BLOCKED","message":"recipient blocked you"}}`)}
			case "ping":
				reply = &RealtimeEnvelope{Type: "pong", RequestID: cmd.RequestID}
			}
			if reply != nil {
				if err := wsjson.Write(ctx, conn, reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *httptest.Server, cfg *RealtimeConfig, setup ...func(*WSChannel)) *WSChannel {
	t.Helper()
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	cfg.Token = "tok"
	ws := NewWSChannel(srv.URL, cfg)
	for _, fn := range setup {
		fn(ws)
	}
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { _ = ws.Disconnect() })
	return ws
}

type ackResult struct {
	data json.RawMessage
	err  error
}

func awaitAck(t *testing.T, ch <-chan ackResult) ackResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("acknowledgement never arrived")
		return ackResult{}
	}
}

func TestWSChannelConnect(t *testing.T) {
	srv := fakeServer(t, "authenticated")
	var got AuthenticatedPayload
	ws := connect(t, srv, nil, func(ws *WSChannel) {
		ws.OnConnected(func(p AuthenticatedPayload) { got = p })
	})

	assert.Equal(t, StateConnected, ws.State())
	assert.Equal(t, "alice", got.UserID)

	require.NoError(t, ws.Disconnect())
	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Emit(context.Background(), "typing", nil), ErrNotConnected)
}

func TestWSChannelRejectsMissingGreeting(t *testing.T) {
	srv := fakeServer(t, "error")
	ws := NewWSChannel(srv.URL, &RealtimeConfig{Token: "tok"})

	err := ws.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestWSChannelDeliversEventsInOrder(t *testing.T) {
	srv := fakeServer(t, "authenticated",
		RealtimeEnvelope{Type: EventNewMessage, Payload: json.RawMessage(wireMessage)},
		RealtimeEnvelope{Type: "bogus", Payload: json.RawMessage(`{}`)},
		RealtimeEnvelope{Type: EventMessagesRead, Payload: json.RawMessage(`{"readBy":"bob","chatWith":"alice"}`)},
		RealtimeEnvelope{Type: EventTyping, Payload: json.RawMessage(`{"senderId":"bob"}`)},
	)
	var (
		mu     sync.Mutex
		events []Event
	)
	connect(t, srv, nil, func(ws *WSChannel) {
		ws.OnEvent(func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		})
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", events[0].(NewMessage).Message.ID)
	assert.Equal(t, MessagesRead{ReadBy: "bob", ChatWith: "alice"}, events[1])
	assert.Equal(t, TypingStarted{SenderID: "bob"}, events[2])
}

func TestWSChannelAcknowledgements(t *testing.T) {
	srv := fakeServer(t, "authenticated")
	ws := connect(t, srv, &RealtimeConfig{AckTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		ch := make(chan ackResult, 1)
		require.NoError(t, ws.EmitWithAck(ctx, "sendMessage", Message{Text: "hi"}, func(data json.RawMessage, err error) {
			ch <- ackResult{data, err}
		}))
		r := awaitAck(t, ch)
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"id":"srv-1"}`, string(r.data))
	})

	t.Run("rejected", func(t *testing.T) {
		ch := make(chan ackResult, 1)
		require.NoError(t, ws.EmitWithAck(ctx, "reject", nil, func(data json.RawMessage, err error) {
			ch <- ackResult{data, err}
		}))
		r := awaitAck(t, ch)
		var apiErr *APIError
		require.True(t, errors.As(r.err, &apiErr))
		assert.Equal(t, "BLOCKED", apiErr.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		ch := make(chan ackResult, 1)
		require.NoError(t, ws.EmitWithAck(ctx, "silent", nil, func(data json.RawMessage, err error) {
			ch <- ackResult{data, err}
		}))
		assert.ErrorIs(t, awaitAck(t, ch).err, ErrAckTimeout)
	})

	t.Run("ping", func(t *testing.T) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, ws.Ping(pctx))
	})
}

func TestWSChannelDisconnectFailsPending(t *testing.T) {
	srv := fakeServer(t, "authenticated")
	ws := connect(t, srv, &RealtimeConfig{AckTimeout: time.Minute})

	ch := make(chan ackResult, 1)
	require.NoError(t, ws.EmitWithAck(context.Background(), "silent", nil, func(data json.RawMessage, err error) {
		ch <- ackResult{data, err}
	}))
	require.NoError(t, ws.Disconnect())

	assert.ErrorIs(t, awaitAck(t, ch).err, ErrNotConnected)
}

func TestWSChannelNotConnected(t *testing.T) {
	ws := NewWSChannel("http://127.0.0.1:1", nil)
	called := false

	err := ws.EmitWithAck(context.Background(), "sendMessage", nil, func(json.RawMessage, error) { called = true })

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, called)
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})

	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, delays[2], 400*time.Millisecond)
	for _, d := range delays {
		assert.LessOrEqual(t, d, time.Second)
	}

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}
