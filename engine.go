package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Options
// ============================================================================

// DefaultAvatar is shown for blocked partners.
const DefaultAvatar = "/images/default-avatar.png"

// Options tunes the engine. Zero values take defaults.
type Options struct {
	// TypingTimeout clears a peer's typing flag when no renewal arrives.
	TypingTimeout time.Duration
	// NewContactWindow is the account age under which a partner without
	// message history is flagged as new.
	NewContactWindow time.Duration
	DefaultAvatar    string
	// RetainFailedSends keeps a rejected optimistic message as failed
	// instead of removing it.
	RetainFailedSends bool
	// RefetchInterval is the minimum gap between two roster refetches.
	RefetchInterval time.Duration
	// HistoryLimit caps the page size of OpenConversation.
	HistoryLimit int
}

func (o *Options) defaults() {
	if o.TypingTimeout == 0 {
		o.TypingTimeout = 3 * time.Second
	}
	if o.NewContactWindow == 0 {
		o.NewContactWindow = 7 * 24 * time.Hour
	}
	if o.DefaultAvatar == "" {
		o.DefaultAvatar = DefaultAvatar
	}
	if o.RefetchInterval == 0 {
		o.RefetchInterval = time.Second
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = 50
	}
}

// Effective returns o with every unset field replaced by its default.
func (o Options) Effective() Options {
	o.defaults()
	return o
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithOptions(o Options) EngineOption {
	return func(e *Engine) { e.opts = o }
}

func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithDispatcher(d Dispatcher) EngineOption {
	return func(e *Engine) { e.notify = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTypingListener is called whenever a peer's typing flag flips.
func WithTypingListener(fn func(peerID string, typing bool)) EngineOption {
	return func(e *Engine) { e.onTyping = fn }
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the message cache and roster of one authenticated session.
//
// Every entry point (push event, user action, acknowledgement, HTTP
// completion) runs as a single turn under the engine lock. Side effects
// collected during a turn (notifications, emissions, API calls) run after the
// lock is released, so collaborators may call back into the engine.
type Engine struct {
	mu      sync.Mutex
	session Session
	api     API
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	notify  Dispatcher
	now     func() time.Time

	cache    *MessageCache
	roster   *Roster
	typing   *TypingTimer
	onTyping func(peerID string, typing bool)

	selected string
	focused  bool

	ctx           context.Context
	cancel        context.CancelFunc
	limiter       *rate.Limiter
	refetching    bool
	refetchQueued bool
}

// NewEngine creates an engine for session. api serves durable writes and
// fetches.
func NewEngine(session Session, api API, opts ...EngineOption) *Engine {
	e := &Engine{
		session: session,
		api:     api,
		log:     zap.NewNop(),
		notify:  NopDispatcher{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts.defaults()
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.session.Online == nil {
		e.session.Online = NewPresenceSet()
	}
	e.log = e.log.With(zap.String("user", session.UserID))
	e.cache = NewMessageCache()
	e.roster = NewRoster(e.opts.DefaultAvatar, e.opts.NewContactWindow)
	e.typing = NewTypingTimer(e.opts.TypingTimeout, e.typingChanged)
	e.limiter = rate.NewLimiter(rate.Every(e.opts.RefetchInterval), 1)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start loads the roster. It is the session restore step and may be called
// again after Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	e.mu.Unlock()

	partners, err := e.api.FetchRoster(ctx)
	if err != nil {
		e.log.Error("roster fetch failed", zap.Error(err))
		return err
	}
	e.mu.Lock()
	e.roster.Replace(partners)
	e.mu.Unlock()
	e.log.Info("roster loaded", zap.Int("partners", len(partners)))
	return nil
}

// Close tears the session down: cache, roster, typing timers and the open
// conversation are cleared and background refetches are cancelled.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel()
	e.cache.Clear()
	e.roster.Clear()
	e.typing.Reset()
	e.selected = ""
	e.focused = false
	e.refetching = false
	e.refetchQueued = false
}

// ============================================================================
// Turns
// ============================================================================

// effects are side effects deferred until the engine lock is released.
type effects struct {
	fns []effect
}

type effect struct {
	what string
	fn   func()
}

func (fx *effects) add(what string, fn func()) {
	fx.fns = append(fx.fns, effect{what: what, fn: fn})
}

func (e *Engine) run(fx *effects) {
	for _, f := range fx.fns {
		safely(e.log, f.what, f.fn)
	}
}

// turn runs fn under the engine lock and then its collected effects.
func (e *Engine) turn(fn func(fx *effects)) {
	var fx effects
	e.mu.Lock()
	fn(&fx)
	e.mu.Unlock()
	e.run(&fx)
}

func (e *Engine) emit(fx *effects, event string, payload any) {
	ch, ctx := e.session.Channel, e.ctx
	fx.add(event, func() {
		if err := ch.Emit(ctx, event, payload); err != nil {
			e.log.Warn("emit failed", zap.String("event", event), zap.Error(err))
		}
	})
}

func (e *Engine) typingChanged(peerID string, typing bool) {
	if e.onTyping != nil {
		e.onTyping(peerID, typing)
	}
}

// ============================================================================
// Roster Refetch
// ============================================================================

// scheduleRefetch requests a full roster reload. Requests made while one is
// in flight collapse into a single follow-up.
func (e *Engine) scheduleRefetch(fx *effects) {
	if e.refetching {
		e.refetchQueued = true
		return
	}
	e.refetching = true
	ctx := e.ctx
	fx.add("refetch", func() { go e.refetchRoster(ctx) })
}

func (e *Engine) refetchRoster(ctx context.Context) {
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			e.mu.Lock()
			e.refetching = false
			e.mu.Unlock()
			return
		}
		partners, err := e.api.FetchRoster(ctx)
		e.metrics.RosterRefetches.Inc()

		e.mu.Lock()
		if ctx.Err() != nil {
			e.mu.Unlock()
			return
		}
		if err != nil {
			e.log.Error("roster refetch failed", zap.Error(err))
		} else {
			e.roster.Replace(partners)
		}
		again := e.refetchQueued
		e.refetchQueued = false
		e.refetching = again
		e.mu.Unlock()

		if !again {
			return
		}
	}
}

// ============================================================================
// Accessors
// ============================================================================

// UserID returns the current user.
func (e *Engine) UserID() string { return e.session.UserID }

// Selected returns the open conversation's peer, or "".
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Focused reports whether the window has focus.
func (e *Engine) Focused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focused
}

// Messages returns the conversation with peerID in display order.
func (e *Engine) Messages(peerID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Sorted(ConversationID(e.session.UserID, peerID))
}

// Message returns the message addressed by local or server id.
func (e *Engine) Message(id string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(id)
}

// Roster returns the partner list with derived display fields.
func (e *Engine) Roster() []PartnerView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roster.View(e.now(), e.session.Online)
}

// Partner returns one roster entry.
func (e *Engine) Partner(id string) (Partner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roster.Get(id)
}

// IsTyping reports whether peerID is typing to the current user.
func (e *Engine) IsTyping(peerID string) bool {
	return e.typing.IsTyping(peerID)
}
