package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/parleychat/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// getConfig loads the config file with environment overrides applied.
func getConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	return cfg
}

// getClient creates an API client authenticated with the session token.
func getClient(cfg *Config) *chatsync.Client {
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'chatsync init <token> --user-id <id>' first.")
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, chatsync.WithEnvironment(chatsync.Environment(cfg.Default.Environment)))
	}

	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// engineOptions converts the [engine] section. Invalid durations were
// rejected by 'config set'; hand-edited ones fall back to defaults.
func engineOptions(cfg *Config) chatsync.Options {
	var o chatsync.Options
	if d, err := time.ParseDuration(cfg.Engine.TypingTimeout); err == nil {
		o.TypingTimeout = d
	}
	if d, err := time.ParseDuration(cfg.Engine.NewContactWindow); err == nil {
		o.NewContactWindow = d
	}
	return o
}

// session bundles a running engine with its push channel.
type session struct {
	engine *chatsync.Engine
	ws     *chatsync.WSChannel
	log    *zap.Logger
}

func (s *session) Close() {
	_ = s.ws.Disconnect()
	s.engine.Close()
	_ = s.log.Sync()
}

// openSession builds the engine, loads the roster and, when connect is set,
// opens the push channel. reg may be nil.
func openSession(ctx context.Context, connect bool, reg prometheus.Registerer, extra ...chatsync.EngineOption) (*session, error) {
	cfg := getConfig()
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id configured (auth.user_id)")
	}
	client := getClient(cfg)

	log, err := newLogger(debug)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	ws := chatsync.NewWSChannel(client.BaseURL(), &chatsync.RealtimeConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
		Logger:        log,
	})

	opts := []chatsync.EngineOption{
		chatsync.WithOptions(engineOptions(cfg)),
		chatsync.WithLogger(log),
		chatsync.WithDispatcher(chatsync.LogDispatcher{Log: log}),
		chatsync.WithMetrics(chatsync.NewMetrics(reg)),
	}
	engine := chatsync.NewEngine(chatsync.Session{
		UserID:  cfg.Auth.UserID,
		Channel: ws,
		Online:  chatsync.NewPresenceSet(),
	}, client, append(opts, extra...)...)
	ws.OnEvent(engine.Apply)

	s := &session{engine: engine, ws: ws, log: log}
	if connect {
		if err := ws.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if err := engine.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
