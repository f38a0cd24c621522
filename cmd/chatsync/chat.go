package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleychat/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// roster
	rosterJSON bool

	// history
	historyJSON bool

	// send
	sendMediaURL  string
	sendMediaKind string
	sendAt        string
	sendTimeout   time.Duration

	// watch
	watchOpen        string
	watchMetricsAddr string
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// roster
// ============================================================================

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "List conversation partners, newest conversation first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		view := s.engine.Roster()
		if rosterJSON {
			return printJSON(view)
		}
		if len(view) == 0 {
			fmt.Println("No conversation partners.")
			return nil
		}
		for _, p := range view {
			flags := ""
			if p.Unread > 0 {
				flags += fmt.Sprintf(" [%d unread]", p.Unread)
			}
			if p.IsNew {
				flags += " [new]"
			}
			if p.Blocked || p.BlockedBy {
				flags += " [blocked]"
			}
			last := "(no messages)"
			if p.Last != nil {
				last = fmt.Sprintf("%s  %s", p.Last.At.Local().Format("Jan 02 15:04"), p.Last.Text)
			}
			fmt.Printf("  %s: %s%s\n      %s\n", p.ID, valueOrDefault(p.Name, p.ID), flags, last)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.OpenConversation(ctx, peer); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		msgs := s.engine.Messages(peer)
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		me := s.engine.UserID()
		for _, m := range msgs {
			who := m.SenderID
			if who == me {
				who = "me"
			}
			extra := ""
			if m.Edited {
				extra += " (edited)"
			}
			if m.Pinned {
				extra += " (pinned)"
			}
			fmt.Printf("[%s] %s: %s%s  <%s>\n", m.CreatedAt.Local().Format("Jan 02 15:04"), who, m.Preview(), extra, m.Status)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text>",
	Short: "Send a message and wait for the server acknowledgement",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, text := args[0], args[1]
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout+15*time.Second)
		defer cancel()

		opts := chatsync.SendOptions{To: peer, Text: text}
		if sendMediaURL != "" {
			opts.Media = &chatsync.Media{URL: sendMediaURL, Kind: chatsync.MediaKind(sendMediaKind)}
		}
		if sendAt != "" {
			at, err := time.Parse(time.RFC3339, sendAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			opts.ScheduledAt = &at
		}

		s, err := openSession(ctx, true, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		key, err := s.engine.Send(ctx, opts)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		deadline := time.Now().Add(sendTimeout)
		for time.Now().Before(deadline) {
			m, ok := s.engine.Message(key)
			switch {
			case !ok || m.Status == chatsync.StatusFailed:
				return errors.New("message was rejected")
			case m.ID != "":
				fmt.Printf("Sent %s (%s)\n", m.ID, m.Status)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return chatsync.ErrAckTimeout
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events through the sync engine",
	Long:  "Connect to the push channel and apply every event to a local cache, logging notifications as they would be shown.\nWith --open, the conversation is treated as open and focused.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		typing := chatsync.WithTypingListener(func(peer string, on bool) {
			if on {
				fmt.Printf("%s is typing...\n", peer)
			}
		})
		s, err := openSession(ctx, true, reg, typing)
		if err != nil {
			return err
		}
		defer s.Close()

		s.ws.OnReconnecting(func(attempt int, delay time.Duration) {
			s.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		})
		s.ws.OnConnected(func(chatsync.AuthenticatedPayload) {
			// Pick up whatever changed while disconnected.
			if err := s.engine.Start(ctx); err != nil {
				s.log.Warn("roster reload failed", zap.Error(err))
			}
		})

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		if watchOpen != "" {
			if err := s.engine.OpenConversation(ctx, watchOpen); err != nil {
				return err
			}
			s.engine.SetFocused(true)
		}

		fmt.Printf("Watching as %s (%d partners). Ctrl-C to stop.\n", s.engine.UserID(), len(s.engine.Roster()))
		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rosterCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)

	rosterCmd.Flags().BoolVar(&rosterJSON, "json", false, "Output JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendMediaURL, "media-url", "", "Attach an uploaded media URL")
	sendCmd.Flags().StringVar(&sendMediaKind, "media-kind", "image", "Media kind: image, video, audio, file")
	sendCmd.Flags().StringVar(&sendAt, "at", "", "Schedule for an RFC 3339 time")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "How long to wait for the acknowledgement")

	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Peer id of the conversation to keep open")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}
