package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the current configuration and check that the server is reachable with the stored token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		fmt.Printf("  Typing:      %s\n", valueOrDefault(cfg.Engine.TypingTimeout, "(default)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))

		fmt.Println()
		fmt.Println("Live status:")
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Server:      unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Server:      ok (%s)\n", client.BaseURL())

		partners, err := client.FetchRoster(ctx)
		if err != nil {
			fmt.Printf("  Roster:      error (%v)\n", err)
			return nil
		}
		unread := 0
		for _, p := range partners {
			unread += p.Unread
		}
		fmt.Printf("  Partners:    %d\n", len(partners))
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}
