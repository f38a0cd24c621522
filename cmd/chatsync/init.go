package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUsername string
	initBaseURL  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "your user id (required)")
	initCmd.Flags().StringVar(&initUsername, "username", "", "your display name")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "chat server URL")
	_ = initCmd.MarkFlagRequired("user-id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store session credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your session token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
