package main

import (
	"fmt"
	"sort"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration the engine will run with",
	Long: "Print the configuration after CHATSYNC_* overrides, with the token masked and\n" +
		"engine durations resolved to the values the engine will use.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		shown, warnings := effectiveConfig(cfg)
		for _, w := range warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}
		data, err := toml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.environment, default.base_url, auth.token, auth.user_id,\n" +
		"auth.username, engine.typing_timeout, engine.new_contact_window.\n" +
		"Example: chatsync config set engine.typing_timeout 5s",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// effectiveConfig returns a copy of cfg as the engine sees it: the token
// masked and both engine durations resolved. Durations that do not parse are
// reported and shown at their default.
func effectiveConfig(cfg *Config) (*Config, []string) {
	shown := *cfg
	if cfg.Auth.Token != "" {
		shown.Auth.Token = maskKey(cfg.Auth.Token)
	}
	shown.Default.Environment = valueOrDefault(cfg.Default.Environment, "production")

	var warnings []string
	for name, raw := range map[string]string{
		"typing_timeout":     cfg.Engine.TypingTimeout,
		"new_contact_window": cfg.Engine.NewContactWindow,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("engine.%s %q is not a duration, using the default", name, raw))
		}
	}
	sort.Strings(warnings)

	o := engineOptions(cfg).Effective()
	shown.Engine.TypingTimeout = o.TypingTimeout.String()
	shown.Engine.NewContactWindow = o.NewContactWindow.String()
	return &shown, warnings
}
