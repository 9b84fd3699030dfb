package main

import (
	"fmt"
	"io"
	"os"

	"github.com/greenvcm/chatsync"
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
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with the session token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync config set default.base_url <url>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return renderConfig(cmd.OutOrStdout(), *cfg)
	},
}

// renderConfig writes cfg as TOML with the token masked, then the values a
// session would actually run with.
func renderConfig(w io.Writer, cfg Config) error {
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = maskToken(cfg.Auth.Token)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	window := cfg.Default.Window
	if window <= 0 {
		window = chatsync.DefaultWindow
	}
	cachePath, err := cachePathFor(&cfg)
	if err != nil {
		return err
	}

	fmt.Fprint(w, string(data))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# effective settings")
	fmt.Fprintf(w, "# base_url   = %s\n", valueOrDefault(cfg.Default.BaseURL, "(unset)"))
	fmt.Fprintf(w, "# window     = %d\n", window)
	fmt.Fprintf(w, "# cache_path = %s\n", cachePath)
	fmt.Fprintf(w, "# signed in  = %s\n", valueOrDefault(cfg.Auth.UID, "no"))
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url http://localhost:8787",
	Args:  cobra.ExactArgs(2),
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

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
