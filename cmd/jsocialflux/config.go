package main

import (
	"fmt"
	"os"
	"strings"

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
	Short: "Manage JSocialFlux configuration",
	Long:  "View or modify the CLI configuration stored in ~/.jsocialflux/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the other commands use: the config file with
JSOCIALFLUX_* environment and .env overrides applied. The token is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path += " (missing, run 'jsocialflux init <base-url>')"
		}
		out, err := renderConfig(cfg, path, activeOverrides())
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// renderConfig formats cfg as TOML with a header naming its sources and the
// realtime endpoint it resolves to.
func renderConfig(cfg *Config, source string, overrides []string) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# file: %s\n", source)
	if len(overrides) > 0 {
		fmt.Fprintf(&b, "# overridden by: %s\n", strings.Join(overrides, ", "))
	}
	fmt.Fprintf(&b, "# realtime url: %s\n", getClient(cfg).RealtimeURL(cfg.Default.WSURL))
	b.Write(data)
	return b.String(), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nKeys: default.base_url, default.ws_url, auth.token, auth.username.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Only the file is edited; environment overrides stay out of it.
		cfg, err := readConfigFile()
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
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
