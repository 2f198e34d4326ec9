// Package cmd provides the CLI commands for LayerLink.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/layerlink/layerlink/internal/appdir"
	"github.com/layerlink/layerlink/internal/config"
	"github.com/layerlink/layerlink/internal/logging"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

var (
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "layerlink",
	Short: "LayerLink - live browser analytics state for LLM agents",
	Long: `LayerLink lets an MCP client pull live state from one attached browser tab:
the dataLayer, observed GA4 and Meta Pixel hits, GTM preview events, structured
data, page metadata and crawlability signals.

"layerlink serve" runs the MCP tool server and the local relay. "layerlink agent"
connects to Chrome over the DevTools protocol and answers relay requests for the
attached tab.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create LayerLink directory: %w", err)
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Priority: --log-level > --debug > config file.
		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		} else if debug {
			level = "debug"
		}
		components := cfg.Log.Components
		if logComponents != "" {
			components = splitComponents(logComponents)
		}
		lc := logging.Config{
			Level:      level,
			FileLevel:  cfg.Log.FileLevel,
			Components: components,
		}
		path := firstNonEmpty(logFile, cfg.Log.File)
		// The terminal view owns the screen; logs go to a file only.
		if f := cmd.Flags().Lookup("tui"); f != nil && f.Value.String() == "true" {
			lc.Console = io.Discard
			if path == "" {
				if path, err = appdir.LogPath(cmd.Name()); err != nil {
					return err
				}
			}
		}
		if path != "" {
			lc.File = &logging.FileLogConfig{
				Path:       path,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			}
		}
		if err := logging.Initialize(lc); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if cfg.Path != "" {
			logging.Get().Debug("Configuration loaded", "path", cfg.Path)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $"+config.RCEnv+" or ~/.layerlinkrc)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to stderr)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'relay,correlator'). Empty means all components.")
}

func splitComponents(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
