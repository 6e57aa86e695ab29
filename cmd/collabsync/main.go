// Command collabsync runs a collaboration relay or connects to one from the
// terminal.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collabsync/internal/config"
	"github.com/vango-dev/collabsync/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:   "collabsync",
		Short: "Real-time collaboration relay and client",
		Long: `collabsync synchronizes presence and field edits between
collaborators through a WebSocket relay.

  collabsync relay      run a relay server
  collabsync connect    join resources and edit them from the terminal
  collabsync config     print the effective configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				errors.DisableColors()
			}
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "Config file (default: nearest collabsync.yaml or collabsync.json)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored error output")

	root.AddCommand(
		relayCmd(),
		connectCmd(),
		configCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig reads --config, or the nearest config file, and applies the
// persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.LoadFromWorkingDir()
	}
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}
