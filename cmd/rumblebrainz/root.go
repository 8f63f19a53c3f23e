package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configFile string
}

// NewRootCmd creates the root command. Running it without a subcommand starts the daemon.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	run := newRunCmd(opts)

	cmd := &cobra.Command{
		Use:   "rumblebrainz",
		Short: "Vibration daemon driven by a command log",
		Long: `rumblebrainz tails an append-only command log, simulates decaying
per-motor intensities, and pushes them to a device bound through a
Buttplug (Intiface) server. Manual triggers arrive over a Unix socket
and from key presses on Linux input devices.`,
		SilenceUsage: true,
		RunE:         run.RunE,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file path")
	// The root command runs the daemon, so it accepts the same flags.
	cmd.Flags().AddFlagSet(run.Flags())

	cmd.AddCommand(run)
	cmd.AddCommand(newTriggerCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig builds the effective config: defaults, then the file, then flag overrides.
func loadConfig(path string, overrides FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("rumblebrainz %s (commit: %s)\n", version, commit)
		},
	}
}
