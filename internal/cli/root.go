// Package cli wires the cgmrig command line onto the config, the rig and the
// HTTP server.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pv/cgmrig/internal/config"
)

// RootOptions holds the flags shared by every command. Flags left unset keep
// the value from the config file.
type RootOptions struct {
	ConfigPath    string
	TransmitterID string
	Command       string
	Storage       string
	SQLitePath    string
	NightscoutURL string
	Port          int
	LogFormat     string
	Verbose       bool
}

// NewRootCommand creates the cgmrig command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cgmrig",
		Short: "CGM transmitter rig",
		Long: `Runs a CGM transmitter session, calibrates its raw readings, scores
signal quality and keeps the local history in step with a Nightscout diary.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	flags.StringVar(&opts.TransmitterID, "transmitter-id", "", "transmitter id")
	flags.StringVar(&opts.Command, "session-command", "", "transmitter session program")
	flags.StringVar(&opts.Storage, "storage", "", "storage type (memory|sqlite)")
	flags.StringVar(&opts.SQLitePath, "sqlite-path", "", "path to SQLite database")
	flags.StringVar(&opts.NightscoutURL, "nightscout-url", "", "Nightscout base URL, empty disables sync")
	flags.IntVar(&opts.Port, "port", 0, "HTTP port")
	flags.StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

// loadConfig reads the config file, or the defaults when none is given, then
// applies the flags the user actually set.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("transmitter-id") {
		cfg.Transmitter.ID = opts.TransmitterID
	}
	if flags.Changed("session-command") {
		cfg.Transmitter.Command = opts.Command
	}
	if flags.Changed("storage") {
		cfg.Storage.Type = config.StorageType(opts.Storage)
	}
	if flags.Changed("sqlite-path") {
		cfg.Storage.SQLitePath = opts.SQLitePath
	}
	if flags.Changed("nightscout-url") {
		cfg.Nightscout.URL = opts.NightscoutURL
	}
	if flags.Changed("port") {
		cfg.HTTP.Port = opts.Port
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = opts.LogFormat
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
