package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCheckCommand creates the check command, which validates the effective
// config without starting anything.
func NewCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "  transmitter: %q via %s\n", cfg.Transmitter.ID, cfg.Transmitter.Command)
			fmt.Fprintf(out, "  storage:     %s\n", cfg.Storage.Type)
			if cfg.Nightscout.URL == "" {
				fmt.Fprintf(out, "  sync:        disabled\n")
			} else {
				fmt.Fprintf(out, "  sync:        %s every %s\n", cfg.Nightscout.URL, cfg.Sync.Interval)
			}
			fmt.Fprintf(out, "  http:        :%d\n", cfg.HTTP.Port)
			return nil
		},
	}
}
