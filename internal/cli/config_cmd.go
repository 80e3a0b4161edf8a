package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("SFMPRECISION_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/sfmprecision/config.json"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n", cfgPath)
			fmt.Fprintf(out, "Fit: %v\n\n", root.cfg.Run.Fit.Enabled())
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}
