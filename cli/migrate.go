package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCmd creates the "migrate" subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return exitError(exitRuntime, "closing store: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}
