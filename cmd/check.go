package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/streetbus/internal/db"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the PostGIS connection",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("check"); err != nil {
			return err
		}

		pool, err := connectPostGIS(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		version, err := db.PostGISVersion(ctx, pool)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "PostGIS %s\n", version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
