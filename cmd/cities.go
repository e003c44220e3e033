package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/streetbus/internal/citydata"
	"github.com/sells-group/streetbus/internal/srs"
)

var citiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "List the cities configured in the city CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := citydata.Load(cfg.Data.CityCSV)
		if err != nil {
			return err
		}
		formatCities(cmd.OutOrStdout(), reg, cfg.Data.Root)
		return nil
	},
}

// formatCities writes one row per city, marking whether its folder exists
// under root.
func formatCities(out io.Writer, reg *citydata.Registry, root string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tUTM\tSRID\tCRS\tFOLDER")
	for _, name := range reg.Names() {
		c, _ := reg.Get(name)
		folder := "missing"
		if info, err := os.Stat(filepath.Join(root, c.Folder)); err == nil && info.IsDir() {
			folder = "present"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", c.Name, c.UTMZone, c.SRID, srs.Label(c.SRID), folder)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(citiesCmd)
}
