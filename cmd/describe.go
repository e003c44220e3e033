package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/streetbus"
)

var (
	describeField string
	describeYAML  bool
)

// layerReport is a layer description plus value counts for one field.
type layerReport struct {
	layer.Description `yaml:",inline"`
	CountField        string         `yaml:"count_field,omitempty"`
	Counts            map[string]int `yaml:"counts,omitempty"`
}

var describeCmd = &cobra.Command{
	Use:   "describe <layer.shp>",
	Short: "Describe a shapefile's geometry, CRS, fields and value counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := buildReport(args[0], describeField)
		if err != nil {
			return err
		}
		if describeYAML {
			return writeReportYAML(cmd.OutOrStdout(), report)
		}
		formatReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func buildReport(path, field string) (*layerReport, error) {
	d, err := layer.Describe(path)
	if err != nil {
		return nil, err
	}
	report := &layerReport{Description: *d}
	if field == "" {
		return report, nil
	}
	l, err := layer.Read(path)
	if err != nil {
		return nil, err
	}
	if l.FieldIndex(field) >= 0 {
		report.CountField = field
		report.Counts = l.Counts(field)
	}
	return report, nil
}

func writeReportYAML(out io.Writer, r *layerReport) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return eris.Wrap(err, "describe: encode yaml")
	}
	return enc.Close()
}

func formatReport(out io.Writer, r *layerReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Layer:\t%s\n", r.Name)
	_, _ = fmt.Fprintf(w, "Path:\t%s\n", r.Path)
	_, _ = fmt.Fprintf(w, "Geometry:\t%s\n", r.ShapeType)
	_, _ = fmt.Fprintf(w, "CRS:\t%s (EPSG:%d)\n", r.CRS, r.SRID)
	_, _ = fmt.Fprintf(w, "Features:\t%d\n", r.Features)
	_ = w.Flush()

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "\nFIELD\tTYPE\tSIZE")
	for _, f := range r.Fields {
		_, _ = fmt.Fprintf(w, "%s\t%c\t%d\n", f.Name, f.Type, f.Size)
	}
	_ = w.Flush()

	if len(r.Counts) == 0 {
		return
	}
	values := make([]string, 0, len(r.Counts))
	for v := range r.Counts {
		values = append(values, v)
	}
	sort.Strings(values)

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "\n%s\tCOUNT\n", r.CountField)
	for _, v := range values {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", v, r.Counts[v])
	}
	_ = w.Flush()
}

func init() {
	describeCmd.Flags().StringVar(&describeField, "field", streetbus.RoadTypeField, "field to count values of")
	describeCmd.Flags().BoolVar(&describeYAML, "yaml", false, "print the description as YAML")
	rootCmd.AddCommand(describeCmd)
}
