package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/citydata"
	"github.com/sells-group/streetbus/internal/engine"
	"github.com/sells-group/streetbus/internal/model"
	"github.com/sells-group/streetbus/internal/streetbus"
)

var (
	runAll               bool
	runKeepIntermediates bool
)

const folderPrompt = "Insert folder name: "

var runCmd = &cobra.Command{
	Use:   "run [city...]",
	Short: "Build <city>_Streets.shp for one or more cities",
	Long: `Runs the bus/non-bus classification for each named city folder.

With no arguments the folder name is read from standard input. City names
are the folder column of the city CSV (data.city_csv).

Examples:
  streetbus run Denver_CO
  streetbus run --all
  streetbus run Austin_TX --keep-intermediates`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		reg, err := citydata.Load(cfg.Data.CityCSV)
		if err != nil {
			return err
		}

		names := args
		if runAll {
			names = reg.Names()
		} else if len(names) == 0 {
			name, err := promptFolder(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			names = []string{name}
		}

		cities, err := selectCities(reg, names)
		if err != nil {
			return err
		}
		for _, c := range cities {
			if _, err := streetbus.OpenWorkspace(cfg.Data.Root, c.Folder); err != nil {
				return err
			}
		}

		pool, err := connectPostGIS(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err := initStore(ctx, pool)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		keep := cfg.Pipeline.KeepIntermediates || runKeepIntermediates
		p := streetbus.New(engine.NewPostGIS(pool, cfg.Pipeline.DefaultSourceSRID), st, streetbus.Options{
			Root:              cfg.Data.Root,
			BufferMeters:      cfg.Pipeline.BufferMeters,
			KeepIntermediates: keep,
		})

		return runCities(ctx, cmd.OutOrStdout(), p, cities)
	},
}

// cityRunner is satisfied by *streetbus.Pipeline.
type cityRunner interface {
	Run(ctx context.Context, city model.CityConfig) (*model.RunResult, error)
}

// promptFolder asks for a city folder on out and reads one line from in.
func promptFolder(in io.Reader, out io.Writer) (string, error) {
	_, _ = fmt.Fprint(out, folderPrompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", eris.Wrap(err, "run: read folder name")
		}
		return "", eris.New("run: no folder name given")
	}
	name := strings.TrimSpace(scanner.Text())
	if name == "" {
		return "", eris.New("run: no folder name given")
	}
	return name, nil
}

// selectCities looks up every name in reg, keeping order.
func selectCities(reg *citydata.Registry, names []string) ([]model.CityConfig, error) {
	if len(names) == 0 {
		return nil, eris.New("run: no cities configured")
	}
	cities := make([]model.CityConfig, 0, len(names))
	for _, name := range names {
		c, ok := reg.Get(name)
		if !ok {
			return nil, &model.NotFoundError{What: "city " + name + " in " + cfg.Data.CityCSV}
		}
		cities = append(cities, c)
	}
	return cities, nil
}

// runCities runs each city in turn. A failed city does not stop the others;
// with a single city its error is returned unchanged.
func runCities(ctx context.Context, out io.Writer, r cityRunner, cities []model.CityConfig) error {
	var failed []string
	var lastErr error
	for _, city := range cities {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "run: cancelled")
		}

		result, err := r.Run(ctx, city)
		if err != nil {
			zap.L().Error("run: city failed", zap.String("city", city.Name), zap.Error(err))
			_, _ = fmt.Fprintf(out, "%s: FAILED: %v\n", city.Name, err)
			failed = append(failed, city.Name)
			lastErr = err
			continue
		}
		formatRunResult(out, city, result)
	}

	switch {
	case len(failed) == 0:
		return nil
	case len(cities) == 1:
		return lastErr
	default:
		return eris.Errorf("run: %d of %d cities failed: %s", len(failed), len(cities), strings.Join(failed, ", "))
	}
}

func formatRunResult(out io.Writer, city model.CityConfig, r *model.RunResult) {
	_, _ = fmt.Fprintf(out, "%s: %s (EPSG:%d) bus=%d non-bus=%d\n",
		city.Name, r.Output, r.SRID, r.BusFeatures, r.NonBusFeatures)
	for _, w := range r.Warnings {
		_, _ = fmt.Fprintf(out, "  warning: %s\n", w)
	}
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every city in the city CSV")
	runCmd.Flags().BoolVar(&runKeepIntermediates, "keep-intermediates", false, "leave intermediate layers in the city folder")
	rootCmd.AddCommand(runCmd)
}
