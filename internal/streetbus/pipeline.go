// Package streetbus classifies a city's street centerlines into bus and
// non-bus roads by overlaying its bus routes.
package streetbus

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/engine"
	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/model"
	"github.com/sells-group/streetbus/internal/srs"
	"github.com/sells-group/streetbus/internal/store"
)

// DefaultBufferMeters is the bus corridor half-width.
const DefaultBufferMeters = 10.0

// Options configures a Pipeline.
type Options struct {
	Root              string
	BufferMeters      float64
	KeepIntermediates bool
}

// Pipeline runs the classification stages for one city at a time.
type Pipeline struct {
	engine engine.Engine
	store  store.Store
	opts   Options
}

// New creates a Pipeline. st may be nil to run without a ledger.
func New(eng engine.Engine, st store.Store, opts Options) *Pipeline {
	if opts.BufferMeters <= 0 {
		opts.BufferMeters = DefaultBufferMeters
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	return &Pipeline{engine: eng, store: st, opts: opts}
}

// Run produces <city>_Streets in the city's folder. Projection problems are
// recorded as warnings and the affected layers are clipped from their source,
// reprojected in the engine as needed; any other failure stops the city and
// is returned.
func (p *Pipeline) Run(ctx context.Context, city model.CityConfig) (*model.RunResult, error) {
	log := zap.L().With(zap.String("city", city.Name), zap.Int("srid", city.SRID))
	log.Info("streetbus: starting run")

	result := &model.RunResult{SRID: city.SRID}

	var run *model.Run
	if p.store != nil {
		var err error
		run, err = p.store.CreateRun(ctx, city.Name)
		if err != nil {
			return nil, eris.Wrap(err, "streetbus: create run")
		}
	}

	finish := func(runErr error) (*model.RunResult, error) {
		status := model.RunStatusComplete
		if runErr != nil {
			status = model.RunStatusFailed
			result.Error = runErr.Error()
			log.Error("streetbus: run failed", zap.Error(runErr))
		} else {
			log.Info("streetbus: run complete",
				zap.String("output", result.Output),
				zap.Int("bus_features", result.BusFeatures),
				zap.Int("non_bus_features", result.NonBusFeatures),
				zap.Int("warnings", len(result.Warnings)),
			)
		}
		if run != nil {
			if err := p.store.UpdateRunResult(ctx, run.ID, status, result); err != nil {
				log.Warn("streetbus: failed to record run result", zap.Error(err))
			}
		}
		return result, runErr
	}

	warn := func(msg string, err error) {
		result.Warnings = append(result.Warnings, err.Error())
		log.Warn(msg, zap.Error(err))
	}

	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) error {
		var phase *model.RunPhase
		if run != nil {
			var phaseErr error
			phase, phaseErr = p.store.CreatePhase(ctx, run.ID, name)
			if phaseErr != nil {
				log.Warn("streetbus: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
			}
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		switch {
		case fnErr != nil:
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("streetbus: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		case phaseResult.Status == model.PhaseStatusWarned:
			log.Warn("streetbus: phase complete with warnings",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		default:
			phaseResult.Status = model.PhaseStatusComplete
			log.Info("streetbus: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			if err := p.store.CompletePhase(ctx, phase.ID, phaseResult); err != nil {
				log.Warn("streetbus: failed to complete phase", zap.String("phase", name), zap.Error(err))
			}
		}
		result.Phases = append(result.Phases, *phaseResult)
		return fnErr
	}

	var ws layer.Workspace
	var inputs Inputs
	err := trackPhase(PhaseResolve, func() (*model.PhaseResult, error) {
		var err error
		if ws, err = OpenWorkspace(p.opts.Root, city.Folder); err != nil {
			return nil, err
		}
		if inputs, err = ResolveInputs(ws, city); err != nil {
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"workspace": ws.Dir,
			"inputs":    inputs.paths(),
		}}, nil
	})
	if err != nil {
		return finish(err)
	}

	projections := []struct{ in, out string }{
		{inputs.Streets, ProjectedStreets},
		{inputs.Routes, ProjectedRoutes},
		{inputs.Limits, ProjectedLimits},
	}

	err = trackPhase(PhaseProject, func() (*model.PhaseResult, error) {
		pr := &model.PhaseResult{}
		for _, pj := range projections {
			if err := p.replace(ws, pj.out); err != nil {
				return nil, err
			}
			err := p.engine.Project(ctx, ws, pj.in, pj.out, city.SRID)
			if model.IsProjection(err) {
				warn("streetbus: projection failed, continuing", err)
				pr.Status = model.PhaseStatusWarned
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		return pr, nil
	})
	if err != nil {
		return finish(err)
	}

	_ = trackPhase(PhaseVerify, func() (*model.PhaseResult, error) {
		pr := &model.PhaseResult{Metadata: map[string]any{}}
		for _, pj := range projections {
			if !p.engine.Exists(ws, pj.out) {
				warn("streetbus: projected layer missing", &model.NotFoundError{What: "projected layer", Path: ws.Path(pj.out)})
				pr.Status = model.PhaseStatusWarned
				continue
			}
			d, err := p.engine.Describe(ws, pj.out)
			if err != nil {
				warn("streetbus: cannot describe projected layer", err)
				pr.Status = model.PhaseStatusWarned
				continue
			}
			pr.Metadata[pj.out] = d.CRS
			if d.SRID != city.SRID {
				warn("streetbus: projected layer has unexpected spatial reference", eris.Errorf(
					"%s is %s, expected %s", pj.out, d.CRS, srs.Label(city.SRID)))
				pr.Status = model.PhaseStatusWarned
			}
		}
		return pr, nil
	})

	err = trackPhase(PhaseClip, func() (*model.PhaseResult, error) {
		pr := &model.PhaseResult{Metadata: map[string]any{}}
		pick := func(projected, input string) string {
			if p.engine.Exists(ws, projected) {
				return projected
			}
			warn("streetbus: clipping unprojected source",
				eris.Errorf("%s was not produced, clipping %s", projected, layer.Name(input)))
			pr.Status = model.PhaseStatusWarned
			return input
		}

		boundary := pick(ProjectedLimits, inputs.Limits)
		for _, c := range []struct{ projected, input, out string }{
			{ProjectedRoutes, inputs.Routes, ClippedRoutes},
			{ProjectedStreets, inputs.Streets, ClippedStreets},
		} {
			in := pick(c.projected, c.input)
			if err := p.replace(ws, c.out); err != nil {
				return nil, err
			}
			if err := p.engine.Clip(ctx, ws, in, boundary, c.out); err != nil {
				return nil, err
			}
			pr.Metadata[c.out] = layer.Name(in)
		}
		return pr, nil
	})
	if err != nil {
		return finish(err)
	}

	err = trackPhase(PhaseBuffer, func() (*model.PhaseResult, error) {
		if err := p.replace(ws, BufferedRoutes); err != nil {
			return nil, err
		}
		opts := engine.DefaultBufferOptions(p.opts.BufferMeters)
		if err := p.engine.Buffer(ctx, ws, ClippedRoutes, BufferedRoutes, opts); err != nil {
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{"distance_m": opts.Distance}}, nil
	})
	if err != nil {
		return finish(err)
	}

	err = trackPhase(PhaseBus, func() (*model.PhaseResult, error) {
		if err := p.replace(ws, BusRoads); err != nil {
			return nil, err
		}
		if err := p.engine.Intersect(ctx, ws, []string{ClippedStreets, BufferedRoutes}, BusRoads); err != nil {
			return nil, err
		}
		return nil, p.tag(ctx, ws, BusRoads, RoadTypeBus)
	})
	if err != nil {
		return finish(err)
	}

	err = trackPhase(PhaseNonBus, func() (*model.PhaseResult, error) {
		if err := p.replace(ws, NonBusRoads); err != nil {
			return nil, err
		}
		if err := p.engine.SymmetricDifference(ctx, ws, ClippedStreets, BusRoads, NonBusRoads); err != nil {
			return nil, err
		}
		return nil, p.tag(ctx, ws, NonBusRoads, RoadTypeNonBus)
	})
	if err != nil {
		return finish(err)
	}

	output := city.OutputName()
	err = trackPhase(PhaseMerge, func() (*model.PhaseResult, error) {
		if err := p.replace(ws, output); err != nil {
			return nil, err
		}
		if err := p.engine.Merge(ctx, ws, []string{NonBusRoads, BusRoads}, output); err != nil {
			return nil, err
		}
		merged, err := layer.Read(ws.Path(output))
		if err != nil {
			return nil, eris.Wrap(err, "streetbus: read merged output")
		}
		counts := merged.Counts(RoadTypeField)
		result.Output = ws.Path(output)
		result.SRID = merged.SRID
		result.BusFeatures = counts[RoadTypeBus]
		result.NonBusFeatures = counts[RoadTypeNonBus]
		return &model.PhaseResult{Metadata: map[string]any{
			"features":         len(merged.Features),
			"bus_features":     result.BusFeatures,
			"non_bus_features": result.NonBusFeatures,
		}}, nil
	})
	if err != nil {
		return finish(err)
	}

	if p.opts.KeepIntermediates {
		log.Info("streetbus: keeping intermediate layers")
		return finish(nil)
	}

	err = trackPhase(PhaseCleanup, func() (*model.PhaseResult, error) {
		deleted, err := p.cleanup(ws, output, inputs)
		if err != nil {
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{"deleted": deleted}}, nil
	})
	return finish(err)
}

// replace deletes a layer left over from an earlier run.
func (p *Pipeline) replace(ws layer.Workspace, name string) error {
	if !p.engine.Exists(ws, name) {
		return nil
	}
	return p.engine.Delete(ws, name)
}

func (p *Pipeline) tag(ctx context.Context, ws layer.Workspace, name, value string) error {
	if err := p.engine.AddField(ctx, ws, name, roadTypeField); err != nil {
		return err
	}
	return p.engine.CalculateField(ctx, ws, name, RoadTypeField, value)
}

// cleanup deletes every top-level layer in ws except the output and any
// input that lives at the top level.
func (p *Pipeline) cleanup(ws layer.Workspace, output string, inputs Inputs) ([]string, error) {
	keep := map[string]bool{filepath.Clean(ws.Path(output)): true}
	for _, in := range inputs.paths() {
		keep[filepath.Clean(ws.Path(in))] = true
	}

	paths, err := layer.List(ws.Dir)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, path := range paths {
		if keep[filepath.Clean(path)] {
			continue
		}
		if err := p.engine.Delete(ws, path); err != nil {
			return deleted, err
		}
		deleted = append(deleted, layer.Name(path))
	}
	return deleted, nil
}
