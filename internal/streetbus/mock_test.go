package streetbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/mock"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/streetbus/internal/engine"
	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/model"
	"github.com/sells-group/streetbus/internal/store"
)

// --- Engine fake ---

// fakeEngine stands in for PostGIS with file-level approximations: clip
// copies, buffer writes one square, intersect keeps the first street and
// symmetric difference keeps the rest.
type fakeEngine struct {
	engine.Local

	mu         sync.Mutex
	calls      []string
	projectErr map[string]error
	srid       map[string]int
	failOp     string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{projectErr: map[string]error{}, srid: map[string]int{}}
}

func (f *fakeEngine) record(op, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+out)
	if op == f.failOp {
		return &model.EngineError{Op: op, Messages: []string{"ERROR: simulated failure"}}
	}
	return nil
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func utmPRJ(srid int) string {
	return fmt.Sprintf(`PROJCS["WGS 84 / UTM zone %dN",GEOGCS["WGS 84"],PROJECTION["Transverse_Mercator"],UNIT["metre",1],AUTHORITY["EPSG","%d"]]`, srid-32600, srid)
}

func (f *fakeEngine) copyLayer(ws layer.Workspace, in, out string, keep func(i int) bool) error {
	l, err := layer.Read(ws.Path(in))
	if err != nil {
		return &model.EngineError{Op: "read", Err: err}
	}
	dst := layer.New(l.ShapeType, l.SRID, l.PRJ)
	dst.Fields = l.Fields
	for i, feat := range l.Features {
		if keep == nil || keep(i) {
			dst.Features = append(dst.Features, feat)
		}
	}
	return layer.Write(ws.Path(out), dst)
}

func (f *fakeEngine) Project(_ context.Context, ws layer.Workspace, in, out string, srid int) error {
	if err := f.record("project", out); err != nil {
		return err
	}
	if err, ok := f.projectErr[layer.Name(in)]; ok {
		return err
	}
	if override, ok := f.srid[layer.Name(in)]; ok {
		srid = override
	}
	l, err := layer.Read(ws.Path(in))
	if err != nil {
		return &model.ProjectionError{Layer: in, Err: err}
	}
	l.SRID, l.PRJ = srid, utmPRJ(srid)
	return layer.Write(ws.Path(out), l)
}

func (f *fakeEngine) Clip(_ context.Context, ws layer.Workspace, in, clip, out string) error {
	if err := f.record("clip", out); err != nil {
		return err
	}
	if !layer.Exists(ws.Path(clip)) {
		return &model.EngineError{Op: "clip", Messages: []string{"clip features missing"}}
	}
	return f.copyLayer(ws, in, out, nil)
}

func (f *fakeEngine) Buffer(_ context.Context, ws layer.Workspace, in, out string, opts engine.BufferOptions) error {
	if err := f.record("buffer", out); err != nil {
		return err
	}
	src, err := layer.Read(ws.Path(in))
	if err != nil {
		return &model.EngineError{Op: "buffer", Err: err}
	}
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(src.SRID)
	_ = mp.Push(geom.NewPolygonFlat(geom.XY, []float64{-10, -10, -10, 10, 110, 10, 110, -10, -10, -10}, []int{10}))

	dst := layer.New(shp.POLYGON, src.SRID, src.PRJ)
	dst.Fields = []layer.Field{layer.FloatField(engine.BufferField, 19, 2)}
	dst.Features = []layer.Feature{{Geom: mp, Attrs: []string{fmt.Sprintf("%.2f", opts.Distance)}}}
	return layer.Write(ws.Path(out), dst)
}

func (f *fakeEngine) Intersect(_ context.Context, ws layer.Workspace, inputs []string, out string) error {
	if err := f.record("intersect", out); err != nil {
		return err
	}
	return f.copyLayer(ws, inputs[0], out, func(i int) bool { return i == 0 })
}

func (f *fakeEngine) SymmetricDifference(_ context.Context, ws layer.Workspace, in, _ string, out string) error {
	if err := f.record("symmetric difference", out); err != nil {
		return err
	}
	return f.copyLayer(ws, in, out, func(i int) bool { return i > 0 })
}

func (f *fakeEngine) Merge(ctx context.Context, ws layer.Workspace, inputs []string, out string) error {
	if err := f.record("merge", out); err != nil {
		return err
	}
	return f.Local.Merge(ctx, ws, inputs, out)
}

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateRun(ctx context.Context, city string) (*model.Run, error) {
	args := m.Called(ctx, city)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) UpdateRunResult(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	args := m.Called(ctx, runID, status, result)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *mockStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	args := m.Called(ctx, runID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunPhase), args.Error(1)
}

func (m *mockStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	args := m.Called(ctx, phaseID, result)
	return args.Error(0)
}

func (m *mockStore) ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RunPhase), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}
