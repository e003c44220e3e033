package streetbus

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/model"
)

const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

func denver() model.CityConfig {
	return model.CityConfig{
		Name:          "Denver_CO",
		Folder:        "Denver_CO",
		UTMZone:       13,
		SRID:          32613,
		StreetCenters: "Streets",
		BusRoutes:     "Routes",
		CityLimits:    "Limits",
	}
}

func line(coords ...float64) geom.T {
	mls := geom.NewMultiLineString(geom.XY).SetSRID(4326)
	_ = mls.Push(geom.NewLineStringFlat(geom.XY, coords))
	return mls
}

func streetsLayer() *layer.Layer {
	l := layer.New(shp.POLYLINE, 4326, wgs84PRJ)
	l.Fields = []layer.Field{layer.TextField("FULLNAME", 30)}
	l.Features = []layer.Feature{
		{Geom: line(0, 0, 100, 0), Attrs: []string{"Colfax Ave"}},
		{Geom: line(0, 50, 100, 50), Attrs: []string{"Broadway"}},
		{Geom: line(0, 90, 100, 90), Attrs: []string{"Alameda Ave"}},
	}
	return l
}

func routesLayer() *layer.Layer {
	l := layer.New(shp.POLYLINE, 4326, wgs84PRJ)
	l.Fields = []layer.Field{layer.TextField("ROUTE", 8)}
	l.Features = []layer.Feature{{Geom: line(0, 0, 100, 0), Attrs: []string{"15"}}}
	return l
}

func limitsLayer() *layer.Layer {
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	_ = mp.Push(geom.NewPolygonFlat(geom.XY, []float64{-5, -5, -5, 95, 105, 95, 105, -5, -5, -5}, []int{10}))
	l := layer.New(shp.POLYGON, 4326, wgs84PRJ)
	l.Fields = []layer.Field{layer.TextField("NAME", 20)}
	l.Features = []layer.Feature{{Geom: mp, Attrs: []string{"Denver"}}}
	return l
}

// setupCity writes the three inputs as <root>/<folder>/<name>/<name>.shp.
func setupCity(t *testing.T, city model.CityConfig) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, city.Folder)
	for name, l := range map[string]*layer.Layer{
		city.StreetCenters: streetsLayer(),
		city.BusRoutes:     routesLayer(),
		city.CityLimits:    limitsLayer(),
	} {
		require.NoError(t, layer.Write(filepath.Join(dir, name, name+".shp"), l))
	}
	return root
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, rel)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func topLevelLayers(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := layer.List(dir)
	require.NoError(t, err)
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = layer.Name(p)
	}
	return names
}

func TestRun_ClassifiesStreets(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	eng := newFakeEngine()

	result, err := New(eng, nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)

	dir := filepath.Join(root, city.Folder)
	assert.Equal(t, filepath.Join(dir, "Denver_CO_Streets.shp"), mustAbs(t, result.Output))
	assert.Equal(t, 32613, result.SRID)
	assert.Equal(t, 1, result.BusFeatures)
	assert.Equal(t, 2, result.NonBusFeatures)
	assert.Empty(t, result.Warnings)

	out, err := layer.Read(result.Output)
	require.NoError(t, err)
	assert.Equal(t, 32613, out.SRID)
	idx := out.FieldIndex(RoadTypeField)
	require.GreaterOrEqual(t, idx, 0)
	for _, f := range out.Features {
		assert.Contains(t, []string{RoadTypeBus, RoadTypeNonBus}, f.Attrs[idx])
	}

	assert.Equal(t, []string{"Denver_CO_Streets"}, topLevelLayers(t, dir))
	for _, name := range []string{"Streets", "Routes", "Limits"} {
		assert.True(t, layer.Exists(filepath.Join(dir, name, name+".shp")), "input %s kept", name)
	}

	require.Len(t, result.Phases, 9)
	for _, ph := range result.Phases {
		assert.Equal(t, model.PhaseStatusComplete, ph.Status, ph.Name)
	}

	assert.Equal(t, []string{
		"project:" + ProjectedStreets,
		"project:" + ProjectedRoutes,
		"project:" + ProjectedLimits,
		"clip:" + ClippedRoutes,
		"clip:" + ClippedStreets,
		"buffer:" + BufferedRoutes,
		"intersect:" + BusRoads,
		"symmetric difference:" + NonBusRoads,
		"merge:Denver_CO_Streets",
	}, eng.Calls())
}

func TestRun_OutputKeepsSourceAttributes(t *testing.T) {
	city := denver()
	root := setupCity(t, city)

	_, err := New(newFakeEngine(), nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)

	dir := filepath.Join(root, city.Folder)
	out, err := layer.Read(filepath.Join(dir, "Denver_CO_Streets.shp"))
	require.NoError(t, err)

	name := out.FieldIndex("FULLNAME")
	roadType := out.FieldIndex(RoadTypeField)
	require.GreaterOrEqual(t, name, 0, "FULLNAME survives the overlays")
	require.GreaterOrEqual(t, roadType, 0)

	byType := map[string][]string{}
	for _, f := range out.Features {
		byType[f.Attrs[roadType]] = append(byType[f.Attrs[roadType]], f.Attrs[name])
	}
	assert.Len(t, byType, 2)
	assert.Equal(t, []string{"Colfax Ave"}, byType[RoadTypeBus])
	assert.ElementsMatch(t, []string{"Broadway", "Alameda Ave"}, byType[RoadTypeNonBus])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	assert.ElementsMatch(t, []string{
		"Denver_CO_Streets.shp", "Denver_CO_Streets.shx",
		"Denver_CO_Streets.dbf", "Denver_CO_Streets.prj",
	}, files)
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	require.NoError(t, err)
	return abs
}

func TestRun_Idempotent(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	p := New(newFakeEngine(), nil, Options{Root: root})

	first, err := p.Run(context.Background(), city)
	require.NoError(t, err)
	before := listTree(t, root)

	second, err := p.Run(context.Background(), city)
	require.NoError(t, err)
	assert.Equal(t, before, listTree(t, root))
	assert.Equal(t, first.BusFeatures, second.BusFeatures)
	assert.Equal(t, first.NonBusFeatures, second.NonBusFeatures)
}

func TestRun_ReplacesStaleIntermediates(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	dir := filepath.Join(root, city.Folder)

	stale := streetsLayer()
	stale.Features = append(stale.Features, stale.Features...)
	require.NoError(t, layer.Write(filepath.Join(dir, BusRoads+".shp"), stale))

	result, err := New(newFakeEngine(), nil, Options{Root: root, KeepIntermediates: true}).Run(context.Background(), city)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BusFeatures)

	bus, err := layer.Read(filepath.Join(dir, BusRoads+".shp"))
	require.NoError(t, err)
	assert.Len(t, bus.Features, 1)
}

func TestRun_KeepIntermediates(t *testing.T) {
	city := denver()
	root := setupCity(t, city)

	result, err := New(newFakeEngine(), nil, Options{Root: root, KeepIntermediates: true}).Run(context.Background(), city)
	require.NoError(t, err)
	assert.Len(t, result.Phases, 8)

	assert.ElementsMatch(t, []string{
		ProjectedStreets, ProjectedRoutes, ProjectedLimits,
		ClippedStreets, ClippedRoutes, BufferedRoutes,
		BusRoads, NonBusRoads, "Denver_CO_Streets",
	}, topLevelLayers(t, filepath.Join(root, city.Folder)))
}

func TestRun_CleanupRemovesForeignLayers(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	dir := filepath.Join(root, city.Folder)
	require.NoError(t, layer.Write(filepath.Join(dir, "scratch.shp"), routesLayer()))

	_, err := New(newFakeEngine(), nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)
	assert.Equal(t, []string{"Denver_CO_Streets"}, topLevelLayers(t, dir))
}

func TestRun_TopLevelInputSurvivesCleanup(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	dir := filepath.Join(root, city.Folder)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "Limits")))
	require.NoError(t, layer.Write(filepath.Join(dir, "Limits.shp"), limitsLayer()))

	_, err := New(newFakeEngine(), nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Denver_CO_Streets", "Limits"}, topLevelLayers(t, dir))
}

func TestRun_MissingFolder(t *testing.T) {
	eng := newFakeEngine()
	result, err := New(eng, nil, Options{Root: t.TempDir()}).Run(context.Background(), denver())
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.Empty(t, eng.Calls())
	require.Len(t, result.Phases, 1)
	assert.Equal(t, model.PhaseStatusFailed, result.Phases[0].Status)
}

func TestRun_MissingInput(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	require.NoError(t, os.RemoveAll(filepath.Join(root, city.Folder, "Routes")))

	eng := newFakeEngine()
	_, err := New(eng, nil, Options{Root: root}).Run(context.Background(), city)
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.Contains(t, err.Error(), "Routes")
	assert.Empty(t, eng.Calls())
}

func TestRun_ProjectionErrorIsWarning(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	eng := newFakeEngine()
	eng.projectErr["Routes"] = &model.ProjectionError{Layer: "Routes", Messages: []string{"ERROR: transform failed"}}

	result, err := New(eng, nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 3)
	assert.Contains(t, result.Warnings[0], "transform failed")
	assert.Contains(t, result.Warnings[1], ProjectedRoutes)
	assert.Contains(t, result.Warnings[2], "clipping Routes")

	require.Len(t, result.Phases, 9)
	assert.Equal(t, model.PhaseStatusComplete, result.Phases[0].Status)
	assert.Equal(t, model.PhaseStatusWarned, result.Phases[1].Status)
	assert.Equal(t, model.PhaseStatusWarned, result.Phases[2].Status)
	assert.Equal(t, model.PhaseStatusWarned, result.Phases[3].Status)
	for _, ph := range result.Phases[4:] {
		assert.Equal(t, model.PhaseStatusComplete, ph.Status, ph.Name)
	}
	assert.Equal(t, "Routes", result.Phases[3].Metadata[ClippedRoutes])
	assert.Equal(t, ProjectedStreets, result.Phases[3].Metadata[ClippedStreets])

	assert.Equal(t, 32613, result.SRID)
	assert.Equal(t, 1, result.BusFeatures)
	assert.Equal(t, 2, result.NonBusFeatures)
	assert.True(t, layer.Exists(result.Output))
}

func TestRun_AllProjectionsFail(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	eng := newFakeEngine()
	for _, name := range []string{"Streets", "Routes", "Limits"} {
		eng.projectErr[name] = &model.ProjectionError{Layer: name, Messages: []string{"ERROR: transform failed"}}
	}

	result, err := New(eng, nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)
	assert.Len(t, result.Warnings, 9)

	// Sources are clipped against each other in their own CRS.
	assert.Equal(t, 4326, result.SRID)
	out, err := layer.Read(result.Output)
	require.NoError(t, err)
	assert.Equal(t, 4326, out.SRID)
	assert.Len(t, out.Features, 3)
}

func TestRun_SRIDMismatchIsWarning(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	eng := newFakeEngine()
	eng.srid["Limits"] = 32614

	result, err := New(eng, nil, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], ProjectedLimits)
	assert.Equal(t, model.PhaseStatusWarned, result.Phases[2].Status)
}

func TestRun_EngineErrorHalts(t *testing.T) {
	city := denver()
	root := setupCity(t, city)
	eng := newFakeEngine()
	eng.failOp = "buffer"

	result, err := New(eng, nil, Options{Root: root}).Run(context.Background(), city)
	require.Error(t, err)

	var ee *model.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, []string{"ERROR: simulated failure"}, ee.Messages)
	assert.Equal(t, "buffer:"+BufferedRoutes, eng.Calls()[len(eng.Calls())-1])
	assert.NotEmpty(t, result.Error)
	assert.False(t, layer.Exists(filepath.Join(root, city.Folder, BusRoads+".shp")))
	assert.False(t, layer.Exists(filepath.Join(root, city.Folder, "Denver_CO_Streets.shp")))
}

func TestRun_BufferDistance(t *testing.T) {
	city := denver()
	root := setupCity(t, city)

	_, err := New(newFakeEngine(), nil, Options{Root: root, BufferMeters: 25, KeepIntermediates: true}).Run(context.Background(), city)
	require.NoError(t, err)

	buf, err := layer.Read(filepath.Join(root, city.Folder, BufferedRoutes+".shp"))
	require.NoError(t, err)
	assert.Equal(t, "25.00", buf.Features[0].Attrs[0])
}

func TestRun_RecordsLedger(t *testing.T) {
	city := denver()
	root := setupCity(t, city)

	st := &mockStore{}
	st.On("CreateRun", mock.Anything, "Denver_CO").Return(&model.Run{ID: "run-1", City: "Denver_CO"}, nil)
	st.On("CreatePhase", mock.Anything, "run-1", mock.AnythingOfType("string")).
		Return(&model.RunPhase{ID: "phase"}, nil).Times(9)
	st.On("CompletePhase", mock.Anything, "phase", mock.MatchedBy(func(r *model.PhaseResult) bool {
		return r.Status == model.PhaseStatusComplete
	})).Return(nil).Times(9)
	st.On("UpdateRunResult", mock.Anything, "run-1", model.RunStatusComplete, mock.MatchedBy(func(r *model.RunResult) bool {
		return r.BusFeatures == 1 && r.NonBusFeatures == 2
	})).Return(nil)

	_, err := New(newFakeEngine(), st, Options{Root: root}).Run(context.Background(), city)
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestRun_RecordsFailedRun(t *testing.T) {
	st := &mockStore{}
	st.On("CreateRun", mock.Anything, "Denver_CO").Return(&model.Run{ID: "run-1"}, nil)
	st.On("CreatePhase", mock.Anything, "run-1", PhaseResolve).Return(&model.RunPhase{ID: "phase"}, nil)
	st.On("CompletePhase", mock.Anything, "phase", mock.Anything).Return(nil)
	st.On("UpdateRunResult", mock.Anything, "run-1", model.RunStatusFailed, mock.Anything).Return(nil)

	_, err := New(newFakeEngine(), st, Options{Root: t.TempDir()}).Run(context.Background(), denver())
	require.Error(t, err)
	st.AssertExpectations(t)
}

func TestRun_CreateRunError(t *testing.T) {
	st := &mockStore{}
	st.On("CreateRun", mock.Anything, "Denver_CO").Return(nil, assert.AnError)

	eng := newFakeEngine()
	_, err := New(eng, st, Options{Root: t.TempDir()}).Run(context.Background(), denver())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create run")
	assert.Empty(t, eng.Calls())
}
