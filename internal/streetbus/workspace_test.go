package streetbus

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/model"
)

func TestOpenWorkspace(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Denver_CO"), 0o755))

	ws, err := OpenWorkspace(root, "Denver_CO")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Denver_CO"), ws.Dir)

	_, err = OpenWorkspace(root, "Austin_TX")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestOpenWorkspace_FileIsNotAFolder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Denver_CO"), []byte("x"), 0o644))

	_, err := OpenWorkspace(root, "Denver_CO")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestResolveInput_Nested(t *testing.T) {
	ws := layer.NewWorkspace(t.TempDir())
	want := filepath.Join(ws.Dir, "Streets", "Streets.shp")
	require.NoError(t, layer.Write(want, streetsLayer()))

	got, err := ResolveInput(ws, "Streets")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveInput_OnlyShapefileInFolder(t *testing.T) {
	ws := layer.NewWorkspace(t.TempDir())
	want := filepath.Join(ws.Dir, "Streets", "Street_Centerlines_2024.shp")
	require.NoError(t, layer.Write(want, streetsLayer()))

	got, err := ResolveInput(ws, "Streets")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveInput_AmbiguousFolder(t *testing.T) {
	ws := layer.NewWorkspace(t.TempDir())
	require.NoError(t, layer.Write(filepath.Join(ws.Dir, "Streets", "a.shp"), streetsLayer()))
	require.NoError(t, layer.Write(filepath.Join(ws.Dir, "Streets", "b.shp"), streetsLayer()))

	_, err := ResolveInput(ws, "Streets")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestResolveInput_Flat(t *testing.T) {
	ws := layer.NewWorkspace(t.TempDir())
	want := filepath.Join(ws.Dir, "Streets.shp")
	require.NoError(t, layer.Write(want, streetsLayer()))

	got, err := ResolveInput(ws, "Streets")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveInput_ZIP(t *testing.T) {
	ws := layer.NewWorkspace(t.TempDir())

	src := t.TempDir()
	require.NoError(t, layer.Write(filepath.Join(src, "Routes.shp"), routesLayer()))

	archive, err := os.Create(filepath.Join(ws.Dir, "Routes.zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(archive)
	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj"} {
		data, err := os.ReadFile(filepath.Join(src, "Routes"+ext))
		require.NoError(t, err)
		w, err := zw.Create("export/Routes" + ext)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, archive.Close())

	got, err := ResolveInput(ws, "Routes")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir, "Routes", "Routes.shp"), got)

	l, err := layer.Read(got)
	require.NoError(t, err)
	assert.Len(t, l.Features, 1)
}

func TestResolveInput_Missing(t *testing.T) {
	ws := layer.NewWorkspace(t.TempDir())
	_, err := ResolveInput(ws, "Streets")
	require.Error(t, err)

	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, filepath.Join(ws.Dir, "Streets", "Streets.shp"), nf.Path)
}
