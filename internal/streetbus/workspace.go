package streetbus

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/model"
)

// Inputs holds the resolved .shp paths of a city's source layers.
type Inputs struct {
	Streets string
	Routes  string
	Limits  string
}

func (in Inputs) paths() []string {
	return []string{in.Streets, in.Routes, in.Limits}
}

// OpenWorkspace returns the workspace for a city folder under root.
func OpenWorkspace(root, folder string) (layer.Workspace, error) {
	dir := filepath.Join(root, folder)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return layer.Workspace{}, &model.NotFoundError{What: "city folder", Path: dir}
	}
	if err != nil {
		return layer.Workspace{}, eris.Wrapf(err, "streetbus: stat %s", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return layer.Workspace{}, eris.Wrapf(err, "streetbus: resolve %s", dir)
	}
	return layer.NewWorkspace(abs), nil
}

// ResolveInputs locates the three source layers of city inside ws.
func ResolveInputs(ws layer.Workspace, city model.CityConfig) (Inputs, error) {
	var in Inputs
	var err error
	if in.Streets, err = ResolveInput(ws, city.StreetCenters); err != nil {
		return Inputs{}, err
	}
	if in.Routes, err = ResolveInput(ws, city.BusRoutes); err != nil {
		return Inputs{}, err
	}
	if in.Limits, err = ResolveInput(ws, city.CityLimits); err != nil {
		return Inputs{}, err
	}
	return in, nil
}

// ResolveInput finds the shapefile for a configured layer name. It tries, in
// order: <name>/<name>.shp, the only .shp inside <name>/, <name>.shp, and a
// <name>.zip archive extracted into <name>/.
func ResolveInput(ws layer.Workspace, name string) (string, error) {
	dir := filepath.Join(ws.Dir, name)

	if p, ok := findInDir(dir, name); ok {
		return p, nil
	}

	flat := ws.Path(name)
	if layer.Exists(flat) {
		return flat, nil
	}

	archive := filepath.Join(ws.Dir, name+".zip")
	if _, err := os.Stat(archive); err == nil {
		zap.L().Info("streetbus: extracting input archive",
			zap.String("layer", name),
			zap.String("archive", archive),
		)
		if err := layer.ExtractZIP(archive, dir); err != nil {
			return "", eris.Wrapf(err, "streetbus: extract %s", archive)
		}
		if p, ok := findInDir(dir, name); ok {
			return p, nil
		}
	}

	return "", &model.NotFoundError{What: "input layer " + name, Path: filepath.Join(dir, name+".shp")}
}

func findInDir(dir, name string) (string, bool) {
	nested := filepath.Join(dir, name+".shp")
	if layer.Exists(nested) {
		return nested, true
	}
	shps, err := layer.FindByExt(dir, ".shp")
	if err != nil || len(shps) != 1 {
		return "", false
	}
	return shps[0], true
}
