package engine

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/streetbus/internal/layer"
)

// Local implements the engine operations that only touch attribute tables
// or files. PostGIS embeds it.
type Local struct{}

// Merge concatenates the input layers into out.
func (Local) Merge(_ context.Context, ws layer.Workspace, inputs []string, out string) error {
	layers := make([]*layer.Layer, 0, len(inputs))
	for _, in := range inputs {
		l, err := layer.Read(ws.Path(in))
		if err != nil {
			return engineError("merge", err)
		}
		layers = append(layers, l)
	}

	merged, err := layer.Merge(layers...)
	if err != nil {
		return engineError("merge", err)
	}
	return engineError("merge", layer.Write(ws.Path(out), merged))
}

// AddField adds a field to a layer. Adding an existing field is a no-op.
func (Local) AddField(_ context.Context, ws layer.Workspace, name string, field layer.Field) error {
	path := ws.Path(name)
	l, err := layer.Read(path)
	if err != nil {
		return engineError("add field", err)
	}
	if !l.AddField(field) {
		return nil
	}
	return engineError("add field", layer.Write(path, l))
}

// CalculateField sets field to value on every feature of a layer.
func (Local) CalculateField(_ context.Context, ws layer.Workspace, name, field, value string) error {
	path := ws.Path(name)
	l, err := layer.Read(path)
	if err != nil {
		return engineError("calculate field", err)
	}
	if err := l.SetField(field, value); err != nil {
		return engineError("calculate field", eris.Wrapf(err, "engine: calculate %s on %s", field, name))
	}
	return engineError("calculate field", layer.Write(path, l))
}

// Exists reports whether a layer is present.
func (Local) Exists(ws layer.Workspace, name string) bool {
	return layer.Exists(ws.Path(name))
}

// Delete removes a layer and its sidecars.
func (Local) Delete(ws layer.Workspace, name string) error {
	return engineError("delete", layer.Delete(ws.Path(name)))
}

// Describe reports a layer's shape type, spatial reference and schema.
func (Local) Describe(ws layer.Workspace, name string) (*layer.Description, error) {
	d, err := layer.Describe(ws.Path(name))
	if err != nil {
		return nil, engineError("describe", err)
	}
	return d, nil
}
