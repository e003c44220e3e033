// Package engine defines the geometry engine the street classification
// pipeline drives, and its PostGIS implementation.
package engine

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/model"
)

// Engine performs layer-level GIS operations. Layer names resolve against
// the workspace passed to each call.
type Engine interface {
	Project(ctx context.Context, ws layer.Workspace, in, out string, srid int) error
	Clip(ctx context.Context, ws layer.Workspace, in, clip, out string) error
	Buffer(ctx context.Context, ws layer.Workspace, in, out string, opts BufferOptions) error
	Intersect(ctx context.Context, ws layer.Workspace, inputs []string, out string) error
	SymmetricDifference(ctx context.Context, ws layer.Workspace, in, update, out string) error
	Merge(ctx context.Context, ws layer.Workspace, inputs []string, out string) error
	AddField(ctx context.Context, ws layer.Workspace, name string, field layer.Field) error
	CalculateField(ctx context.Context, ws layer.Workspace, name, field, value string) error
	Exists(ws layer.Workspace, name string) bool
	Delete(ws layer.Workspace, name string) error
	Describe(ws layer.Workspace, name string) (*layer.Description, error)
}

// Buffer sides.
const (
	SideFull  = "both"
	SideLeft  = "left"
	SideRight = "right"
)

// Buffer end caps.
const (
	EndCapRound  = "round"
	EndCapFlat   = "flat"
	EndCapSquare = "square"
)

// BufferOptions configures Buffer. Distances are planar, in the layer's
// coordinate units.
type BufferOptions struct {
	Distance float64
	Side     string
	EndCap   string
	Dissolve bool
}

// DefaultBufferOptions returns full, round-capped, dissolved buffers.
func DefaultBufferOptions(distance float64) BufferOptions {
	return BufferOptions{Distance: distance, Side: SideFull, EndCap: EndCapRound, Dissolve: true}
}

// style renders the ST_Buffer style parameter.
func (o BufferOptions) style() string {
	endcap := o.EndCap
	if endcap == "" {
		endcap = EndCapRound
	}
	side := o.Side
	if side == "" {
		side = SideFull
	}
	return "endcap=" + endcap + " join=round side=" + side
}

// Diagnostics extracts the server's messages from a PostgreSQL error.
func Diagnostics(err error) []string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	msgs := []string{pgErr.Severity + ": " + pgErr.Message}
	if pgErr.Detail != "" {
		msgs = append(msgs, "DETAIL: "+pgErr.Detail)
	}
	if pgErr.Hint != "" {
		msgs = append(msgs, "HINT: "+pgErr.Hint)
	}
	if pgErr.Where != "" {
		msgs = append(msgs, "WHERE: "+pgErr.Where)
	}
	return msgs
}

func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *model.EngineError
	if errors.As(err, &ee) {
		return err
	}
	return &model.EngineError{Op: op, Messages: Diagnostics(err), Err: err}
}

func projectionError(name string, err error) error {
	if err == nil {
		return nil
	}
	return &model.ProjectionError{Layer: name, Messages: Diagnostics(err), Err: err}
}
