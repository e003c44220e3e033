package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/db"
	"github.com/sells-group/streetbus/internal/layer"
	"github.com/sells-group/streetbus/internal/srs"
)

const (
	projectSQL = `
		SELECT t.ord, ST_AsEWKB(ST_Transform(ST_SetSRID(ST_GeomFromEWKB(t.g), $2::int), $3::int))
		FROM unnest($1::bytea[]) WITH ORDINALITY AS t(g, ord)
		ORDER BY t.ord`

	clipSQL = `
		WITH boundary AS (
			SELECT ST_Union(ST_GeomFromEWKB(c.g)) AS geom
			FROM unnest($2::bytea[]) AS c(g)
		)
		SELECT t.ord, ST_AsEWKB(ST_CollectionExtract(ST_Intersection(ST_GeomFromEWKB(t.g), b.geom), $3::int))
		FROM unnest($1::bytea[]) WITH ORDINALITY AS t(g, ord), boundary b
		WHERE ST_Intersects(ST_GeomFromEWKB(t.g), b.geom)
		ORDER BY t.ord`

	bufferDissolveSQL = `
		SELECT ST_AsEWKB(ST_Multi(ST_Union(ST_Buffer(ST_GeomFromEWKB(t.g), $2::float8, $3::text))))
		FROM unnest($1::bytea[]) AS t(g)`

	bufferSQL = `
		SELECT t.ord, ST_AsEWKB(ST_Multi(ST_Buffer(ST_GeomFromEWKB(t.g), $2::float8, $3::text)))
		FROM unnest($1::bytea[]) WITH ORDINALITY AS t(g, ord)
		ORDER BY t.ord`

	// Geographic layers are buffered on the spheroid so the distance stays
	// in metres.
	geographyBufferDissolveSQL = `
		SELECT ST_AsEWKB(ST_Multi(ST_Union(ST_Buffer(ST_GeomFromEWKB(t.g)::geography, $2::float8, $3::text)::geometry)))
		FROM unnest($1::bytea[]) AS t(g)`

	geographyBufferSQL = `
		SELECT t.ord, ST_AsEWKB(ST_Multi(ST_Buffer(ST_GeomFromEWKB(t.g)::geography, $2::float8, $3::text)::geometry))
		FROM unnest($1::bytea[]) WITH ORDINALITY AS t(g, ord)
		ORDER BY t.ord`

	intersectSQL = `
		WITH a AS (
			SELECT t.ord, ST_GeomFromEWKB(t.g) AS geom FROM unnest($1::bytea[]) WITH ORDINALITY AS t(g, ord)
		), b AS (
			SELECT t.ord, ST_GeomFromEWKB(t.g) AS geom FROM unnest($2::bytea[]) WITH ORDINALITY AS t(g, ord)
		)
		SELECT a.ord, b.ord, ST_AsEWKB(ST_CollectionExtract(ST_Intersection(a.geom, b.geom), $3::int))
		FROM a JOIN b ON ST_Intersects(a.geom, b.geom)
		ORDER BY a.ord, b.ord`

	symDiffSQL = `
		WITH a AS (
			SELECT t.ord, ST_GeomFromEWKB(t.g) AS geom FROM unnest($1::bytea[]) WITH ORDINALITY AS t(g, ord)
		), b AS (
			SELECT t.ord, ST_GeomFromEWKB(t.g) AS geom FROM unnest($2::bytea[]) WITH ORDINALITY AS t(g, ord)
		), ua AS (
			SELECT ST_Union(geom) AS geom FROM a
		), ub AS (
			SELECT ST_Union(geom) AS geom FROM b
		)
		SELECT 0 AS side, a.ord, ST_AsEWKB(ST_CollectionExtract(
			CASE WHEN ub.geom IS NULL THEN a.geom ELSE ST_Difference(a.geom, ub.geom) END, $3::int))
		FROM a, ub
		UNION ALL
		SELECT 1 AS side, b.ord, ST_AsEWKB(ST_CollectionExtract(
			CASE WHEN ua.geom IS NULL THEN b.geom ELSE ST_Difference(b.geom, ua.geom) END, $3::int))
		FROM b, ua
		ORDER BY 1, 2`

	srtextSQL     = `SELECT srtext FROM spatial_ref_sys WHERE srid = $1`
	lookupSRIDSQL = `SELECT srid FROM spatial_ref_sys WHERE srtext = $1 LIMIT 1`
)

// BufferField is the attribute Buffer adds with the buffer distance.
const BufferField = "BUFF_DIST"

// PostGIS runs geometry operations in a PostGIS database. Features travel
// as EWKB arrays; shapefiles stay on local disk.
type PostGIS struct {
	Local
	pool        db.Pool
	defaultSRID int
}

// NewPostGIS returns an engine backed by pool. Layers without a usable .prj
// are assumed to be in defaultSourceSRID when projected.
func NewPostGIS(pool db.Pool, defaultSourceSRID int) *PostGIS {
	if defaultSourceSRID == 0 {
		defaultSourceSRID = srs.WGS84
	}
	return &PostGIS{pool: pool, defaultSRID: defaultSourceSRID}
}

func (p *PostGIS) log(op string) *zap.Logger {
	return zap.L().With(zap.String("component", "engine.postgis"), zap.String("op", op))
}

// Project reprojects in to srid and writes out with the target .prj. All
// failures are reported as ProjectionError.
func (p *PostGIS) Project(ctx context.Context, ws layer.Workspace, in, out string, srid int) error {
	src, err := layer.Read(ws.Path(in))
	if err != nil {
		return projectionError(in, err)
	}

	from := src.SRID
	if from == 0 && src.PRJ != "" {
		from, err = p.lookupSRID(ctx, src.PRJ)
		if err != nil {
			return projectionError(in, err)
		}
	}
	if from == 0 {
		p.log("project").Warn("layer has no recognizable spatial reference, assuming default",
			zap.String("layer", in),
			zap.Int("srid", p.defaultSRID),
		)
		from = p.defaultSRID
	}

	prj, err := p.srtext(ctx, srid)
	if err != nil {
		return projectionError(in, err)
	}

	geoms, err := encodeAll(src)
	if err != nil {
		return projectionError(in, err)
	}

	rows, err := p.pool.Query(ctx, projectSQL, geoms, from, srid)
	if err != nil {
		return projectionError(in, err)
	}
	defer rows.Close()

	dst := layer.New(src.ShapeType, srid, prj)
	dst.Fields = src.Fields
	for rows.Next() {
		var ord int64
		var data []byte
		if err := rows.Scan(&ord, &data); err != nil {
			return projectionError(in, eris.Wrap(err, "engine: scan projected row"))
		}
		g, err := decodeNonEmpty(data)
		if err != nil {
			return projectionError(in, err)
		}
		if g == nil {
			continue
		}
		dst.Features = append(dst.Features, layer.Feature{Geom: g, Attrs: src.Features[ord-1].Attrs})
	}
	if err := rows.Err(); err != nil {
		return projectionError(in, err)
	}

	if err := layer.Write(ws.Path(out), dst); err != nil {
		return projectionError(in, err)
	}

	p.log("project").Debug("layer projected",
		zap.String("in", in),
		zap.String("out", out),
		zap.Int("from_srid", from),
		zap.Int("to_srid", srid),
		zap.Int("features", len(dst.Features)),
	)
	return nil
}

// Clip keeps the parts of in that fall inside the polygons of clip.
func (p *PostGIS) Clip(ctx context.Context, ws layer.Workspace, in, clip, out string) error {
	src, err := layer.Read(ws.Path(in))
	if err != nil {
		return engineError("clip", err)
	}
	boundary, err := layer.Read(ws.Path(clip))
	if err != nil {
		return engineError("clip", err)
	}
	if boundary.Dimension() != 3 {
		return engineError("clip", eris.Errorf("engine: clip features %s must be polygons, got %s", clip, layer.TypeName(boundary.ShapeType)))
	}
	if err := p.conform(ctx, boundary, src.SRID); err != nil {
		return engineError("clip", err)
	}

	geoms, err := encodeAll(src)
	if err != nil {
		return engineError("clip", err)
	}
	clipGeoms, err := encodeAll(boundary)
	if err != nil {
		return engineError("clip", err)
	}

	dst := layer.New(src.ShapeType, src.SRID, src.PRJ)
	dst.Fields = src.Fields
	err = p.collect(ctx, clipSQL, []any{geoms, clipGeoms, src.Dimension()}, func(ord int64, g geom.T) {
		dst.Features = append(dst.Features, layer.Feature{Geom: g, Attrs: src.Features[ord-1].Attrs})
	})
	if err != nil {
		return engineError("clip", err)
	}

	p.log("clip").Debug("layer clipped",
		zap.String("in", in),
		zap.String("clip", clip),
		zap.Int("features_in", len(src.Features)),
		zap.Int("features_out", len(dst.Features)),
	)
	return engineError("clip", layer.Write(ws.Path(out), dst))
}

// Buffer writes polygons around every feature of in. With Dissolve the
// result is a single feature.
func (p *PostGIS) Buffer(ctx context.Context, ws layer.Workspace, in, out string, opts BufferOptions) error {
	if opts.Distance <= 0 {
		return engineError("buffer", eris.Errorf("engine: buffer distance must be positive, got %v", opts.Distance))
	}

	src, err := layer.Read(ws.Path(in))
	if err != nil {
		return engineError("buffer", err)
	}
	dissolveSQL, perFeatureSQL := bufferDissolveSQL, bufferSQL
	if srs.IsGeographic(src.SRID) {
		p.log("buffer").Warn("buffering geographic layer on the spheroid",
			zap.String("in", in),
			zap.String("crs", srs.Label(src.SRID)),
		)
		dissolveSQL, perFeatureSQL = geographyBufferDissolveSQL, geographyBufferSQL
	}

	geoms, err := encodeAll(src)
	if err != nil {
		return engineError("buffer", err)
	}

	dist := strconv.FormatFloat(opts.Distance, 'f', 2, 64)
	distField := layer.FloatField(BufferField, 19, 2)
	dst := layer.New(layer.TypeForDimension(3), src.SRID, src.PRJ)

	if opts.Dissolve {
		dst.Fields = []layer.Field{distField}

		var data []byte
		if err := p.pool.QueryRow(ctx, dissolveSQL, geoms, opts.Distance, opts.style()).Scan(&data); err != nil {
			return engineError("buffer", err)
		}
		g, err := decodeNonEmpty(data)
		if err != nil {
			return engineError("buffer", err)
		}
		if g != nil {
			dst.Features = append(dst.Features, layer.Feature{Geom: g, Attrs: []string{dist}})
		}
	} else {
		dst.Fields = append(append([]layer.Field(nil), src.Fields...), layer.Disambiguate(src.Fields, []layer.Field{distField})...)
		err = p.collect(ctx, perFeatureSQL, []any{geoms, opts.Distance, opts.style()}, func(ord int64, g geom.T) {
			attrs := append(append([]string(nil), src.Features[ord-1].Attrs...), dist)
			dst.Features = append(dst.Features, layer.Feature{Geom: g, Attrs: attrs})
		})
		if err != nil {
			return engineError("buffer", err)
		}
	}

	p.log("buffer").Debug("layer buffered",
		zap.String("in", in),
		zap.Float64("distance", opts.Distance),
		zap.Bool("dissolve", opts.Dissolve),
		zap.Int("features_out", len(dst.Features)),
	)
	return engineError("buffer", layer.Write(ws.Path(out), dst))
}

// Intersect writes the pairwise overlaps of the inputs at the lowest input
// dimension, carrying the attributes of every input. More than two inputs
// are folded left to right.
func (p *PostGIS) Intersect(ctx context.Context, ws layer.Workspace, inputs []string, out string) error {
	if len(inputs) < 2 {
		return engineError("intersect", eris.Errorf("engine: intersect needs at least two inputs, got %d", len(inputs)))
	}

	acc, err := layer.Read(ws.Path(inputs[0]))
	if err != nil {
		return engineError("intersect", err)
	}

	for _, name := range inputs[1:] {
		next, err := layer.Read(ws.Path(name))
		if err != nil {
			return engineError("intersect", err)
		}
		acc, err = p.intersectPair(ctx, acc, next)
		if err != nil {
			return engineError("intersect", err)
		}
	}

	p.log("intersect").Debug("layers intersected",
		zap.Strings("inputs", inputs),
		zap.Int("features_out", len(acc.Features)),
	)
	return engineError("intersect", layer.Write(ws.Path(out), acc))
}

func (p *PostGIS) intersectPair(ctx context.Context, a, b *layer.Layer) (*layer.Layer, error) {
	dim := min(a.Dimension(), b.Dimension())

	if err := p.conform(ctx, b, a.SRID); err != nil {
		return nil, err
	}
	ga, err := encodeAll(a)
	if err != nil {
		return nil, err
	}
	gb, err := encodeAll(b)
	if err != nil {
		return nil, err
	}

	fields, aIdx, bIdx := layer.CombineFields(a.Fields, layer.Disambiguate(a.Fields, b.Fields))
	dst := layer.New(layer.TypeForDimension(dim), a.SRID, a.PRJ)
	dst.Fields = fields

	rows, err := p.pool.Query(ctx, intersectSQL, ga, gb, dim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var aOrd, bOrd int64
		var data []byte
		if err := rows.Scan(&aOrd, &bOrd, &data); err != nil {
			return nil, eris.Wrap(err, "engine: scan intersect row")
		}
		g, err := decodeNonEmpty(data)
		if err != nil {
			return nil, err
		}
		if g == nil {
			continue
		}
		attrs := layer.Remap(a.Features[aOrd-1].Attrs, aIdx, len(fields))
		for i, v := range b.Features[bOrd-1].Attrs {
			attrs[bIdx[i]] = v
		}
		dst.Features = append(dst.Features, layer.Feature{Geom: g, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dst, nil
}

// SymmetricDifference writes the parts of in not covered by update and the
// parts of update not covered by in. Both inputs must share a dimension.
func (p *PostGIS) SymmetricDifference(ctx context.Context, ws layer.Workspace, in, update, out string) error {
	a, err := layer.Read(ws.Path(in))
	if err != nil {
		return engineError("symmetric difference", err)
	}
	b, err := layer.Read(ws.Path(update))
	if err != nil {
		return engineError("symmetric difference", err)
	}
	if a.Dimension() != b.Dimension() {
		return engineError("symmetric difference", eris.Errorf("engine: %s is %s but %s is %s",
			in, layer.TypeName(a.ShapeType), update, layer.TypeName(b.ShapeType)))
	}
	if err := p.conform(ctx, b, a.SRID); err != nil {
		return engineError("symmetric difference", err)
	}

	ga, err := encodeAll(a)
	if err != nil {
		return engineError("symmetric difference", err)
	}
	gb, err := encodeAll(b)
	if err != nil {
		return engineError("symmetric difference", err)
	}

	fields, aIdx, bIdx := layer.CombineFields(a.Fields, layer.Disambiguate(a.Fields, b.Fields))
	dst := layer.New(a.ShapeType, a.SRID, a.PRJ)
	dst.Fields = fields

	rows, err := p.pool.Query(ctx, symDiffSQL, ga, gb, a.Dimension())
	if err != nil {
		return engineError("symmetric difference", err)
	}
	defer rows.Close()

	for rows.Next() {
		var side int32
		var ord int64
		var data []byte
		if err := rows.Scan(&side, &ord, &data); err != nil {
			return engineError("symmetric difference", eris.Wrap(err, "engine: scan symmetric difference row"))
		}
		g, err := decodeNonEmpty(data)
		if err != nil {
			return engineError("symmetric difference", err)
		}
		if g == nil {
			continue
		}
		var attrs []string
		if side == 0 {
			attrs = layer.Remap(a.Features[ord-1].Attrs, aIdx, len(fields))
		} else {
			attrs = layer.Remap(b.Features[ord-1].Attrs, bIdx, len(fields))
		}
		dst.Features = append(dst.Features, layer.Feature{Geom: g, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return engineError("symmetric difference", err)
	}

	p.log("symmetric difference").Debug("symmetric difference computed",
		zap.String("in", in),
		zap.String("update", update),
		zap.Int("features_out", len(dst.Features)),
	)
	return engineError("symmetric difference", layer.Write(ws.Path(out), dst))
}

// collect runs a two-column (ord, ewkb) query and hands every non-empty
// geometry to fn.
func (p *PostGIS) collect(ctx context.Context, sql string, args []any, fn func(ord int64, g geom.T)) error {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ord int64
		var data []byte
		if err := rows.Scan(&ord, &data); err != nil {
			return eris.Wrap(err, "engine: scan row")
		}
		g, err := decodeNonEmpty(data)
		if err != nil {
			return err
		}
		if g != nil {
			fn(ord, g)
		}
	}
	return rows.Err()
}

// conform reprojects l in memory to srid when both spatial references are
// known and differ. Features that do not survive the transform are dropped.
func (p *PostGIS) conform(ctx context.Context, l *layer.Layer, srid int) error {
	if l.SRID == srid || l.SRID == 0 || srid == 0 {
		return nil
	}
	geoms, err := encodeAll(l)
	if err != nil {
		return err
	}

	from := l.SRID
	features := make([]layer.Feature, 0, len(l.Features))
	err = p.collect(ctx, projectSQL, []any{geoms, from, srid}, func(ord int64, g geom.T) {
		features = append(features, layer.Feature{Geom: g, Attrs: l.Features[ord-1].Attrs})
	})
	if err != nil {
		return eris.Wrapf(err, "engine: reproject EPSG:%d to EPSG:%d", from, srid)
	}

	p.log("conform").Debug("layer reprojected for overlay",
		zap.Int("from", from),
		zap.Int("to", srid),
		zap.Int("features", len(features)),
	)
	l.Features, l.SRID = features, srid
	return nil
}

func (p *PostGIS) srtext(ctx context.Context, srid int) (string, error) {
	var text string
	err := p.pool.QueryRow(ctx, srtextSQL, srid).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Errorf("engine: SRID %d is not in spatial_ref_sys", srid)
	}
	if err != nil {
		return "", eris.Wrapf(err, "engine: look up SRID %d", srid)
	}
	return text, nil
}

// lookupSRID matches .prj text against spatial_ref_sys. Returns 0 when no
// row matches.
func (p *PostGIS) lookupSRID(ctx context.Context, prj string) (int, error) {
	var srid int
	err := p.pool.QueryRow(ctx, lookupSRIDSQL, prj).Scan(&srid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "engine: match .prj against spatial_ref_sys")
	}
	return srid, nil
}

func encodeAll(l *layer.Layer) ([][]byte, error) {
	out := make([][]byte, len(l.Features))
	for i, f := range l.Features {
		if f.Geom == nil {
			continue
		}
		data, err := layer.EncodeEWKB(f.Geom)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// decodeNonEmpty returns nil for NULL or empty results.
func decodeNonEmpty(data []byte) (geom.T, error) {
	if data == nil {
		return nil, nil
	}
	g, err := layer.DecodeEWKB(data)
	if err != nil {
		return nil, err
	}
	if layer.IsEmpty(g) {
		return nil, nil
	}
	return g, nil
}
