package layer

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
)

// ShapeToGeom converts a go-shp shape to a 2D go-geom geometry tagged with
// srid. Z and M values are dropped. Returns nil, nil for null or empty shapes.
func ShapeToGeom(shape shp.Shape, srid int) (geom.T, error) {
	if shape == nil {
		return nil, nil
	}

	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(srid), nil
	case *shp.PointZ:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(srid), nil
	case *shp.PointM:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(srid), nil

	case *shp.MultiPoint:
		return multiPoint(s.Points, srid), nil
	case *shp.MultiPointZ:
		return multiPoint(s.Points, srid), nil
	case *shp.MultiPointM:
		return multiPoint(s.Points, srid), nil

	case *shp.PolyLine:
		return multiLineString(splitParts(s.NumParts, s.Parts, s.Points), srid), nil
	case *shp.PolyLineZ:
		return multiLineString(splitParts(s.NumParts, s.Parts, s.Points), srid), nil
	case *shp.PolyLineM:
		return multiLineString(splitParts(s.NumParts, s.Parts, s.Points), srid), nil

	case *shp.Polygon:
		return multiPolygon(splitParts(s.NumParts, s.Parts, s.Points), srid), nil
	case *shp.PolygonZ:
		return multiPolygon(splitParts(s.NumParts, s.Parts, s.Points), srid), nil
	case *shp.PolygonM:
		return multiPolygon(splitParts(s.NumParts, s.Parts, s.Points), srid), nil

	case *shp.Null:
		return nil, nil
	}

	return nil, eris.Errorf("layer: unsupported shape %T", shape)
}

// GeomToShape converts a geometry to a shape of the given 2D family.
func GeomToShape(g geom.T, shapeType shp.ShapeType) (shp.Shape, error) {
	switch BaseType(shapeType) {
	case shp.POINT:
		if p, ok := g.(*geom.Point); ok {
			return &shp.Point{X: p.X(), Y: p.Y()}, nil
		}
		if mp, ok := g.(*geom.MultiPoint); ok && mp.NumPoints() == 1 {
			p := mp.Point(0)
			return &shp.Point{X: p.X(), Y: p.Y()}, nil
		}

	case shp.MULTIPOINT:
		var pts []shp.Point
		switch t := g.(type) {
		case *geom.Point:
			pts = []shp.Point{{X: t.X(), Y: t.Y()}}
		case *geom.MultiPoint:
			pts = flatPoints(t.FlatCoords(), t.Stride())
		default:
			return nil, eris.Errorf("layer: cannot write %T as multipoint", g)
		}
		return &shp.MultiPoint{Box: shp.BBoxFromPoints(pts), NumPoints: int32(len(pts)), Points: pts}, nil

	case shp.POLYLINE:
		var parts [][]shp.Point
		switch t := g.(type) {
		case *geom.LineString:
			parts = [][]shp.Point{flatPoints(t.FlatCoords(), t.Stride())}
		case *geom.MultiLineString:
			for i := 0; i < t.NumLineStrings(); i++ {
				ls := t.LineString(i)
				if ls.NumCoords() < 2 {
					continue
				}
				parts = append(parts, flatPoints(ls.FlatCoords(), ls.Stride()))
			}
		default:
			return nil, eris.Errorf("layer: cannot write %T as polyline", g)
		}
		if len(parts) == 0 {
			return nil, eris.New("layer: empty polyline")
		}
		return shp.NewPolyLine(parts), nil

	case shp.POLYGON:
		var polys []*geom.Polygon
		switch t := g.(type) {
		case *geom.Polygon:
			polys = []*geom.Polygon{t}
		case *geom.MultiPolygon:
			for i := 0; i < t.NumPolygons(); i++ {
				polys = append(polys, t.Polygon(i))
			}
		default:
			return nil, eris.Errorf("layer: cannot write %T as polygon", g)
		}
		var parts [][]shp.Point
		for _, p := range polys {
			for r := 0; r < p.NumLinearRings(); r++ {
				ring := p.LinearRing(r)
				pts := closeRing(flatPoints(ring.FlatCoords(), ring.Stride()))
				if len(pts) < 4 {
					continue
				}
				// Shapefile outer rings are clockwise, holes counter-clockwise.
				outer := r == 0
				if (signedArea(pts) < 0) != outer {
					reverse(pts)
				}
				parts = append(parts, pts)
			}
		}
		if len(parts) == 0 {
			return nil, eris.New("layer: empty polygon")
		}
		poly := shp.Polygon(*shp.NewPolyLine(parts))
		return &poly, nil
	}

	return nil, eris.Errorf("layer: cannot write %T as %s", g, TypeName(shapeType))
}

// EncodeEWKB marshals a geometry as little-endian EWKB.
func EncodeEWKB(g geom.T) ([]byte, error) {
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "layer: encode EWKB")
	}
	return data, nil
}

// DecodeEWKB unmarshals EWKB returned by the engine.
func DecodeEWKB(data []byte) (geom.T, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "layer: decode EWKB")
	}
	return g, nil
}

// IsEmpty reports whether g has no coordinates.
func IsEmpty(g geom.T) bool {
	if g == nil {
		return true
	}
	if gc, ok := g.(*geom.GeometryCollection); ok {
		return gc.NumGeoms() == 0
	}
	return len(g.FlatCoords()) == 0
}

// splitParts slices a shape's point array into its parts.
func splitParts(numParts int32, partIdx []int32, points []shp.Point) [][]shp.Point {
	if numParts == 0 || len(points) == 0 {
		return nil
	}

	parts := make([][]shp.Point, 0, numParts)
	for i := int32(0); i < numParts && int(i) < len(partIdx); i++ {
		start := partIdx[i]
		end := int32(len(points))
		if i+1 < numParts && int(i+1) < len(partIdx) {
			end = partIdx[i+1]
		}
		if start < 0 || start >= end || int(end) > len(points) {
			zap.L().Debug("layer: skipping malformed part", zap.Int32("part", i))
			continue
		}
		parts = append(parts, points[start:end])
	}
	return parts
}

func multiPoint(points []shp.Point, srid int) geom.T {
	if len(points) == 0 {
		return nil
	}
	return geom.NewMultiPointFlat(geom.XY, flatCoords(points)).SetSRID(srid)
}

func multiLineString(parts [][]shp.Point, srid int) geom.T {
	mls := geom.NewMultiLineString(geom.XY).SetSRID(srid)
	for i, part := range parts {
		if len(part) < 2 {
			continue
		}
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, flatCoords(part))); err != nil {
			zap.L().Debug("layer: skipping malformed linestring part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// multiPolygon groups rings into polygons: a clockwise ring starts a new
// polygon and counter-clockwise rings become holes of the current one.
func multiPolygon(rings [][]shp.Point, srid int) geom.T {
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(srid)

	var flat []float64
	var ends []int
	flush := func() {
		if len(ends) == 0 {
			return
		}
		if err := mp.Push(geom.NewPolygonFlat(geom.XY, flat, ends)); err != nil {
			zap.L().Debug("layer: skipping malformed polygon", zap.Error(err))
		}
		flat, ends = nil, nil
	}

	for _, ring := range rings {
		ring = closeRing(ring)
		if len(ring) < 4 {
			continue
		}
		if signedArea(ring) < 0 || len(ends) == 0 {
			flush()
		}
		flat = append(flat, flatCoords(ring)...)
		ends = append(ends, len(flat))
	}
	flush()

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// signedArea is negative for clockwise rings.
func signedArea(ring []shp.Point) float64 {
	var sum float64
	for i := 0; i+1 < len(ring); i++ {
		sum += ring[i].X*ring[i+1].Y - ring[i+1].X*ring[i].Y
	}
	return sum / 2
}

func closeRing(ring []shp.Point) []shp.Point {
	if len(ring) == 0 {
		return ring
	}
	if first, last := ring[0], ring[len(ring)-1]; first != last {
		ring = append(append([]shp.Point(nil), ring...), first)
	}
	return ring
}

func reverse(pts []shp.Point) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}

// flatCoords converts shapefile points to flat XY pairs for go-geom.
func flatCoords(points []shp.Point) []float64 {
	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}

func flatPoints(flat []float64, stride int) []shp.Point {
	if stride < 2 {
		stride = 2
	}
	pts := make([]shp.Point, 0, len(flat)/stride)
	for i := 0; i+1 < len(flat); i += stride {
		pts = append(pts, shp.Point{X: flat[i], Y: flat[i+1]})
	}
	return pts
}
