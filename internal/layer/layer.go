// Package layer reads and writes shapefile layers and converts their shapes
// to go-geom geometries for the geometry engine.
package layer

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// MaxFieldSize is the widest dBASE character field.
const MaxFieldSize = 254

// Field describes one dBASE attribute column.
type Field struct {
	Name      string `yaml:"name"`
	Type      byte   `yaml:"-"`
	Size      uint8  `yaml:"size"`
	Precision uint8  `yaml:"precision,omitempty"`
}

// TextField returns a character field of the given width.
func TextField(name string, size uint8) Field {
	if size == 0 {
		size = 1
	}
	return Field{Name: truncateName(name), Type: 'C', Size: size}
}

// FloatField returns a numeric field with decimals.
func FloatField(name string, size, precision uint8) Field {
	return Field{Name: truncateName(name), Type: 'F', Size: size, Precision: precision}
}

// Feature is a geometry with attribute values aligned to Layer.Fields.
type Feature struct {
	Geom  geom.T
	Attrs []string
}

// Layer is an in-memory copy of one shapefile.
type Layer struct {
	ShapeType shp.ShapeType
	Fields    []Field
	Features  []Feature
	SRID      int
	PRJ       string
}

// New returns an empty layer of the given shape family.
func New(shapeType shp.ShapeType, srid int, prj string) *Layer {
	return &Layer{ShapeType: BaseType(shapeType), SRID: srid, PRJ: prj}
}

// FieldIndex returns the index of the named field (case-insensitive), or -1.
func (l *Layer) FieldIndex(name string) int {
	name = truncateName(name)
	for i, f := range l.Fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// AddField appends a field and blanks it on every feature. It reports
// false and leaves the layer unchanged when the field already exists.
func (l *Layer) AddField(f Field) bool {
	f.Name = truncateName(f.Name)
	if l.FieldIndex(f.Name) >= 0 {
		return false
	}
	if f.Size == 0 {
		f.Size = 1
	}
	l.Fields = append(l.Fields, f)
	for i := range l.Features {
		l.Features[i].Attrs = append(l.Features[i].Attrs, "")
	}
	return true
}

// SetField assigns value to the named field on every feature, widening the
// field when needed.
func (l *Layer) SetField(name, value string) error {
	idx := l.FieldIndex(name)
	if idx < 0 {
		return eris.Errorf("layer: no field %q", name)
	}
	if len(value) > MaxFieldSize {
		return eris.Errorf("layer: value for %q exceeds %d bytes", name, MaxFieldSize)
	}
	if n := uint8(len(value)); n > l.Fields[idx].Size {
		l.Fields[idx].Size = n
	}
	for i := range l.Features {
		l.Features[i].Attrs[idx] = value
	}
	return nil
}

// Counts tallies feature values of the named field. It returns nil when the
// field does not exist.
func (l *Layer) Counts(name string) map[string]int {
	idx := l.FieldIndex(name)
	if idx < 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, f := range l.Features {
		counts[f.Attrs[idx]]++
	}
	return counts
}

// Dimension returns the PostGIS collection type of the layer's shapes:
// 1 point, 2 line, 3 polygon.
func (l *Layer) Dimension() int {
	return Dimension(l.ShapeType)
}

// Dimension returns the PostGIS collection type for a shape family.
func Dimension(t shp.ShapeType) int {
	switch BaseType(t) {
	case shp.POLYLINE:
		return 2
	case shp.POLYGON:
		return 3
	default:
		return 1
	}
}

// TypeForDimension is the inverse of Dimension.
func TypeForDimension(dim int) shp.ShapeType {
	switch dim {
	case 2:
		return shp.POLYLINE
	case 3:
		return shp.POLYGON
	default:
		return shp.MULTIPOINT
	}
}

// BaseType folds Z and M variants onto their 2D shape family.
func BaseType(t shp.ShapeType) shp.ShapeType {
	switch t {
	case shp.POINT, shp.POINTZ, shp.POINTM:
		return shp.POINT
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return shp.POLYLINE
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return shp.POLYGON
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return shp.MULTIPOINT
	}
	return t
}

// TypeName returns the shape family name used in logs and reports.
func TypeName(t shp.ShapeType) string {
	switch BaseType(t) {
	case shp.POINT:
		return "Point"
	case shp.POLYLINE:
		return "Polyline"
	case shp.POLYGON:
		return "Polygon"
	case shp.MULTIPOINT:
		return "Multipoint"
	case shp.NULL:
		return "Null"
	}
	return "Unknown"
}

// CombineFields returns the union of two field lists, preferring the first
// list's definitions and widening on collisions. The index maps give each
// input field's position in the result.
func CombineFields(a, b []Field) (fields []Field, aIdx, bIdx []int) {
	fields = make([]Field, 0, len(a)+len(b))
	aIdx = make([]int, len(a))
	bIdx = make([]int, len(b))
	lookup := make(map[string]int, len(a)+len(b))

	add := func(f Field) int {
		key := strings.ToLower(f.Name)
		if i, ok := lookup[key]; ok {
			if f.Size > fields[i].Size {
				fields[i].Size = f.Size
			}
			return i
		}
		fields = append(fields, f)
		lookup[key] = len(fields) - 1
		return len(fields) - 1
	}

	for i, f := range a {
		aIdx[i] = add(f)
	}
	for i, f := range b {
		bIdx[i] = add(f)
	}
	return fields, aIdx, bIdx
}

// Disambiguate renames fields of b that collide with a field of a by
// appending "_1", "_2", ... within the 10 character dBASE limit.
func Disambiguate(a, b []Field) []Field {
	taken := make(map[string]bool, len(a)+len(b))
	for _, f := range a {
		taken[strings.ToLower(f.Name)] = true
	}

	out := make([]Field, len(b))
	for i, f := range b {
		name := f.Name
		for n := 1; taken[strings.ToLower(name)]; n++ {
			suffix := "_" + strconv.Itoa(n)
			base := f.Name
			if len(base)+len(suffix) > 10 {
				base = base[:10-len(suffix)]
			}
			name = base + suffix
		}
		taken[strings.ToLower(name)] = true
		f.Name = name
		out[i] = f
	}
	return out
}

// Remap copies attrs into a row of width n using the index map.
func Remap(attrs []string, idx []int, n int) []string {
	row := make([]string, n)
	for i, v := range attrs {
		if i < len(idx) {
			row[idx[i]] = v
		}
	}
	return row
}

// Merge concatenates layers of the same shape family into one layer whose
// fields are the union of the inputs' fields.
func Merge(layers ...*Layer) (*Layer, error) {
	if len(layers) == 0 {
		return nil, eris.New("layer: merge needs at least one input")
	}

	first := layers[0]
	out := New(first.ShapeType, first.SRID, first.PRJ)

	for i, l := range layers {
		if BaseType(l.ShapeType) != out.ShapeType {
			return nil, eris.Errorf("layer: merge input %d is %s, want %s", i, TypeName(l.ShapeType), TypeName(out.ShapeType))
		}
		if l.SRID != out.SRID {
			return nil, eris.Errorf("layer: merge input %d has SRID %d, want %d", i, l.SRID, out.SRID)
		}
		fields, _, idx := CombineFields(out.Fields, l.Fields)
		if len(fields) > len(out.Fields) {
			for j := range out.Features {
				out.Features[j].Attrs = append(out.Features[j].Attrs, make([]string, len(fields)-len(out.Fields))...)
			}
		}
		out.Fields = fields
		for _, f := range l.Features {
			out.Features = append(out.Features, Feature{Geom: f.Geom, Attrs: Remap(f.Attrs, idx, len(fields))})
		}
	}

	return out, nil
}

// Workspace is the folder that relative layer names resolve against.
type Workspace struct {
	Dir string
}

// NewWorkspace returns a workspace rooted at dir.
func NewWorkspace(dir string) Workspace {
	return Workspace{Dir: filepath.Clean(dir)}
}

// Path resolves a layer name to a .shp path inside the workspace. Absolute
// paths are returned unchanged apart from the extension.
func (w Workspace) Path(name string) string {
	if !strings.EqualFold(filepath.Ext(name), ".shp") {
		name += ".shp"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.Dir, name)
}

func truncateName(name string) string {
	name = strings.TrimRight(name, "\x00")
	name = strings.TrimSpace(name)
	if len(name) > 10 {
		name = name[:10]
	}
	return name
}
