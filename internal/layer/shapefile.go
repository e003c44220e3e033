package layer

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/srs"
)

// sidecars are the files that make up one shapefile layer.
var sidecars = []string{".shp", ".shx", ".dbf", ".prj", ".cpg", ".sbn", ".sbx", ".qix", ".fix", ".atx", ".shp.xml"}

// Read loads a shapefile and its .prj sidecar into memory. Null shapes and
// shapes that cannot be converted are skipped.
func Read(path string) (*Layer, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "layer: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	prj, err := readPRJ(path)
	if err != nil {
		return nil, err
	}

	l := New(reader.GeometryType, srs.ParsePRJ(prj), prj)

	fields := reader.Fields()
	for _, f := range fields {
		l.Fields = append(l.Fields, Field{
			Name:      truncateName(f.String()),
			Type:      f.Fieldtype,
			Size:      f.Size,
			Precision: f.Precision,
		})
	}

	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		g, convErr := ShapeToGeom(shape, l.SRID)
		if convErr != nil || g == nil {
			skipped++
			continue
		}

		attrs := make([]string, len(fields))
		for i := range fields {
			val := strings.TrimRight(reader.Attribute(i), "\x00")
			attrs[i] = strings.TrimSpace(val)
		}
		l.Features = append(l.Features, Feature{Geom: g, Attrs: attrs})
	}

	if skipped > 0 {
		zap.L().Debug("layer: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}

	return l, nil
}

// Write creates (or truncates) a shapefile from l and writes its .prj when
// the layer carries one. A layer without fields gets an "Id" column since
// readers require a non-empty .dbf.
func Write(path string, l *Layer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "layer: create output dir")
	}

	fields := l.Fields
	placeholder := len(fields) == 0
	if placeholder {
		fields = []Field{{Name: "Id", Type: 'N', Size: 10}}
	}

	w, err := shp.Create(path, BaseType(l.ShapeType))
	if err != nil {
		return eris.Wrapf(err, "layer: create shapefile %s", path)
	}

	if err := writeRecords(w, path, l, fields, placeholder); err != nil {
		w.Close()
		_ = os.Remove(writerDBF(path))
		return err
	}
	w.Close()

	// go-shp's writer names the table "<base>dbf"; move it next to the .shp.
	if err := os.Rename(writerDBF(path), sidecar(path, ".dbf")); err != nil {
		return eris.Wrapf(err, "layer: place .dbf for %s", path)
	}

	prjPath := sidecar(path, ".prj")
	if l.PRJ == "" {
		if err := os.Remove(prjPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrap(err, "layer: remove stale .prj")
		}
		return nil
	}
	if err := os.WriteFile(prjPath, []byte(l.PRJ), 0o644); err != nil {
		return eris.Wrap(err, "layer: write .prj")
	}
	return nil
}

func writeRecords(w *shp.Writer, path string, l *Layer, fields []Field, placeholder bool) error {
	if err := w.SetFields(dbfFields(fields)); err != nil {
		return eris.Wrapf(err, "layer: set fields on %s", path)
	}

	for i, feat := range l.Features {
		shape, err := GeomToShape(feat.Geom, l.ShapeType)
		if err != nil {
			return eris.Wrapf(err, "layer: feature %d of %s", i, path)
		}
		row := int(w.Write(shape))

		if placeholder {
			if err := w.WriteAttribute(row, 0, "0"); err != nil {
				return eris.Wrapf(err, "layer: write attribute row %d", row)
			}
			continue
		}
		for j, f := range fields {
			val := ""
			if j < len(feat.Attrs) {
				val = truncateValue(feat.Attrs[j], int(f.Size))
			}
			if err := w.WriteAttribute(row, j, val); err != nil {
				return eris.Wrapf(err, "layer: write attribute row %d field %s", row, f.Name)
			}
		}
	}
	return nil
}

// truncateValue cuts s to at most size bytes without splitting a rune.
func truncateValue(s string, size int) string {
	if len(s) <= size {
		return s
	}
	cut := size
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// writerDBF is where go-shp's writer puts the attribute table.
func writerDBF(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "dbf"
}

// Exists reports whether the .shp of a layer is present.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Delete removes a layer and all of its sidecar files. Deleting a layer
// that does not exist is not an error.
func Delete(path string) error {
	paths := []string{writerDBF(path)}
	for _, ext := range sidecars {
		paths = append(paths, sidecar(path, ext))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "layer: delete %s", p)
		}
	}
	return nil
}

// List returns the .shp paths directly inside dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "layer: read directory %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".shp") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Name returns a layer's base name without directory or extension.
func Name(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func readPRJ(path string) (string, error) {
	data, err := os.ReadFile(sidecar(path, ".prj"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "layer: read .prj for %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}

func sidecar(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func dbfFields(fields []Field) []shp.Field {
	out := make([]shp.Field, 0, len(fields))
	for _, f := range fields {
		var sf shp.Field
		switch f.Type {
		case 'N':
			sf = shp.NumberField(f.Name, f.Size)
			sf.Precision = f.Precision
		case 'F':
			sf = shp.FloatField(f.Name, f.Size, f.Precision)
		case 'D':
			sf = shp.DateField(f.Name)
		default:
			sf = shp.StringField(f.Name, f.Size)
		}
		out = append(out, sf)
	}
	return out
}
