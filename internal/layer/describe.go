package layer

import "github.com/sells-group/streetbus/internal/srs"

// Description summarizes a layer on disk.
type Description struct {
	Path      string  `yaml:"path"`
	Name      string  `yaml:"name"`
	ShapeType string  `yaml:"shape_type"`
	SRID      int     `yaml:"srid"`
	CRS       string  `yaml:"crs"`
	Features  int     `yaml:"features"`
	Fields    []Field `yaml:"fields"`
}

// Describe reads a layer and reports its shape type, spatial reference and
// schema.
func Describe(path string) (*Description, error) {
	l, err := Read(path)
	if err != nil {
		return nil, err
	}
	return &Description{
		Path:      path,
		Name:      Name(path),
		ShapeType: TypeName(l.ShapeType),
		SRID:      l.SRID,
		CRS:       srs.Label(l.SRID),
		Features:  len(l.Features),
		Fields:    l.Fields,
	}, nil
}
