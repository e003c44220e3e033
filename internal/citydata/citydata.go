// Package citydata loads the city configuration CSV.
package citydata

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/model"
	"github.com/sells-group/streetbus/internal/srs"
)

// Required CSV columns.
const (
	ColFolder        = "folder"
	ColUTMZone       = "utm_zone"
	ColStreetCenters = "street_centers"
	ColBusRoutes     = "bus_routes"
	ColCityLimits    = "city_limits"
)

var columns = []string{ColFolder, ColUTMZone, ColStreetCenters, ColBusRoutes, ColCityLimits}

// row is one CSV record. utm_zone stays a string so bad values surface as
// ConfigError with the row number instead of a decoder error.
type row struct {
	Folder        string `csv:"folder"`
	UTMZone       string `csv:"utm_zone"`
	StreetCenters string `csv:"street_centers"`
	BusRoutes     string `csv:"bus_routes"`
	CityLimits    string `csv:"city_limits"`
}

// Registry maps city names to their configuration.
type Registry struct {
	cities map[string]model.CityConfig
	order  []string
}

// Get returns the configuration for city.
func (r *Registry) Get(city string) (model.CityConfig, bool) {
	c, ok := r.cities[city]
	return c, ok
}

// Names returns configured city names in file order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of configured cities.
func (r *Registry) Len() int {
	return len(r.order)
}

// Load reads and validates the city CSV at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &model.NotFoundError{What: "city data file", Path: path}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "citydata: read %s", path)
	}
	return Parse(bytes.NewReader(data), path)
}

// Parse decodes city rows from r. path is used only in error messages.
func Parse(r io.Reader, path string) (*Registry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &model.ConfigError{Path: path, Err: eris.New("empty file")}
	}
	if err != nil {
		return nil, &model.ConfigError{Path: path, Err: err}
	}
	header = normalizeHeader(header)

	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	for _, col := range columns {
		if !present[col] {
			return nil, &model.ConfigError{Path: path, Column: col, Err: eris.New("missing required column")}
		}
	}

	dec, err := csvutil.NewDecoder(reader, header...)
	if err != nil {
		return nil, &model.ConfigError{Path: path, Err: err}
	}

	reg := &Registry{cities: make(map[string]model.CityConfig)}
	for n := 1; ; n++ {
		var rec row
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &model.ConfigError{Path: path, Row: n, Err: err}
		}

		city, err := toCity(rec)
		if err != nil {
			var ce *model.ConfigError
			if errors.As(err, &ce) {
				ce.Path, ce.Row = path, n
			}
			return nil, err
		}

		if _, dup := reg.cities[city.Name]; dup {
			zap.L().Warn("citydata: duplicate city, later row wins",
				zap.String("city", city.Name),
				zap.Int("row", n),
			)
		} else {
			reg.order = append(reg.order, city.Name)
		}
		reg.cities[city.Name] = city
	}

	return reg, nil
}

func toCity(rec row) (model.CityConfig, error) {
	cells := map[string]string{
		ColFolder:        strings.TrimSpace(rec.Folder),
		ColUTMZone:       strings.TrimSpace(rec.UTMZone),
		ColStreetCenters: strings.TrimSpace(rec.StreetCenters),
		ColBusRoutes:     strings.TrimSpace(rec.BusRoutes),
		ColCityLimits:    strings.TrimSpace(rec.CityLimits),
	}
	for _, col := range columns {
		if cells[col] == "" {
			return model.CityConfig{}, &model.ConfigError{Column: col, Err: eris.New("empty value")}
		}
	}

	zone, err := strconv.Atoi(cells[ColUTMZone])
	if err != nil {
		return model.CityConfig{}, &model.ConfigError{Column: ColUTMZone, Err: eris.Errorf("%q is not an integer", cells[ColUTMZone])}
	}
	srid, err := srs.UTMZoneSRID(zone)
	if err != nil {
		return model.CityConfig{}, &model.ConfigError{Column: ColUTMZone, Err: err}
	}

	folder := cells[ColFolder]
	return model.CityConfig{
		Name:          folder,
		Folder:        folder,
		UTMZone:       zone,
		SRID:          srid,
		StreetCenters: cells[ColStreetCenters],
		BusRoutes:     cells[ColBusRoutes],
		CityLimits:    cells[ColCityLimits],
	}, nil
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}
