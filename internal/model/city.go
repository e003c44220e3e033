package model

// CityConfig describes one city's working folder and input layers.
// Name is the lookup key and always equals Folder.
type CityConfig struct {
	Name          string `json:"name"`
	Folder        string `json:"folder"`
	UTMZone       int    `json:"utm_zone"`
	SRID          int    `json:"srid"`
	StreetCenters string `json:"street_centers"`
	BusRoutes     string `json:"bus_routes"`
	CityLimits    string `json:"city_limits"`
}

// OutputName returns the base name of the merged output layer.
func (c CityConfig) OutputName() string {
	return c.Name + "_Streets"
}
