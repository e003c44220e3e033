package streetbus

import "github.com/sells-group/streetbus/internal/layer"

// Intermediate layers, written at the top level of the city workspace.
const (
	ProjectedStreets = "projected_street_centerlines"
	ProjectedRoutes  = "projected_bus_routes"
	ProjectedLimits  = "projected_city_limit"
	ClippedStreets   = "clipped_street_centerlines"
	ClippedRoutes    = "clipped_bus_routes"
	BufferedRoutes   = "buffered_bus_routes"
	BusRoads         = "Bus_Route_Roads"
	NonBusRoads      = "Non_Bus_Route_Roads"
)

// Road classification attribute.
const (
	RoadTypeField  = "RoadType"
	RoadTypeBus    = "Bus"
	RoadTypeNonBus = "Non-Bus"
)

var roadTypeField = layer.TextField(RoadTypeField, 50)

// Phase names recorded in the run ledger.
const (
	PhaseResolve = "1_resolve"
	PhaseProject = "2_project"
	PhaseVerify  = "3_verify"
	PhaseClip    = "4_clip"
	PhaseBuffer  = "5_buffer"
	PhaseBus     = "6_bus_roads"
	PhaseNonBus  = "7_non_bus_roads"
	PhaseMerge   = "8_merge"
	PhaseCleanup = "9_cleanup"
)
