// Package model defines the transit data entities persisted by the store.
package model

import "time"

// ApiCallSource names which ingestion task issued an upstream request.
type ApiCallSource string

const (
	SourceAgencyRefresh    ApiCallSource = "agency_refresh"
	SourceRouteRefresh     ApiCallSource = "route_refresh"
	SourcePredictions      ApiCallSource = "predictions"
	SourceVehicleLocations ApiCallSource = "vehicle_locations"
)

// ApiCallLog is one record per upstream HTTP call, used both for quota
// accounting and as provenance on every other entity.
type ApiCallLog struct {
	ID     int64
	URL    string
	Params string // JSON-encoded query params
	Size   *int64 // nil only if truly unknown; 0 on network failure
	Status int
	Error  *string
	Source ApiCallSource
	Time   time.Time
}

// Region is a named geographic area. Created on first reference, destroyed
// only via agency refresh.
type Region struct {
	ID    int64
	Title string
}

// Agency is a transit operator.
type Agency struct {
	ID         int64
	Tag        string
	Title      string
	ShortTitle string
	RegionID   int64
	ApiCallID  *int64
}

// AgencyBounds is the derived (never stored) bounding box of an agency's
// routes.
type AgencyBounds struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

// Route is a named transit line belonging to one agency.
type Route struct {
	ID            int64
	Tag           string
	AgencyID      int64
	Title         string
	ShortTitle    string
	Color         string
	OppositeColor string
	LatMin        *float64
	LatMax        *float64
	LonMin        *float64
	LonMax        *float64
	ApiCallID     *int64
}

// Direction is a route's named operating direction.
type Direction struct {
	ID      int64
	Tag     string
	RouteID int64
	Title   string
	Name    string
}

// Stop is a physical boarding location shared across routes, coalesced by
// title and coordinate proximity (see normalize.Coalesce).
type Stop struct {
	ID          int64
	Title       string
	Lat         float64
	Lon         float64
	LatLonCount int
	StopID      *string // upstream's own stop identifier, if any
}

// RouteStop associates a Route with a Stop, carrying the route-local tag the
// upstream feed uses to refer to the stop.
type RouteStop struct {
	RouteID int64
	StopID  int64
	StopTag string
}

// Prediction is an arrival-time forecast for a vehicle at a stop.
type Prediction struct {
	ID             int64
	RouteID        int64
	StopID         int64
	DirectionID    *int64
	Vehicle        string
	PredictionTime time.Time
	Created        time.Time
	IsDeparture    bool
	HasLayover     bool
	Block          string
	ApiCallID      *int64
}

// VehicleLocation is a timestamped GPS sample for a vehicle on a route.
type VehicleLocation struct {
	ID           int64
	Vehicle      string
	RouteID      int64
	DirectionID  *int64
	Lat          float64
	Lon          float64
	Time         time.Time
	Predictable  bool
	Heading      *int // nil when upstream reports a negative heading
	Speed        float64
	ApiCallID    *int64
}
